package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://udiseplus.gov.in/#/en/home", cfg.Portal.BaseURL)
	assert.True(t, cfg.Portal.Headless)
	assert.Equal(t, 20*time.Second, cfg.Portal.PageLoadTimeout)
	assert.Equal(t, 100, cfg.Portal.MaxPages)
	assert.Equal(t, 100, cfg.Portal.PageSize)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)

	assert.Equal(t, 1, cfg.Job.Workers)
	assert.Empty(t, cfg.Job.States)

	assert.Equal(t, "./output", cfg.Output.Directory)
	assert.True(t, cfg.Output.FilePerState)
	assert.Equal(t, 100, cfg.Output.BackupFrequency)
	assert.True(t, cfg.Output.SplitLinks)

	assert.True(t, cfg.Detail.Enabled)
	assert.Equal(t, 2, cfg.Detail.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Detail.WaitBetweenSchools)

	assert.Equal(t, BackendFile, cfg.Checkpoint.Backend)
	assert.False(t, cfg.Sheets.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SCHOOLSCRAPER_MAX_RETRIES", "5")
	t.Setenv("SCHOOLSCRAPER_RETRY_DELAY", "30")
	t.Setenv("SCHOOLSCRAPER_PAGE_LOAD_TIMEOUT", "45s")
	t.Setenv("SCHOOLSCRAPER_BACKUP_FREQUENCY", "250")
	t.Setenv("SCHOOLSCRAPER_STATES", "GOA, KERALA ,")
	t.Setenv("SCHOOLSCRAPER_HEADLESS", "false")
	t.Setenv("SCHOOLSCRAPER_SPREADSHEET_ID", "sheet-123")
	t.Setenv("SCHOOLSCRAPER_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 45*time.Second, cfg.Portal.PageLoadTimeout)
	assert.Equal(t, 250, cfg.Output.BackupFrequency)
	assert.Equal(t, []string{"GOA", "KERALA"}, cfg.Job.States)
	assert.False(t, cfg.Portal.Headless)
	assert.True(t, cfg.Sheets.Enabled)
	assert.Equal(t, "sheet-123", cfg.Sheets.SpreadsheetID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvInvalidNumber(t *testing.T) {
	t.Setenv("SCHOOLSCRAPER_MAX_RETRIES", "three")

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHOOLSCRAPER_MAX_RETRIES")
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
portal:
  headless: false
  max_pages: 10
retry:
  max_attempts: 4
  base_delay: 2s
job:
  states: ["GOA"]
  workers: 2
output:
  directory: /tmp/schools
  file_per_state: false
checkpoint:
  backend: sqlite
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.False(t, cfg.Portal.Headless)
	assert.Equal(t, 10, cfg.Portal.MaxPages)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, []string{"GOA"}, cfg.Job.States)
	assert.Equal(t, 2, cfg.Job.Workers)
	assert.Equal(t, "/tmp/schools", cfg.Output.Directory)
	assert.False(t, cfg.Output.FilePerState)
	assert.Equal(t, BackendSQLite, cfg.Checkpoint.Backend)

	// untouched sections keep defaults
	assert.Equal(t, 100, cfg.Output.BackupFrequency)
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max attempts must be at least 1"},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = time.Second }, "max delay must not be below base delay"},
		{"bad jitter", func(c *Config) { c.Retry.JitterFactor = 1.5 }, "jitter factor"},
		{"no workers", func(c *Config) { c.Job.Workers = 0 }, "workers must be positive"},
		{"bad backup frequency", func(c *Config) { c.Output.BackupFrequency = 0 }, "backup frequency"},
		{"no detail attempts", func(c *Config) { c.Detail.MaxAttempts = 0 }, "detail max attempts"},
		{"detail attempts unused when disabled", func(c *Config) { c.Detail.Enabled = false; c.Detail.MaxAttempts = 0 }, ""},
		{"bad backend", func(c *Config) { c.Checkpoint.Backend = "redis" }, "unknown checkpoint backend"},
		{"bad browser", func(c *Config) { c.Portal.Browser = "netscape" }, "unsupported browser"},
		{"sheets without id", func(c *Config) { c.Sheets.Enabled = true }, "spreadsheet ID is required"},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeCommandLineFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeCommandLineFlags(map[string]interface{}{
		"output":             "/data/out",
		"workers":            3,
		"max-retries":        6,
		"headless":           false,
		"combined":           true,
		"checkpoint-backend": BackendSQLite,
		"spreadsheet-id":     "abc",
		"skip-details":       true,
	})

	assert.Equal(t, "/data/out", cfg.Output.Directory)
	assert.Equal(t, 3, cfg.Job.Workers)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.Portal.Headless)
	assert.False(t, cfg.Output.FilePerState)
	assert.Equal(t, BackendSQLite, cfg.Checkpoint.Backend)
	assert.True(t, cfg.Sheets.Enabled)
	assert.False(t, cfg.Detail.Enabled)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 4\njob:\n  workers: 2\n"), 0644))
	t.Setenv("SCHOOLSCRAPER_MAX_RETRIES", "5")

	cfg, err := Load(path, map[string]interface{}{"max-retries": 7})
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retry.MaxAttempts, "flags beat env and file")
	assert.Equal(t, 2, cfg.Job.Workers, "file beats defaults")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Job.States = []string{"GOA", "SIKKIM"}

	require.NoError(t, cfg.Save(path))

	loaded := DefaultConfig()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, cfg.Job.States, loaded.Job.States)
	assert.Equal(t, cfg.Retry.BaseDelay, loaded.Retry.BaseDelay)
}
