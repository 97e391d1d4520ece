package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the school scraper
type Config struct {
	// Portal holds browser and page settings for the Page Driver
	Portal PortalConfig `yaml:"portal" json:"portal"`

	// Retry controls the Retry/Backoff Controller
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Job controls unit selection, pacing and workers
	Job JobConfig `yaml:"job" json:"job"`

	// Output controls the CSV artifact
	Output OutputConfig `yaml:"output" json:"output"`

	// Detail controls the second pass over school detail pages
	Detail DetailConfig `yaml:"detail" json:"detail"`

	// Checkpoint controls resume storage
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`

	// Sheets controls the optional remote spreadsheet mirror
	Sheets SheetsConfig `yaml:"sheets" json:"sheets"`

	// Reporting controls where progress events go besides the log
	Reporting ReportingConfig `yaml:"reporting" json:"reporting"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PortalConfig holds Page Driver settings
type PortalConfig struct {
	BaseURL          string        `yaml:"base_url" json:"base_url"`
	Browser          string        `yaml:"browser" json:"browser"`
	Headless         bool          `yaml:"headless" json:"headless"`
	UserAgent        string        `yaml:"user_agent" json:"user_agent"`
	PageLoadTimeout  time.Duration `yaml:"page_load_timeout" json:"page_load_timeout"`
	ElementTimeout   time.Duration `yaml:"element_timeout" json:"element_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxPages         int           `yaml:"max_pages" json:"max_pages"`
	PageSize         int           `yaml:"page_size" json:"page_size"`
	WaitBetweenPages time.Duration `yaml:"wait_between_pages" json:"wait_between_pages"`
}

// RetryConfig holds retry/backoff settings for Page Driver calls
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor" json:"jitter_factor"`
}

// JobConfig holds selection and pacing settings
type JobConfig struct {
	States               []string      `yaml:"states" json:"states"`
	MaxDistrictsPerState int           `yaml:"max_districts_per_state" json:"max_districts_per_state"`
	WaitBetweenUnits     time.Duration `yaml:"wait_between_units" json:"wait_between_units"`
	WaitBetweenStates    time.Duration `yaml:"wait_between_states" json:"wait_between_states"`
	Workers              int           `yaml:"workers" json:"workers"`
}

// OutputConfig holds CSV artifact settings
type OutputConfig struct {
	Directory       string `yaml:"directory" json:"directory"`
	FilePerState    bool   `yaml:"file_per_state" json:"file_per_state"`
	BackupFrequency int    `yaml:"backup_frequency" json:"backup_frequency"`
	Manifest        bool   `yaml:"manifest" json:"manifest"`
	// SplitLinks also files each record under links/, split by whether it
	// has a detail link
	SplitLinks bool `yaml:"split_links" json:"split_links"`
}

// DetailConfig holds settings for the detail page pass
type DetailConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	MaxAttempts        int           `yaml:"max_attempts" json:"max_attempts"`
	WaitBetweenSchools time.Duration `yaml:"wait_between_schools" json:"wait_between_schools"`
}

// CheckpointConfig holds checkpoint store settings
type CheckpointConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// SheetsConfig holds remote spreadsheet settings
type SheetsConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	SpreadsheetID     string        `yaml:"spreadsheet_id" json:"spreadsheet_id"`
	CredentialsFile   string        `yaml:"credentials_file" json:"credentials_file"`
	CredentialsEnv    string        `yaml:"credentials_env" json:"credentials_env"`
	KeyringUser       string        `yaml:"keyring_user" json:"keyring_user"`
	WorksheetPerState bool          `yaml:"worksheet_per_state" json:"worksheet_per_state"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
}

// ReportingConfig holds progress reporting settings
type ReportingConfig struct {
	WebhookURL     string        `yaml:"webhook_url" json:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" json:"webhook_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// Checkpoint backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL:          "https://udiseplus.gov.in/#/en/home",
			Browser:          "chromium",
			Headless:         true,
			UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
			PageLoadTimeout:  20 * time.Second,
			ElementTimeout:   10 * time.Second,
			PollInterval:     250 * time.Millisecond,
			MaxPages:         100,
			PageSize:         100,
			WaitBetweenPages: 300 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    5 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		Job: JobConfig{
			States:               nil,
			MaxDistrictsPerState: 0,
			WaitBetweenUnits:     2 * time.Second,
			WaitBetweenStates:    5 * time.Second,
			Workers:              1,
		},
		Output: OutputConfig{
			Directory:       "./output",
			FilePerState:    true,
			BackupFrequency: 100,
			Manifest:        true,
			SplitLinks:      true,
		},
		Detail: DetailConfig{
			Enabled:            true,
			MaxAttempts:        2,
			WaitBetweenSchools: 500 * time.Millisecond,
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendFile,
			Path:    "",
		},
		Sheets: SheetsConfig{
			Enabled:           false,
			CredentialsEnv:    "GOOGLE_CREDENTIALS_JSON",
			WorksheetPerState: true,
			Timeout:           30 * time.Second,
		},
		Reporting: ReportingConfig{
			WebhookTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if v := os.Getenv("SCHOOLSCRAPER_BASE_URL"); v != "" {
		c.Portal.BaseURL = v
	}
	if v := os.Getenv("SCHOOLSCRAPER_HEADLESS"); v != "" {
		c.Portal.Headless = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("SCHOOLSCRAPER_PAGE_LOAD_TIMEOUT"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			c.Portal.PageLoadTimeout = d
		} else {
			errs = append(errs, fmt.Errorf("SCHOOLSCRAPER_PAGE_LOAD_TIMEOUT: %w", err))
		}
	}

	if v := os.Getenv("SCHOOLSCRAPER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		} else {
			errs = append(errs, fmt.Errorf("SCHOOLSCRAPER_MAX_RETRIES: %w", err))
		}
	}
	if v := os.Getenv("SCHOOLSCRAPER_RETRY_DELAY"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			c.Retry.BaseDelay = d
		} else {
			errs = append(errs, fmt.Errorf("SCHOOLSCRAPER_RETRY_DELAY: %w", err))
		}
	}

	if v := os.Getenv("SCHOOLSCRAPER_STATES"); v != "" {
		c.Job.States = splitList(v)
	}
	if v := os.Getenv("SCHOOLSCRAPER_MAX_DISTRICTS_PER_STATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Job.MaxDistrictsPerState = n
		} else {
			errs = append(errs, fmt.Errorf("SCHOOLSCRAPER_MAX_DISTRICTS_PER_STATE: %w", err))
		}
	}
	if v := os.Getenv("SCHOOLSCRAPER_WAIT_BETWEEN_DISTRICTS"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			c.Job.WaitBetweenUnits = d
		} else {
			errs = append(errs, fmt.Errorf("SCHOOLSCRAPER_WAIT_BETWEEN_DISTRICTS: %w", err))
		}
	}
	if v := os.Getenv("SCHOOLSCRAPER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Job.Workers = n
		} else {
			errs = append(errs, fmt.Errorf("SCHOOLSCRAPER_WORKERS: %w", err))
		}
	}

	if v := os.Getenv("SCHOOLSCRAPER_OUTPUT_DIR"); v != "" {
		c.Output.Directory = v
	}
	if v := os.Getenv("SCHOOLSCRAPER_BACKUP_FREQUENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Output.BackupFrequency = n
		} else {
			errs = append(errs, fmt.Errorf("SCHOOLSCRAPER_BACKUP_FREQUENCY: %w", err))
		}
	}

	if v := os.Getenv("SCHOOLSCRAPER_DETAILS"); v != "" {
		c.Detail.Enabled = strings.ToLower(v) == "true"
	}

	if v := os.Getenv("SCHOOLSCRAPER_SPREADSHEET_ID"); v != "" {
		c.Sheets.SpreadsheetID = v
		c.Sheets.Enabled = true
	}
	if v := os.Getenv("SCHOOLSCRAPER_WEBHOOK_URL"); v != "" {
		c.Reporting.WebhookURL = v
	}
	if v := os.Getenv("SCHOOLSCRAPER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".schoolscraper.yaml",
		".schoolscraper.yml",
		filepath.Join(home, ".config", "schoolscraper", "config.yaml"),
		filepath.Join(home, ".config", "schoolscraper", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Portal.BaseURL == "" {
		errs = append(errs, errors.New("portal base URL is required"))
	}
	switch strings.ToLower(c.Portal.Browser) {
	case "chromium", "firefox", "webkit":
	default:
		errs = append(errs, fmt.Errorf("unsupported browser %q", c.Portal.Browser))
	}
	if c.Portal.PageLoadTimeout <= 0 {
		errs = append(errs, errors.New("page load timeout must be positive"))
	}
	if c.Portal.ElementTimeout <= 0 {
		errs = append(errs, errors.New("element timeout must be positive"))
	}
	if c.Portal.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Portal.MaxPages <= 0 {
		errs = append(errs, errors.New("max pages must be positive"))
	}
	if c.Portal.PageSize < 0 {
		errs = append(errs, errors.New("page size cannot be negative"))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.Retry.MaxAttempts > 10 {
		errs = append(errs, errors.New("max attempts should not exceed 10"))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, errors.New("base delay cannot be negative"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("max delay must not be below base delay"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("backoff multiplier must be at least 1"))
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		errs = append(errs, errors.New("jitter factor must be between 0 and 1"))
	}

	if c.Job.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Job.Workers > 8 {
		errs = append(errs, errors.New("workers should not exceed 8"))
	}
	if c.Job.MaxDistrictsPerState < 0 {
		errs = append(errs, errors.New("max districts per state cannot be negative"))
	}

	if c.Output.Directory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Output.BackupFrequency <= 0 {
		errs = append(errs, errors.New("backup frequency must be positive"))
	}

	if c.Detail.Enabled && c.Detail.MaxAttempts <= 0 {
		errs = append(errs, errors.New("detail max attempts must be at least 1"))
	}
	if c.Detail.WaitBetweenSchools < 0 {
		errs = append(errs, errors.New("wait between schools cannot be negative"))
	}

	switch c.Checkpoint.Backend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}

	if c.Sheets.Enabled {
		if c.Sheets.SpreadsheetID == "" {
			errs = append(errs, errors.New("spreadsheet ID is required when sheets sync is enabled"))
		}
		if c.Sheets.Timeout <= 0 {
			errs = append(errs, errors.New("sheets timeout must be positive"))
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["output"].(string); ok && v != "" {
		c.Output.Directory = v
	}
	if v, ok := flags["workers"].(int); ok && v > 0 {
		c.Job.Workers = v
	}
	if v, ok := flags["max-retries"].(int); ok && v > 0 {
		c.Retry.MaxAttempts = v
	}
	if v, ok := flags["max-districts"].(int); ok && v >= 0 {
		c.Job.MaxDistrictsPerState = v
	}
	if v, ok := flags["headless"].(bool); ok {
		c.Portal.Headless = v
	}
	if v, ok := flags["combined"].(bool); ok && v {
		c.Output.FilePerState = false
	}
	if v, ok := flags["skip-details"].(bool); ok && v {
		c.Detail.Enabled = false
	}
	if v, ok := flags["checkpoint-backend"].(string); ok && v != "" {
		c.Checkpoint.Backend = v
	}
	if v, ok := flags["checkpoint-path"].(string); ok && v != "" {
		c.Checkpoint.Path = v
	}
	if v, ok := flags["spreadsheet-id"].(string); ok && v != "" {
		c.Sheets.SpreadsheetID = v
		c.Sheets.Enabled = true
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".schoolscraper.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// parseSeconds accepts either a Go duration ("30s") or a bare number of seconds
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
