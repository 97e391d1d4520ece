package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolscraper/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{"info level", &config.LoggingConfig{Level: "info"}, false},
		{"debug level", &config.LoggingConfig{Level: "debug"}, false},
		{"invalid level", &config.LoggingConfig{Level: "invalid"}, true},
		{"file output", &config.LoggingConfig{Level: "info", File: filepath.Join(t.TempDir(), "logs", "run.log")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewWithOptions(tt.cfg, Options{Out: &bytes.Buffer{}})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"DEBUG", zerolog.DebugLevel, false},
		{"info", zerolog.InfoLevel, false},
		{"", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"loud", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLogLevel(tt.level)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestNonTerminalWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOptions(&config.LoggingConfig{Level: "debug"}, Options{Out: &buf})
	require.NoError(t, err)

	l.WithField("unit", "GOA / NORTH GOA").
		WithError(errors.New("boom")).
		InfoWithFields("Unit completed", map[string]interface{}{"records": 3})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "schoolscraper", line["app"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "Unit completed", line["message"])
	assert.Equal(t, "GOA / NORTH GOA", line["unit"])
	assert.Equal(t, "boom", line["error"])
	assert.EqualValues(t, 3, line["records"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOptions(&config.LoggingConfig{Level: "warn"}, Options{Out: &buf})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestWithFieldsDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOptions(&config.LoggingConfig{Level: "info"}, Options{Out: &buf})
	require.NoError(t, err)

	child := l.WithField("worker", 2)
	child.Info("from child")
	buf.Reset()

	l.Info("from parent")
	assert.NotContains(t, buf.String(), "worker")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	l, err := NewWithOptions(&config.LoggingConfig{Level: "info", File: path}, Options{Out: &bytes.Buffer{}})
	require.NoError(t, err)

	l.Info("persisted line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "persisted line"))
}

func TestLogUnitResult(t *testing.T) {
	tl := NewTestLogger()

	LogUnitResult(tl, "GOA / NORTH GOA", "success", 12, 1, nil)
	LogUnitResult(tl, "GOA / SOUTH GOA", "partial_failure", 4, 3, errors.New("timeout"))
	LogUnitResult(tl, "KERALA / IDUKKI", "failure", 0, 3, errors.New("timeout"))

	msgs := tl.GetMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "INFO", msgs[0].Level)
	assert.Equal(t, "WARN", msgs[1].Level)
	assert.Equal(t, "ERROR", msgs[2].Level)
	assert.Equal(t, 12, msgs[0].Fields["records"])
	assert.EqualError(t, msgs[2].Error, "timeout")
}

func TestTestLoggerSharesSink(t *testing.T) {
	tl := NewTestLogger()
	child := tl.WithField("component", "pool").WithError(errors.New("x"))
	child.Warn("child warning")
	tl.Info("root info")

	assert.True(t, tl.HasMessage("child warning"))
	assert.Len(t, tl.GetMessagesByLevel("WARN"), 1)
	assert.Equal(t, "pool", tl.GetMessagesByLevel("WARN")[0].Fields["component"])
	assert.False(t, tl.HasError())

	tl.Clear()
	assert.Empty(t, tl.GetMessages())
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	assert.NotPanics(t, func() {
		l.WithField("a", 1).WithError(errors.New("e")).Info("nothing")
		l.ErrorWithFields("nothing", nil)
	})
	assert.Nil(t, l.GetZerolog())
}
