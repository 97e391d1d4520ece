package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// ForComponent returns the global logger tagged with a component name
func ForComponent(component string) Logger {
	return GetLogger().WithField("component", component)
}

// LogUnitResult logs the outcome of one scraped unit at a level matching
// its status.
func LogUnitResult(l Logger, unit, status string, records, attempts int, err error) {
	fields := map[string]interface{}{
		"unit":     unit,
		"status":   status,
		"records":  records,
		"attempts": attempts,
	}
	switch {
	case err != nil && status == "failure":
		l.WithError(err).ErrorWithFields("Unit failed", fields)
	case err != nil:
		l.WithError(err).WarnWithFields("Unit partially scraped", fields)
	default:
		l.InfoWithFields("Unit completed", fields)
	}
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, settings map[string]interface{}) {
	l = l.WithField("component", component)
	if len(settings) > 0 {
		l = l.WithFields(settings)
	}
	l.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component, reason string) {
	l.WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return nil }
