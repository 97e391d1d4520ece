// Package logger provides the structured logging interface used across the
// scraper.
//
// It wraps zerolog. When stderr is a terminal, lines are rendered with the
// coloured console writer. Otherwise they are emitted as JSON so runs piped
// into files or collectors stay machine-readable. A log file can be added on
// top of the console stream.
//
// Basic usage:
//
//	log, err := logger.New(&cfg.Logging)
//	log.WithField("unit", unit.String()).Info("Unit completed")
//
// Tests use NewTestLogger to capture messages or NewNopLogger to discard them.
package logger
