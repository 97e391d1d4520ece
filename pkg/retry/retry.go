package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/wait"
)

// OperationWithResult is a function that returns a result and might need retrying
type OperationWithResult[T any] func(ctx context.Context) (T, error)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the total number of tries, including the first one
	MaxAttempts int
	// Backoff strategy to use between attempts
	Backoff BackoffStrategy
	// RetryIf determines if an error should be retried
	RetryIf func(error) bool
	// Reset rebuilds the browser session. It runs before the next attempt
	// whenever the failure kind says the session model is wrong, and once
	// more after giving up so the following unit starts clean.
	Reset func(ctx context.Context) error
	// OnRetry is called before each wait
	OnRetry func(attempt int, err error, delay time.Duration)
	// Logger for retry attempts
	Logger logger.Logger
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Backoff:     DefaultExponentialBackoff(),
		RetryIf:     DefaultRetryIf,
		Logger:      logger.NewNopLogger(),
	}
}

// FromConfig builds a retry Config from the application settings
func FromConfig(cfg config.RetryConfig, log logger.Logger) *Config {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Config{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     BackoffFromConfig(cfg),
		RetryIf:     DefaultRetryIf,
		Logger:      log,
	}
}

// DefaultRetryIf retries the unit-scoped failure kinds: timeouts, network
// errors, missing elements and unexpected page states.
func DefaultRetryIf(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errs.IsRetryable(errs.KindOf(err))
}

// Stats describes how a Run went
type Stats struct {
	Attempts int
	Resets   int
	Elapsed  time.Duration
}

// ExhaustedError is returned when every attempt failed. It unwraps to the
// last attempt's error so its kind is preserved.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retry attempts (%d) exceeded: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Run executes op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. The value from the last attempt is returned even
// on failure so callers can keep partial results.
func Run[T any](ctx context.Context, cfg *Config, op OperationWithResult[T]) (T, Stats, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultExponentialBackoff()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	stats := Stats{}
	var result T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stats.Attempts = attempt

		result, lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			stats.Elapsed = time.Since(start)
			return result, stats, nil
		}

		kind := errs.KindOf(lastErr)
		if !retryIf(lastErr) {
			log.DebugWithFields("error is not retryable", map[string]interface{}{
				"error": lastErr.Error(),
				"kind":  string(kind),
			})
			stats.Elapsed = time.Since(start)
			return result, stats, lastErr
		}

		if errs.NeedsSessionReset(kind) && cfg.Reset != nil {
			stats.Resets++
			if err := cfg.Reset(ctx); err != nil {
				log.WithError(err).Warn("session reset failed")
			}
		}

		if attempt == maxAttempts {
			break
		}

		delay := backoff.NextDelay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}
		log.WarnWithFields("retrying operation", map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"kind":         string(kind),
			"error":        lastErr.Error(),
			"delay":        delay,
		})

		if err := wait.Sleep(ctx, delay); err != nil {
			stats.Elapsed = time.Since(start)
			return result, stats, fmt.Errorf("retry cancelled: %w", err)
		}
	}

	stats.Elapsed = time.Since(start)
	log.ErrorWithFields("max retry attempts exceeded", map[string]interface{}{
		"attempts":   stats.Attempts,
		"last_error": lastErr.Error(),
	})
	return result, stats, &ExhaustedError{Attempts: stats.Attempts, Last: lastErr}
}

// Retrier binds a Config for repeated use
type Retrier struct {
	config *Config
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(cfg *Config) *Retrier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Retrier{config: cfg}
}

// Config returns the bound configuration
func (r *Retrier) Config() *Config {
	return r.config
}

// WithReset returns a copy whose attempts reset the session through fn
func (r *Retrier) WithReset(fn func(ctx context.Context) error) *Retrier {
	newConfig := *r.config
	newConfig.Reset = fn
	return &Retrier{config: &newConfig}
}

// WithLogger returns a copy logging through l
func (r *Retrier) WithLogger(l logger.Logger) *Retrier {
	newConfig := *r.config
	newConfig.Logger = l
	return &Retrier{config: &newConfig}
}

// WithMaxAttempts returns a copy that tries at most n times
func (r *Retrier) WithMaxAttempts(n int) *Retrier {
	newConfig := *r.config
	newConfig.MaxAttempts = n
	return &Retrier{config: &newConfig}
}
