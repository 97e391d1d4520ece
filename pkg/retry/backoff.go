package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"schoolscraper/pkg/config"
)

// BackoffStrategy defines the interface for different backoff strategies
type BackoffStrategy interface {
	// NextDelay returns the delay to wait after the given failed attempt (1-based)
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay geometrically from BaseDelay. The
// returned delay is never below BaseDelay: jitter is only ever added.
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultExponentialBackoff returns a backoff with sensible defaults
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    5 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// BackoffFromConfig builds the exponential backoff described by cfg
func BackoffFromConfig(cfg config.RetryConfig) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
		JitterFactor: cfg.JitterFactor,
	}
}

// NextDelay calculates the next delay with exponential growth and jitter
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	mult := eb.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(eb.BaseDelay) * math.Pow(mult, float64(attempt-1))

	if eb.MaxDelay > 0 && delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.JitterFactor > 0 {
		delay += rand.Float64() * delay * eb.JitterFactor
	}

	if delay < float64(eb.BaseDelay) {
		delay = float64(eb.BaseDelay)
	}
	return time.Duration(delay)
}

// ConstantBackoff implements constant delay backoff
type ConstantBackoff struct {
	Delay time.Duration
}

// NextDelay returns a constant delay
func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}
