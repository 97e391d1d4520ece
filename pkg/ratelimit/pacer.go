package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter defines the interface for rate limiting
type Limiter interface {
	// Allow reports whether an operation may proceed right now
	Allow() bool
	// Wait blocks until the next operation may proceed or ctx is done
	Wait(ctx context.Context) error
	// Reset forgets previous calls so the next one passes immediately
	Reset()
}

// Pacer spaces operations at least Interval apart
type Pacer struct {
	interval time.Duration
	mu       sync.Mutex
	limiter  *rate.Limiter
}

// NewPacer creates a pacer. A non-positive interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	p := &Pacer{interval: interval}
	p.limiter = p.newLimiter()
	return p
}

func (p *Pacer) newLimiter() *rate.Limiter {
	if p.interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(p.interval), 1)
}

func (p *Pacer) current() *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limiter
}

// Interval returns the configured gap
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

func (p *Pacer) Allow() bool {
	return p.current().Allow()
}

func (p *Pacer) Wait(ctx context.Context) error {
	return p.current().Wait(ctx)
}

func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = p.newLimiter()
}

var _ Limiter = (*Pacer)(nil)
