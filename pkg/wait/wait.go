// Package wait provides a bounded poll-with-timeout primitive for page
// rendering checks.
package wait

import (
	"context"
	"time"
)

// Outcome is the typed result of a bounded wait
type Outcome int

const (
	// Ready means the condition reported done before the deadline
	Ready Outcome = iota
	// TimedOut means the deadline passed first
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Condition is polled until it reports done or returns an error
type Condition func(ctx context.Context) (done bool, err error)

// Options bound a poll loop
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

const defaultInterval = 250 * time.Millisecond

// Poll evaluates cond immediately and then every Interval until it reports
// done, fails, or Timeout elapses. A cancelled parent context returns its
// error; an elapsed Timeout is not an error and yields TimedOut.
func Poll(ctx context.Context, opts Options, cond Condition) (Outcome, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := cond(ctx)
		if err != nil {
			return TimedOut, err
		}
		if done {
			return Ready, nil
		}

		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-deadline:
			// one last look so a condition that became true at the edge counts
			if done, err := cond(ctx); err == nil && done {
				return Ready, nil
			}
			return TimedOut, nil
		case <-ticker.C:
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
