// Package job is the control surface over a Scraper: start a run in the
// background, cancel it, and poll its status.
package job

import (
	"context"
	"errors"
	"sync"

	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

// ErrNotRunning is returned by Cancel when no run is active
var ErrNotRunning = errors.New("no scrape job is running")

// ErrAlreadyRunning is returned by Start while a run is active
var ErrAlreadyRunning = errors.New("a scrape job is already running")

// Runner is what the controller drives. scraper.Scraper implements it.
type Runner interface {
	Run(ctx context.Context, selection []string) (*models.Summary, error)
	Status() models.JobStatus
}

// Outcome is the result of a finished run
type Outcome struct {
	Summary *models.Summary
	Err     error
}

// Controller runs at most one job at a time
type Controller struct {
	runner Runner
	logger logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *Outcome
}

// NewController creates a controller over runner
func NewController(runner Runner, log logger.Logger) *Controller {
	if log == nil {
		return &Controller{runner: runner, logger: logger.ForComponent("job")}
	}
	return &Controller{
		runner: runner,
		logger: log.WithField("component", "job"),
	}
}

// Start begins a run over selection (all states when empty) and returns
// immediately. The run ends when it completes, parent is cancelled, or
// Cancel is called.
func (c *Controller) Start(parent context.Context, selection []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			return ErrAlreadyRunning
		}
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.last = nil

	go func() {
		defer close(done)
		defer cancel()

		summary, err := c.runner.Run(ctx, selection)
		if err != nil {
			c.logger.WithError(err).Error("Scrape job ended with an error")
		}

		c.mu.Lock()
		c.last = &Outcome{Summary: summary, Err: err}
		c.mu.Unlock()
	}()

	c.logger.InfoWithFields("Scrape job started", map[string]interface{}{
		"selection": selection,
	})
	return nil
}

// Cancel asks the active run to stop after the unit in flight
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		return ErrNotRunning
	}
	select {
	case <-c.done:
		return ErrNotRunning
	default:
	}

	c.logger.Info("Cancelling scrape job")
	c.cancel()
	return nil
}

// Status returns a snapshot of the active or last run
func (c *Controller) Status() models.JobStatus {
	return c.runner.Status()
}

// Wait blocks until the active run ends or ctx is done, and returns its
// outcome. It returns the last outcome when no run is active.
func (c *Controller) Wait(ctx context.Context) (*Outcome, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil, ErrNotRunning
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}
