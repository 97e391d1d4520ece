// Package reporter delivers progress events to whoever is watching a job.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"schoolscraper/pkg/config"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

// Reporter receives one event per processed unit. Implementations must not
// block the pipeline for long and must not fail it: errors are for logging.
type Reporter interface {
	Report(ctx context.Context, event models.ProgressEvent) error
}

// Func adapts a function to Reporter
type Func func(ctx context.Context, event models.ProgressEvent) error

func (f Func) Report(ctx context.Context, event models.ProgressEvent) error {
	return f(ctx, event)
}

// LogReporter writes events to the structured log
type LogReporter struct {
	logger logger.Logger
}

func NewLogReporter(log logger.Logger) *LogReporter {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &LogReporter{logger: log.WithField("component", "progress")}
}

func (r *LogReporter) Report(ctx context.Context, e models.ProgressEvent) error {
	fields := map[string]interface{}{
		"run_id":          e.RunID,
		"unit":            e.Unit.String(),
		"status":          string(e.Status),
		"records":         e.Records,
		"records_written": e.RecordsWrittenSoFar,
		"processed_units": e.ProcessedUnits,
		"failed_units":    e.FailedUnits,
	}
	if e.Status == models.StatusSuccess {
		r.logger.InfoWithFields("Unit processed", fields)
		return nil
	}
	fields["error_kind"] = e.ErrorKind
	fields["error"] = e.Error
	r.logger.WarnWithFields("Unit failed", fields)
	return nil
}

// WebhookReporter POSTs each event as JSON to a URL
type WebhookReporter struct {
	url    string
	client *resty.Client
}

// NewWebhookReporter creates a reporter bounded by cfg.WebhookTimeout per call
func NewWebhookReporter(cfg config.ReportingConfig) *WebhookReporter {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("content-type", "application/json")
	client.SetHeader("user-agent", "schoolscraper")
	return &WebhookReporter{url: cfg.WebhookURL, client: client}
}

func (r *WebhookReporter) Report(ctx context.Context, e models.ProgressEvent) error {
	res, err := r.client.R().
		SetContext(ctx).
		SetBody(e).
		Post(r.url)
	if err != nil {
		return fmt.Errorf("progress webhook: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("progress webhook: unexpected status %d", res.StatusCode())
	}
	return nil
}

// Multi fans an event out to several reporters. Every reporter is called;
// their errors are joined.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, e models.ProgressEvent) error {
	var errList []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, e); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Recorder keeps every event it receives in memory, in delivery order
type Recorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (r *Recorder) Report(ctx context.Context, e models.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

// FromConfig builds the reporter chain: the log always, plus the webhook
// when one is configured
func FromConfig(cfg config.ReportingConfig, log logger.Logger) Reporter {
	chain := Multi{NewLogReporter(log)}
	if cfg.WebhookURL != "" {
		chain = append(chain, NewWebhookReporter(cfg))
	}
	return chain
}
