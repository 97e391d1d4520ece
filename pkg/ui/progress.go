package ui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"schoolscraper/pkg/models"
)

// ProgressPrinter prints one line per processed unit. It implements
// reporter.Reporter so it can sit next to the log and webhook reporters.
type ProgressPrinter struct {
	mu        sync.Mutex
	startTime time.Time
	total     int
}

// NewProgressPrinter creates a printer. total is the number of units
// expected, or 0 when unknown.
func NewProgressPrinter(total int) *ProgressPrinter {
	return &ProgressPrinter{startTime: time.Now(), total: total}
}

// Report prints the event
func (p *ProgressPrinter) Report(ctx context.Context, e models.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter := fmt.Sprintf("%d", e.ProcessedUnits)
	if p.total > 0 {
		counter = fmt.Sprintf("%d/%d", e.ProcessedUnits, p.total)
	}

	status := Green(string(e.Status))
	switch e.Status {
	case models.StatusPartialFailure:
		status = Yellow(string(e.Status))
	case models.StatusFailure:
		status = Red(string(e.Status))
	}

	line := fmt.Sprintf("[%s] %s %s %s %s",
		Cyan(counter),
		e.Unit.String(),
		status,
		Dim(fmt.Sprintf("%d records, %d total", e.Records, e.RecordsWrittenSoFar)),
		Dim(p.rate(e.RecordsWrittenSoFar)),
	)
	if e.Error != "" {
		line += " " + Red(truncate(e.Error, 100))
	}
	printf(false, "%s\n", line)
	return nil
}

func (p *ProgressPrinter) rate(written int) string {
	elapsed := time.Since(p.startTime)
	if elapsed < time.Second {
		return ""
	}
	return fmt.Sprintf("(%.1f records/min)", float64(written)/elapsed.Minutes())
}
