package scraper

import (
	"context"

	"schoolscraper/pkg/models"
)

// PageDriver fetches raw result rows over one owned browser session.
// portal.Driver is the production implementation.
type PageDriver interface {
	Districts(ctx context.Context, state string) ([]string, error)
	Fetch(ctx context.Context, unit models.WorkUnit) ([]models.RawRow, error)
	Detail(ctx context.Context, url string) (models.DetailPage, error)
	Reset(ctx context.Context) error
	Close() error
}

// DriverFactory creates the driver for one worker. Drivers are never shared
// between workers.
type DriverFactory func(workerID int) (PageDriver, error)
