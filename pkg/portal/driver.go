// Package portal drives a browser through the school search portal.
//
// A Driver owns at most one browser session at a time. The session is opened
// lazily, reused across units, and torn down by Reset or Close; Close must be
// called on every exit path.
package portal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
	"schoolscraper/pkg/ratelimit"
	"schoolscraper/pkg/wait"
)

// Option is one entry of a search form select
type Option struct {
	Label string
	Value string
}

// ResultState is what the portal showed after a search
type ResultState int

const (
	ResultsShown ResultState = iota
	NoResults
)

// Session is the set of page interactions a Driver sequences. The
// playwright-backed implementation is BrowserSession.
type Session interface {
	// OpenSearch navigates to the advanced search form
	OpenSearch(ctx context.Context) error
	// Options lists the choices of the which-th form select, placeholder excluded
	Options(ctx context.Context, which int) ([]Option, error)
	// Choose selects value in the which-th form select
	Choose(ctx context.Context, which int, value string) error
	// Submit clicks the search button
	Submit(ctx context.Context) error
	// AwaitResults waits until rows or a no-results notice render
	AwaitResults(ctx context.Context) (ResultState, error)
	// Rows reads the result rows of the current page
	Rows(ctx context.Context, page int) ([]models.RawRow, error)
	// NextPage advances pagination, reporting false on the last page
	NextPage(ctx context.Context) (bool, error)
	// SetPageSize asks the portal for size rows per page and reports whether
	// the portal offered that size
	SetPageSize(ctx context.Context, size int) (bool, error)
	// OpenDetail loads a school detail page without leaving the search form
	OpenDetail(ctx context.Context, url string) (models.DetailPage, error)
	Close() error
}

const defaultElementTimeout = 10 * time.Second

// SessionFactory opens a fresh session
type SessionFactory func(ctx context.Context) (Session, error)

// Driver fetches raw rows for work units
type Driver struct {
	cfg    config.PortalConfig
	open   SessionFactory
	pacer  ratelimit.Limiter
	logger logger.Logger

	mu       sync.Mutex
	session  Session
	onSearch bool
	// state currently chosen in the session's search form and the
	// districts the portal loaded for it
	selected  string
	districts []Option
}

// NewDriver creates a driver whose sessions are opened by open. Pass
// BrowserSessions(cfg, log) for a real browser.
func NewDriver(cfg config.PortalConfig, open SessionFactory, log logger.Logger) *Driver {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = defaultElementTimeout
	}
	return &Driver{
		cfg:    cfg,
		open:   open,
		pacer:  ratelimit.NewPacer(cfg.WaitBetweenPages),
		logger: log.WithField("component", "portal"),
	}
}

// WithWorker tags the driver's log lines with a worker id
func (d *Driver) WithWorker(id int) *Driver {
	d.logger = d.logger.WithField("worker_id", id)
	return d
}

// ensureSession returns the current session, opening one if needed
func (d *Driver) ensureSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.session == nil {
		s, err := d.open(ctx)
		if err != nil {
			return nil, err
		}
		d.session = s
		d.onSearch = false
		d.selected, d.districts = "", nil
		d.logger.Debug("Browser session opened")
	}
	return d.session, nil
}

// acquire returns the current session positioned on the search form,
// opening one if needed
func (d *Driver) acquire(ctx context.Context) (Session, error) {
	if _, err := d.ensureSession(ctx); err != nil {
		return nil, err
	}
	if !d.onSearch {
		if err := d.session.OpenSearch(ctx); err != nil {
			return nil, err
		}
		d.onSearch = true
		d.selected, d.districts = "", nil
	}
	return d.session, nil
}

// Districts selects state and reads the district list the portal offers for
// it, in portal order. A district select that never populates yields no
// districts.
func (d *Driver) Districts(ctx context.Context, state string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	options, err := d.selectState(ctx, s, state)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(options))
	for i, o := range options {
		names[i] = o.Label
	}
	d.logger.DebugWithFields("Districts discovered", map[string]interface{}{
		"state":     state,
		"districts": len(names),
	})
	return names, nil
}

// Fetch runs the search for unit and reads every result page. A "no
// results" notice is a valid empty outcome. When pagination fails part way,
// or stops at the page limit, the rows read so far are returned together
// with the error.
func (d *Driver) Fetch(ctx context.Context, unit models.WorkUnit) ([]models.RawRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := d.selectState(ctx, s, unit.State); err != nil {
		return nil, err
	}
	if !unit.IsStateLevel() {
		if err := d.choose(ctx, s, districtSelect, unit.District); err != nil {
			return nil, err
		}
	}

	if err := s.Submit(ctx); err != nil {
		return nil, err
	}
	state, err := s.AwaitResults(ctx)
	if err != nil {
		return nil, err
	}
	if state == NoResults {
		d.logger.InfoWithFields("No results", map[string]interface{}{"unit": unit.String()})
		return nil, nil
	}

	if d.cfg.PageSize > 0 {
		ok, err := s.SetPageSize(ctx, d.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		if !ok {
			d.logger.DebugWithFields("Page size not offered, keeping the default", map[string]interface{}{
				"page_size": d.cfg.PageSize,
			})
		}
	}

	maxPages := d.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}

	d.pacer.Reset()
	var rows []models.RawRow
	for page := 1; ; page++ {
		pageRows, err := s.Rows(ctx, page)
		if err != nil {
			return rows, err
		}
		rows = append(rows, pageRows...)

		if err := d.pacer.Wait(ctx); err != nil {
			return rows, err
		}
		more, err := s.NextPage(ctx)
		if err != nil {
			return rows, err
		}
		if !more {
			break
		}
		if page >= maxPages {
			d.logger.WarnWithFields("Page limit reached", map[string]interface{}{
				"unit":      unit.String(),
				"max_pages": maxPages,
				"rows":      len(rows),
			})
			return rows, errs.New(errs.KindPageLimit, "fetch",
				fmt.Sprintf("more results after %d pages", maxPages))
		}
	}

	d.logger.DebugWithFields("Unit fetched", map[string]interface{}{
		"unit": unit.String(),
		"rows": len(rows),
	})
	return rows, nil
}

// Detail loads the school detail page at url. The search form and the
// chosen state stay as they were.
func (d *Driver) Detail(ctx context.Context, url string) (models.DetailPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.ensureSession(ctx)
	if err != nil {
		return models.DetailPage{}, err
	}
	return s.OpenDetail(ctx, url)
}

// choose selects the option whose label matches want, ignoring case and
// spacing
func (d *Driver) choose(ctx context.Context, s Session, which int, want string) error {
	options, err := s.Options(ctx, which)
	if err != nil {
		return err
	}
	for _, o := range options {
		if sameLabel(o.Label, want) {
			return s.Choose(ctx, which, o.Value)
		}
	}
	return errs.New(errs.KindElementNotFound, "choose option",
		fmt.Sprintf("%q not offered (%d options)", want, len(options)))
}

// selectState chooses state in the search form and returns the district
// options the portal loaded for it. The district list shown before the
// change belongs to the previous state, so it is not accepted as the new
// state's list.
func (d *Driver) selectState(ctx context.Context, s Session, state string) ([]Option, error) {
	if d.selected != "" && sameLabel(d.selected, state) {
		return d.districts, nil
	}

	stale, err := s.Options(ctx, districtSelect)
	if err != nil {
		return nil, err
	}
	d.selected, d.districts = "", nil
	if err := d.choose(ctx, s, stateSelect, state); err != nil {
		return nil, err
	}
	options, err := d.awaitOptions(ctx, s, stale)
	if err != nil {
		return nil, err
	}
	d.selected, d.districts = state, options
	return options, nil
}

// awaitOptions waits for the district select to populate with a list other
// than stale. A select that stays empty means the state has no districts; a
// select still showing stale after the element timeout is a timeout.
func (d *Driver) awaitOptions(ctx context.Context, s Session, stale []Option) ([]Option, error) {
	var options []Option
	outcome, err := wait.Poll(ctx, wait.Options{Timeout: d.cfg.ElementTimeout, Interval: d.cfg.PollInterval},
		func(ctx context.Context) (bool, error) {
			var err error
			options, err = s.Options(ctx, districtSelect)
			return len(options) > 0 && !sameOptions(options, stale), err
		})
	if err != nil {
		return nil, err
	}
	if outcome == wait.TimedOut {
		if len(options) > 0 {
			// reload the form so the next attempt starts from an empty list
			d.onSearch = false
			return nil, errs.New(errs.KindTimeout, "district list",
				fmt.Sprintf("still showing the previous state's %d districts", len(options)))
		}
		d.logger.Debug("District select stayed empty")
		return nil, nil
	}
	return options, nil
}

func sameOptions(a, b []Option) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reset discards the session. The next call opens a fresh one.
func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("Resetting browser session")
	return d.closeLocked()
}

// Close releases the browser session
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Driver) closeLocked() error {
	d.onSearch = false
	d.selected, d.districts = "", nil
	if d.session == nil {
		return nil
	}
	err := d.session.Close()
	d.session = nil
	if err != nil {
		d.logger.WithError(err).Warn("Closing browser session failed")
	}
	return err
}

func sameLabel(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToUpper(strings.Join(strings.Fields(s), " "))
		return strings.ReplaceAll(s, " AND ", " & ")
	}
	return norm(a) == norm(b)
}
