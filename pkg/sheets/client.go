// Package sheets mirrors scraped records into a Google spreadsheet.
package sheets

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

// CombinedWorksheet holds every record when worksheets are not split by state
const CombinedWorksheet = "ALL_SCHOOLS"

const defaultBatchSize = 500

// Client appends records to one spreadsheet
type Client struct {
	svc           *gsheets.Service
	spreadsheetID string
	perState      bool
	batchSize     int
	columns       []string
	logger        logger.Logger

	mu       sync.Mutex
	known    map[string]bool
	headered map[string]bool
	loaded   bool
}

// New creates a client authenticated with the credentials resolved from cfg
func New(ctx context.Context, cfg config.SheetsConfig, log logger.Logger) (*Client, error) {
	creds, err := ResolveCredentials(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(ctx, cfg, log, option.WithCredentialsJSON(creds))
}

// NewWithOptions creates a client with explicit API options
func NewWithOptions(ctx context.Context, cfg config.SheetsConfig, log logger.Logger, opts ...option.ClientOption) (*Client, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.SpreadsheetID == "" {
		return nil, errs.New(errs.KindCredential, "sheets connect", "spreadsheet ID is required")
	}

	opts = append(opts, option.WithScopes(gsheets.SpreadsheetsScope))
	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindCredential, "sheets connect", err)
	}

	return &Client{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		perState:      cfg.WorksheetPerState,
		batchSize:     defaultBatchSize,
		columns:       models.Columns,
		logger:        log.WithField("component", "sheets"),
		known:         make(map[string]bool),
		headered:      make(map[string]bool),
	}, nil
}

// WorksheetTitle derives the worksheet title for a state name
func WorksheetTitle(name string) string {
	title := strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
	title = strings.ReplaceAll(title, "&", "and")
	return strings.ToUpper(title)
}

// Append writes records to their worksheets in order, creating worksheets
// and header rows as needed. It returns how many leading records were
// applied; on error the records after those were not sent.
func (c *Client) Append(ctx context.Context, records []models.SchoolRecord) (int, error) {
	applied := 0
	for applied < len(records) {
		title := c.worksheetFor(records[applied])
		end := applied + 1
		for end < len(records) && end-applied < c.batchSize && c.worksheetFor(records[end]) == title {
			end++
		}

		if err := c.ensureWorksheet(ctx, title); err != nil {
			return applied, err
		}
		rows := make([][]interface{}, 0, end-applied)
		for _, rec := range records[applied:end] {
			rows = append(rows, toRow(rec.Values(c.columns)))
		}
		if err := c.appendRows(ctx, title, rows); err != nil {
			return applied, err
		}
		c.logger.DebugWithFields("Rows appended", map[string]interface{}{
			"worksheet": title,
			"rows":      len(rows),
		})
		applied = end
	}
	return applied, nil
}

func (c *Client) worksheetFor(rec models.SchoolRecord) string {
	if !c.perState {
		return CombinedWorksheet
	}
	return WorksheetTitle(rec[models.FieldState])
}

// Worksheets returns the spreadsheet's worksheet titles in sorted order
func (c *Client) Worksheets(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadWorksheets(ctx); err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(c.known))
	for title := range c.known {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles, nil
}

// loadWorksheets fetches the existing titles once. c.mu must be held.
func (c *Client) loadWorksheets(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return classify("sheets open", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			c.known[sh.Properties.Title] = true
		}
	}
	c.loaded = true
	return nil
}

func (c *Client) ensureWorksheet(ctx context.Context, title string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadWorksheets(ctx); err != nil {
		return err
	}

	if !c.known[title] {
		req := &gsheets.BatchUpdateSpreadsheetRequest{
			Requests: []*gsheets.Request{{
				AddSheet: &gsheets.AddSheetRequest{
					Properties: &gsheets.SheetProperties{Title: title},
				},
			}},
		}
		if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return classify("sheets add worksheet", err)
		}
		c.known[title] = true
		c.logger.InfoWithFields("Worksheet created", map[string]interface{}{"worksheet": title})
	}

	if c.headered[title] {
		return nil
	}
	vr, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, title+"!A1:A1").Context(ctx).Do()
	if err != nil {
		return classify("sheets read header", err)
	}
	if len(vr.Values) == 0 {
		if err := c.appendRows(ctx, title, [][]interface{}{toRow(c.columns)}); err != nil {
			return err
		}
	}
	c.headered[title] = true
	return nil
}

func (c *Client) appendRows(ctx context.Context, title string, rows [][]interface{}) error {
	vr := &gsheets.ValueRange{Values: rows}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, title+"!A1", vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return classify("sheets append", err)
	}
	return nil
}

func toRow(values []string) []interface{} {
	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}

// classify maps API failures onto the error taxonomy
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return errs.Wrap(errs.KindQuota, op, err)
		case apiErr.Code == http.StatusForbidden && isQuotaReason(apiErr):
			return errs.Wrap(errs.KindQuota, op, err)
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return errs.Wrap(errs.KindCredential, op, err)
		}
	}
	return errs.Wrap(errs.KindNetwork, op, err)
}

func isQuotaReason(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Message), "quota")
}
