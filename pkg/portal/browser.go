package portal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
	"schoolscraper/pkg/wait"
)

// rows already on screen are tagged with this attribute before an action
// that replaces them, so fresh rows can be told apart
const seenAttr = "data-scraper-seen"

// BrowserSession is a Session backed by a playwright browser. It owns the
// playwright driver process, the browser, one context and the active page.
type BrowserSession struct {
	cfg    config.PortalConfig
	logger logger.Logger

	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	// detail pages open in their own tab so the search form survives
	detail playwright.Page

	submittedAt time.Time
}

// BrowserSessions returns a factory that launches a new browser per session
func BrowserSessions(cfg config.PortalConfig, log logger.Logger) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		return OpenBrowser(ctx, cfg, log)
	}
}

// InstallBrowser downloads the playwright driver and the configured browser
func InstallBrowser(cfg config.PortalConfig) error {
	return playwright.Install(&playwright.RunOptions{
		Browsers: []string{browserName(cfg.Browser)},
		Verbose:  false,
	})
}

// OpenBrowser launches a browser and opens an empty page
func OpenBrowser(ctx context.Context, cfg config.PortalConfig, log logger.Logger) (s *BrowserSession, err error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s = &BrowserSession{cfg: cfg, logger: log.WithField("component", "browser")}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.pw, err = playwright.Run()
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "start playwright", err)
	}

	var bt playwright.BrowserType
	switch browserName(cfg.Browser) {
	case "firefox":
		bt = s.pw.Firefox
	case "webkit":
		bt = s.pw.WebKit
	default:
		bt = s.pw.Chromium
	}

	s.browser, err = bt.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "launch browser", err)
	}

	opts := playwright.BrowserNewContextOptions{}
	if cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(cfg.UserAgent)
	}
	s.context, err = s.browser.NewContext(opts)
	if err != nil {
		return nil, classify("new browser context", err)
	}
	s.context.SetDefaultTimeout(ms(cfg.ElementTimeout))
	s.context.SetDefaultNavigationTimeout(ms(cfg.PageLoadTimeout))

	s.page, err = s.context.NewPage()
	if err != nil {
		return nil, classify("new page", err)
	}

	s.logger.DebugWithFields("Browser launched", map[string]interface{}{
		"browser":  browserName(cfg.Browser),
		"headless": cfg.Headless,
	})
	return s, nil
}

func browserName(name string) string {
	switch strings.ToLower(name) {
	case "firefox", "webkit":
		return strings.ToLower(name)
	default:
		return "chromium"
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

func (s *BrowserSession) poll(ctx context.Context, timeout time.Duration, cond wait.Condition) (wait.Outcome, error) {
	return wait.Poll(ctx, wait.Options{Timeout: timeout, Interval: s.cfg.PollInterval}, cond)
}

// OpenSearch goes home, follows "Visit Portal" (adopting a new tab if the
// link opens one) and opens the advanced search form
func (s *BrowserSession) OpenSearch(ctx context.Context) error {
	if _, err := s.page.Goto(s.cfg.BaseURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return classify("open portal", err)
	}

	before := len(s.context.Pages())
	if err := s.page.Locator(visitPortalSelector).First().Click(); err != nil {
		return classify("visit portal", err)
	}

	advance := func() playwright.Locator { return s.page.Locator(advanceSearchSelector) }
	outcome, err := s.poll(ctx, s.cfg.PageLoadTimeout, func(ctx context.Context) (bool, error) {
		if len(s.context.Pages()) > before {
			return true, nil
		}
		visible, _ := advance().IsVisible()
		return visible, nil
	})
	if err != nil {
		return err
	}
	if outcome == wait.TimedOut {
		return errs.New(errs.KindTimeout, "visit portal", "search portal did not open")
	}

	if pages := s.context.Pages(); len(pages) > before {
		s.page = pages[len(pages)-1]
		if err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State: playwright.LoadStateDomcontentloaded,
		}); err != nil {
			return classify("load search portal", err)
		}
		s.logger.Debug("Adopted search portal tab")
	}

	if err := advance().Click(); err != nil {
		return classify("open advanced search", err)
	}
	if err := s.page.Locator(formSelectSelector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(ms(s.cfg.PageLoadTimeout)),
	}); err != nil {
		return classify("wait for search form", err)
	}
	return ctx.Err()
}

func (s *BrowserSession) formSelect(which int) (playwright.Locator, error) {
	if s.page.IsClosed() {
		return nil, errs.New(errs.KindUnexpectedPageState, "search form", "page is closed")
	}
	selects := s.page.Locator(formSelectSelector)
	n, err := selects.Count()
	if err != nil {
		return nil, classify("search form", err)
	}
	if n <= which {
		return nil, errs.New(errs.KindElementNotFound, "search form",
			fmt.Sprintf("select %d missing (%d present)", which+1, n))
	}
	return selects.Nth(which), nil
}

// Options lists a select's options, skipping the leading placeholder
func (s *BrowserSession) Options(ctx context.Context, which int) ([]Option, error) {
	sel, err := s.formSelect(which)
	if err != nil {
		return nil, err
	}
	items, err := sel.Locator("option").All()
	if err != nil {
		return nil, classify("read options", err)
	}

	var out []Option
	for i, item := range items {
		if i == 0 {
			continue
		}
		label, err := item.TextContent()
		if err != nil {
			return nil, classify("read options", err)
		}
		value, _ := item.GetAttribute("value")
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if value == "" {
			value = label
		}
		out = append(out, Option{Label: label, Value: value})
	}
	return out, ctx.Err()
}

func (s *BrowserSession) Choose(ctx context.Context, which int, value string) error {
	sel, err := s.formSelect(which)
	if err != nil {
		return err
	}
	values := []string{value}
	if _, err := sel.SelectOption(playwright.SelectOptionValues{Values: &values}); err != nil {
		return classify("select option", err)
	}
	return ctx.Err()
}

// markRows tags the rows currently rendered
func (s *BrowserSession) markRows() error {
	_, err := s.page.Evaluate(`([sel, attr]) => document.querySelectorAll(sel).forEach(e => e.setAttribute(attr, "1"))`,
		[]string{resultRowSelector, seenAttr})
	return err
}

func (s *BrowserSession) freshRows() (int, error) {
	return s.page.Locator(fmt.Sprintf("%s:not([%s])", resultRowSelector, seenAttr)).Count()
}

func (s *BrowserSession) Submit(ctx context.Context) error {
	if err := s.markRows(); err != nil {
		return classify("submit search", err)
	}
	if err := s.page.Locator(searchButtonSelector).First().Click(); err != nil {
		return classify("submit search", err)
	}
	s.submittedAt = time.Now()
	return ctx.Err()
}

// settle is how long a no-results notice must have been possible before it
// is believed; a notice left over from the previous search would otherwise
// be read as this search's outcome
func (s *BrowserSession) settle() time.Duration {
	d := 4 * s.cfg.PollInterval
	if d < time.Second {
		d = time.Second
	}
	return d
}

// AwaitResults waits for fresh rows or a no-results notice. If neither
// appears and the search form is gone the session is treated as stale.
func (s *BrowserSession) AwaitResults(ctx context.Context) (ResultState, error) {
	result := ResultsShown
	outcome, err := s.poll(ctx, s.cfg.PageLoadTimeout, func(ctx context.Context) (bool, error) {
		if n, err := s.freshRows(); err != nil {
			return false, classify("await results", err)
		} else if n > 0 {
			result = ResultsShown
			return true, nil
		}
		if time.Since(s.submittedAt) < s.settle() {
			return false, nil
		}
		if s.noResultsVisible() {
			result = NoResults
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return result, err
	}
	if outcome == wait.TimedOut {
		if n, _ := s.page.Locator(formSelectSelector).Count(); n == 0 {
			return result, errs.New(errs.KindUnexpectedPageState, "await results", "search form is gone, session looks expired")
		}
		return result, errs.New(errs.KindTimeout, "await results",
			fmt.Sprintf("no results rendered within %s", s.cfg.PageLoadTimeout))
	}
	return result, nil
}

func (s *BrowserSession) noResultsVisible() bool {
	for _, text := range noResultsTexts {
		if visible, _ := s.page.GetByText(text).First().IsVisible(); visible {
			return true
		}
	}
	return false
}

func (s *BrowserSession) Rows(ctx context.Context, page int) ([]models.RawRow, error) {
	items, err := s.page.Locator(resultRowSelector).All()
	if err != nil {
		return nil, classify("read rows", err)
	}
	rows := make([]models.RawRow, 0, len(items))
	for i, item := range items {
		html, err := item.InnerHTML()
		if err != nil {
			return rows, classify("read rows", err)
		}
		text, _ := item.InnerText()
		rows = append(rows, models.RawRow{HTML: html, Text: text, Page: page, Index: i})
	}
	return rows, ctx.Err()
}

// NextPage clicks the next-page control unless it, or its list item, is
// disabled or hidden, then waits for the next page's rows
func (s *BrowserSession) NextPage(ctx context.Context) (bool, error) {
	buttons := s.page.Locator(nextButtonSelector)
	n, err := buttons.Count()
	if err != nil {
		return false, classify("next page", err)
	}
	if n == 0 {
		return false, nil
	}
	next := buttons.First()

	visible, _ := next.IsVisible()
	enabled, _ := next.IsEnabled()
	disabled, err := next.Evaluate(`el => el.classList.contains("disabled") ||
		(el.parentElement !== null && el.parentElement.classList.contains("disabled")) ||
		el.getAttribute("aria-disabled") === "true"`, nil)
	if err != nil {
		return false, classify("next page", err)
	}
	if !visible || !enabled || disabled == true {
		return false, nil
	}

	if err := s.markRows(); err != nil {
		return false, classify("next page", err)
	}
	if err := next.Click(); err != nil {
		return false, classify("next page", err)
	}

	outcome, err := s.poll(ctx, s.cfg.PageLoadTimeout, func(ctx context.Context) (bool, error) {
		n, err := s.freshRows()
		if err != nil {
			return false, classify("next page", err)
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	if outcome == wait.TimedOut {
		return false, errs.New(errs.KindTimeout, "next page", "next page did not render")
	}
	return true, nil
}

// SetPageSize picks size in the results-per-page select and waits for the
// first page to render again
func (s *BrowserSession) SetPageSize(ctx context.Context, size int) (bool, error) {
	sel := s.page.Locator(pageSizeSelector).First()
	if n, err := s.page.Locator(pageSizeSelector).Count(); err != nil {
		return false, classify("page size", err)
	} else if n == 0 {
		return false, nil
	}

	want := strconv.Itoa(size)
	if current, err := sel.InputValue(); err == nil && current == want {
		return true, nil
	}
	offered, err := sel.Locator(fmt.Sprintf("option[value='%s']", want)).Count()
	if err != nil {
		return false, classify("page size", err)
	}
	if offered == 0 {
		return false, nil
	}

	if err := s.markRows(); err != nil {
		return false, classify("page size", err)
	}
	values := []string{want}
	if _, err := sel.SelectOption(playwright.SelectOptionValues{Values: &values}); err != nil {
		return false, classify("page size", err)
	}
	outcome, err := s.poll(ctx, s.cfg.PageLoadTimeout, func(ctx context.Context) (bool, error) {
		n, err := s.freshRows()
		if err != nil {
			return false, classify("page size", err)
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	if outcome == wait.TimedOut {
		return false, errs.New(errs.KindTimeout, "page size", "results did not render after resizing")
	}
	return true, nil
}

// OpenDetail loads url in the detail tab, reloads it once so the portal
// routes to the school rather than its last view, and waits for the school
// tiles to render
func (s *BrowserSession) OpenDetail(ctx context.Context, url string) (models.DetailPage, error) {
	if s.detail == nil || s.detail.IsClosed() {
		page, err := s.context.NewPage()
		if err != nil {
			return models.DetailPage{}, classify("open detail tab", err)
		}
		s.detail = page
	}

	if _, err := s.detail.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return models.DetailPage{}, classify("open detail page", err)
	}
	if _, err := s.detail.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}); err != nil {
		return models.DetailPage{}, classify("reload detail page", err)
	}

	outcome, err := s.poll(ctx, s.cfg.PageLoadTimeout, func(ctx context.Context) (bool, error) {
		n, err := s.detail.Locator(detailReadySelector).Count()
		if err != nil {
			return false, classify("detail page", err)
		}
		return n > 0, nil
	})
	if err != nil {
		return models.DetailPage{}, err
	}
	if outcome == wait.TimedOut {
		return models.DetailPage{}, errs.New(errs.KindTimeout, "detail page",
			fmt.Sprintf("school details did not render within %s", s.cfg.PageLoadTimeout))
	}

	html, err := s.detail.Content()
	if err != nil {
		return models.DetailPage{}, classify("read detail page", err)
	}
	title, _ := s.detail.Title()
	return models.DetailPage{URL: url, HTML: html, Title: title}, nil
}

// Close tears down page, browser and driver process
func (s *BrowserSession) Close() error {
	var errList []error
	if s.context != nil {
		errList = append(errList, s.context.Close())
	}
	if s.browser != nil {
		errList = append(errList, s.browser.Close())
	}
	if s.pw != nil {
		errList = append(errList, s.pw.Stop())
	}
	s.context, s.browser, s.pw = nil, nil, nil
	s.detail = nil
	return errors.Join(errList...)
}

var _ Session = (*BrowserSession)(nil)
