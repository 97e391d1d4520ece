package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"schoolscraper/internal/pool"
	"schoolscraper/pkg/checkpoint"
	"schoolscraper/pkg/config"
	"schoolscraper/pkg/detail"
	"schoolscraper/pkg/enumerate"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/extract"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/metadata"
	"schoolscraper/pkg/models"
	"schoolscraper/pkg/ratelimit"
	"schoolscraper/pkg/reporter"
	"schoolscraper/pkg/retry"
	"schoolscraper/pkg/storage"
	"schoolscraper/pkg/wait"
)

// ErrAlreadyRunning is returned by Run while another run is in progress
var ErrAlreadyRunning = errors.New("a scrape job is already running")

// Scraper is the orchestrator. It sequences enumeration, fetching,
// extraction, sink flushes and checkpoints for every selected unit.
type Scraper struct {
	config    *config.Config
	newDriver DriverFactory
	store     checkpoint.Store
	sink      *storage.Manager
	details   *storage.Manager
	reporter  reporter.Reporter
	logger    logger.Logger
	universe  []string

	mu      sync.Mutex
	status  models.JobStatus
	summary *models.Summary
	lanes   []*lane
}

// lane is one worker's private resources
type lane struct {
	id      int
	driver  PageDriver
	buffer  *storage.Buffer
	pacer   ratelimit.Limiter
	retrier *retry.Retrier
	states  int

	detailBuffer *storage.Buffer
	detailPacer  ratelimit.Limiter
}

// Option configures a Scraper
type Option func(*Scraper)

// WithReporter sets where progress events go. The default logs them.
func WithReporter(r reporter.Reporter) Option {
	return func(s *Scraper) { s.reporter = r }
}

// WithDetailSink enables the detail page pass, writing its records to m.
// Without it, or with the pass disabled in config, only search results are
// scraped.
func WithDetailSink(m *storage.Manager) Option {
	return func(s *Scraper) { s.details = m }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Scraper) { s.logger = l }
}

// WithStates replaces the list of recognised states. Selections are
// resolved against it and it fixes the visiting order.
func WithStates(states []string) Option {
	return func(s *Scraper) { s.universe = states }
}

// New creates an orchestrator. The checkpoint store and sink are owned by
// the caller; drivers are created per run and always closed before Run
// returns.
func New(cfg *config.Config, newDriver DriverFactory, store checkpoint.Store, sink *storage.Manager, opts ...Option) (*Scraper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if newDriver == nil || store == nil || sink == nil {
		return nil, fmt.Errorf("driver factory, checkpoint store and sink are required")
	}

	s := &Scraper{
		config:    cfg,
		newDriver: newDriver,
		store:     store,
		sink:      sink,
		universe:  enumerate.States,
		status:    models.JobStatus{State: models.JobIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	s.logger = s.logger.WithField("component", "scraper")
	if s.reporter == nil {
		s.reporter = reporter.NewLogReporter(s.logger)
	}
	return s, nil
}

// Status returns a snapshot of the current or last run
func (s *Scraper) Status() models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run processes the selected states (all when empty) until every unit is
// done or failed, ctx is cancelled, or storage fails. Unit failures are
// reported in the summary; only a storage failure is returned as an error.
// Cancellation is observed between units.
func (s *Scraper) Run(ctx context.Context, selection []string) (*models.Summary, error) {
	states, err := enumerate.SelectFrom(s.universe, selection)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("no states to scrape")
	}

	runID := uuid.NewString()
	started := time.Now()
	summary := &models.Summary{
		RunID:     runID,
		State:     models.JobRunning,
		Selection: states,
		StartedAt: started,
	}

	s.mu.Lock()
	if s.status.State == models.JobRunning {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.status = models.JobStatus{RunID: runID, State: models.JobRunning, StartedAt: started}
	s.summary = summary
	s.mu.Unlock()

	log := s.logger.WithField("run_id", runID)
	workers := s.config.Job.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(states) {
		workers = len(states)
	}

	logger.LogComponentStart(log, "scraper", map[string]interface{}{
		"states":       len(states),
		"workers":      workers,
		"max_attempts": s.config.Retry.MaxAttempts,
		"checkpoint":   s.store.Path(),
		"output_dir":   s.sink.GetOutputDir(),
	})

	fatal := s.openLanes(workers)
	defer s.closeLanes()

	if fatal == nil {
		fatal = s.runPool(ctx, runID, states, workers, summary, log)
	}

	// rows written since the last state boundary still go to the remote
	s.syncRemote(context.WithoutCancel(ctx), log)

	finalState := models.JobCompleted
	switch {
	case fatal != nil:
		finalState = models.JobAborted
		summary.FatalError = fatal.Error()
	case ctx.Err() != nil:
		finalState = models.JobCancelled
	}

	s.mu.Lock()
	summary.State = finalState
	summary.FinishedAt = time.Now()
	s.status.State = finalState
	s.status.CurrentUnit = ""
	s.mu.Unlock()

	if s.config.Output.Manifest {
		files := s.sink.Files()
		if s.details != nil {
			files = append(files, s.details.Files()...)
		}
		m := metadata.FromSummary(summary, files, workers, s.config.Retry.MaxAttempts)
		if path, err := m.Save(s.sink.GetOutputDir()); err != nil {
			log.WithError(err).Warn("Failed to write run manifest")
		} else {
			summary.Manifest = path
		}
	}

	logger.LogComponentStop(log, "scraper", string(finalState))
	log.InfoWithFields("Run finished", map[string]interface{}{
		"state":           string(finalState),
		"processed_units": summary.ProcessedUnits,
		"failed_units":    len(summary.Failed),
		"skipped_units":   summary.SkippedUnits,
		"records_written": summary.RecordsWritten,
		"details_written": summary.DetailsWritten,
		"duration":        summary.FinishedAt.Sub(started).Round(time.Millisecond),
	})

	if fatal != nil {
		return summary, fatal
	}
	return summary, nil
}

func (s *Scraper) openLanes(workers int) error {
	s.lanes = make([]*lane, 0, workers)
	for i := 0; i < workers; i++ {
		d, err := s.newDriver(i)
		if err != nil {
			return errs.Wrap(errs.KindUnknown, "create page driver", err)
		}
		l := &lane{
			id:      i,
			driver:  d,
			buffer:  storage.NewBuffer(s.sink, s.config.Output.BackupFrequency),
			pacer:   ratelimit.NewPacer(s.config.Job.WaitBetweenUnits),
			retrier: retry.NewRetrier(retry.FromConfig(s.config.Retry, s.logger)).WithReset(d.Reset),
		}
		if s.detailsEnabled() {
			l.detailBuffer = storage.NewBuffer(s.details, s.config.Output.BackupFrequency)
			l.detailPacer = ratelimit.NewPacer(s.config.Detail.WaitBetweenSchools)
		}
		s.lanes = append(s.lanes, l)
	}
	return nil
}

func (s *Scraper) closeLanes() {
	for _, l := range s.lanes {
		if err := l.driver.Close(); err != nil {
			s.logger.WithError(err).WithField("worker_id", l.id).Warn("Failed to close page driver")
		}
	}
	s.lanes = nil
}

// runPool feeds states to the workers and consumes their results on the
// calling goroutine. It returns the first fatal error.
func (s *Scraper) runPool(ctx context.Context, runID string, states []string, workers int, summary *models.Summary, log logger.Logger) error {
	wp := pool.NewWorkerPool[string, models.AttemptResult](ctx, workers, s.processState, log)
	wp.Start()

	go func() {
		defer wp.Close()
		for _, state := range states {
			if err := wp.Submit(state); err != nil {
				return
			}
		}
	}()

	// events are delivered even after cancellation
	reportCtx := context.WithoutCancel(ctx)
	for res := range wp.Results() {
		event := s.record(runID, summary, res)
		if err := s.reporter.Report(reportCtx, event); err != nil {
			log.WithError(err).Warn("Failed to report progress")
		}
	}
	return wp.Err()
}

// record folds one unit result into the summary and status
func (s *Scraper) record(runID string, summary *models.Summary, res models.AttemptResult) models.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary.ProcessedUnits++
	summary.RecordsWritten += res.Written
	summary.MalformedRows += res.Skipped

	event := models.ProgressEvent{
		RunID:     runID,
		Unit:      res.Unit,
		Status:    res.Status,
		Records:   len(res.Records),
		Timestamp: time.Now(),
	}

	if res.Status == models.StatusSuccess {
		summary.SucceededUnits++
	} else {
		reason := "unknown error"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		summary.Failed = append(summary.Failed, models.FailedUnit{
			Unit:      res.Unit,
			Status:    res.Status,
			ErrorKind: res.ErrorKind,
			Reason:    reason,
			Attempts:  res.Attempts,
		})
		event.ErrorKind = res.ErrorKind
		event.Error = reason
	}

	event.RecordsWrittenSoFar = summary.RecordsWritten
	event.ProcessedUnits = summary.ProcessedUnits
	event.FailedUnits = len(summary.Failed)

	s.status.ProcessedUnits = summary.ProcessedUnits
	s.status.FailedUnits = len(summary.Failed)
	s.status.RecordsWritten = summary.RecordsWritten
	return event
}

// processState is the pool handler: it walks one state's units on the
// worker's own lane
func (s *Scraper) processState(ctx context.Context, workerID int, state string, emit func(models.AttemptResult)) error {
	l := s.lanes[workerID]
	log := s.logger.WithFields(map[string]interface{}{"worker_id": workerID, "state": state})

	if l.states > 0 {
		if err := wait.Sleep(ctx, s.config.Job.WaitBetweenStates); err != nil {
			return nil
		}
	}
	l.states++

	// units in flight finish even when ctx is cancelled
	unitCtx := context.WithoutCancel(ctx)

	retryCfg := l.retrier.WithLogger(log).Config()

	en := enumerate.New([]string{state}, l.driver, s.store, enumerate.Options{
		MaxDistrictsPerState: s.config.Job.MaxDistrictsPerState,
		Retry:                retryCfg,
		Logger:               log,
	})
	defer func() { s.addSkipped(en.Skipped()) }()

	// search results of this state, for the detail pass
	var listed []models.SchoolRecord

	log.Info("Processing state")
	for ctx.Err() == nil {
		item, ok := en.Next(unitCtx)
		if !ok {
			break
		}
		s.setCurrent(item.Unit)

		if item.Err != nil {
			emit(models.AttemptResult{
				Unit:      item.Unit,
				Status:    models.StatusFailure,
				Attempts:  item.Attempts,
				ErrorKind: string(errs.KindOf(item.Err)),
				Err:       fmt.Errorf("district discovery: %w", item.Err),
				WorkerID:  workerID,
			})
			continue
		}

		if err := l.pacer.Wait(ctx); err != nil {
			break
		}

		res, err := s.processUnit(unitCtx, l, item.Unit, retryCfg)
		emit(res)
		if err != nil {
			return err
		}
		if s.detailsEnabled() {
			listed = append(listed, res.Records...)
		}
	}

	if s.detailsEnabled() && ctx.Err() == nil {
		if err := s.processDetails(ctx, l, listed, log); err != nil {
			return err
		}
	}

	s.syncRemote(unitCtx, log)
	return nil
}

func (s *Scraper) detailsEnabled() bool {
	return s.details != nil && s.config.Detail.Enabled
}

// processDetails visits the detail page of every listed school that has
// one and writes what it finds. Schools whose page yields no headcount are
// counted as failed and not written. Only a storage failure is returned.
func (s *Scraper) processDetails(ctx context.Context, l *lane, listed []models.SchoolRecord, log logger.Logger) error {
	ready, without := detail.Ready(listed)
	log.InfoWithFields("Detail pass", map[string]interface{}{
		"with_links":    len(ready),
		"without_links": without,
	})
	if len(ready) == 0 {
		return nil
	}

	start := time.Now()
	retryCfg := l.retrier.WithLogger(log).WithMaxAttempts(s.config.Detail.MaxAttempts).Config()
	schoolCtx := context.WithoutCancel(ctx)
	l.detailPacer.Reset()

	visited, extracted, failed := 0, 0, 0
	for _, school := range ready {
		if ctx.Err() != nil {
			break
		}
		if err := l.detailPacer.Wait(ctx); err != nil {
			break
		}
		visited++

		link := school.DetailLink()
		page, _, err := retry.Run(schoolCtx, retryCfg, func(ctx context.Context) (models.DetailPage, error) {
			return l.driver.Detail(ctx, link)
		})
		if err != nil {
			failed++
			log.WithError(err).WarnWithFields("Detail page failed", map[string]interface{}{
				"udise_code": school[models.FieldUDISECode],
				"kind":       string(errs.KindOf(err)),
			})
			continue
		}

		rec := detail.Parse(page, school, time.Now())
		if detail.Grade(rec) == models.DetailFailed {
			failed++
			log.DebugWithFields("Detail page had no headcounts", map[string]interface{}{
				"udise_code": school[models.FieldUDISECode],
			})
			continue
		}
		extracted++
		if err := l.detailBuffer.Add(rec); err != nil {
			return s.detailStorageFailure(err, log)
		}
	}

	written, err := l.detailBuffer.Commit()
	if err != nil {
		return s.detailStorageFailure(err, log)
	}
	s.addDetails(written, failed)

	log.InfoWithFields("Detail pass finished", map[string]interface{}{
		"visited":   visited,
		"extracted": extracted,
		"failed":    failed,
		"written":   written,
		"duration":  time.Since(start).Round(time.Millisecond),
	})
	return nil
}

func (s *Scraper) detailStorageFailure(err error, log logger.Logger) error {
	log.WithError(err).Error("Storage failure in detail pass, aborting run")
	return err
}

func (s *Scraper) addDetails(written, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary != nil {
		s.summary.DetailsWritten += written
		s.summary.DetailsFailed += failed
	}
}

// processUnit fetches, extracts, flushes and checkpoints one unit. The
// returned error is non-nil only for storage failures.
func (s *Scraper) processUnit(ctx context.Context, l *lane, unit models.WorkUnit, retryCfg *retry.Config) (models.AttemptResult, error) {
	start := time.Now()
	log := s.logger.WithFields(map[string]interface{}{"worker_id": l.id, "unit": unit.String()})

	rows, stats, fetchErr := retry.Run(ctx, retryCfg, func(ctx context.Context) ([]models.RawRow, error) {
		return l.driver.Fetch(ctx, unit)
	})

	records, parseErrs := extract.ParseAll(rows, unit)
	for _, perr := range parseErrs {
		log.WithError(perr).Warn("Skipping malformed row")
	}

	res := models.AttemptResult{
		Unit:     unit,
		Status:   models.StatusSuccess,
		Records:  records,
		Skipped:  len(parseErrs),
		Attempts: stats.Attempts,
		WorkerID: l.id,
	}
	if fetchErr != nil {
		res.Status = models.StatusFailure
		if len(records) > 0 {
			res.Status = models.StatusPartialFailure
		}
		res.ErrorKind = string(errs.KindOf(fetchErr))
		res.Err = fetchErr
	}

	// records reach the artifact before the unit can be checkpointed
	if err := l.buffer.Add(records...); err != nil {
		return s.storageFailure(res, start, err), err
	}
	written, err := l.buffer.Commit()
	if err != nil {
		return s.storageFailure(res, start, err), err
	}
	res.Written = written

	if res.Status == models.StatusSuccess {
		if err := s.store.MarkDone(unit, len(records)); err != nil {
			return s.storageFailure(res, start, err), err
		}
		res.Checkpoint = true
	}

	res.Duration = time.Since(start)
	logger.LogUnitResult(log, unit.String(), string(res.Status), len(records), res.Attempts, res.Err)
	return res, nil
}

func (s *Scraper) storageFailure(res models.AttemptResult, start time.Time, err error) models.AttemptResult {
	res.Status = models.StatusFailure
	res.ErrorKind = string(errs.KindStorage)
	res.Err = err
	res.Duration = time.Since(start)
	s.logger.WithError(err).ErrorWithFields("Storage failure, aborting run", map[string]interface{}{
		"unit": res.Unit.String(),
	})
	return res
}

func (s *Scraper) syncRemote(ctx context.Context, log logger.Logger) {
	// the sink logs failures; unsynced rows are retried at the next boundary
	if _, err := s.sink.SyncRemote(ctx); err != nil {
		log.DebugWithFields("Remote sync deferred", map[string]interface{}{
			"pending": s.sink.Pending(),
		})
	}
}

func (s *Scraper) setCurrent(unit models.WorkUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.CurrentUnit = unit.String()
}

func (s *Scraper) addSkipped(n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.SkippedUnits += n
	if s.summary != nil {
		s.summary.SkippedUnits += n
	}
}
