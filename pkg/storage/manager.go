package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

// CombinedFile is the artifact name when one file holds every state
const CombinedFile = "schools.csv"

// Subdirectories of the output directory. Neither is scanned for dedup keys.
const (
	// LinksDir holds every record again, split per state by whether the
	// school has a detail link
	LinksDir = "links"
	// DetailsDir holds the detail page records
	DetailsDir = "details"
)

// RemoteTarget mirrors written records to an external spreadsheet. Append
// applies records in order and returns how many leading records it applied,
// also when it fails part way.
type RemoteTarget interface {
	Append(ctx context.Context, records []models.SchoolRecord) (int, error)
}

// Manager owns the CSV artifact. It is the single writer shared by every
// worker: files are only ever appended to, and each write is fsynced before
// it returns.
type Manager struct {
	outputDir    string
	filePerState bool
	splitLinks   bool
	columns      []string
	logger       logger.Logger

	mu      sync.Mutex
	files   map[string]*os.File
	seen    map[string]bool
	existed int
	written int
	// pending holds records awaiting remote sync; it is only filled while a
	// remote is attached
	pending  []models.SchoolRecord
	mirrored bool

	syncMu      sync.Mutex
	remote      RemoteTarget
	syncTimeout time.Duration
}

// NewManager creates the output directory and indexes records already
// present so a resumed run does not write them twice
func NewManager(cfg config.OutputConfig, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	m := &Manager{
		outputDir:    cfg.Directory,
		filePerState: cfg.FilePerState,
		splitLinks:   cfg.SplitLinks,
		columns:      models.Columns,
		logger:       log.WithField("component", "sink"),
	}
	return m.open()
}

// NewDetailManager creates the sink for detail page records: one file per
// state under DetailsDir, deduplicated the same way as the main artifact
func NewDetailManager(cfg config.OutputConfig, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	m := &Manager{
		outputDir:    filepath.Join(cfg.Directory, DetailsDir),
		filePerState: true,
		columns:      models.DetailColumns,
		logger:       log.WithField("component", "detail_sink"),
	}
	return m.open()
}

func (m *Manager) open() (*Manager, error) {
	m.files = make(map[string]*os.File)
	m.seen = make(map[string]bool)

	if err := os.MkdirAll(m.outputDir, 0755); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "create output directory", err)
	}
	if m.splitLinks {
		if err := m.prepareLinksDir(); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "prepare links directory", err)
		}
	}
	if err := m.scanExistingFiles(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "scan existing files", err)
	}
	return m, nil
}

// prepareLinksDir creates LinksDir and repairs torn lines in its files.
// Its rows are never indexed: a record reaches the split files only when
// the main artifact accepts it.
func (m *Manager) prepareLinksDir() error {
	dir := filepath.Join(m.outputDir, LinksDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".csv" {
			continue
		}
		if err := m.repairTail(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// SetRemote attaches a remote mirror. Calls to it are bounded by timeout.
func (m *Manager) SetRemote(remote RemoteTarget, timeout time.Duration) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	m.remote = remote
	m.syncTimeout = timeout

	m.mu.Lock()
	m.mirrored = remote != nil
	if !m.mirrored {
		m.pending = nil
	}
	m.mu.Unlock()
}

// scanExistingFiles indexes the dedup keys of every CSV in the output
// directory, trimming a trailing partial line left by a crash
func (m *Manager) scanExistingFiles() error {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".csv" {
			continue
		}
		path := filepath.Join(m.outputDir, entry.Name())
		if err := m.repairTail(path); err != nil {
			return err
		}
		if err := m.indexFile(path); err != nil {
			return err
		}
	}

	if m.existed > 0 {
		m.logger.InfoWithFields("Indexed existing records", map[string]interface{}{
			"records": m.existed,
			"dir":     m.outputDir,
		})
	}
	return nil
}

func (m *Manager) repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	m.logger.WarnWithFields("Truncating partial CSV line", map[string]interface{}{
		"file":  filepath.Base(path),
		"bytes": len(data) - keep,
	})
	return os.Truncate(path, int64(keep))
}

func (m *Manager) indexFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		rec := make(models.SchoolRecord, len(m.columns))
		for _, col := range m.columns {
			if i, ok := pos[col]; ok && i < len(row) {
				rec[col] = row[i]
			}
		}
		m.seen[dedupKey(rec, m.columns)] = true
		m.existed++
	}
}

// dedupKey identifies a record by UDISE code, or by a content fingerprint
// when the code is unknown
func dedupKey(rec models.SchoolRecord, columns []string) string {
	if code := rec.UDISECode(); code != "" {
		return "udise:" + code
	}
	sum := blake2b.Sum256([]byte(strings.Join(rec.Values(columns), "\x1f")))
	return "fp:" + hex.EncodeToString(sum[:16])
}

// FileFor returns the artifact path for records of state
func (m *Manager) FileFor(state string) string {
	if !m.filePerState {
		return filepath.Join(m.outputDir, CombinedFile)
	}
	return filepath.Join(m.outputDir, StateFileName(state))
}

// StateFileName turns a state name into a CSV file name
func StateFileName(state string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.ReplaceAll(state, "&", "and")) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "unknown"
	}
	return name + ".csv"
}

// LinkFileFor returns the split file rec is filed under when links are split
func (m *Manager) LinkFileFor(rec models.SchoolRecord) string {
	base := strings.TrimSuffix(StateFileName(rec[models.FieldState]), ".csv")
	if rec.DetailLink() != "" {
		return filepath.Join(m.outputDir, LinksDir, base+"_with_links.csv")
	}
	return filepath.Join(m.outputDir, LinksDir, base+"_no_links.csv")
}

// Write appends records not already present to their artifact files and
// fsyncs them. It returns how many rows were written.
func (m *Manager) Write(records []models.SchoolRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byFile := make(map[string][][]string)
	var order []string
	var accepted []models.SchoolRecord
	batch := make(map[string]bool)

	for _, rec := range records {
		key := dedupKey(rec, m.columns)
		if m.seen[key] || batch[key] {
			continue
		}
		batch[key] = true
		path := m.FileFor(rec[models.FieldState])
		if _, ok := byFile[path]; !ok {
			order = append(order, path)
		}
		byFile[path] = append(byFile[path], rec.Values(m.columns))
		accepted = append(accepted, rec)
	}

	// split files follow the main artifact
	if m.splitLinks {
		for _, rec := range accepted {
			path := m.LinkFileFor(rec)
			if _, ok := byFile[path]; !ok {
				order = append(order, path)
			}
			byFile[path] = append(byFile[path], rec.Values(m.columns))
		}
	}

	for _, path := range order {
		if err := m.appendRows(path, byFile[path]); err != nil {
			return 0, errs.Wrap(errs.KindStorage, "write "+filepath.Base(path), err)
		}
	}

	for key := range batch {
		m.seen[key] = true
	}
	m.written += len(accepted)
	if m.mirrored {
		m.pending = append(m.pending, accepted...)
	}

	if skipped := len(records) - len(accepted); skipped > 0 {
		m.logger.DebugWithFields("Skipped duplicate records", map[string]interface{}{
			"duplicates": skipped,
		})
	}
	return len(accepted), nil
}

func (m *Manager) appendRows(path string, rows [][]string) error {
	f, err := m.handle(path)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		if err := w.Write(m.columns); err != nil {
			return err
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}

func (m *Manager) handle(path string) (*os.File, error) {
	if f, ok := m.files[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	m.files[path] = f
	return f, nil
}

// SyncRemote pushes records written since the last successful sync to the
// remote mirror. Failures are returned for reporting but never affect the
// CSV artifact; unsynced records are retried on the next call.
func (m *Manager) SyncRemote(ctx context.Context) (int, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if m.remote == nil {
		return 0, nil
	}

	m.mu.Lock()
	batch := make([]models.SchoolRecord, len(m.pending))
	copy(batch, m.pending)
	m.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	if m.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.syncTimeout)
		defer cancel()
	}

	applied, err := m.remote.Append(ctx, batch)
	applied = max(0, min(applied, len(batch)))

	// records appended while the sync ran stay queued behind the batch
	m.mu.Lock()
	m.pending = append([]models.SchoolRecord(nil), m.pending[applied:]...)
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).WarnWithFields("Remote sync failed, CSV remains authoritative", map[string]interface{}{
			"kind":    string(errs.KindOf(err)),
			"synced":  applied,
			"pending": len(batch) - applied,
		})
		return applied, err
	}

	m.logger.InfoWithFields("Remote sync completed", map[string]interface{}{
		"records": applied,
	})
	return applied, nil
}

// Pending returns how many written records await remote sync
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Written returns how many records this Manager has written
func (m *Manager) Written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// Existing returns how many records were already in the artifact at startup
func (m *Manager) Existing() int {
	return m.existed
}

// GetOutputDir returns the output directory path
func (m *Manager) GetOutputDir() string {
	return m.outputDir
}

// Files returns the artifact paths written so far
func (m *Manager) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for path := range m.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Close closes every open artifact file
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for path, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.KindStorage, "close "+filepath.Base(path), err)
		}
		delete(m.files, path)
	}
	return firstErr
}
