package checkpoint

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	unit_key     TEXT NOT NULL UNIQUE,
	state        TEXT NOT NULL,
	district     TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL,
	record_count INTEGER NOT NULL
)`

// SQLiteStore keeps checkpoints in a SQLite table
type SQLiteStore struct {
	mu     sync.Mutex
	path   string
	db     *sql.DB
	index  *index
	logger logger.Logger
	now    func() time.Time
}

// OpenSQLite opens or creates the database at path and loads its entries
func OpenSQLite(path string, log logger.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "checkpoint open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "checkpoint open", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.KindStorage, "checkpoint open", err)
		}
	}

	s := &SQLiteStore{
		path:   path,
		db:     db,
		index:  newIndex(),
		logger: log.WithField("component", "checkpoint"),
		now:    time.Now,
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.InfoWithFields("Checkpoint loaded", map[string]interface{}{
		"path":      path,
		"backend":   "sqlite",
		"completed": len(s.index.entries),
	})
	return s, nil
}

func (s *SQLiteStore) load() error {
	rows, err := s.db.Query(`SELECT state, district, completed_at, record_count FROM checkpoints ORDER BY seq`)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.CheckpointEntry
		var completedAt string
		if err := rows.Scan(&e.Unit.State, &e.Unit.District, &completedAt, &e.RecordCount); err != nil {
			return errs.Wrap(errs.KindStorage, "checkpoint load", err)
		}
		e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		s.index.add(e)
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint load", err)
	}
	return nil
}

func (s *SQLiteStore) IsDone(unit models.WorkUnit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.done[unit.Key()]
}

func (s *SQLiteStore) MarkDone(unit models.WorkUnit, recordCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index.done[unit.Key()] {
		return nil
	}
	if s.db == nil {
		return errs.New(errs.KindStorage, "checkpoint mark", "store is closed")
	}

	entry := models.CheckpointEntry{
		Unit:        unit,
		CompletedAt: s.now().UTC(),
		RecordCount: recordCount,
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO checkpoints (unit_key, state, district, completed_at, record_count) VALUES (?, ?, ?, ?, ?)`,
		unit.Key(), unit.State, unit.District, entry.CompletedAt.Format(time.RFC3339Nano), recordCount,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint mark", err)
	}

	s.index.add(entry)
	return nil
}

func (s *SQLiteStore) AllDone() []models.CheckpointEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.snapshot()
}

func (s *SQLiteStore) Reset(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if state == "" {
		_, err = s.db.Exec(`DELETE FROM checkpoints`)
	} else {
		_, err = s.db.Exec(`DELETE FROM checkpoints WHERE upper(state) = ?`, strings.ToUpper(state))
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint reset", err)
	}

	s.index.replace(s.index.without(state))
	s.logger.InfoWithFields("Checkpoint reset", map[string]interface{}{"state": state})
	return nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
