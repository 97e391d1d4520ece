package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

// FileStore keeps checkpoints in an append-only JSON-lines file
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	index  *index
	logger logger.Logger
	now    func() time.Time
}

// OpenFile loads every entry in path and opens it for appending. A trailing
// line cut short by a crash is dropped from the file.
func OpenFile(path string, log logger.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "checkpoint open", err)
	}

	s := &FileStore{
		path:   path,
		index:  newIndex(),
		logger: log.WithField("component", "checkpoint"),
		now:    time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "checkpoint open", err)
	}
	s.file = f

	s.logger.InfoWithFields("Checkpoint loaded", map[string]interface{}{
		"path":      path,
		"completed": len(s.index.entries),
	})
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint load", err)
	}

	complete := data
	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		complete = data[:i+1]
		s.logger.WarnWithFields("Dropping torn checkpoint line", map[string]interface{}{
			"bytes": len(data) - len(complete),
		})
		if err := os.Truncate(s.path, int64(len(complete))); err != nil {
			return errs.Wrap(errs.KindStorage, "checkpoint repair", err)
		}
	}

	for n, line := range bytes.Split(complete, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e models.CheckpointEntry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.WithError(err).WarnWithFields("Skipping unreadable checkpoint line", map[string]interface{}{
				"line": n + 1,
			})
			continue
		}
		s.index.add(e)
	}
	return nil
}

func (s *FileStore) IsDone(unit models.WorkUnit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.done[unit.Key()]
}

// MarkDone appends and fsyncs one entry
func (s *FileStore) MarkDone(unit models.WorkUnit, recordCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index.done[unit.Key()] {
		return nil
	}
	if s.file == nil {
		return errs.New(errs.KindStorage, "checkpoint mark", "store is closed")
	}

	entry := models.CheckpointEntry{
		Unit:        unit,
		CompletedAt: s.now().UTC(),
		RecordCount: recordCount,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint mark", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint mark", err)
	}
	if err := s.file.Sync(); err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint mark", err)
	}

	s.index.add(entry)
	s.logger.DebugWithFields("Checkpoint saved", map[string]interface{}{
		"unit":    unit.String(),
		"records": recordCount,
	})
	return nil
}

func (s *FileStore) AllDone() []models.CheckpointEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.snapshot()
}

// Reset rewrites the log without the removed entries, atomically
func (s *FileStore) Reset(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.index.without(state)
	if err := s.rewrite(kept); err != nil {
		return err
	}
	removed := len(s.index.entries) - len(kept)
	s.index.replace(kept)

	s.logger.InfoWithFields("Checkpoint reset", map[string]interface{}{
		"state":   state,
		"removed": removed,
	})
	return nil
}

func (s *FileStore) rewrite(entries []models.CheckpointEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return errs.Wrap(errs.KindStorage, "checkpoint reset", err)
		}
	}

	tempPath := s.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint reset", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		os.Remove(tempPath)
		return errs.Wrap(errs.KindStorage, "checkpoint reset", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return errs.Wrap(errs.KindStorage, "checkpoint reset", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return errs.Wrap(errs.KindStorage, "checkpoint reset", err)
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return errs.Wrap(errs.KindStorage, "checkpoint reset", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "checkpoint reset", fmt.Errorf("reopen: %w", err))
	}
	s.file = f
	return nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
