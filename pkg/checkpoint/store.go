package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

// Store is the durable record of completed units
type Store interface {
	// IsDone reports whether unit has a completed entry
	IsDone(unit models.WorkUnit) bool
	// MarkDone appends an entry for unit. Marking a done unit again is a no-op.
	MarkDone(unit models.WorkUnit, recordCount int) error
	// AllDone returns every entry in completion order
	AllDone() []models.CheckpointEntry
	// Reset removes entries for state, or all entries when state is empty
	Reset(state string) error
	// Path returns where entries are persisted
	Path() string
	Close() error
}

// Open returns the store selected by cfg.Backend
func Open(cfg config.CheckpointConfig, log logger.Logger) (Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	backend := cfg.Backend
	if backend == "" {
		backend = config.BackendFile
	}

	path := cfg.Path
	if path == "" {
		dir, err := DataDirectory()
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, "checkpoint open", err)
		}
		name := "checkpoints.jsonl"
		if backend == config.BackendSQLite {
			name = "checkpoints.db"
		}
		path = filepath.Join(dir, name)
	}

	switch backend {
	case config.BackendFile:
		return OpenFile(path, log)
	case config.BackendSQLite:
		return OpenSQLite(path, log)
	default:
		return nil, errs.New(errs.KindStorage, "checkpoint open", fmt.Sprintf("unknown backend %q", backend))
	}
}

// DataDirectory returns the platform data directory for the scraper,
// creating it when missing
func DataDirectory() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, "Library", "Application Support", "schoolscraper")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dataDir = filepath.Join(appData, "schoolscraper")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			dataDir = filepath.Join(xdg, "schoolscraper")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dataDir = filepath.Join(home, ".local", "share", "schoolscraper")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// index is the in-memory view shared by both backends
type index struct {
	done    map[string]bool
	entries []models.CheckpointEntry
}

func newIndex() *index {
	return &index{done: make(map[string]bool)}
}

func (ix *index) add(e models.CheckpointEntry) bool {
	key := e.Unit.Key()
	if ix.done[key] {
		return false
	}
	ix.done[key] = true
	ix.entries = append(ix.entries, e)
	return true
}

func (ix *index) snapshot() []models.CheckpointEntry {
	out := make([]models.CheckpointEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// without returns the entries that do not belong to state
func (ix *index) without(state string) []models.CheckpointEntry {
	if state == "" {
		return nil
	}
	var kept []models.CheckpointEntry
	for _, e := range ix.entries {
		if !strings.EqualFold(e.Unit.State, state) {
			kept = append(kept, e)
		}
	}
	return kept
}

func (ix *index) replace(entries []models.CheckpointEntry) {
	ix.done = make(map[string]bool, len(entries))
	ix.entries = nil
	for _, e := range entries {
		ix.add(e)
	}
}
