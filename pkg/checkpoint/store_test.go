package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

type opener func(t *testing.T, path string) Store

var backends = map[string]struct {
	file string
	open opener
}{
	"file": {"checkpoints.jsonl", func(t *testing.T, path string) Store {
		s, err := OpenFile(path, logger.NewNopLogger())
		require.NoError(t, err)
		return s
	}},
	"sqlite": {"checkpoints.db", func(t *testing.T, path string) Store {
		s, err := OpenSQLite(path, logger.NewNopLogger())
		require.NoError(t, err)
		return s
	}},
}

var (
	d1 = models.WorkUnit{State: "GOA", District: "NORTH GOA"}
	d2 = models.WorkUnit{State: "GOA", District: "SOUTH GOA"}
	k1 = models.WorkUnit{State: "KERALA", District: "IDUKKI"}
)

func TestStoreMarkAndResume(t *testing.T) {
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), b.file)

			s := b.open(t, path)
			assert.False(t, s.IsDone(d1))
			require.NoError(t, s.MarkDone(d1, 3))
			require.NoError(t, s.MarkDone(d2, 0))
			assert.True(t, s.IsDone(d1))
			assert.True(t, s.IsDone(models.WorkUnit{State: "goa", District: "north goa"}), "keys are case-insensitive")
			require.NoError(t, s.Close())

			reopened := b.open(t, path)
			defer reopened.Close()

			entries := reopened.AllDone()
			require.Len(t, entries, 2)
			assert.Equal(t, d1, entries[0].Unit)
			assert.Equal(t, 3, entries[0].RecordCount)
			assert.False(t, entries[0].CompletedAt.IsZero())
			assert.Equal(t, d2, entries[1].Unit)
			assert.True(t, reopened.IsDone(d2))
			assert.False(t, reopened.IsDone(k1))
			assert.Equal(t, path, reopened.Path())
		})
	}
}

func TestStoreMarkDoneAtMostOnce(t *testing.T) {
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), b.file)
			s := b.open(t, path)

			require.NoError(t, s.MarkDone(d1, 3))
			require.NoError(t, s.MarkDone(d1, 99))
			require.NoError(t, s.Close())

			reopened := b.open(t, path)
			defer reopened.Close()
			entries := reopened.AllDone()
			require.Len(t, entries, 1)
			assert.Equal(t, 3, entries[0].RecordCount)
		})
	}
}

func TestStoreResetState(t *testing.T) {
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), b.file)
			s := b.open(t, path)

			require.NoError(t, s.MarkDone(d1, 1))
			require.NoError(t, s.MarkDone(k1, 2))
			require.NoError(t, s.MarkDone(d2, 3))

			require.NoError(t, s.Reset("goa"))
			assert.False(t, s.IsDone(d1))
			assert.False(t, s.IsDone(d2))
			assert.True(t, s.IsDone(k1))

			// still appendable after a reset
			require.NoError(t, s.MarkDone(d2, 4))
			require.NoError(t, s.Close())

			reopened := b.open(t, path)
			defer reopened.Close()
			entries := reopened.AllDone()
			require.Len(t, entries, 2)
			assert.Equal(t, k1, entries[0].Unit)
			assert.Equal(t, d2, entries[1].Unit)
		})
	}
}

func TestStoreResetMatchesStateExactly(t *testing.T) {
	underscore := models.WorkUnit{State: "A_B", District: "D1"}
	lookalike := models.WorkUnit{State: "AXB", District: "D1"}
	percent := models.WorkUnit{State: "A%", District: "D1"}
	longer := models.WorkUnit{State: "AZZ", District: "D1"}

	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			s := b.open(t, filepath.Join(t.TempDir(), b.file))
			defer s.Close()

			for _, u := range []models.WorkUnit{underscore, lookalike, percent, longer} {
				require.NoError(t, s.MarkDone(u, 1))
			}

			require.NoError(t, s.Reset("a_b"))
			assert.False(t, s.IsDone(underscore))
			assert.True(t, s.IsDone(lookalike))

			require.NoError(t, s.Reset("A%"))
			assert.False(t, s.IsDone(percent))
			assert.True(t, s.IsDone(longer))
			assert.Len(t, s.AllDone(), 2)
		})
	}
}

func TestStoreResetAll(t *testing.T) {
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			s := b.open(t, filepath.Join(t.TempDir(), b.file))
			defer s.Close()

			require.NoError(t, s.MarkDone(d1, 1))
			require.NoError(t, s.MarkDone(k1, 2))
			require.NoError(t, s.Reset(""))

			assert.Empty(t, s.AllDone())
			assert.False(t, s.IsDone(k1))
		})
	}
}

func TestStoreMarkAfterCloseIsStorageError(t *testing.T) {
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			s := b.open(t, filepath.Join(t.TempDir(), b.file))
			require.NoError(t, s.Close())

			err := s.MarkDone(d1, 1)
			assert.True(t, errs.IsFatal(err))
		})
	}
}

func TestFileStoreDropsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.jsonl")
	content := `{"unit":{"state":"GOA","district":"NORTH GOA"},"completed_at":"2025-01-02T03:04:05Z","record_count":3}
{"unit":{"state":"GOA","district":"SOUTH`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := OpenFile(path, logger.NewTestLogger())
	require.NoError(t, err)

	assert.True(t, s.IsDone(d1))
	assert.False(t, s.IsDone(d2))

	require.NoError(t, s.MarkDone(d2, 5))
	require.NoError(t, s.Close())

	reopened, err := OpenFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Len(t, reopened.AllDone(), 2)
}

func TestFileStoreSkipsGarbageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.jsonl")
	content := "not json\n" +
		`{"unit":{"state":"KERALA","district":"IDUKKI"},"completed_at":"2025-01-02T03:04:05Z","record_count":7}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tl := logger.NewTestLogger()
	s, err := OpenFile(path, tl)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.IsDone(k1))
	assert.True(t, tl.HasMessage("Skipping unreadable checkpoint line"))
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	fs, err := Open(config.CheckpointConfig{Backend: config.BackendFile, Path: filepath.Join(dir, "a.jsonl")}, nil)
	require.NoError(t, err)
	defer fs.Close()
	assert.IsType(t, &FileStore{}, fs)

	ss, err := Open(config.CheckpointConfig{Backend: config.BackendSQLite, Path: filepath.Join(dir, "b.db")}, nil)
	require.NoError(t, err)
	defer ss.Close()
	assert.IsType(t, &SQLiteStore{}, ss)

	_, err = Open(config.CheckpointConfig{Backend: "etcd", Path: filepath.Join(dir, "c")}, nil)
	assert.True(t, errs.Is(err, errs.KindStorage))
}

func TestOpenDefaultsToDataDirectory(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	s, err := Open(config.CheckpointConfig{}, nil)
	require.NoError(t, err)
	defer s.Close()

	dir, err := DataDirectory()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "checkpoints.jsonl"), s.Path())
}
