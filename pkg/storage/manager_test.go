package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

func school(state, district, code, name string) models.SchoolRecord {
	return models.SchoolRecord{
		models.FieldState:      state,
		models.FieldDistrict:   district,
		models.FieldUDISECode:  code,
		models.FieldSchoolName: name,
	}
}

func newManager(t *testing.T, dir string, perState bool) *Manager {
	t.Helper()
	m, err := NewManager(config.OutputConfig{Directory: dir, FilePerState: perState}, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteCreatesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, true)

	n, err := m.Write([]models.SchoolRecord{school("GOA", "NORTH GOA", "30010100101", "GPS ALDONA")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Write([]models.SchoolRecord{school("GOA", "SOUTH GOA", "30020100101", "GPS MARGAO")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := readCSV(t, filepath.Join(dir, "goa.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, models.Columns, rows[0])
	assert.Equal(t, "GPS ALDONA", rows[1][3])
	assert.Equal(t, models.Unknown, rows[1][4], "missing fields become the unknown sentinel")
	assert.Equal(t, 2, m.Written())
}

func TestWriteFilePerStateAndCombined(t *testing.T) {
	records := []models.SchoolRecord{
		school("GOA", "NORTH GOA", "1", "A"),
		school("ANDAMAN & NICOBAR ISLANDS", "SOUTH ANDAMAN", "2", "B"),
	}

	perState := t.TempDir()
	m := newManager(t, perState, true)
	_, err := m.Write(records)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(perState, "goa.csv"))
	assert.FileExists(t, filepath.Join(perState, "andaman_and_nicobar_islands.csv"))
	assert.Len(t, m.Files(), 2)

	combined := t.TempDir()
	c := newManager(t, combined, false)
	_, err = c.Write(records)
	require.NoError(t, err)
	assert.Len(t, readCSV(t, filepath.Join(combined, CombinedFile)), 3)
}

func TestWriteDeduplicatesAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	first := newManager(t, dir, true)
	_, err := first.Write([]models.SchoolRecord{
		school("GOA", "NORTH GOA", "1", "A"),
		school("GOA", "NORTH GOA", models.Unknown, "NO CODE"),
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newManager(t, dir, true)
	assert.Equal(t, 2, second.Existing())

	n, err := second.Write([]models.SchoolRecord{
		school("GOA", "NORTH GOA", "1", "A renamed"),
		school("GOA", "NORTH GOA", models.Unknown, "NO CODE"),
		school("GOA", "NORTH GOA", "3", "C"),
		school("GOA", "NORTH GOA", "3", "C again in batch"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, readCSV(t, filepath.Join(dir, "goa.csv")), 4)
}

func TestTornTrailingLineIsTruncated(t *testing.T) {
	dir := t.TempDir()
	first := newManager(t, dir, false)
	_, err := first.Write([]models.SchoolRecord{school("GOA", "NORTH GOA", "1", "A")})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	path := filepath.Join(dir, CombinedFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`GOA,NORTH GOA,2,"HALF WRITT`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second := newManager(t, dir, false)
	assert.Equal(t, 1, second.Existing())
	_, err = second.Write([]models.SchoolRecord{school("GOA", "NORTH GOA", "2", "B")})
	require.NoError(t, err)

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, "2", rows[2][2])
}

func TestWriteFailureIsStorageError(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, false)
	// a directory where the artifact should be makes the open fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, CombinedFile), 0755))

	_, err := m.Write([]models.SchoolRecord{school("GOA", "NORTH GOA", "1", "A")})
	assert.True(t, errs.IsFatal(err))
	assert.Zero(t, m.Written())
}

func TestBufferFlushesOnFrequency(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, false)
	b := NewBuffer(m, 2)

	require.NoError(t, b.Add(school("GOA", "D", "1", "A")))
	assert.Equal(t, 1, b.Len())
	assert.Zero(t, m.Written())

	require.NoError(t, b.Add(school("GOA", "D", "2", "B"), school("GOA", "D", "3", "C")))
	assert.Equal(t, 2, m.Written())
	assert.Equal(t, 1, b.Len())

	n, err := b.Commit()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, b.Len())

	n, err = b.Commit()
	require.NoError(t, err)
	assert.Zero(t, n, "commit counts reset per unit")
}

type fakeRemote struct {
	mu      sync.Mutex
	err     error
	batches [][]models.SchoolRecord
	block   bool
	// limit > 0 applies at most limit records per call, then fails with a
	// quota error
	limit int
}

func (f *fakeRemote) Append(ctx context.Context, records []models.SchoolRecord) (int, error) {
	if f.block {
		<-ctx.Done()
		return 0, errs.Wrap(errs.KindTimeout, "sheets append", ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.limit > 0 && len(records) > f.limit {
		f.batches = append(f.batches, records[:f.limit])
		return f.limit, errs.New(errs.KindQuota, "sheets append", "rate limit exceeded")
	}
	f.batches = append(f.batches, records)
	return len(records), nil
}

func (f *fakeRemote) codes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		for _, rec := range b {
			out = append(out, rec.UDISECode())
		}
	}
	return out
}

func TestSyncRemote(t *testing.T) {
	m := newManager(t, t.TempDir(), true)

	n, err := m.SyncRemote(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no remote configured")

	remote := &fakeRemote{}
	m.SetRemote(remote, time.Second)

	_, err = m.Write([]models.SchoolRecord{school("GOA", "D", "1", "A"), school("GOA", "D", "2", "B")})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Pending())

	n, err = m.SyncRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, m.Pending())

	n, err = m.SyncRemote(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, remote.batches, 1)
}

func TestSyncRemoteFailureKeepsPending(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, false)
	remote := &fakeRemote{err: errs.New(errs.KindQuota, "sheets append", "rate limit exceeded")}
	m.SetRemote(remote, time.Second)

	_, err := m.Write([]models.SchoolRecord{school("GOA", "D", "1", "A")})
	require.NoError(t, err)

	_, err = m.SyncRemote(context.Background())
	assert.True(t, errs.Is(err, errs.KindQuota))
	assert.False(t, errs.IsFatal(err))
	assert.Equal(t, 1, m.Pending())
	assert.Len(t, readCSV(t, filepath.Join(dir, CombinedFile)), 2, "CSV unaffected")

	remote.err = nil
	n, err := m.SyncRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncRemotePartialApplyTrimsPending(t *testing.T) {
	m := newManager(t, t.TempDir(), true)
	remote := &fakeRemote{limit: 2}
	m.SetRemote(remote, time.Second)

	_, err := m.Write([]models.SchoolRecord{
		school("GOA", "D", "1", "A"), school("GOA", "D", "2", "B"), school("GOA", "D", "3", "C"),
		school("GOA", "D", "4", "E"), school("GOA", "D", "5", "F"),
	})
	require.NoError(t, err)

	n, err := m.SyncRemote(context.Background())
	assert.True(t, errs.Is(err, errs.KindQuota))
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, m.Pending(), "applied records leave the queue")

	remote.mu.Lock()
	remote.limit = 0
	remote.mu.Unlock()

	n, err = m.SyncRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, m.Pending())
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, remote.codes(), "no record is sent twice")
}

func TestWriteWithoutRemoteKeepsNothingPending(t *testing.T) {
	m := newManager(t, t.TempDir(), true)
	for i := 0; i < 50; i++ {
		_, err := m.Write([]models.SchoolRecord{school("GOA", "D", fmt.Sprint(1000+i), "S")})
		require.NoError(t, err)
	}
	assert.Equal(t, 50, m.Written())
	assert.Zero(t, m.Pending())

	remote := &fakeRemote{}
	m.SetRemote(remote, time.Second)
	_, err := m.Write([]models.SchoolRecord{school("GOA", "D", "2000", "S")})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Pending(), "only records written after the remote is attached are mirrored")
}

func TestSyncRemoteIsBounded(t *testing.T) {
	m := newManager(t, t.TempDir(), false)
	m.SetRemote(&fakeRemote{block: true}, 20*time.Millisecond)
	_, err := m.Write([]models.SchoolRecord{school("GOA", "D", "1", "A")})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.SyncRemote(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStateFileName(t *testing.T) {
	assert.Equal(t, "goa.csv", StateFileName("GOA"))
	assert.Equal(t, "dadra_and_nagar_haveli_and_daman_and_diu.csv", StateFileName("DADRA & NAGAR HAVELI & DAMAN & DIU"))
	assert.Equal(t, "jammu_and_kashmir.csv", StateFileName("Jammu and Kashmir"))
	assert.Equal(t, "unknown.csv", StateFileName("  "))
}

func linked(state, code, link string) models.SchoolRecord {
	rec := school(state, "NORTH GOA", code, "SCHOOL "+code)
	rec[models.FieldKnowMoreLink] = link
	return rec
}

func TestWriteSplitsByDetailLink(t *testing.T) {
	dir := t.TempDir()
	cfg := config.OutputConfig{Directory: dir, FilePerState: true, SplitLinks: true}
	m, err := NewManager(cfg, logger.NewNopLogger())
	require.NoError(t, err)

	n, err := m.Write([]models.SchoolRecord{
		linked("GOA", "1", "https://kys.udiseplus.gov.in/#/school/1"),
		linked("GOA", "2", models.Unknown),
		linked("GOA", "3", "https://kys.udiseplus.gov.in/#/school/3"),
		linked("GOA", "3", "https://kys.udiseplus.gov.in/#/school/3"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	with := readCSV(t, filepath.Join(dir, LinksDir, "goa_with_links.csv"))
	without := readCSV(t, filepath.Join(dir, LinksDir, "goa_no_links.csv"))
	require.Len(t, with, 3)
	require.Len(t, without, 2)
	assert.Equal(t, models.Columns, with[0])
	assert.Equal(t, "1", with[1][2])
	assert.Equal(t, "3", with[2][2])
	assert.Equal(t, "2", without[1][2])
	require.NoError(t, m.Close())

	// the split files are not read back as existing records
	again, err := NewManager(cfg, logger.NewNopLogger())
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 3, again.Existing())

	n, err = again.Write([]models.SchoolRecord{
		linked("GOA", "1", "https://kys.udiseplus.gov.in/#/school/1"),
		linked("GOA", "4", models.Unknown),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, readCSV(t, filepath.Join(dir, LinksDir, "goa_with_links.csv")), 3)
	assert.Len(t, readCSV(t, filepath.Join(dir, LinksDir, "goa_no_links.csv")), 3)
}

func TestWriteWithoutSplitLeavesNoLinkFiles(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, true)
	_, err := m.Write([]models.SchoolRecord{linked("GOA", "1", "https://kys.udiseplus.gov.in/#/school/1")})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(dir, LinksDir))
}

func TestDetailManagerWritesDetailColumns(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDetailManager(config.OutputConfig{Directory: dir}, logger.NewNopLogger())
	require.NoError(t, err)
	defer d.Close()

	rec := models.SchoolRecord{
		models.FieldState:            "GOA",
		models.FieldUDISECode:        "1",
		models.FieldTotalStudents:    "120",
		models.FieldExtractionStatus: string(models.DetailPartial),
	}
	n, err := d.Write([]models.SchoolRecord{rec, rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := readCSV(t, filepath.Join(dir, DetailsDir, "goa.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, models.DetailColumns, rows[0])

	// detail files do not count as main artifact records
	main := newManager(t, dir, true)
	assert.Equal(t, 0, main.Existing())
}
