package watch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scanfeed/internal/ingest"
	"github.com/JonMunkholm/scanfeed/internal/ledger"
	"github.com/JonMunkholm/scanfeed/internal/logging"
)

func testFolder(dir string) ledger.WatchedFolder {
	return ledger.WatchedFolder{ID: 1, Path: dir, Active: true, ScannerID: "scanner-1", TableName: "scans"}
}

func newTestWatcher(dir string, l ledger.Ledger, ing Ingester, opts Options) *Watcher {
	return newWatcher(testFolder(dir), l, ing, opts)
}

func noStop() bool { return false }

func TestWatcher_CycleLeavesNewestFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv")

	l := newMemLedger()
	ing := &fakeIngester{rows: 4}
	w := newTestWatcher(dir, l, ing, Options{})

	res := w.cycle(context.Background(), false, noStop)

	assert.Equal(t, []string{"a.csv", "b.csv"}, ing.called())
	assert.Equal(t, CycleResult{Listed: 3, Eligible: 2, Ingested: 2, Rows: 8}, res)

	for _, name := range []string{"a.csv", "b.csv"} {
		rec, ok := l.record(1, filepath.Join(dir, name))
		require.True(t, ok, name)
		assert.True(t, rec.Processed, name)
		assert.Nil(t, rec.Error, name)
		assert.NotNil(t, rec.MTime, name)
	}
	_, ok := l.record(1, filepath.Join(dir, "c.csv"))
	assert.False(t, ok, "newest file must not be touched")
}

func TestWatcher_SingleFileIsNeverEligible(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "only.csv")

	ing := &fakeIngester{}
	w := newTestWatcher(dir, newMemLedger(), ing, Options{})

	res := w.cycle(context.Background(), false, noStop)
	assert.Empty(t, ing.called())
	assert.Equal(t, 1, res.Listed)
	assert.Equal(t, 0, res.Eligible)
}

func TestWatcher_EndToEndArrivals(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv")

	l := newMemLedger()
	ing := &fakeIngester{rows: 1}
	w := newTestWatcher(dir, l, ing, Options{})
	ctx := context.Background()

	w.cycle(ctx, false, noStop)
	assert.Equal(t, []string{"a.csv", "b.csv"}, ing.called())

	writeFiles(t, dir, "d.csv")
	res := w.cycle(ctx, false, noStop)

	assert.Equal(t, []string{"a.csv", "b.csv", "c.csv"}, ing.called())
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, 2, res.Skipped)

	_, ok := l.record(1, filepath.Join(dir, "d.csv"))
	assert.False(t, ok)
}

func TestWatcher_ProcessedFilesAreNotIngestedAgain(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "z.csv")

	l := newMemLedger()
	ing := &fakeIngester{rows: 3}
	w := newTestWatcher(dir, l, ing, Options{})
	ctx := context.Background()

	w.cycle(ctx, false, noStop)
	writes := l.writes
	res := w.cycle(ctx, false, noStop)

	assert.Equal(t, []string{"a.csv", "b.csv"}, ing.called())
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Rows)
	assert.Equal(t, writes, l.writes, "ledger must not be rewritten for skipped files")
}

func TestWatcher_RestartRecoversFromLedger(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv", "d.csv")

	l := newMemLedger()
	l.markProcessed(1, filepath.Join(dir, "a.csv"))
	l.markProcessed(1, filepath.Join(dir, "b.csv"))

	ing := &fakeIngester{}
	w := newTestWatcher(dir, l, ing, Options{})
	w.seedCache(context.Background())

	assert.True(t, w.cached("a.csv"))
	assert.True(t, w.cached("b.csv"))

	res := w.cycle(context.Background(), false, noStop)
	assert.Equal(t, []string{"c.csv"}, ing.called())
	assert.Equal(t, 2, res.Skipped)
}

func TestWatcher_LedgerWinsWhenCacheIsCold(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")

	l := newMemLedger()
	l.markProcessed(1, filepath.Join(dir, "a.csv"))
	l.failList = errors.New("connection refused")

	ing := &fakeIngester{}
	w := newTestWatcher(dir, l, ing, Options{})
	w.seedCache(context.Background())
	assert.False(t, w.cached("a.csv"))

	res := w.cycle(context.Background(), false, noStop)
	assert.Empty(t, ing.called())
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, w.cached("a.csv"), "ledger hit is cached")
}

func TestWatcher_FailedFileIsRecordedAndRetried(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv", "d.csv")

	l := newMemLedger()
	ing := &fakeIngester{rows: 2}
	ing.setFail("b.csv", &ingest.IngestError{
		Path:      filepath.Join(dir, "b.csv"),
		Table:     "scans",
		Batch:     3,
		Committed: 1000,
		Err:       errors.New("value too long for type character varying(8)"),
	})
	w := newTestWatcher(dir, l, ing, Options{})
	ctx := context.Background()

	res := w.cycle(ctx, false, noStop)
	assert.Equal(t, []string{"a.csv", "b.csv", "c.csv"}, ing.called())
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 1, res.Failed)

	rec, ok := l.record(1, filepath.Join(dir, "b.csv"))
	require.True(t, ok)
	assert.False(t, rec.Processed)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "value too long")
	assert.Contains(t, w.Status().LastError, "value too long")

	// Fixed upstream; the next cycle picks it up again.
	ing.setFail("b.csv", nil)
	res = w.cycle(ctx, false, noStop)
	assert.Equal(t, 1, res.Ingested)

	rec, _ = l.record(1, filepath.Join(dir, "b.csv"))
	assert.True(t, rec.Processed)
	assert.Nil(t, rec.Error)
}

func TestWatcher_LedgerWriteFailureKeepsFileEligible(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")

	l := newMemLedger()
	l.failWrite = errors.New("connection reset")
	ing := &fakeIngester{rows: 1}
	w := newTestWatcher(dir, l, ing, Options{})
	ctx := context.Background()

	res := w.cycle(ctx, false, noStop)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, w.cached("a.csv"))

	l.mu.Lock()
	l.failWrite = nil
	l.mu.Unlock()

	res = w.cycle(ctx, false, noStop)
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, []string{"a.csv", "a.csv"}, ing.called())
}

func TestWatcher_ListFailureIsReported(t *testing.T) {
	w := newTestWatcher("/nowhere", newMemLedger(), &fakeIngester{}, Options{Lister: errLister{}})

	res := w.cycle(context.Background(), false, noStop)
	assert.Zero(t, res.Listed)
	assert.Contains(t, w.Status().LastError, "directory unreachable")
}

func TestWatcher_PanicIsRecovered(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")

	ing := &fakeIngester{panic: "a.csv"}
	w := newTestWatcher(dir, newMemLedger(), ing, Options{})

	var res CycleResult
	assert.NotPanics(t, func() {
		res = w.safeCycle(context.Background(), false, noStop)
	})
	assert.True(t, res.Interrupted)
	assert.Contains(t, w.Status().LastError, "ingester exploded")
}

func TestWatcher_StopIsCheckedBetweenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv", "d.csv")

	ing := &fakeIngester{}
	w := newTestWatcher(dir, newMemLedger(), ing, Options{})

	checks := 0
	stop := func() bool {
		checks++
		return checks > 1
	}

	res := w.cycle(context.Background(), false, stop)
	assert.True(t, res.Interrupted)
	assert.Equal(t, []string{"a.csv"}, ing.called())
}

func TestWatcher_IncludeNewest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")

	ing := &fakeIngester{}
	w := newTestWatcher(dir, newMemLedger(), ing, Options{})

	res := w.cycle(context.Background(), true, noStop)
	assert.Equal(t, 2, res.Eligible)
	assert.Equal(t, []string{"a.csv", "b.csv"}, ing.called())
}

func TestWatcher_BusySlotsEndCycle(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv")

	limiter := NewSlotLimiter(1, 10*time.Millisecond)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ing := &fakeIngester{}
	w := newTestWatcher(dir, newMemLedger(), ing, Options{Limiter: limiter})

	res := w.cycle(context.Background(), false, noStop)
	assert.True(t, res.Interrupted)
	assert.Empty(t, ing.called())
	assert.Equal(t, 1, limiter.ActiveCount())
}

func TestWatcher_ArchivesIngestedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")

	ing := &fakeIngester{}
	w := newTestWatcher(dir, newMemLedger(), ing, Options{Archiver: &DirArchiver{DirName: "done"}})

	w.cycle(context.Background(), false, noStop)

	_, err := os.Stat(filepath.Join(dir, "done", "a.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "a.csv"))
	assert.True(t, os.IsNotExist(err))

	// Only b.csv is left in the folder and it is the newest.
	res := w.cycle(context.Background(), false, noStop)
	assert.Equal(t, 1, res.Listed)
	assert.Equal(t, 0, res.Eligible)
}

func TestWatcher_RepeatedFailuresAreThrottled(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")

	ing := &fakeIngester{}
	ing.setFail("a.csv", errors.New("boom"))
	w := newTestWatcher(dir, newMemLedger(), ing, Options{ErrorLogInterval: time.Minute})

	var buf bytes.Buffer
	w.log = logging.New(&buf, "debug", "text")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	ctx := context.Background()
	w.cycle(ctx, false, noStop)
	now = now.Add(10 * time.Second)
	w.cycle(ctx, false, noStop)
	now = now.Add(2 * time.Minute)
	w.cycle(ctx, false, noStop)

	var errorLines, debugLines int
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, "file ingestion failed") {
			continue
		}
		switch {
		case strings.Contains(line, "level=ERROR"):
			errorLines++
		case strings.Contains(line, "level=DEBUG"):
			debugLines++
		}
	}
	assert.Equal(t, 2, errorLines)
	assert.Equal(t, 1, debugLines)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
