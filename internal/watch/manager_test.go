package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scanfeed/internal/ledger"
)

type managerFixture struct {
	mgr     *Manager
	folders *memFolders
	ledger  *memLedger
	ing     *fakeIngester
}

func newManagerFixture(t *testing.T, folders ...ledger.WatchedFolder) *managerFixture {
	t.Helper()
	f := &managerFixture{
		folders: newMemFolders(folders...),
		ledger:  newMemLedger(),
		ing:     &fakeIngester{rows: 1},
	}
	f.mgr = NewManager(f.folders, f.ledger, f.ing, Options{Wakers: parkedWakers()})
	t.Cleanup(func() {
		f.mgr.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.mgr.Wait(ctx); err != nil {
			t.Errorf("watchers did not exit: %v", err)
		}
	})
	return f
}

func folderAt(id int64, dir string, active bool) ledger.WatchedFolder {
	return ledger.WatchedFolder{ID: id, Path: dir, Active: active, ScannerID: "scanner", TableName: "scans"}
}

func TestManager_StartUnknownFolder(t *testing.T) {
	f := newManagerFixture(t)
	err := f.mgr.Start(context.Background(), 42)
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestManager_StartStop(t *testing.T) {
	dir := t.TempDir()
	f := newManagerFixture(t, folderAt(1, dir, true))
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, 1))
	require.NoError(t, f.mgr.Start(ctx, 1), "second start is a no-op")
	assert.True(t, f.mgr.Running(1))
	assert.Len(t, f.mgr.Status(), 1)

	require.NoError(t, f.mgr.Stop(1))
	assert.False(t, f.mgr.Running(1))
	assert.ErrorIs(t, f.mgr.Stop(1), ErrWatcherNotRunning)
}

func TestManager_RunningWatcherIngests(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv")
	f := newManagerFixture(t, folderAt(1, dir, true))

	require.NoError(t, f.mgr.Start(context.Background(), 1))

	assert.Eventually(t, func() bool {
		return len(f.ing.called()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a.csv", "b.csv"}, f.ing.called())

	assert.Eventually(t, func() bool {
		st := f.mgr.Status()
		return len(st) == 1 && st[0].LastCycle != nil
	}, 2*time.Second, 10*time.Millisecond)
	st := f.mgr.Status()[0]
	assert.Equal(t, "running", st.State)
	assert.Equal(t, int64(1), st.FolderID)
}

func TestManager_StartRefusesInactiveFolder(t *testing.T) {
	f := newManagerFixture(t, folderAt(1, t.TempDir(), false))

	err := f.mgr.Start(context.Background(), 1)
	assert.ErrorIs(t, err, ErrFolderInactive)
	assert.False(t, f.mgr.Running(1))
}

func TestManager_StartWaitsForStoppingWatcher(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")
	f := newManagerFixture(t, folderAt(1, dir, true))
	ing := newBlockingIngester()
	f.mgr.ingester = ing
	t.Cleanup(ing.unblock)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, 1))
	ing.waitEntered(t, "a.csv")
	require.NoError(t, f.mgr.Stop(1))

	started := make(chan error, 1)
	go func() { started <- f.mgr.Start(ctx, 1) }()

	select {
	case err := <-started:
		t.Fatalf("Start returned while the old watcher was mid-file: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	ing.unblock()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the old watcher exited")
	}
	assert.True(t, f.mgr.Running(1))

	assert.Never(t, func() bool {
		return len(ing.called()) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []string{"a.csv"}, ing.called())
	assert.Equal(t, int32(1), ing.peak.Load())

	rec, ok := f.ledger.record(1, filepath.Join(dir, "a.csv"))
	require.True(t, ok)
	assert.True(t, rec.Processed)
}

func TestManager_DrainWaitsForStoppingWatcher(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")
	f := newManagerFixture(t, folderAt(1, dir, true))
	ing := newBlockingIngester()
	f.mgr.ingester = ing
	t.Cleanup(ing.unblock)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, 1))
	ing.waitEntered(t, "a.csv")
	require.NoError(t, f.mgr.Stop(1))

	type drainResult struct {
		res CycleResult
		err error
	}
	drained := make(chan drainResult, 1)
	go func() {
		res, err := f.mgr.DrainAndStop(ctx, 1)
		drained <- drainResult{res, err}
	}()

	select {
	case <-drained:
		t.Fatal("drain ran while the old watcher was mid-file")
	case <-time.After(100 * time.Millisecond):
	}

	ing.unblock()
	var got drainResult
	select {
	case got = <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.res.Skipped)
	assert.Equal(t, 1, got.res.Ingested)
	assert.Equal(t, []string{"a.csv", "b.csv"}, ing.called())
	assert.Equal(t, int32(1), ing.peak.Load())
}

func TestManager_StartAllStartsActiveFolders(t *testing.T) {
	f := newManagerFixture(t,
		folderAt(1, t.TempDir(), true),
		folderAt(2, t.TempDir(), false),
		folderAt(3, t.TempDir(), true),
	)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, 3))
	require.NoError(t, f.mgr.StartAll(ctx))

	status := f.mgr.Status()
	require.Len(t, status, 2)
	assert.Equal(t, int64(1), status[0].FolderID)
	assert.Equal(t, int64(3), status[1].FolderID)
	assert.False(t, f.mgr.Running(2))
}

func TestManager_StartAllAggregatesFailures(t *testing.T) {
	good := t.TempDir()
	f := newManagerFixture(t,
		folderAt(1, good, true),
		folderAt(2, filepath.Join(good, "missing"), true),
	)
	f.mgr.opts.Wakers = NotifyWakers(time.Hour, DefaultDebounce)

	err := f.mgr.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "folder 2")
	assert.True(t, f.mgr.Running(1))
	assert.False(t, f.mgr.Running(2))
}

func TestManager_DrainAndStopIncludesNewest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "c.csv")
	f := newManagerFixture(t, folderAt(1, dir, true))
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, 1))
	res, err := f.mgr.DrainAndStop(ctx, 1)
	require.NoError(t, err)

	assert.False(t, f.mgr.Running(1))
	assert.Equal(t, 3, res.Eligible)
	assert.ElementsMatch(t, []string{"a.csv", "b.csv", "c.csv"}, f.ing.called())

	for _, name := range []string{"a.csv", "b.csv", "c.csv"} {
		rec, ok := f.ledger.record(1, filepath.Join(dir, name))
		require.True(t, ok, name)
		assert.True(t, rec.Processed, name)
	}
}

func TestManager_DrainWithoutRunningWatcher(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")
	f := newManagerFixture(t, folderAt(1, dir, false))

	res, err := f.mgr.DrainAndStop(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)

	_, err = f.mgr.DrainAndStop(context.Background(), 99)
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestManager_DrainHonoursCancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")
	f := newManagerFixture(t, folderAt(1, dir, false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.mgr.DrainAndStop(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Interrupted)
	assert.Empty(t, f.ing.called())
}

func TestManager_ShutdownStopsEverything(t *testing.T) {
	f := newManagerFixture(t,
		folderAt(1, t.TempDir(), true),
		folderAt(2, t.TempDir(), true),
	)
	require.NoError(t, f.mgr.StartAll(context.Background()))

	f.mgr.Shutdown()
	assert.Empty(t, f.mgr.Status())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.mgr.Wait(ctx))
}

func TestManager_Register(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv", "notes.txt")
	f := newManagerFixture(t)
	ctx := context.Background()

	folder, err := f.mgr.Register(ctx, FolderInput{Path: dir, ScannerID: "line-1", TableName: "line1_scans"})
	require.NoError(t, err)
	assert.True(t, folder.Active)
	assert.True(t, f.mgr.Running(folder.ID))

	_, ok := f.ledger.record(folder.ID, filepath.Join(dir, "b.csv"))
	assert.True(t, ok, "newest file is seeded too")
	_, ok = f.ledger.record(folder.ID, filepath.Join(dir, "notes.txt"))
	assert.False(t, ok)

	again, err := f.mgr.Register(ctx, FolderInput{Path: dir, ScannerID: "line-1", TableName: "line1_v2"})
	require.NoError(t, err)
	assert.Equal(t, folder.ID, again.ID)
	assert.Equal(t, "line1_v2", again.TableName)

	assert.Eventually(t, func() bool {
		st := f.mgr.Status()
		return len(st) == 1 && st[0].TableName == "line1_v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_RegisterRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.csv")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	tests := []struct {
		name string
		in   FolderInput
	}{
		{"missing path", FolderInput{ScannerID: "s", TableName: "t"}},
		{"bad table", FolderInput{Path: dir, ScannerID: "s", TableName: "drop table; --"}},
		{"missing scanner", FolderInput{Path: dir, TableName: "t"}},
		{"not a directory", FolderInput{Path: file, ScannerID: "s", TableName: "t"}},
		{"does not exist", FolderInput{Path: filepath.Join(dir, "nope"), ScannerID: "s", TableName: "t"}},
	}

	f := newManagerFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.Register(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidFolder)
		})
	}
	assert.Empty(t, f.mgr.Status())
}

func TestManager_Deactivate(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.csv", "b.csv")
	f := newManagerFixture(t, folderAt(1, dir, true), folderAt(2, t.TempDir(), true))
	ctx := context.Background()
	require.NoError(t, f.mgr.StartAll(ctx))

	res, err := f.mgr.Deactivate(ctx, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Eligible)
	assert.False(t, f.mgr.Running(1))

	stored, _ := f.folders.Get(ctx, 1)
	assert.False(t, stored.Active)

	_, err = f.mgr.Deactivate(ctx, 2, false)
	require.NoError(t, err)
	assert.False(t, f.mgr.Running(2))

	_, err = f.mgr.Deactivate(ctx, 2, false)
	assert.NoError(t, err, "deactivating a stopped folder is fine")

	_, err = f.mgr.Deactivate(ctx, 77, false)
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestFolderInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		in      FolderInput
		wantErr bool
	}{
		{"valid", FolderInput{Path: "/srv/scans", ScannerID: "s1", TableName: "scans_1"}, false},
		{"relative path", FolderInput{Path: "scans", ScannerID: "s1", TableName: "scans"}, true},
		{"leading digit", FolderInput{Path: "/srv", ScannerID: "s1", TableName: "1scans"}, true},
		{"quoted table", FolderInput{Path: "/srv", ScannerID: "s1", TableName: `"scans"`}, true},
		{"long scanner id", FolderInput{Path: "/srv", ScannerID: strings.Repeat("x", 65), TableName: "t"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
