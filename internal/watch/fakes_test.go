package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/scanfeed/internal/ledger"
)

// memLedger is an in-memory ledger.Ledger keyed by (folder, full path).
type memLedger struct {
	mu        sync.Mutex
	records   map[int64]map[string]ledger.ProcessedFileRecord
	nextID    int64
	failWrite error
	failList  error
	writes    int
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[int64]map[string]ledger.ProcessedFileRecord)}
}

func (l *memLedger) Find(_ context.Context, folderID int64, fullPath string) (*ledger.ProcessedFileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[folderID][fullPath]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	return &rec, nil
}

func (l *memLedger) UpsertProcessed(_ context.Context, p ledger.UpsertParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes++
	if l.failWrite != nil {
		return ledger.Wrap("upsert processed", l.failWrite)
	}

	rec := l.ensure(p.FolderID, p.FullPath, p.Filename)
	rec.Processed = p.Processed
	rec.Error = p.ErrorText()
	if p.MTime != nil {
		rec.MTime = p.MTime
	}
	l.records[p.FolderID][p.FullPath] = rec
	return nil
}

func (l *memLedger) ListProcessed(_ context.Context, folderID int64) ([]ledger.ProcessedFileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failList != nil {
		return nil, ledger.Wrap("list processed", l.failList)
	}
	var out []ledger.ProcessedFileRecord
	for _, rec := range l.records[folderID] {
		if rec.Processed {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *memLedger) Seed(_ context.Context, folderID int64, fullPath, filename string, mtime time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.ensure(folderID, fullPath, filename)
	rec.MTime = &mtime
	l.records[folderID][fullPath] = rec
	return nil
}

// ensure returns the existing record or a fresh unprocessed one. l.mu must
// be held.
func (l *memLedger) ensure(folderID int64, fullPath, filename string) ledger.ProcessedFileRecord {
	if l.records[folderID] == nil {
		l.records[folderID] = make(map[string]ledger.ProcessedFileRecord)
	}
	if rec, ok := l.records[folderID][fullPath]; ok {
		return rec
	}
	l.nextID++
	return ledger.ProcessedFileRecord{
		ID:        l.nextID,
		FolderID:  folderID,
		Filename:  filename,
		FullPath:  fullPath,
		CreatedAt: time.Now(),
	}
}

func (l *memLedger) record(folderID int64, fullPath string) (ledger.ProcessedFileRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[folderID][fullPath]
	return rec, ok
}

func (l *memLedger) markProcessed(folderID int64, fullPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.ensure(folderID, fullPath, filepath.Base(fullPath))
	rec.Processed = true
	l.records[folderID][fullPath] = rec
}

// memFolders is an in-memory ledger.FolderStore.
type memFolders struct {
	mu      sync.Mutex
	folders map[int64]ledger.WatchedFolder
	nextID  int64
}

func newMemFolders(folders ...ledger.WatchedFolder) *memFolders {
	s := &memFolders{folders: make(map[int64]ledger.WatchedFolder)}
	for _, f := range folders {
		s.folders[f.ID] = f
		if f.ID > s.nextID {
			s.nextID = f.ID
		}
	}
	return s
}

func (s *memFolders) ListActive(ctx context.Context) ([]ledger.WatchedFolder, error) {
	all, _ := s.List(ctx)
	var out []ledger.WatchedFolder
	for _, f := range all {
		if f.Active {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memFolders) List(context.Context) ([]ledger.WatchedFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.WatchedFolder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memFolders) Get(_ context.Context, id int64) (*ledger.WatchedFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	return &f, nil
}

func (s *memFolders) GetByPath(_ context.Context, path string) (*ledger.WatchedFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.folders {
		if f.Path == path {
			return &f, nil
		}
	}
	return nil, ledger.ErrRecordNotFound
}

func (s *memFolders) Upsert(_ context.Context, in ledger.WatchedFolder) (*ledger.WatchedFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.folders {
		if f.Path == in.Path {
			f.ScannerID = in.ScannerID
			f.TableName = in.TableName
			f.Active = in.Active
			s.folders[id] = f
			return &f, nil
		}
	}
	s.nextID++
	in.ID = s.nextID
	in.CreatedAt = time.Now()
	s.folders[in.ID] = in
	return &in, nil
}

func (s *memFolders) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return ledger.ErrRecordNotFound
	}
	f.Active = active
	s.folders[id] = f
	return nil
}

// fakeIngester records which files it was asked to load.
type fakeIngester struct {
	mu    sync.Mutex
	rows  int64
	fail  map[string]error
	panic string
	calls []string
}

func (f *fakeIngester) Ingest(_ context.Context, filePath, _, _ string) (int64, error) {
	name := filepath.Base(filePath)

	f.mu.Lock()
	f.calls = append(f.calls, name)
	err := f.fail[name]
	f.mu.Unlock()

	if name == f.panic {
		panic("ingester exploded")
	}
	if err != nil {
		return 0, err
	}
	return f.rows, nil
}

func (f *fakeIngester) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeIngester) setFail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]error)
	}
	if err == nil {
		delete(f.fail, name)
		return
	}
	f.fail[name] = err
}

// blockingIngester holds every call until unblock and tracks how many
// calls overlap.
type blockingIngester struct {
	fakeIngester
	entered chan string
	release chan struct{}
	once    sync.Once
	active  atomic.Int32
	peak    atomic.Int32
}

func newBlockingIngester() *blockingIngester {
	return &blockingIngester{
		fakeIngester: fakeIngester{rows: 1},
		entered:      make(chan string, 16),
		release:      make(chan struct{}),
	}
}

func (b *blockingIngester) Ingest(ctx context.Context, filePath, table, sourceID string) (int64, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}

	rows, err := b.fakeIngester.Ingest(ctx, filePath, table, sourceID)
	select {
	case b.entered <- filepath.Base(filePath):
	default:
	}
	<-b.release
	return rows, err
}

func (b *blockingIngester) unblock() {
	b.once.Do(func() { close(b.release) })
}

func (b *blockingIngester) waitEntered(t *testing.T, name string) {
	t.Helper()
	select {
	case got := <-b.entered:
		if got != name {
			t.Fatalf("ingest started on %s, want %s", got, name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ingest of %s never started", name)
	}
}

// errLister fails every listing.
type errLister struct{}

func (errLister) List(string, string) ([]FileInfo, error) {
	return nil, errors.New("directory unreachable")
}

// parkedWakers never wake; watchers run their first cycle and then wait
// for stop.
func parkedWakers() WakerFactory {
	return IntervalWakers(time.Hour)
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("a,b\n1,2\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}
