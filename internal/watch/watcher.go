// Package watch runs one polling loop per watched folder and feeds settled
// CSV files into the ingestion pipeline.
//
// A watcher lists its folder every cycle, leaves the lexicographically last
// file alone (the scanner may still be writing it), and ingests the rest in
// name order, skipping files the ledger already marks processed. The Manager
// owns the set of running watchers.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JonMunkholm/scanfeed/internal/ingest"
	"github.com/JonMunkholm/scanfeed/internal/ledger"
	"github.com/JonMunkholm/scanfeed/internal/logging"
)

var tracer = otel.Tracer("github.com/JonMunkholm/scanfeed/internal/watch")

// Ingester loads one file into one table. *ingest.Pipeline implements it.
type Ingester interface {
	Ingest(ctx context.Context, filePath, table, sourceID string) (int64, error)
}

// State is the lifecycle stage of a Watcher.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures every watcher a Manager launches.
type Options struct {
	// Extension selects candidate files (default .csv).
	Extension string

	// ErrorLogInterval limits how often the same failing file is logged at
	// error level. Zero logs every failure.
	ErrorLogInterval time.Duration

	Lister   FileLister
	Archiver Archiver
	Limiter  *SlotLimiter
	Metrics  *Metrics

	// Wakers builds the per-folder sleep between cycles (default: 5s interval).
	Wakers WakerFactory
}

func (o Options) withDefaults() Options {
	if o.Extension == "" {
		o.Extension = ".csv"
	}
	if o.Lister == nil {
		o.Lister = DirLister{}
	}
	if o.Archiver == nil {
		o.Archiver = NoArchive{}
	}
	if o.Wakers == nil {
		o.Wakers = IntervalWakers(5 * time.Second)
	}
	return o
}

// CycleResult summarizes one pass over a folder.
type CycleResult struct {
	Listed   int   `json:"listed"`
	Eligible int   `json:"eligible"`
	Ingested int   `json:"ingested"`
	Skipped  int   `json:"skipped"`
	Failed   int   `json:"failed"`
	Rows     int64 `json:"rows"`

	// Interrupted is set when the cycle ended before every eligible file
	// was visited (stop signal, cancelled drain, or no ingest slot).
	Interrupted bool `json:"interrupted"`
}

// Watcher polls one folder.
type Watcher struct {
	folder   ledger.WatchedFolder
	ledger   ledger.Ledger
	ingester Ingester
	opts     Options
	log      *slog.Logger

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu        sync.Mutex
	processed map[string]struct{}
	lastLog   map[string]time.Time
	lastCycle time.Time
	lastErr   string
	now       func() time.Time
}

func newWatcher(folder ledger.WatchedFolder, l ledger.Ledger, ing Ingester, opts Options) *Watcher {
	return &Watcher{
		folder:    folder,
		ledger:    l,
		ingester:  ing,
		opts:      opts.withDefaults(),
		log:       logging.WithFields(context.Background(), "folder_id", folder.ID, "path", folder.Path, "table", folder.TableName),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		processed: make(map[string]struct{}),
		lastLog:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// Folder returns the folder this watcher polls.
func (w *Watcher) Folder() ledger.WatchedFolder { return w.folder }

// State returns the current lifecycle stage.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Done is closed once the poll loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

func (w *Watcher) signalStop() {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		close(w.stopCh)
	})
}

func (w *Watcher) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// run is the poll loop. It returns after signalStop.
func (w *Watcher) run(waker Waker) {
	defer close(w.doneCh)
	defer w.state.Store(int32(StateStopped))
	defer func() {
		if err := waker.Close(); err != nil {
			w.log.Warn("failed to close waker", "error", err)
		}
	}()

	ctx := context.Background()
	w.log.Info("watcher started")
	w.seedCache(ctx)

	for !w.stopRequested() {
		w.safeCycle(ctx, false, w.stopRequested)
		if !waker.Sleep(w.stopCh) {
			break
		}
	}
	w.log.Info("watcher stopped")
}

// seedCache loads the names of files already processed so a restarted
// watcher does not ask the ledger about each of them again.
func (w *Watcher) seedCache(ctx context.Context) {
	records, err := w.ledger.ListProcessed(ctx, w.folder.ID)
	if err != nil {
		w.log.Warn("failed to load processed files, relying on ledger lookups", "error", err)
		return
	}

	w.mu.Lock()
	for _, r := range records {
		w.processed[r.Filename] = struct{}{}
	}
	w.mu.Unlock()
	w.log.Debug("processed cache seeded", "files", len(records))
}

// safeCycle runs one cycle and turns a panic into a logged error so the
// loop survives it.
func (w *Watcher) safeCycle(ctx context.Context, includeNewest bool, stop func() bool) (res CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic in watcher cycle", "panic", r)
			w.setLastError(fmt.Sprintf("panic: %v", r))
			res.Interrupted = true
		}
	}()
	return w.cycle(ctx, includeNewest, stop)
}

func (w *Watcher) cycle(ctx context.Context, includeNewest bool, stop func() bool) CycleResult {
	start := w.now()
	ctx, span := tracer.Start(ctx, "watch.cycle", trace.WithAttributes(
		attribute.Int64("folder.id", w.folder.ID),
		attribute.String("folder.path", w.folder.Path),
		attribute.Bool("include_newest", includeNewest),
	))
	defer span.End()

	var res CycleResult
	defer func() {
		w.mu.Lock()
		w.lastCycle = start
		w.mu.Unlock()
		w.opts.Metrics.cycle(w.now().Sub(start))
		span.SetAttributes(
			attribute.Int("files.ingested", res.Ingested),
			attribute.Int("files.failed", res.Failed),
		)
	}()

	files, err := w.opts.Lister.List(w.folder.Path, w.opts.Extension)
	if err != nil {
		w.logFailure("list", "failed to list folder", "error", err)
		w.setLastError(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return res
	}
	res.Listed = len(files)

	eligible := Eligible(files, includeNewest)
	res.Eligible = len(eligible)

	for _, f := range eligible {
		if stop != nil && stop() {
			res.Interrupted = true
			break
		}
		if errors.Is(w.processFile(ctx, f, &res), ErrNoIngestSlot) {
			w.log.Debug("no ingest slot, deferring rest of folder to next cycle", "file", f.Name)
			res.Interrupted = true
			break
		}
	}
	return res
}

// processFile handles one eligible file. Only ErrNoIngestSlot is returned;
// every other failure is recorded and logged here.
func (w *Watcher) processFile(ctx context.Context, f FileInfo, res *CycleResult) error {
	if w.cached(f.Name) {
		res.Skipped++
		return nil
	}

	rec, err := w.ledger.Find(ctx, w.folder.ID, f.Path)
	switch {
	case err == nil && rec.Processed:
		w.remember(f.Name)
		res.Skipped++
		return nil
	case err != nil && !errors.Is(err, ledger.ErrRecordNotFound):
		w.logFailure(f.Name, "ledger lookup failed, will retry", "file", f.Name, "error", err)
		w.setLastError(err.Error())
		res.Failed++
		return nil
	}

	if err := w.opts.Limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ErrNoIngestSlot) {
			return err
		}
		res.Interrupted = true
		return nil
	}

	// The file always runs to completion once started.
	fileCtx := context.WithoutCancel(ctx)
	rows, ingestErr := w.ingester.Ingest(fileCtx, f.Path, w.folder.TableName, w.folder.ScannerID)
	w.opts.Limiter.Release()

	if ingestErr != nil {
		res.Failed++
		w.opts.Metrics.fileDone(OutcomeFailed, 0)
		w.setLastError(ingestErr.Error())
		w.logFailure(f.Name, "file ingestion failed",
			"file", f.Name, "committed_rows", ingest.CommittedRows(ingestErr), "error", ingestErr)

		if err := w.ledger.UpsertProcessed(fileCtx, ledger.UpsertParams{
			FolderID:  w.folder.ID,
			FullPath:  f.Path,
			Filename:  f.Name,
			MTime:     modTime(f),
			Processed: false,
			Err:       ingestErr,
		}); err != nil {
			w.log.Error("failed to record ingestion failure", "file", f.Name, "error", err)
		}
		return nil
	}

	if err := w.ledger.UpsertProcessed(fileCtx, ledger.UpsertParams{
		FolderID:  w.folder.ID,
		FullPath:  f.Path,
		Filename:  f.Name,
		MTime:     modTime(f),
		Processed: true,
	}); err != nil {
		// Not cached: the next cycle ingests the file again.
		res.Failed++
		w.opts.Metrics.fileDone(OutcomeFailed, rows)
		w.setLastError(err.Error())
		w.log.Error("file ingested but ledger update failed, will retry",
			"file", f.Name, "rows", rows, "error", err)
		return nil
	}

	w.remember(f.Name)
	w.forgetFailure(f.Name)
	res.Ingested++
	res.Rows += rows
	w.opts.Metrics.fileDone(OutcomeIngested, rows)

	dest, err := w.opts.Archiver.Archive(fileCtx, w.folder, f)
	if err != nil {
		w.log.Warn("failed to archive ingested file", "file", f.Name, "error", err)
	}
	w.log.Info("file processed", "file", f.Name, "rows", rows, "archived_to", dest)
	return nil
}

// modTime re-stats the file because the listing may be stale by the time
// ingestion finishes.
func modTime(f FileInfo) *time.Time {
	if info, err := os.Stat(f.Path); err == nil {
		t := info.ModTime()
		return &t
	}
	if f.ModTime.IsZero() {
		return nil
	}
	t := f.ModTime
	return &t
}

func (w *Watcher) cached(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.processed[name]
	return ok
}

func (w *Watcher) remember(name string) {
	w.mu.Lock()
	w.processed[name] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) setLastError(msg string) {
	w.mu.Lock()
	w.lastErr = msg
	w.mu.Unlock()
}

func (w *Watcher) forgetFailure(key string) {
	w.mu.Lock()
	delete(w.lastLog, key)
	w.mu.Unlock()
}

// logFailure logs at error level the first time key fails and then at most
// once per ErrorLogInterval; repeats in between go to debug.
func (w *Watcher) logFailure(key, msg string, args ...any) {
	now := w.now()

	w.mu.Lock()
	last, seen := w.lastLog[key]
	loud := !seen || w.opts.ErrorLogInterval <= 0 || now.Sub(last) >= w.opts.ErrorLogInterval
	if loud {
		w.lastLog[key] = now
	}
	w.mu.Unlock()

	if loud {
		w.log.Error(msg, args...)
	} else {
		w.log.Debug(msg, args...)
	}
}

// WatcherStatus is a point-in-time view of one watcher.
type WatcherStatus struct {
	FolderID  int64      `json:"folder_id"`
	Path      string     `json:"path"`
	ScannerID string     `json:"scanner_id"`
	TableName string     `json:"table_name"`
	State     string     `json:"state"`
	Processed int        `json:"processed"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Status returns a snapshot of the watcher.
func (w *Watcher) Status() WatcherStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := WatcherStatus{
		FolderID:  w.folder.ID,
		Path:      w.folder.Path,
		ScannerID: w.folder.ScannerID,
		TableName: w.folder.TableName,
		State:     w.State().String(),
		Processed: len(w.processed),
		LastError: w.lastErr,
	}
	if !w.lastCycle.IsZero() {
		t := w.lastCycle
		st.LastCycle = &t
	}
	return st
}
