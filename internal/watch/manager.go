package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/JonMunkholm/scanfeed/internal/ledger"
)

var (
	// ErrFolderNotFound is returned when no folder has the requested id.
	ErrFolderNotFound = errors.New("folder not found")

	// ErrWatcherNotRunning is returned by Stop for a folder without a
	// running watcher.
	ErrWatcherNotRunning = errors.New("watcher not running")

	// ErrInvalidFolder is returned when folder input fails validation.
	ErrInvalidFolder = errors.New("invalid folder")

	// ErrFolderInactive is returned by Start for a deactivated folder.
	ErrFolderInactive = errors.New("folder is inactive")
)

// Manager owns the running watchers, at most one per folder.
//
// A folder whose watcher was told to stop, or which is being drained, stays
// busy until that work ends. Start and DrainAndStop wait for a busy folder,
// so two loops never work the same folder at once.
type Manager struct {
	folders  ledger.FolderStore
	ledger   ledger.Ledger
	ingester Ingester
	opts     Options

	mu       sync.Mutex
	watchers map[int64]*Watcher
	busy     map[int64]<-chan struct{}
	wg       sync.WaitGroup
}

// NewManager returns a Manager with no running watchers.
func NewManager(folders ledger.FolderStore, l ledger.Ledger, ing Ingester, opts Options) *Manager {
	return &Manager{
		folders:  folders,
		ledger:   l,
		ingester: ing,
		opts:     opts.withDefaults(),
		watchers: make(map[int64]*Watcher),
		busy:     make(map[int64]<-chan struct{}),
	}
}

// Start launches a watcher for folderID unless one is already running. If
// the folder's previous watcher is still finishing a file, Start waits for
// it. Inactive folders are refused with ErrFolderInactive.
func (m *Manager) Start(ctx context.Context, folderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.waitIdleLocked(ctx, folderID); err != nil {
		return err
	}
	if _, ok := m.watchers[folderID]; ok {
		return nil
	}

	folder, err := m.loadFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if !folder.Active {
		return fmt.Errorf("%w: %d", ErrFolderInactive, folderID)
	}
	return m.launchLocked(*folder)
}

// StartAll launches a watcher for every active folder that is not already
// running. A folder that fails to start does not prevent the others; all
// failures are returned together.
func (m *Manager) StartAll(ctx context.Context) error {
	folders, err := m.folders.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active folders: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	started := 0
	for _, f := range folders {
		if err := m.waitIdleLocked(ctx, f.ID); err != nil {
			errs = append(errs, fmt.Errorf("folder %d (%s): %w", f.ID, f.Path, err))
			continue
		}
		if _, ok := m.watchers[f.ID]; ok {
			continue
		}
		if err := m.launchLocked(f); err != nil {
			errs = append(errs, fmt.Errorf("folder %d (%s): %w", f.ID, f.Path, err))
			continue
		}
		started++
	}

	slog.Info("watchers started", "started", started, "active_folders", len(folders), "failed", len(errs))
	return errors.Join(errs...)
}

// Stop signals the folder's watcher without waiting for the loop to exit.
// A file being ingested finishes first; until then the folder stays busy.
func (m *Manager) Stop(folderID int64) error {
	m.mu.Lock()
	w, ok := m.watchers[folderID]
	if ok {
		m.retireLocked(w)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: folder %d", ErrWatcherNotRunning, folderID)
	}
	w.signalStop()
	return nil
}

// DrainAndStop stops the folder's watcher, waits for its loop to exit, and
// then ingests every eligible file including the newest one. ctx is checked
// between files. A folder without a running watcher is drained all the
// same.
func (m *Manager) DrainAndStop(ctx context.Context, folderID int64) (CycleResult, error) {
	m.mu.Lock()
	if err := m.waitIdleLocked(ctx, folderID); err != nil {
		m.mu.Unlock()
		return CycleResult{Interrupted: true}, err
	}
	w, ok := m.watchers[folderID]
	if ok {
		delete(m.watchers, folderID)
	}
	draining := make(chan struct{})
	m.busy[folderID] = draining
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.busy[folderID] == draining {
			delete(m.busy, folderID)
		}
		m.mu.Unlock()
		close(draining)
	}()

	if ok {
		w.signalStop()
		select {
		case <-w.Done():
		case <-ctx.Done():
			// The old loop still owns the folder until it exits.
			m.mu.Lock()
			m.busy[folderID] = w.Done()
			m.mu.Unlock()
			return CycleResult{Interrupted: true}, ctx.Err()
		}
	} else {
		folder, err := m.loadFolder(ctx, folderID)
		if err != nil {
			return CycleResult{}, err
		}
		w = newWatcher(*folder, m.ledger, m.ingester, m.opts)
		w.seedCache(ctx)
		w.state.Store(int32(StateStopped))
	}

	stop := func() bool { return ctx.Err() != nil }
	res := w.safeCycle(ctx, true, stop)

	w.log.Info("folder drained",
		"ingested", res.Ingested,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"interrupted", res.Interrupted,
	)
	if res.Interrupted && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// Shutdown signals every watcher and clears the registry. Use Wait to
// block until their loops have exited.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
		m.retireLocked(w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.signalStop()
	}
	slog.Info("watchers signalled to stop", "count", len(watchers))
}

// Wait blocks until every watcher loop this manager launched has exited,
// or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether folderID has a registered watcher.
func (m *Manager) Running(folderID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchers[folderID]
	return ok
}

// Status returns a snapshot of every registered watcher ordered by folder id.
func (m *Manager) Status() []WatcherStatus {
	m.mu.Lock()
	out := make([]WatcherStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FolderID < out[j].FolderID })
	return out
}

// Limiter returns the shared ingest slot limiter, or nil when unlimited.
func (m *Manager) Limiter() *SlotLimiter {
	return m.opts.Limiter
}

func (m *Manager) loadFolder(ctx context.Context, folderID int64) (*ledger.WatchedFolder, error) {
	folder, err := m.folders.Get(ctx, folderID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrFolderNotFound, folderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load folder %d: %w", folderID, err)
	}
	return folder, nil
}

// launchLocked starts a watcher goroutine. m.mu must be held.
func (m *Manager) launchLocked(folder ledger.WatchedFolder) error {
	waker, err := m.opts.Wakers(folder.Path)
	if err != nil {
		return err
	}

	w := newWatcher(folder, m.ledger, m.ingester, m.opts)
	m.watchers[folder.ID] = w
	m.opts.Metrics.watcherStarted()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.opts.Metrics.watcherStopped()
		w.run(waker)

		m.mu.Lock()
		if m.busy[folder.ID] == w.Done() {
			delete(m.busy, folder.ID)
		}
		m.mu.Unlock()
	}()
	return nil
}

// retireLocked moves w from the running set to the busy set, where it stays
// until its loop exits. m.mu must be held.
func (m *Manager) retireLocked(w *Watcher) {
	id := w.Folder().ID
	if m.watchers[id] == w {
		delete(m.watchers, id)
	}
	m.busy[id] = w.Done()
}

// waitIdleLocked blocks until no stopping watcher or drain holds folderID.
// m.mu must be held; it is released while waiting and held again on return.
func (m *Manager) waitIdleLocked(ctx context.Context, folderID int64) error {
	for {
		done, ok := m.busy[folderID]
		if !ok {
			return nil
		}
		select {
		case <-done:
			delete(m.busy, folderID)
			continue
		default:
		}

		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		m.mu.Lock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
