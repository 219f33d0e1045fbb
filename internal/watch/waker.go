package watch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a NotifyWaker waits for a burst of events to
// settle before waking.
const DefaultDebounce = 500 * time.Millisecond

// Waker blocks a watcher between poll cycles. Sleep returns false when
// stop is closed before the next cycle is due.
type Waker interface {
	Sleep(stop <-chan struct{}) bool
	Close() error
}

// WakerFactory builds a Waker for one watched directory.
type WakerFactory func(dir string) (Waker, error)

// IntervalWaker wakes after a fixed interval.
type IntervalWaker struct {
	Interval time.Duration
}

// IntervalWakers returns a factory for IntervalWaker.
func IntervalWakers(interval time.Duration) WakerFactory {
	return func(string) (Waker, error) {
		return &IntervalWaker{Interval: interval}, nil
	}
}

// Sleep implements Waker.
func (w *IntervalWaker) Sleep(stop <-chan struct{}) bool {
	t := time.NewTimer(w.Interval)
	defer t.Stop()

	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Close implements Waker.
func (w *IntervalWaker) Close() error { return nil }

// NotifyWaker wakes after the interval, or earlier once filesystem events
// in the directory have been quiet for the debounce period. Polling still
// decides what is eligible; events only shorten the sleep.
type NotifyWaker struct {
	interval time.Duration
	debounce time.Duration
	fs       *fsnotify.Watcher
	log      *slog.Logger
}

// NotifyWakers returns a factory for NotifyWaker.
func NotifyWakers(interval, debounce time.Duration) WakerFactory {
	return func(dir string) (Waker, error) {
		return NewNotifyWaker(dir, interval, debounce)
	}
}

// NewNotifyWaker watches dir for changes.
func NewNotifyWaker(dir string, interval, debounce time.Duration) (*NotifyWaker, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &NotifyWaker{
		interval: interval,
		debounce: debounce,
		fs:       fs,
		log:      slog.With("dir", dir),
	}, nil
}

// Sleep implements Waker.
func (w *NotifyWaker) Sleep(stop <-chan struct{}) bool {
	deadline := time.NewTimer(w.interval)
	defer deadline.Stop()

	events, errs := w.fs.Events, w.fs.Errors
	var quiet <-chan time.Time
	for {
		select {
		case <-stop:
			return false
		case <-deadline.C:
			return true
		case <-quiet:
			return true
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				quiet = time.After(w.debounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

// Close implements Waker.
func (w *NotifyWaker) Close() error {
	return w.fs.Close()
}
