package watch

// limiter.go bounds how many files are ingested at once across all
// watchers. A watcher that cannot get a slot within maxWait ends its cycle
// early and tries again on the next one, so files are never skipped out of
// order.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoIngestSlot is returned when every ingest slot stays busy for the
// limiter's wait period.
var ErrNoIngestSlot = errors.New("no ingest slot available")

// DefaultSlotWait is used when a limiter is built with a non-positive wait.
const DefaultSlotWait = 10 * time.Second

// SlotLimiter is a counting semaphore shared by all watchers.
type SlotLimiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu     sync.RWMutex
	active int
}

// NewSlotLimiter returns a limiter with max slots, or nil when max is not
// positive. A nil *SlotLimiter never blocks.
func NewSlotLimiter(max int, maxWait time.Duration) *SlotLimiter {
	if max <= 0 {
		return nil
	}
	if maxWait <= 0 {
		maxWait = DefaultSlotWait
	}
	return &SlotLimiter{
		slots:   make(chan struct{}, max),
		maxWait: maxWait,
	}
}

// Acquire takes a slot, waiting at most maxWait. The caller must Release
// after a nil return.
func (l *SlotLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-timer.C:
		return ErrNoIngestSlot
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (l *SlotLimiter) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.slots
}

// ActiveCount returns the number of slots in use.
func (l *SlotLimiter) ActiveCount() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Available returns the number of free slots, or -1 when unlimited.
func (l *SlotLimiter) Available() int {
	if l == nil {
		return -1
	}
	return cap(l.slots) - len(l.slots)
}

// WaitForDrain blocks until no slot is in use or ctx is done.
func (l *SlotLimiter) WaitForDrain(ctx context.Context) error {
	if l == nil {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SlotStatus is a snapshot of limiter usage.
type SlotStatus struct {
	Active    int `json:"active"`
	Available int `json:"available"`
	Max       int `json:"max"`
}

// Status reports current usage. Max is 0 for an unlimited limiter.
func (l *SlotLimiter) Status() SlotStatus {
	if l == nil {
		return SlotStatus{Available: -1}
	}
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	return SlotStatus{
		Active:    active,
		Available: cap(l.slots) - len(l.slots),
		Max:       cap(l.slots),
	}
}
