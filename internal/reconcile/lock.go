package reconcile

import (
	"sync"
	"time"
)

// RunLock ensures only one reconciliation run is in flight per process.
//
// Unlike a plain mutex it is non-blocking and remembers who holds it, so a
// periodic tick or webhook delivery that finds a run in progress can be
// dropped and reported instead of queued.
type RunLock struct {
	mu     sync.Mutex // protects held, holder and since
	run    sync.Mutex
	held   bool
	holder string
	since  time.Time
}

// NewRunLock creates an unheld lock.
func NewRunLock() *RunLock {
	return &RunLock{}
}

// TryLock attempts to take the lock for holder.
//
// Returns true if the lock was acquired and the caller may start a run.
// Returns false immediately if another run holds it.
func (l *RunLock) TryLock(holder string) bool {
	if !l.run.TryLock() {
		return false
	}
	l.mu.Lock()
	l.held = true
	l.holder = holder
	l.since = time.Now()
	l.mu.Unlock()
	return true
}

// Unlock releases the lock. It is safe to call when the lock is not held.
func (l *RunLock) Unlock() {
	l.mu.Lock()
	held := l.held
	l.held = false
	l.holder = ""
	l.since = time.Time{}
	l.mu.Unlock()

	if held {
		l.run.Unlock()
	}
}

// Holder reports who holds the lock and since when. The holder is empty when
// the lock is free or was taken with an empty name.
func (l *RunLock) Holder() (string, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.since
}
