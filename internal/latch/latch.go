// Package latch implements the exclusive-lock primitive used around the
// journal's shared writer state (xlog handle, tx buffer, id counters): a
// lock held only across the window where that state is actually touched,
// never across caller-level logic or unrelated I/O.
//
// It is a thin wrapper over sync.Mutex rather than a hand-rolled
// channel-based queue: Go's runtime-managed mutex already grants roughly
// FIFO wakeup order under contention. A channel-based handoff (BeginWait/
// Await) is layered on top for the one case where a caller must wait on a
// *different* goroutine's in-flight work to finish before acquiring the
// lock itself, so rotation and writers can compose it without reaching
// into each other's internals.
package latch

import "sync"

// Latch is an exclusive lock plus an optional one-shot "wait for the
// in-flight holder to finish" signal.
type Latch struct {
	mu sync.Mutex

	signalMu sync.Mutex
	waiting  chan struct{}
}

// Lock acquires the latch, blocking until it is available.
func (l *Latch) Lock() { l.mu.Lock() }

// Unlock releases the latch.
func (l *Latch) Unlock() { l.mu.Unlock() }

// WithLock runs fn with the latch held.
func (l *Latch) WithLock(fn func() error) error {
	l.Lock()
	defer l.Unlock()
	return fn()
}

// BeginWait registers that a background operation is in flight and returns
// a channel that Await can block on, and a done func the background
// operation must call exactly once when finished.
func (l *Latch) BeginWait() (wait <-chan struct{}, done func()) {
	l.signalMu.Lock()
	defer l.signalMu.Unlock()
	ch := make(chan struct{})
	l.waiting = ch
	return ch, func() {
		l.signalMu.Lock()
		if l.waiting == ch {
			l.waiting = nil
		}
		l.signalMu.Unlock()
		close(ch)
	}
}

// Await blocks until any in-flight BeginWait/done pair registered before
// this call completes. It returns immediately if none is registered.
func (l *Latch) Await() {
	l.signalMu.Lock()
	ch := l.waiting
	l.signalMu.Unlock()
	if ch != nil {
		<-ch
	}
}
