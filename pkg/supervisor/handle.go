// Package supervisor implements the Order Supervisor: the per-order task
// that forks make, samples the process subtree's CPU usage, enforces
// cancellation and overdraft-kill, reaps the child, and publishes the
// terminal status.
package supervisor

import (
	"sync"

	"github.com/orderforge/ordersvc/pkg/ordermodel"
)

// StatusWatch is a latest-value slot with change notification: any number
// of subscribers can read the current value, and each can wait for the
// next change. It is the Go equivalent of a tokio::watch channel — built
// on a mutex-guarded value plus a channel that is closed (to wake every
// waiter) and replaced on every update, rather than a broadcast library.
type StatusWatch struct {
	mu      sync.Mutex
	value   ordermodel.JobStatus
	changed chan struct{}
}

// NewStatusWatch creates a watch seeded with the given initial value.
func NewStatusWatch(initial ordermodel.JobStatus) *StatusWatch {
	return &StatusWatch{value: initial, changed: make(chan struct{})}
}

// Get returns the current value.
func (w *StatusWatch) Get() ordermodel.JobStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Set publishes a new value and wakes every subscriber currently waiting
// in Changed.
func (w *StatusWatch) Set(v ordermodel.JobStatus) {
	w.mu.Lock()
	w.value = v
	old := w.changed
	w.changed = make(chan struct{})
	w.mu.Unlock()
	close(old)
}

// Changed returns a channel that closes the next time Set is called. A
// subscriber that joins after a value was written and calls Get first will
// see that value immediately, never a stale one, which matches the
// single-writer total-ordering guarantee the spec requires.
func (w *StatusWatch) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed
}

// StopFlag is an idempotent, sticky, multi-waiter cancellation flag. Raise
// is safe to call more than once and from more than one goroutine.
type StopFlag struct {
	once    sync.Once
	raised  chan struct{}
}

// NewStopFlag returns an unraised flag.
func NewStopFlag() *StopFlag {
	return &StopFlag{raised: make(chan struct{})}
}

// Raise sets the flag. Calling it twice (or concurrently) is equivalent to
// calling it once.
func (f *StopFlag) Raise() {
	f.once.Do(func() { close(f.raised) })
}

// IsRaised reports whether Raise has been called.
func (f *StopFlag) IsRaised() bool {
	select {
	case <-f.raised:
		return true
	default:
		return false
	}
}

// Done returns a channel that closes when Raise is called, for use in a
// select alongside other events.
func (f *StopFlag) Done() <-chan struct{} {
	return f.raised
}

// Handle is the triple an Order Supervisor publishes and API endpoints
// subscribe to. Clones share the same StatusWatch and StopFlag (so a stop
// raised through any clone is observed by the supervisor and every other
// clone) but each clone's Termination is an independent recv on the same
// underlying channel — closing a channel wakes every receiver, so no
// explicit per-subscriber registration is needed.
type Handle struct {
	Status      *StatusWatch
	Stop        *StopFlag
	termination chan struct{}
	closeOnce   *sync.Once
}

// NewHandle creates a fresh Handle with status seeded to Preparing.
func NewHandle() *Handle {
	return &Handle{
		Status:      NewStatusWatch(ordermodel.JobStatus{Kind: ordermodel.StatusPreparing}),
		Stop:        NewStopFlag(),
		termination: make(chan struct{}),
		closeOnce:   &sync.Once{},
	}
}

// Clone returns a cheap, independent view of the same Handle: same status
// slot and stop flag, independent subscription to Termination.
func (h *Handle) Clone() *Handle {
	return &Handle{Status: h.Status, Stop: h.Stop, termination: h.termination, closeOnce: h.closeOnce}
}

// Termination returns the channel that closes once, when the supervisor
// finishes. Subscribers learn of termination solely by its closure; no
// value is ever sent on it.
func (h *Handle) Termination() <-chan struct{} {
	return h.termination
}

// IsTerminated reports whether Termination has already closed, without
// blocking.
func (h *Handle) IsTerminated() bool {
	select {
	case <-h.termination:
		return true
	default:
		return false
	}
}

// closeTermination closes the termination channel. It is idempotent — safe
// to call from more than one exit path of the owning supervisor (including
// a deferred call guarding every early return) — so every Run exit path can
// defer it unconditionally without risking a double-close panic.
func (h *Handle) closeTermination() {
	h.closeOnce.Do(func() { close(h.termination) })
}
