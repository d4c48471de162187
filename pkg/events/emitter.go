package events

import (
	"sync"
	"sync/atomic"
)

// Emitter is a bounded multi-producer, single-consumer queue. Emit never
// blocks: a full, closing or closed queue drops the event and counts it.
type Emitter struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewEmitter creates an emitter holding up to capacity undrained events.
func NewEmitter(capacity int) *Emitter {
	if capacity < 1 {
		capacity = 1
	}
	return &Emitter{ch: make(chan Event, capacity)}
}

// Emit publishes ev and reports whether it was queued.
func (e *Emitter) Emit(ev Event) bool {
	if e.closed.Load() {
		e.dropped.Add(1)
		return false
	}

	// Only Close takes the write lock, so a failed TryRLock means the
	// queue is closing.
	if !e.mu.TryRLock() {
		e.dropped.Add(1)
		return false
	}
	defer e.mu.RUnlock()

	if e.closed.Load() {
		e.dropped.Add(1)
		return false
	}

	select {
	case e.ch <- ev:
		e.sent.Add(1)
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Events returns the channel to drain. It is closed by Close.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close stops accepting events and closes the channel once no Emit is in
// flight. Close is idempotent.
func (e *Emitter) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	close(e.ch)
	e.mu.Unlock()
}

// Sent returns the number of queued events.
func (e *Emitter) Sent() uint64 { return e.sent.Load() }

// Dropped returns the number of events lost to a full or closed queue.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// Pending returns the number of events waiting to be drained.
func (e *Emitter) Pending() int { return len(e.ch) }

// Cap returns the queue capacity.
func (e *Emitter) Cap() int { return cap(e.ch) }
