package events

import "sync"

// Recent keeps the last n drained events.
type Recent struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRecent creates a ring of n events. A non-positive n keeps nothing.
func NewRecent(n int) *Recent {
	if n < 0 {
		n = 0
	}
	return &Recent{buf: make([]Event, n)}
}

// Add records ev, overwriting the oldest event once the ring is full.
func (r *Recent) Add(ev Event) {
	if len(r.buf) == 0 {
		return
	}
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Events returns a copy of the held events, oldest first.
func (r *Recent) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
