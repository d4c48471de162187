// Package correlate bridges two temporally disjoint event phases through a
// shared key that only becomes known at the first phase's completion, such
// as the address returned by an allocator.
package correlate

import (
	"sync"
	"sync/atomic"
)

// Allocation is what the opening phase knows about a live region.
type Allocation struct {
	Size      uint64
	Timestamp uint64
	StackID   int32
	PID       uint32
}

// Table holds pending correlations. Put is last-writer-wins; Take removes
// the entry so a second Take without an intervening Put finds nothing.
type Table[K comparable, V any] struct {
	shards   []corrShard[K, V]
	mask     uint64
	hash     func(K) uint64
	capacity int64

	size  atomic.Int64
	drops atomic.Uint64
}

type corrShard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]V
}

// New creates a table holding at most capacity pending entries.
func New[K comparable, V any](capacity, shards int, hash func(K) uint64) *Table[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	if shards <= 0 {
		shards = 64
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	t := &Table[K, V]{
		shards:   make([]corrShard[K, V], n),
		mask:     uint64(n - 1),
		hash:     hash,
		capacity: int64(capacity),
	}
	per := capacity/n + 1
	for i := range t.shards {
		t.shards[i].entries = make(map[K]V, per)
	}
	return t
}

// Put records info under id, overwriting any previous entry. It returns false
// when id is new and the table is full.
func (t *Table[K, V]) Put(id K, info V) bool {
	s := &t.shards[t.hash(id)&t.mask]
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		s.entries[id] = info
		return true
	}
	if t.size.Add(1) > t.capacity {
		t.size.Add(-1)
		t.drops.Add(1)
		return false
	}
	s.entries[id] = info
	return true
}

// Take atomically removes and returns the entry for id.
func (t *Table[K, V]) Take(id K) (V, bool) {
	s := &t.shards[t.hash(id)&t.mask]
	s.mu.Lock()
	info, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		t.size.Add(-1)
	}
	s.mu.Unlock()
	return info, ok
}

// Range calls fn for every pending entry until fn returns false. Each shard
// is copied under its lock and visited after releasing it, so fn may call
// back into the table; entries changed meanwhile may or may not be seen.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	type entry struct {
		k K
		v V
	}
	var buf []entry
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		buf = buf[:0]
		for k, v := range s.entries {
			buf = append(buf, entry{k, v})
		}
		s.mu.Unlock()
		for _, e := range buf {
			if !fn(e.k, e.v) {
				return
			}
		}
	}
}

// Len returns the number of pending entries.
func (t *Table[K, V]) Len() int { return int(t.size.Load()) }

// Cap returns the maximum number of pending entries.
func (t *Table[K, V]) Cap() int { return int(t.capacity) }

// Drops returns how many puts were rejected for lack of room.
func (t *Table[K, V]) Drops() uint64 { return t.drops.Load() }
