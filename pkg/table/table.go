// Package table implements the fixed-capacity keyed aggregation table shared
// by all probe domains.
//
// Records are carved out of a slab allocated once at construction, so a
// first observation never allocates. Record fields are expected to be
// atomics: the table only guarantees that a record is created exactly once
// and never re-zeroed; field updates are the caller's business.
package table

import (
	"sync"
	"sync/atomic"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 64

// Table is a concurrent map from K to a live *V with get-or-create semantics.
// When the table holds Cap() keys, new keys are rejected; existing keys are
// never evicted.
type Table[K comparable, V any] struct {
	shards []shard[K, V]
	mask   uint64
	hash   func(K) uint64

	slab  []V
	next  atomic.Int64
	drops atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu      sync.RWMutex
	records map[K]*V
}

// New creates a table with room for capacity records. shards is rounded up
// to a power of two; hash spreads keys across shards.
func New[K comparable, V any](capacity, shards int, hash func(K) uint64) *Table[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}

	t := &Table[K, V]{
		shards: make([]shard[K, V], n),
		mask:   uint64(n - 1),
		hash:   hash,
		slab:   make([]V, capacity),
	}
	per := capacity/n + 1
	for i := range t.shards {
		t.shards[i].records = make(map[K]*V, per)
	}
	return t
}

func (t *Table[K, V]) shardFor(key K) *shard[K, V] {
	return &t.shards[t.hash(key)&t.mask]
}

// Get returns the live record for key without creating it.
func (t *Table[K, V]) Get(key K) (*V, bool) {
	s := t.shardFor(key)
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	return rec, ok
}

// GetOrCreate returns the record for key, creating a zero record on the
// first miss. init, when non-nil, runs once on the new record before any
// other caller can observe it. The boolean is false only when key is new and
// the table is full; the drop counter is incremented in that case.
func (t *Table[K, V]) GetOrCreate(key K, init func(*V)) (*V, bool) {
	s := t.shardFor(key)

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		return rec, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		return rec, true
	}

	idx := t.next.Add(1) - 1
	if idx >= int64(len(t.slab)) {
		t.next.Add(-1)
		t.drops.Add(1)
		return nil, false
	}

	rec = &t.slab[idx]
	if init != nil {
		init(rec)
	}
	s.records[key] = rec
	return rec, true
}

// Range calls fn for every key until fn returns false. Records are live;
// callers wanting a consistent view should snapshot them.
func (t *Table[K, V]) Range(fn func(K, *V) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for k, v := range s.records {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len returns the number of keys currently held.
func (t *Table[K, V]) Len() int {
	n := t.next.Load()
	if n > int64(len(t.slab)) {
		n = int64(len(t.slab))
	}
	return int(n)
}

// Cap returns the fixed capacity.
func (t *Table[K, V]) Cap() int { return len(t.slab) }

// Drops returns how many creations were rejected because the table was full.
func (t *Table[K, V]) Drops() uint64 { return t.drops.Load() }

// Usage is a point-in-time view of table occupancy.
type Usage struct {
	Len   int    `json:"len"`
	Cap   int    `json:"cap"`
	Drops uint64 `json:"drops"`
}

// Usage reports occupancy and drops.
func (t *Table[K, V]) Usage() Usage {
	return Usage{Len: t.Len(), Cap: t.Cap(), Drops: t.Drops()}
}
