package correlate

import (
	"fmt"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
)

// Stash carries an entry-phase argument to the matching return-phase hook of
// the same thread. Threads that never return (killed mid-call) would leak an
// entry forever in a reject-new table, so the stash evicts the oldest entry
// instead.
type Stash[K comparable, V any] struct {
	entries   *lru.SyncedLRU[K, V]
	evictions atomic.Uint64
}

// NewStash creates a stash with room for capacity in-flight calls.
func NewStash[K comparable, V any](capacity uint32, hash func(K) uint32) (*Stash[K, V], error) {
	entries, err := lru.NewSynced[K, V](capacity, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry stash: %w", err)
	}
	return &Stash[K, V]{entries: entries}, nil
}

// Put records v for the calling thread k.
func (s *Stash[K, V]) Put(k K, v V) {
	if s.entries.Add(k, v) {
		s.evictions.Add(1)
	}
}

// Take returns and forgets the value stored for k. Only the owning thread
// touches its key, so Get followed by Remove cannot race with another Take.
func (s *Stash[K, V]) Take(k K) (V, bool) {
	v, ok := s.entries.Get(k)
	if ok {
		s.entries.Remove(k)
	}
	return v, ok
}

// Len returns the number of in-flight entries.
func (s *Stash[K, V]) Len() int { return s.entries.Len() }

// Evictions returns how many entries were pushed out before their return.
func (s *Stash[K, V]) Evictions() uint64 { return s.evictions.Load() }
