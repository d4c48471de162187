package table

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	hits    atomic.Uint64
	created atomic.Uint32
	peak    atomic.Uint64
}

func newCounters(capacity int) *Table[uint32, counter] {
	return New[uint32, counter](capacity, 4, HashUint32)
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	tbl := newCounters(8)

	init := func(c *counter) { c.created.Add(1) }

	rec, ok := tbl.GetOrCreate(42, init)
	require.True(t, ok)
	assert.Zero(t, rec.hits.Load())
	rec.hits.Add(3)

	again, ok := tbl.GetOrCreate(42, init)
	require.True(t, ok)
	assert.Same(t, rec, again)
	assert.Equal(t, uint64(3), again.hits.Load(), "existing record must not be reset")
	assert.Equal(t, uint32(1), again.created.Load())
	assert.Equal(t, 1, tbl.Len())
}

func TestGetDoesNotCreate(t *testing.T) {
	tbl := newCounters(8)

	_, ok := tbl.Get(7)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())

	created, _ := tbl.GetOrCreate(7, nil)
	got, ok := tbl.Get(7)
	require.True(t, ok)
	assert.Same(t, created, got)
}

func TestCapacityRejectsNewKeys(t *testing.T) {
	tbl := newCounters(2)

	a, ok := tbl.GetOrCreate(1, nil)
	require.True(t, ok)
	a.hits.Add(10)
	b, ok := tbl.GetOrCreate(2, nil)
	require.True(t, ok)
	b.hits.Add(20)

	rec, ok := tbl.GetOrCreate(3, nil)
	assert.False(t, ok)
	assert.Nil(t, rec)
	assert.Equal(t, uint64(1), tbl.Drops())
	assert.Equal(t, 2, tbl.Len())

	// existing keys still resolve and keep their data
	a2, ok := tbl.GetOrCreate(1, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(10), a2.hits.Load())
	b2, _ := tbl.Get(2)
	assert.Equal(t, uint64(20), b2.hits.Load())
	assert.Equal(t, uint64(1), tbl.Drops())
}

func TestConcurrentGetOrCreate(t *testing.T) {
	const (
		workers = 16
		keys    = 32
		rounds  = 200
	)
	tbl := newCounters(keys)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for k := uint32(0); k < keys; k++ {
					rec, ok := tbl.GetOrCreate(k, func(c *counter) { c.created.Add(1) })
					if ok {
						rec.hits.Add(1)
						Max(&rec.peak, uint64(r))
					}
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, keys, tbl.Len())
	assert.Zero(t, tbl.Drops())
	tbl.Range(func(k uint32, c *counter) bool {
		assert.Equal(t, uint32(1), c.created.Load(), "key %d", k)
		assert.Equal(t, uint64(workers*rounds), c.hits.Load(), "key %d", k)
		assert.Equal(t, uint64(rounds-1), c.peak.Load(), "key %d", k)
		return true
	})
}

func TestRangeStopsEarly(t *testing.T) {
	tbl := newCounters(8)
	for k := uint32(0); k < 5; k++ {
		tbl.GetOrCreate(k, nil)
	}

	seen := 0
	tbl.Range(func(uint32, *counter) bool {
		seen++
		return seen < 2
	})
	assert.Equal(t, 2, seen)
}

func TestAtomicHelpers(t *testing.T) {
	var v atomic.Uint64
	Max(&v, 5)
	Max(&v, 3)
	assert.Equal(t, uint64(5), v.Load())

	assert.Equal(t, uint64(2), SubClamp(&v, 3))
	assert.Equal(t, uint64(0), SubClamp(&v, 100))
	assert.Equal(t, uint64(0), v.Load())

	var lo, hi atomic.Uint32
	lo.Store(4)
	hi.Store(4)
	Min32(&lo, 2)
	Min32(&lo, 3)
	Max32(&hi, 9)
	Max32(&hi, 1)
	assert.Equal(t, uint32(2), lo.Load())
	assert.Equal(t, uint32(9), hi.Load())
}

func TestHashBytesStable(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("flow")), HashBytes([]byte("flow")))
	assert.NotEqual(t, HashBytes([]byte("flow-a")), HashBytes([]byte("flow-b")))
}
