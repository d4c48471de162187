// Package stack interns captured call stacks into a bounded table and hands
// out small stable identifiers. Symbolization happens downstream.
package stack

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// ID is a handle into a Table.
type ID = int32

// None is returned when no stack could be recorded.
const None ID = -1

// DefaultDepth matches the frame limit of the kernel stack map.
const DefaultDepth = 20

// Walker yields return addresses, innermost first. Next returns false once
// the stack is exhausted.
type Walker interface {
	Next() (uint64, bool)
}

// Frames walks a slice of addresses.
type Frames []uint64

type framesWalker struct {
	frames Frames
	pos    int
}

func (w *framesWalker) Next() (uint64, bool) {
	if w.pos >= len(w.frames) {
		return 0, false
	}
	pc := w.frames[w.pos]
	w.pos++
	return pc, true
}

// Walker returns a walker over f.
func (f Frames) Walker() Walker {
	return &framesWalker{frames: f}
}

// Table deduplicates stacks. Its storage is allocated once; a full table or a
// hash collision yields None rather than an eviction.
type Table struct {
	depth int

	mu     sync.RWMutex
	byHash map[uint64]ID
	frames []uint64
	lens   []uint8
	used   int

	drops      atomic.Uint64
	collisions atomic.Uint64
}

// NewTable creates a table for capacity distinct stacks of up to depth frames.
func NewTable(capacity, depth int) *Table {
	if capacity < 1 {
		capacity = 1
	}
	if depth < 1 || depth > 255 {
		depth = DefaultDepth
	}
	return &Table{
		depth:  depth,
		byHash: make(map[uint64]ID, capacity),
		frames: make([]uint64, capacity*depth),
		lens:   make([]uint8, capacity),
	}
}

// Capture walks at most Depth frames from w and interns them.
func (t *Table) Capture(w Walker) ID {
	if w == nil {
		return None
	}
	var buf [255]uint64
	n := 0
	for n < t.depth {
		pc, ok := w.Next()
		if !ok {
			break
		}
		buf[n] = pc
		n++
	}
	return t.Intern(buf[:n])
}

// Intern returns the ID of frames, adding them if unseen. Frames beyond the
// table depth are ignored; an empty stack yields None.
func (t *Table) Intern(frames []uint64) ID {
	if len(frames) > t.depth {
		frames = frames[:t.depth]
	}
	if len(frames) == 0 {
		return None
	}
	h := hashFrames(frames)

	t.mu.RLock()
	id, ok := t.byHash[h]
	if ok {
		same := t.equalLocked(id, frames)
		t.mu.RUnlock()
		if same {
			return id
		}
		t.collisions.Add(1)
		return None
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byHash[h]; ok {
		if t.equalLocked(id, frames) {
			return id
		}
		t.collisions.Add(1)
		return None
	}
	if t.used == len(t.lens) {
		t.drops.Add(1)
		return None
	}

	id = ID(t.used)
	t.used++
	copy(t.frames[int(id)*t.depth:], frames)
	t.lens[id] = uint8(len(frames))
	t.byHash[h] = id
	return id
}

func (t *Table) equalLocked(id ID, frames []uint64) bool {
	stored := t.slotLocked(id)
	if len(stored) != len(frames) {
		return false
	}
	for i := range frames {
		if stored[i] != frames[i] {
			return false
		}
	}
	return true
}

func (t *Table) slotLocked(id ID) []uint64 {
	off := int(id) * t.depth
	return t.frames[off : off+int(t.lens[id])]
}

// Lookup returns a copy of the addresses recorded for id.
func (t *Table) Lookup(id ID) ([]uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id < 0 || int(id) >= t.used {
		return nil, false
	}
	stored := t.slotLocked(id)
	out := make([]uint64, len(stored))
	copy(out, stored)
	return out, true
}

// Len returns the number of distinct stacks held.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used
}

// Cap returns the number of distinct stacks the table can hold.
func (t *Table) Cap() int { return len(t.lens) }

// Depth returns the maximum recorded frame count.
func (t *Table) Depth() int { return t.depth }

// Drops returns how many new stacks were refused because the table was full.
func (t *Table) Drops() uint64 { return t.drops.Load() }

// Collisions returns how many stacks were refused because their hash was
// already taken by a different stack.
func (t *Table) Collisions() uint64 { return t.collisions.Load() }

func hashFrames(frames []uint64) uint64 {
	var buf [255 * 8]byte
	for i, pc := range frames {
		binary.LittleEndian.PutUint64(buf[i*8:], pc)
	}
	return xxh3.Hash(buf[:len(frames)*8])
}
