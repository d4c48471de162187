package kread

import (
	"sync"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
)

// Table is an accessor over values that were already copied out of the
// kernel, for example fields carried inside a ring buffer record or a
// sock-diag reply.
type Table struct {
	layout Layout

	mu     sync.RWMutex
	fields map[Ref]map[Field]uint64
	comms  map[Ref]hook.Comm
}

// NewTable creates an empty table accessor reporting layout.
func NewTable(layout Layout) *Table {
	return &Table{
		layout: layout,
		fields: make(map[Ref]map[Field]uint64),
		comms:  make(map[Ref]hook.Comm),
	}
}

func (t *Table) Layout() Layout { return t.layout }

// Set stores a field value.
func (t *Table) Set(ref Ref, field Field, v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.fields[ref]
	if !ok {
		m = make(map[Field]uint64, 4)
		t.fields[ref] = m
	}
	m[field] = v
}

// SetComm stores a command name.
func (t *Table) SetComm(ref Ref, comm hook.Comm) {
	t.mu.Lock()
	t.comms[ref] = comm
	t.mu.Unlock()
}

// Forget drops everything known about ref.
func (t *Table) Forget(ref Ref) {
	t.mu.Lock()
	delete(t.fields, ref)
	delete(t.comms, ref)
	t.mu.Unlock()
}

// Len returns the number of objects with at least one field.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fields)
}

func (t *Table) ReadU64(ref Ref, field Field) (uint64, bool) {
	if !t.layout.Decodes(field) {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.fields[ref]
	if !ok {
		return 0, false
	}
	v, ok := m[field]
	return v, ok
}

func (t *Table) ReadComm(ref Ref) (hook.Comm, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.comms[ref]
	return c, ok
}
