// Package tunables is the small read-only key/value table the probes consult
// on every invocation.
package tunables

import "fmt"

// Key indexes the table.
type Key uint8

const (
	// SampleRateHz is the periodic sampler cadence.
	SampleRateHz Key = iota
	// MinAllocSize suppresses allocation events below this many bytes.
	// Statistics are still updated.
	MinAllocSize
	// TargetPID restricts process-scoped hooks to one process; 0 means all.
	TargetPID
	// CaptureStacks enables stack interning when non-zero.
	CaptureStacks

	numKeys
)

var names = [numKeys]string{
	SampleRateHz:  "sample_rate_hz",
	MinAllocSize:  "min_alloc_size",
	TargetPID:     "target_pid",
	CaptureStacks: "capture_stacks",
}

func (k Key) String() string {
	if k < numKeys {
		return names[k]
	}
	return fmt.Sprintf("key(%d)", k)
}

// Table is a fixed-size tunables table. The zero value has every tunable
// set to 0.
type Table struct {
	values [numKeys]uint32
}

// Defaults returns the values used when nothing is configured.
func Defaults() Table {
	var t Table
	t.values[SampleRateHz] = 1
	t.values[CaptureStacks] = 1
	return t
}

// Get returns the value for k, or 0 for an unknown key.
func (t *Table) Get(k Key) uint32 {
	if t == nil || k >= numKeys {
		return 0
	}
	return t.values[k]
}

// With returns a copy of t with k set to v. Tables are built once at startup
// and then only read.
func (t Table) With(k Key, v uint32) Table {
	if k < numKeys {
		t.values[k] = v
	}
	return t
}

// Lookup resolves a key by name.
func Lookup(name string) (Key, bool) {
	for k, n := range names {
		if n == name {
			return Key(k), true
		}
	}
	return 0, false
}

// Map renders the table for display.
func (t *Table) Map() map[string]uint32 {
	out := make(map[string]uint32, numKeys)
	for k := Key(0); k < numKeys; k++ {
		out[names[k]] = t.Get(k)
	}
	return out
}
