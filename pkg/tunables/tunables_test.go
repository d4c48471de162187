package tunables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	tbl := Defaults()
	assert.Equal(t, uint32(1), tbl.Get(SampleRateHz))
	assert.Equal(t, uint32(1), tbl.Get(CaptureStacks))
	assert.Zero(t, tbl.Get(TargetPID))
	assert.Zero(t, tbl.Get(MinAllocSize))
}

func TestWithCopies(t *testing.T) {
	base := Defaults()
	changed := base.With(TargetPID, 1234)

	assert.Equal(t, uint32(1234), changed.Get(TargetPID))
	assert.Zero(t, base.Get(TargetPID))
	assert.Equal(t, changed, changed.With(Key(99), 5), "unknown keys are ignored")
}

func TestLookupAndMap(t *testing.T) {
	k, ok := Lookup("min_alloc_size")
	require.True(t, ok)
	assert.Equal(t, MinAllocSize, k)

	_, ok = Lookup("nope")
	assert.False(t, ok)

	tbl := Defaults().With(MinAllocSize, 64)
	assert.Equal(t, map[string]uint32{
		"sample_rate_hz": 1,
		"min_alloc_size": 64,
		"target_pid":     0,
		"capture_stacks": 1,
	}, tbl.Map())

	var nilTable *Table
	assert.Zero(t, nilTable.Get(SampleRateHz))
	assert.Equal(t, "key(42)", Key(42).String())
}
