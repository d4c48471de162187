package memory

import (
	"sync/atomic"

	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/table"
)

// PageSize is the accounting unit of page-level hooks.
const PageSize = 4096

// maxPageOrder bounds the order argument of page hooks; anything above is
// treated as a bad read.
const maxPageOrder = 20

// majorFaultFlag marks a major fault in the page-fault error code.
const majorFaultFlag = 0x4

// ProcessStats is the live per-process memory ledger.
type ProcessStats struct {
	TotalAllocated  atomic.Uint64
	TotalFreed      atomic.Uint64
	CurrentUsage    atomic.Uint64
	PeakUsage       atomic.Uint64
	AllocationCount atomic.Uint64
	FreeCount       atomic.Uint64
	PageFaults      atomic.Uint64
	MajorFaults     atomic.Uint64
	RSSPages        atomic.Uint64
	VMemPages       atomic.Uint64
	HeapBreak       atomic.Uint64
}

// Snapshot is a plain copy of ProcessStats.
type Snapshot struct {
	TotalAllocated  uint64 `json:"total_allocated"`
	TotalFreed      uint64 `json:"total_freed"`
	CurrentUsage    uint64 `json:"current_usage"`
	PeakUsage       uint64 `json:"peak_usage"`
	AllocationCount uint64 `json:"allocation_count"`
	FreeCount       uint64 `json:"free_count"`
	PageFaults      uint64 `json:"page_faults"`
	MajorFaults     uint64 `json:"major_faults"`
	RSSPages        uint64 `json:"rss_pages"`
	VMemPages       uint64 `json:"vmem_pages"`
	HeapBreak       uint64 `json:"heap_break"`
}

// Snapshot copies the counters. Fields are read one by one, so the result is
// not a single atomic view.
func (s *ProcessStats) Snapshot() Snapshot {
	return Snapshot{
		TotalAllocated:  s.TotalAllocated.Load(),
		TotalFreed:      s.TotalFreed.Load(),
		CurrentUsage:    s.CurrentUsage.Load(),
		PeakUsage:       s.PeakUsage.Load(),
		AllocationCount: s.AllocationCount.Load(),
		FreeCount:       s.FreeCount.Load(),
		PageFaults:      s.PageFaults.Load(),
		MajorFaults:     s.MajorFaults.Load(),
		RSSPages:        s.RSSPages.Load(),
		VMemPages:       s.VMemPages.Load(),
		HeapBreak:       s.HeapBreak.Load(),
	}
}

// SystemSnapshot holds system-wide memory counters.
type SystemSnapshot struct {
	MemoryPressure uint64 `json:"memory_pressure"`
	OOMKills       uint64 `json:"oom_kills"`
}

// Allocation is a live region reported by Outstanding. Age is in
// nanoseconds.
type Allocation struct {
	PID       uint32 `json:"pid"`
	Addr      uint64 `json:"addr"`
	Size      uint64 `json:"size"`
	Timestamp uint64 `json:"timestamp"`
	Age       uint64 `json:"age_ns"`
	StackID   int32  `json:"stack_id"`
}

// AllocKey identifies a live region. Addresses are only unique within one
// address space, so the owning process is part of the key.
type AllocKey struct {
	PID  uint32
	Addr uint64
}

func hashAllocKey(k AllocKey) uint64 {
	x := k.Addr ^ uint64(k.PID)<<48
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return x
}

// pendingKey scopes an in-flight call to its thread and operation. glibc
// serves large requests with mmap from inside malloc on the same thread, so
// an outer call must survive the nested one.
type pendingKey struct {
	TID uint32
	Op  events.Kind
}

func hashPendingKey(k pendingKey) uint32 {
	return uint32(table.HashUint64(uint64(k.TID)<<8 | uint64(k.Op)))
}

// pendingCall is what an entry hook leaves for the matching return hook.
type pendingCall struct {
	size      uint64
	oldAddr   uint64
	timestamp uint64
}
