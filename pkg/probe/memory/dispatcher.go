// Package memory implements the memory hook dispatcher: allocator
// entry/return pairs, mapping syscalls, heap growth, page-level events and
// OOM notifications.
package memory

import (
	"math/bits"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rxtx-hosting/kernlens/pkg/correlate"
	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/stack"
	"github.com/rxtx-hosting/kernlens/pkg/table"
	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

// Config sizes the dispatcher's tables.
type Config struct {
	ProcessCapacity    int
	AllocationCapacity int
	StashCapacity      uint32
	Shards             int
}

// DefaultConfig mirrors the kernel map sizes of the memory probe.
func DefaultConfig() Config {
	return Config{
		ProcessCapacity:    10240,
		AllocationCapacity: 40960,
		StashCapacity:      10240,
		Shards:             table.DefaultShards,
	}
}

// Dispatcher turns memory hook invocations into ledger updates and events.
// All methods are safe for concurrent use and never block.
type Dispatcher struct {
	procs    *table.Table[uint32, ProcessStats]
	allocs   *correlate.Table[AllocKey, correlate.Allocation]
	pending  *correlate.Stash[pendingKey, pendingCall]
	stacks   *stack.Table
	emitter  *events.Emitter
	reader   kread.Accessor
	tunables *tunables.Table

	memoryPressure atomic.Uint64
	oomKills       atomic.Uint64
}

// NewDispatcher creates a memory dispatcher. stacks may be nil to disable
// stack capture.
func NewDispatcher(cfg Config, emitter *events.Emitter, stacks *stack.Table, reader kread.Accessor, tun *tunables.Table) (*Dispatcher, error) {
	pending, err := correlate.NewStash[pendingKey, pendingCall](cfg.StashCapacity, hashPendingKey)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		procs:    table.New[uint32, ProcessStats](cfg.ProcessCapacity, cfg.Shards, table.HashUint32),
		allocs:   correlate.New[AllocKey, correlate.Allocation](cfg.AllocationCapacity, cfg.Shards, hashAllocKey),
		pending:  pending,
		stacks:   stacks,
		emitter:  emitter,
		reader:   kread.NewSafe(reader),
		tunables: tun,
	}, nil
}

func (d *Dispatcher) accept(ctx *hook.Context) bool {
	if ctx.Kernel() {
		return false
	}
	target := d.tunables.Get(tunables.TargetPID)
	return target == 0 || target == ctx.PID
}

func (d *Dispatcher) stackID(ctx *hook.Context) int32 {
	if d.stacks == nil || d.tunables.Get(tunables.CaptureStacks) == 0 {
		return stack.None
	}
	return d.stacks.Capture(stack.Frames(ctx.Stack).Walker())
}

func (d *Dispatcher) emit(ctx *hook.Context, stackID int32, p events.Memory) {
	d.emitter.Emit(events.Event{Header: events.HeaderFrom(ctx, stackID), Payload: p})
}

func (d *Dispatcher) emitAlloc(ctx *hook.Context, stackID int32, p events.Memory) {
	if p.Size < uint64(d.tunables.Get(tunables.MinAllocSize)) {
		return
	}
	d.emit(ctx, stackID, p)
}

// allocate records an allocation-class update.
func (d *Dispatcher) allocate(pid uint32, size uint64) {
	rec, ok := d.procs.GetOrCreate(pid, nil)
	if !ok {
		return
	}
	rec.AllocationCount.Add(1)
	rec.TotalAllocated.Add(size)
	cur := rec.CurrentUsage.Add(size)
	table.Max(&rec.PeakUsage, cur)
}

// release records a deallocation-class update; counted controls whether it
// is a free in its own right or the release half of a realloc.
func (d *Dispatcher) release(pid uint32, size uint64, counted bool) {
	rec, ok := d.procs.GetOrCreate(pid, nil)
	if !ok {
		return
	}
	if counted {
		rec.FreeCount.Add(1)
	}
	rec.TotalFreed.Add(size)
	table.SubClamp(&rec.CurrentUsage, size)
}

// MallocEnter records the requested size for the calling thread.
func (d *Dispatcher) MallocEnter(ctx *hook.Context, size uint64) {
	if !d.accept(ctx) || size == 0 {
		return
	}
	d.pending.Put(pendingKey{TID: ctx.TID, Op: events.KindMalloc}, pendingCall{size: size, timestamp: ctx.Timestamp})
}

// MallocReturn commits the allocation under the returned address.
func (d *Dispatcher) MallocReturn(ctx *hook.Context, addr uint64) {
	d.commit(ctx, events.KindMalloc, addr)
}

// CallocEnter records nmemb*size; an overflowing product is ignored, as
// calloc itself fails in that case.
func (d *Dispatcher) CallocEnter(ctx *hook.Context, nmemb, size uint64) {
	if !d.accept(ctx) {
		return
	}
	hi, total := bits.Mul64(nmemb, size)
	if hi != 0 || total == 0 {
		return
	}
	d.pending.Put(pendingKey{TID: ctx.TID, Op: events.KindCalloc}, pendingCall{size: total, timestamp: ctx.Timestamp})
}

// CallocReturn commits a calloc.
func (d *Dispatcher) CallocReturn(ctx *hook.Context, addr uint64) {
	d.commit(ctx, events.KindCalloc, addr)
}

// ReallocEnter records the old address and new size.
func (d *Dispatcher) ReallocEnter(ctx *hook.Context, oldAddr, size uint64) {
	if !d.accept(ctx) || (size == 0 && oldAddr == 0) {
		return
	}
	d.pending.Put(pendingKey{TID: ctx.TID, Op: events.KindRealloc}, pendingCall{size: size, oldAddr: oldAddr, timestamp: ctx.Timestamp})
}

// ReallocReturn releases the old region and commits the new one. A NULL
// return for a zero size means the old region was freed.
func (d *Dispatcher) ReallocReturn(ctx *hook.Context, addr uint64) {
	d.commit(ctx, events.KindRealloc, addr)
}

// MmapEnter records the mapping length.
func (d *Dispatcher) MmapEnter(ctx *hook.Context, length uint64) {
	if !d.accept(ctx) || length == 0 {
		return
	}
	d.pending.Put(pendingKey{TID: ctx.TID, Op: events.KindMmap}, pendingCall{size: length, timestamp: ctx.Timestamp})
}

// MmapExit commits the mapping; ret is the raw syscall return value.
func (d *Dispatcher) MmapExit(ctx *hook.Context, ret uint64) {
	d.commit(ctx, events.KindMmap, ret)
}

func (d *Dispatcher) commit(ctx *hook.Context, op events.Kind, addr uint64) {
	if !d.accept(ctx) {
		return
	}
	call, ok := d.pending.Take(pendingKey{TID: ctx.TID, Op: op})
	if !ok {
		return
	}

	failed := addr == 0 || int64(addr) < 0
	if op == events.KindRealloc && call.oldAddr != 0 && (!failed || call.size == 0) {
		old, found := d.allocs.Take(AllocKey{PID: ctx.PID, Addr: call.oldAddr})
		if failed {
			// realloc(p, 0) freed p.
			d.release(ctx.PID, old.Size, true)
			d.emit(ctx, d.stackID(ctx), events.Memory{Op: events.KindFree, Addr: call.oldAddr, Size: old.Size})
			return
		}
		if found {
			d.release(ctx.PID, old.Size, false)
		}
	}
	if failed {
		return
	}

	stackID := d.stackID(ctx)
	d.allocs.Put(AllocKey{PID: ctx.PID, Addr: addr}, correlate.Allocation{
		Size:      call.size,
		Timestamp: call.timestamp,
		StackID:   stackID,
		PID:       ctx.PID,
	})
	d.allocate(ctx.PID, call.size)
	d.emitAlloc(ctx, stackID, events.Memory{Op: op, Addr: addr, Size: call.size, OldAddr: call.oldAddr})
}

// Free releases the region at addr. An address with no recorded allocation
// is still counted and reported, with size 0.
func (d *Dispatcher) Free(ctx *hook.Context, addr uint64) {
	if !d.accept(ctx) || addr == 0 {
		return
	}
	info, _ := d.allocs.Take(AllocKey{PID: ctx.PID, Addr: addr})
	d.release(ctx.PID, info.Size, true)
	d.emit(ctx, d.stackID(ctx), events.Memory{Op: events.KindFree, Addr: addr, Size: info.Size})
}

// Munmap releases a mapping. The ledger uses the size recorded at mmap time;
// the event reports the length the caller asked to unmap.
func (d *Dispatcher) Munmap(ctx *hook.Context, addr, length uint64) {
	if !d.accept(ctx) || addr == 0 {
		return
	}
	info, _ := d.allocs.Take(AllocKey{PID: ctx.PID, Addr: addr})
	d.release(ctx.PID, info.Size, true)
	d.emit(ctx, d.stackID(ctx), events.Memory{Op: events.KindMunmap, Addr: addr, Size: length})
}

// Brk accounts heap growth and shrinkage relative to the last seen break.
// The first observation for a process only records the break.
func (d *Dispatcher) Brk(ctx *hook.Context, newBreak uint64) {
	if !d.accept(ctx) || newBreak == 0 {
		return
	}
	rec, ok := d.procs.GetOrCreate(ctx.PID, nil)
	if !ok {
		return
	}
	prev := rec.HeapBreak.Swap(newBreak)

	var delta uint64
	switch {
	case prev == 0:
	case newBreak > prev:
		delta = newBreak - prev
		d.allocate(ctx.PID, delta)
	case newBreak < prev:
		delta = prev - newBreak
		d.release(ctx.PID, delta, true)
	}
	d.emit(ctx, d.stackID(ctx), events.Memory{Op: events.KindBrk, Addr: newBreak, Size: delta})
}

// PageFault counts a user page fault and accounts one page.
func (d *Dispatcher) PageFault(ctx *hook.Context, addr uint64, errorCode uint32) {
	if !d.accept(ctx) {
		return
	}
	rec, ok := d.procs.GetOrCreate(ctx.PID, nil)
	if !ok {
		return
	}
	rec.PageFaults.Add(1)
	if errorCode&majorFaultFlag != 0 {
		rec.MajorFaults.Add(1)
	}
	d.allocate(ctx.PID, PageSize)
	d.emit(ctx, stack.None, events.Memory{Op: events.KindPage, Addr: addr, Size: PageSize, Flags: errorCode})
}

// PageAlloc accounts 2^order pages.
func (d *Dispatcher) PageAlloc(ctx *hook.Context, order uint32) {
	if !d.accept(ctx) || order > maxPageOrder {
		return
	}
	size := uint64(PageSize) << order
	d.allocate(ctx.PID, size)
	d.emitAlloc(ctx, stack.None, events.Memory{Op: events.KindPage, Size: size})
}

// PageFree releases 2^order pages.
func (d *Dispatcher) PageFree(ctx *hook.Context, order uint32) {
	if !d.accept(ctx) || order > maxPageOrder {
		return
	}
	d.release(ctx.PID, uint64(PageSize)<<order, true)
}

// OOMVictim reports that the OOM killer chose victim. It fires in kernel
// context, so ctx.PID is not consulted.
func (d *Dispatcher) OOMVictim(ctx *hook.Context, victim uint32) {
	d.oomKills.Add(1)
	hdr := events.HeaderFrom(ctx, stack.None)
	hdr.PID = victim
	hdr.TID = victim
	if comm, ok := d.reader.ReadComm(kread.TaskRef(victim)); ok {
		hdr.Comm = comm
	}
	d.emitter.Emit(events.Event{Header: hdr, Payload: events.Memory{Op: events.KindOOM}})
}

// MemoryPressure counts a kswapd wakeup.
func (d *Dispatcher) MemoryPressure() {
	d.memoryPressure.Add(1)
}

// Sample merges the absolute RSS and VM size of the current task. It does
// nothing in kernel context or for tasks without an address space.
func (d *Dispatcher) Sample(ctx *hook.Context) {
	if !d.accept(ctx) {
		return
	}
	task := kread.TaskRef(ctx.TID)
	if ctx.TID == 0 {
		task = kread.TaskRef(ctx.PID)
	}
	rss, ok := d.reader.ReadU64(task, kread.FieldMMRSSPages)
	if !ok {
		return
	}
	vm, ok := d.reader.ReadU64(task, kread.FieldMMTotalVM)
	if !ok {
		return
	}
	rec, ok := d.procs.GetOrCreate(ctx.PID, nil)
	if !ok {
		return
	}
	rec.RSSPages.Store(rss)
	rec.VMemPages.Store(vm)
}

// Process returns the ledger of pid.
func (d *Dispatcher) Process(pid uint32) (Snapshot, bool) {
	rec, ok := d.procs.Get(pid)
	if !ok {
		return Snapshot{}, false
	}
	return rec.Snapshot(), true
}

// Processes returns every ledger.
func (d *Dispatcher) Processes() map[uint32]Snapshot {
	out := make(map[uint32]Snapshot, d.procs.Len())
	d.procs.Range(func(pid uint32, rec *ProcessStats) bool {
		out[pid] = rec.Snapshot()
		return true
	})
	return out
}

// Outstanding returns the live allocations that are at least minAge old at
// now, largest first. A positive limit keeps only that many.
func (d *Dispatcher) Outstanding(now uint64, minAge time.Duration, limit int) []Allocation {
	var out []Allocation
	d.allocs.Range(func(k AllocKey, a correlate.Allocation) bool {
		if a.Timestamp > now || now-a.Timestamp < uint64(minAge) {
			return true
		}
		out = append(out, Allocation{
			PID:       k.PID,
			Addr:      k.Addr,
			Size:      a.Size,
			Timestamp: a.Timestamp,
			Age:       now - a.Timestamp,
			StackID:   a.StackID,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].Age > out[j].Age
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// System returns the system-wide counters.
func (d *Dispatcher) System() SystemSnapshot {
	return SystemSnapshot{
		MemoryPressure: d.memoryPressure.Load(),
		OOMKills:       d.oomKills.Load(),
	}
}

// Usage describes the dispatcher's tables.
type Usage struct {
	Processes         table.Usage `json:"processes"`
	Allocations       table.Usage `json:"allocations"`
	InFlightCalls     int         `json:"in_flight_calls"`
	InFlightEvictions uint64      `json:"in_flight_evictions"`
}

// Usage reports table occupancy and drop counters.
func (d *Dispatcher) Usage() Usage {
	return Usage{
		Processes:         d.procs.Usage(),
		Allocations:       table.Usage{Len: d.allocs.Len(), Cap: d.allocs.Cap(), Drops: d.allocs.Drops()},
		InFlightCalls:     d.pending.Len(),
		InFlightEvictions: d.pending.Evictions(),
	}
}
