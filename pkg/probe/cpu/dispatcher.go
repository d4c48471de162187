// Package cpu implements the scheduler hook dispatcher. It keeps per-task
// switch and runtime counters next to a fixed array of per-CPU counters.
package cpu

import (
	"runtime"
	"sync/atomic"

	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/stack"
	"github.com/rxtx-hosting/kernlens/pkg/table"
	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

// Config sizes the dispatcher.
type Config struct {
	ProcessCapacity int
	Shards          int
	// CPUs is the number of per-CPU records, at most MaxCPUs.
	CPUs int
}

// DefaultConfig sizes the CPU array for the host.
func DefaultConfig() Config {
	return Config{
		ProcessCapacity: 10240,
		Shards:          table.DefaultShards,
		CPUs:            runtime.NumCPU(),
	}
}

// Dispatcher handles scheduler, power and IRQ hooks.
type Dispatcher struct {
	procs    *table.Table[uint32, ProcessStats]
	cpus     []CPUStats
	emitter  *events.Emitter
	reader   kread.Accessor
	tunables *tunables.Table

	cpuDrops atomic.Uint64
}

// NewDispatcher creates a CPU dispatcher.
func NewDispatcher(cfg Config, emitter *events.Emitter, reader kread.Accessor, tun *tunables.Table) *Dispatcher {
	n := cfg.CPUs
	if n <= 0 || n > MaxCPUs {
		n = MaxCPUs
	}
	return &Dispatcher{
		procs:    table.New[uint32, ProcessStats](cfg.ProcessCapacity, cfg.Shards, table.HashUint32),
		cpus:     make([]CPUStats, n),
		emitter:  emitter,
		reader:   kread.NewSafe(reader),
		tunables: tun,
	}
}

func (d *Dispatcher) tracked(pid uint32) bool {
	if pid == 0 {
		return false
	}
	target := d.tunables.Get(tunables.TargetPID)
	return target == 0 || target == pid
}

func (d *Dispatcher) cpu(id uint32) *CPUStats {
	if int(id) >= len(d.cpus) {
		d.cpuDrops.Add(1)
		return nil
	}
	return &d.cpus[id]
}

// touch returns the record of pid, seeding LastSeen and the CPU range on
// creation and widening them otherwise.
func (d *Dispatcher) touch(pid, cpu uint32, ts uint64) *ProcessStats {
	rec, ok := d.procs.GetOrCreate(pid, func(p *ProcessStats) {
		p.LastSeen.Store(ts)
		p.MinCPU.Store(cpu)
		p.MaxCPU.Store(cpu)
	})
	if !ok {
		return nil
	}
	table.Max(&rec.LastSeen, ts)
	table.Min32(&rec.MinCPU, cpu)
	table.Max32(&rec.MaxCPU, cpu)
	return rec
}

// Switch handles sched_switch on ctx.CPU. The outgoing switch is involuntary
// when the previous task was still runnable.
func (d *Dispatcher) Switch(ctx *hook.Context, prevPID, prevState, nextPID uint32) {
	if d.tracked(prevPID) {
		if rec := d.touch(prevPID, ctx.CPU, ctx.Timestamp); rec != nil {
			if prevState == kread.TaskRunning {
				rec.InvoluntarySwitches.Add(1)
			} else {
				rec.VoluntarySwitches.Add(1)
			}
			if in := rec.switchedIn.Swap(0); in != 0 && ctx.Timestamp > in {
				rec.unbilled.Add(ctx.Timestamp - in)
			}
		}
	}
	if d.tracked(nextPID) {
		if rec := d.touch(nextPID, ctx.CPU, ctx.Timestamp); rec != nil {
			rec.ScheduleCount.Add(1)
			rec.switchedIn.Store(ctx.Timestamp)
		}
	}
	if c := d.cpu(ctx.CPU); c != nil {
		c.ContextSwitches.Add(1)
	}
}

// Wakeup handles sched_wakeup and emits a sample of the woken task. Wakeups
// usually fire in the waker's context, so the target filter applies to the
// woken task.
func (d *Dispatcher) Wakeup(ctx *hook.Context, task kread.Ref, targetCPU uint32) {
	if target := d.tunables.Get(tunables.TargetPID); target != 0 {
		tgid, ok := d.reader.ReadU64(task, kread.FieldTaskTGID)
		if !ok || uint32(tgid) != target {
			return
		}
	}
	d.emitSample(ctx, task, targetCPU, 0)
}

// FinishTaskSwitch charges prev with the time it spent on the CPU between
// its last switch in and switch out. Each stint is charged once; tasks
// without a record or without an observed switch in are ignored.
func (d *Dispatcher) FinishTaskSwitch(ctx *hook.Context, prev kread.Ref) {
	pid, ok := d.reader.ReadU64(prev, kread.FieldTaskPID)
	if !ok || !d.tracked(uint32(pid)) {
		return
	}
	rec, ok := d.procs.Get(uint32(pid))
	if !ok {
		return
	}
	ran := rec.unbilled.Swap(0)
	if ran == 0 {
		return
	}
	rec.TotalRuntime.Add(ran)
	d.emitSample(ctx, prev, ctx.CPU, ran)
}

// Sample handles a periodic tick for the task running on ctx.CPU.
func (d *Dispatcher) Sample(ctx *hook.Context) {
	if ctx.Kernel() || !d.tracked(ctx.PID) {
		return
	}
	rec := d.touch(ctx.PID, ctx.CPU, ctx.Timestamp)
	if rec == nil {
		return
	}
	rec.SampleTicks.Add(1)
	task := kread.TaskRef(ctx.TID)
	if ctx.TID == 0 {
		task = kread.TaskRef(ctx.PID)
	}
	d.emitSample(ctx, task, ctx.CPU, rec.TotalRuntime.Load())
}

// emitSample reads the scheduler entity of task; fields that cannot be read
// stay zero.
func (d *Dispatcher) emitSample(ctx *hook.Context, task kread.Ref, cpu uint32, ran uint64) {
	s := events.CPUSample{CPU: cpu, Runtime: ran}
	if v, ok := d.reader.ReadU64(task, kread.FieldTaskPrio); ok {
		s.Prio = uint32(v)
	}
	if v, ok := d.reader.ReadU64(task, kread.FieldTaskVRuntime); ok {
		s.VRuntime = v
	}
	if v, ok := d.reader.ReadU64(task, kread.FieldTaskWeight); ok {
		s.Weight = uint32(v)
	}
	d.emitter.Emit(events.Event{Header: events.HeaderFrom(ctx, stack.None), Payload: s})
}

// Frequency records the current frequency of cpu.
func (d *Dispatcher) Frequency(cpu, khz uint32) {
	if c := d.cpu(cpu); c != nil {
		c.FrequencyKHz.Store(khz)
	}
}

// Idle counts idle entries of cpu; the exit notification is ignored.
func (d *Dispatcher) Idle(cpu, state uint32) {
	if state == idleExit {
		return
	}
	if c := d.cpu(cpu); c != nil {
		c.IdleEntries.Add(1)
	}
}

// IRQ counts a hard interrupt handled on cpu.
func (d *Dispatcher) IRQ(cpu uint32) {
	if c := d.cpu(cpu); c != nil {
		c.IRQs.Add(1)
	}
}

// SoftIRQ counts a softirq handled on cpu.
func (d *Dispatcher) SoftIRQ(cpu uint32) {
	if c := d.cpu(cpu); c != nil {
		c.SoftIRQs.Add(1)
	}
}

// Process returns the scheduling record of pid.
func (d *Dispatcher) Process(pid uint32) (ProcessSnapshot, bool) {
	rec, ok := d.procs.Get(pid)
	if !ok {
		return ProcessSnapshot{}, false
	}
	return rec.Snapshot(), true
}

// Processes returns every scheduling record.
func (d *Dispatcher) Processes() map[uint32]ProcessSnapshot {
	out := make(map[uint32]ProcessSnapshot, d.procs.Len())
	d.procs.Range(func(pid uint32, rec *ProcessStats) bool {
		out[pid] = rec.Snapshot()
		return true
	})
	return out
}

// CPU returns the record of one CPU.
func (d *Dispatcher) CPU(id uint32) (CPUSnapshot, bool) {
	if int(id) >= len(d.cpus) {
		return CPUSnapshot{}, false
	}
	return d.cpus[id].snapshot(id), true
}

// CPUs returns every per-CPU record in CPU order.
func (d *Dispatcher) CPUs() []CPUSnapshot {
	out := make([]CPUSnapshot, len(d.cpus))
	for i := range d.cpus {
		out[i] = d.cpus[i].snapshot(uint32(i))
	}
	return out
}

// CPUDrops counts per-CPU updates for CPU ids beyond the table.
func (d *Dispatcher) CPUDrops() uint64 { return d.cpuDrops.Load() }

// Usage reports process table occupancy.
func (d *Dispatcher) Usage() table.Usage {
	return d.procs.Usage()
}
