package cpu

import "sync/atomic"

// MaxCPUs bounds the per-CPU table.
const MaxCPUs = 256

// idleExit is the cpu_idle state reported when a CPU leaves idle.
const idleExit = ^uint32(0)

// ProcessStats is the live per-task scheduling record.
type ProcessStats struct {
	// TotalRuntime accumulates on-CPU nanoseconds measured between a task
	// being switched in and switched out.
	TotalRuntime atomic.Uint64
	// SampleTicks counts periodic samples that found the task on a CPU.
	SampleTicks         atomic.Uint64
	ScheduleCount       atomic.Uint64
	VoluntarySwitches   atomic.Uint64
	InvoluntarySwitches atomic.Uint64
	LastSeen            atomic.Uint64
	MinCPU              atomic.Uint32
	MaxCPU              atomic.Uint32

	// switchedIn is when the task last went on a CPU, 0 while it is off.
	switchedIn atomic.Uint64
	// unbilled is the length of the last stint, waiting for
	// finish_task_switch to charge it.
	unbilled atomic.Uint64
}

// ProcessSnapshot is a plain copy of ProcessStats.
type ProcessSnapshot struct {
	TotalRuntime        uint64 `json:"total_runtime_ns"`
	SampleTicks         uint64 `json:"sample_ticks"`
	ScheduleCount       uint64 `json:"schedule_count"`
	VoluntarySwitches   uint64 `json:"voluntary_switches"`
	InvoluntarySwitches uint64 `json:"involuntary_switches"`
	LastSeen            uint64 `json:"last_seen"`
	MinCPU              uint32 `json:"min_cpu"`
	MaxCPU              uint32 `json:"max_cpu"`
}

func (s *ProcessStats) Snapshot() ProcessSnapshot {
	return ProcessSnapshot{
		TotalRuntime:        s.TotalRuntime.Load(),
		SampleTicks:         s.SampleTicks.Load(),
		ScheduleCount:       s.ScheduleCount.Load(),
		VoluntarySwitches:   s.VoluntarySwitches.Load(),
		InvoluntarySwitches: s.InvoluntarySwitches.Load(),
		LastSeen:            s.LastSeen.Load(),
		MinCPU:              s.MinCPU.Load(),
		MaxCPU:              s.MaxCPU.Load(),
	}
}

// CPUStats is the per-CPU record. Idle, IRQ and SoftIRQ count entries, not
// time.
type CPUStats struct {
	IdleEntries     atomic.Uint64
	IRQs            atomic.Uint64
	SoftIRQs        atomic.Uint64
	ContextSwitches atomic.Uint64
	// FrequencyKHz is the last frequency reported for the CPU.
	FrequencyKHz atomic.Uint32
}

// CPUSnapshot is a plain copy of CPUStats.
type CPUSnapshot struct {
	CPU             uint32 `json:"cpu"`
	IdleEntries     uint64 `json:"idle_entries"`
	IRQs            uint64 `json:"irqs"`
	SoftIRQs        uint64 `json:"softirqs"`
	ContextSwitches uint64 `json:"context_switches"`
	FrequencyKHz    uint32 `json:"frequency_khz"`
}

func (s *CPUStats) snapshot(cpu uint32) CPUSnapshot {
	return CPUSnapshot{
		CPU:             cpu,
		IdleEntries:     s.IdleEntries.Load(),
		IRQs:            s.IRQs.Load(),
		SoftIRQs:        s.SoftIRQs.Load(),
		ContextSwitches: s.ContextSwitches.Load(),
		FrequencyKHz:    s.FrequencyKHz.Load(),
	}
}
