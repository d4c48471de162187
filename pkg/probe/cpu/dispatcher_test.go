package cpu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

func newDispatcher(t *testing.T, tun tunables.Table) (*Dispatcher, *events.Emitter, *kread.Table) {
	t.Helper()
	em := events.NewEmitter(128)
	reader := kread.NewTable(kread.GenericLayout)
	d := NewDispatcher(Config{ProcessCapacity: 8, Shards: 2, CPUs: 4}, em, reader, &tun)
	return d, em, reader
}

func onCPU(cpu uint32, ts uint64) *hook.Context {
	return &hook.Context{CPU: cpu, Timestamp: ts}
}

func drain(em *events.Emitter) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-em.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSwitchTypes(t *testing.T) {
	tests := []struct {
		name        string
		prevState   uint32
		voluntary   uint64
		involuntary uint64
	}{
		{"preempted while runnable", kread.TaskRunning, 0, 1},
		{"blocked interruptible", kread.TaskInterruptible, 1, 0},
		{"blocked uninterruptible", kread.TaskUninterruptible, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newDispatcher(t, tunables.Defaults())
			d.Switch(onCPU(1, 100), 42, tt.prevState, 43)

			prev, ok := d.Process(42)
			require.True(t, ok)
			assert.Equal(t, tt.voluntary, prev.VoluntarySwitches)
			assert.Equal(t, tt.involuntary, prev.InvoluntarySwitches)
			assert.Zero(t, prev.ScheduleCount)

			next, ok := d.Process(43)
			require.True(t, ok)
			assert.Equal(t, uint64(1), next.ScheduleCount)
			assert.Zero(t, next.VoluntarySwitches+next.InvoluntarySwitches)
		})
	}
}

func TestSwitchCPURangeAndContextSwitches(t *testing.T) {
	d, _, _ := newDispatcher(t, tunables.Defaults())

	d.Switch(onCPU(2, 10), 7, kread.TaskRunning, 8)
	d.Switch(onCPU(0, 20), 8, kread.TaskInterruptible, 7)
	d.Switch(onCPU(3, 30), 0, kread.TaskRunning, 7)

	p, ok := d.Process(7)
	require.True(t, ok)
	assert.Equal(t, uint32(0), p.MinCPU)
	assert.Equal(t, uint32(3), p.MaxCPU)
	assert.Equal(t, uint64(30), p.LastSeen)
	assert.Equal(t, uint64(2), p.ScheduleCount)
	assert.Equal(t, uint64(1), p.InvoluntarySwitches)

	_, ok = d.Process(0)
	assert.False(t, ok, "the idle task is never recorded")

	cpus := d.CPUs()
	require.Len(t, cpus, 4)
	assert.Equal(t, uint64(1), cpus[0].ContextSwitches)
	assert.Zero(t, cpus[1].ContextSwitches)
	assert.Equal(t, uint64(1), cpus[2].ContextSwitches)
	assert.Equal(t, uint64(1), cpus[3].ContextSwitches, "counted regardless of task identity")
}

func TestFirstObservationSeedsCPURange(t *testing.T) {
	d, _, _ := newDispatcher(t, tunables.Defaults())
	d.Switch(onCPU(3, 5), 0, 0, 9)

	p, _ := d.Process(9)
	assert.Equal(t, uint32(3), p.MinCPU)
	assert.Equal(t, uint32(3), p.MaxCPU)
}

func TestFinishTaskSwitch(t *testing.T) {
	d, em, reader := newDispatcher(t, tunables.Defaults())
	prev := kread.TaskRef(50)
	reader.Set(prev, kread.FieldTaskPID, 50)
	reader.Set(prev, kread.FieldTaskPrio, 120)
	reader.Set(prev, kread.FieldTaskVRuntime, 9000)
	reader.Set(prev, kread.FieldTaskWeight, 1024)

	d.FinishTaskSwitch(onCPU(1, 500), prev)
	assert.Empty(t, drain(em), "no record yet")

	// sched_switch in, sched_switch out, then finish_task_switch for the
	// outgoing task, as the kernel orders them.
	d.Switch(onCPU(1, 1000), 0, 0, 50)
	d.Switch(onCPU(1, 5000), 50, kread.TaskInterruptible, 60)
	d.FinishTaskSwitch(onCPU(1, 5010), prev)
	d.FinishTaskSwitch(onCPU(1, 6000), prev)

	p, _ := d.Process(50)
	assert.Equal(t, uint64(4000), p.TotalRuntime, "one stint charged once")

	evs := drain(em)
	require.Len(t, evs, 1)
	assert.Equal(t, events.CPUSample{CPU: 1, Runtime: 4000, VRuntime: 9000, Weight: 1024, Prio: 120}, evs[0].Payload)

	d.Switch(onCPU(2, 7000), 0, 0, 50)
	d.Switch(onCPU(2, 7500), 50, kread.TaskRunning, 0)
	d.FinishTaskSwitch(onCPU(2, 7500), prev)

	p, _ = d.Process(50)
	assert.Equal(t, uint64(4500), p.TotalRuntime, "runtime accumulates across stints")
}

func TestFinishTaskSwitchWithoutSwitchIn(t *testing.T) {
	d, em, reader := newDispatcher(t, tunables.Defaults())
	prev := kread.TaskRef(51)
	reader.Set(prev, kread.FieldTaskPID, 51)

	d.Switch(onCPU(0, 100), 51, kread.TaskRunning, 0)
	d.FinishTaskSwitch(onCPU(0, 110), prev)

	p, ok := d.Process(51)
	require.True(t, ok)
	assert.Zero(t, p.TotalRuntime)
	assert.Empty(t, drain(em))
}

func TestWakeupSample(t *testing.T) {
	d, em, reader := newDispatcher(t, tunables.Defaults())
	woken := kread.TaskRef(77)
	reader.Set(woken, kread.FieldTaskPrio, 100)

	d.Wakeup(&hook.Context{PID: 1, TID: 1, CPU: 0, Timestamp: 3}, woken, 2)

	evs := drain(em)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCPUSample, evs[0].Kind())
	assert.Equal(t, events.CPUSample{CPU: 2, Prio: 100}, evs[0].Payload, "unreadable fields stay zero")
}

func TestWakeupTargetFilter(t *testing.T) {
	d, em, reader := newDispatcher(t, tunables.Defaults().With(tunables.TargetPID, 300))
	match := kread.TaskRef(301)
	reader.Set(match, kread.FieldTaskTGID, 300)
	other := kread.TaskRef(400)
	reader.Set(other, kread.FieldTaskTGID, 400)

	d.Wakeup(onCPU(0, 1), match, 0)
	d.Wakeup(onCPU(0, 1), other, 0)
	d.Wakeup(onCPU(0, 1), kread.TaskRef(999), 0)

	assert.Len(t, drain(em), 1)
}

func TestSample(t *testing.T) {
	d, em, reader := newDispatcher(t, tunables.Defaults())
	reader.Set(kread.TaskRef(11), kread.FieldTaskWeight, 2048)

	d.Sample(&hook.Context{PID: 10, TID: 11, CPU: 2, Timestamp: 40})
	d.Sample(&hook.Context{PID: 10, TID: 11, CPU: 1, Timestamp: 80})
	d.Sample(&hook.Context{CPU: 1, Timestamp: 90})

	p, ok := d.Process(10)
	require.True(t, ok)
	assert.Equal(t, uint64(2), p.SampleTicks)
	assert.Equal(t, uint32(1), p.MinCPU)
	assert.Equal(t, uint32(2), p.MaxCPU)
	assert.Equal(t, uint64(80), p.LastSeen)
	assert.Len(t, d.Processes(), 1)

	evs := drain(em)
	require.Len(t, evs, 2)
	assert.Equal(t, uint32(2048), evs[1].Payload.(events.CPUSample).Weight)
}

func TestPerCPUCounters(t *testing.T) {
	d, _, _ := newDispatcher(t, tunables.Defaults())

	d.Frequency(1, 2400000)
	d.Frequency(1, 1800000)
	d.Idle(1, 1)
	d.Idle(1, ^uint32(0))
	d.IRQ(1)
	d.IRQ(1)
	d.SoftIRQ(1)
	d.IRQ(200)

	c, ok := d.CPU(1)
	require.True(t, ok)
	assert.Equal(t, CPUSnapshot{CPU: 1, IdleEntries: 1, IRQs: 2, SoftIRQs: 1, FrequencyKHz: 1800000}, c)

	_, ok = d.CPU(200)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), d.CPUDrops())
}

func TestProcessTableFull(t *testing.T) {
	d, _, _ := newDispatcher(t, tunables.Defaults())
	for pid := uint32(1); pid <= 8; pid++ {
		d.Switch(onCPU(0, 1), 0, 0, pid)
	}
	d.Switch(onCPU(0, 2), 0, 0, 99)
	d.Switch(onCPU(0, 3), 0, 0, 1)

	_, ok := d.Process(99)
	assert.False(t, ok)
	p, _ := d.Process(1)
	assert.Equal(t, uint64(2), p.ScheduleCount)
	assert.Equal(t, uint64(1), d.Usage().Drops)
	assert.Equal(t, 8, d.Usage().Len)
}

func TestConcurrentSwitches(t *testing.T) {
	d, _, _ := newDispatcher(t, tunables.Defaults())
	var wg sync.WaitGroup
	for cpu := uint32(0); cpu < 4; cpu++ {
		wg.Add(1)
		go func(cpu uint32) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				d.Switch(onCPU(cpu, uint64(i)), 1, kread.TaskRunning, 2)
			}
		}(cpu)
	}
	wg.Wait()

	p1, _ := d.Process(1)
	p2, _ := d.Process(2)
	assert.Equal(t, uint64(4000), p1.InvoluntarySwitches)
	assert.Equal(t, uint64(4000), p2.ScheduleCount)
	assert.Equal(t, uint32(0), p2.MinCPU)
	assert.Equal(t, uint32(3), p2.MaxCPU)
}
