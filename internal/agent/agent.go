// Package agent wires the probes, their attachments and the event drain
// into one running unit.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rxtx-hosting/kernlens/internal/config"
	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/exporter"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/probe/cpu"
	"github.com/rxtx-hosting/kernlens/pkg/probe/memory"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
	"github.com/rxtx-hosting/kernlens/pkg/sampler"
	"github.com/rxtx-hosting/kernlens/pkg/source/netdiag"
	"github.com/rxtx-hosting/kernlens/pkg/source/ringbuf"
	"github.com/rxtx-hosting/kernlens/pkg/stack"
	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

// Agent owns the dispatchers and everything that feeds or drains them.
type Agent struct {
	Memory  *memory.Dispatcher
	Network *network.Dispatcher
	CPU     *cpu.Dispatcher

	tunables tunables.Table
	layout   kread.Layout
	emitter  *events.Emitter
	stacks   *stack.Table
	tally    events.Tally
	recent   *events.Recent

	largeAllocation uint64
	leakMinAge      time.Duration

	sampler *sampler.Sampler
	source  *ringbuf.Source
	poller  *netdiag.Poller

	startedAt time.Time
	cancel    context.CancelFunc
	running   sync.WaitGroup
	drained   sync.WaitGroup
	closeOnce sync.Once
}

// New builds an agent from cfg. The ring buffer attachment is opened only
// when a pin path is configured.
func New(cfg *config.Config) (*Agent, error) {
	tun, err := cfg.TunablesTable()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		tunables:  tun,
		layout:    detectLayout(),
		emitter:   events.NewEmitter(cfg.EventChannelSize),
		recent:    events.NewRecent(cfg.RecentEvents),
		startedAt: time.Now(),

		largeAllocation: cfg.LargeAllocation,
		leakMinAge:      cfg.LeakMinAge,
	}
	if cfg.StackCapacity > 0 {
		a.stacks = stack.NewTable(cfg.StackCapacity, cfg.StackDepth)
	}

	proc, err := kread.NewProc(cfg.ProcRoot, a.layout)
	if err != nil {
		return nil, err
	}
	objects := kread.NewTable(a.layout)
	sockets := kread.NewTable(a.layout)
	reader := kread.Chain{objects, sockets, proc}

	a.Memory, err = memory.NewDispatcher(memory.Config{
		ProcessCapacity:    cfg.MemoryProcessCapacity,
		AllocationCapacity: cfg.MemoryAllocationCapacity,
		StashCapacity:      cfg.MemoryStashCapacity,
		Shards:             cfg.Shards,
	}, a.emitter, a.stacks, reader, &a.tunables)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory dispatcher: %w", err)
	}
	a.Network = network.NewDispatcher(network.Config{
		FlowCapacity: cfg.FlowCapacity,
		Shards:       cfg.Shards,
	}, a.emitter, reader, &a.tunables)

	cpuCfg := cpu.DefaultConfig()
	cpuCfg.ProcessCapacity = cfg.CPUProcessCapacity
	cpuCfg.Shards = cfg.Shards
	if cfg.CPUs > 0 {
		cpuCfg.CPUs = cfg.CPUs
	}
	a.CPU = cpu.NewDispatcher(cpuCfg, a.emitter, reader, &a.tunables)

	tasks, err := sampler.NewProcTasks(cfg.ProcRoot)
	if err != nil {
		return nil, err
	}
	interval := cfg.SampleInterval
	if _, set := cfg.Tunables[tunables.SampleRateHz.String()]; set {
		interval = sampler.IntervalFromRate(a.tunables.Get(tunables.SampleRateHz))
	}
	a.sampler, err = sampler.New(tasks, interval, a.Memory, a.CPU)
	if err != nil {
		return nil, err
	}

	if cfg.RingBufferPin != "" {
		a.source, err = ringbuf.Open(cfg.RingBufferPin, &ringbuf.Handler{
			Memory:  a.Memory,
			Network: a.Network,
			CPU:     a.CPU,
			Objects: objects,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.NetDiag {
		a.poller = netdiag.NewPoller(sockets, a.Network, cfg.NetDiagInterval)
	}

	return a, nil
}

func detectLayout() kread.Layout {
	layout, err := kread.DetectLayout()
	if err != nil {
		slog.Warn("Falling back to generic kernel layout", "error", err)
		return kread.GenericLayout
	}
	return layout
}

// Start launches the event drain, the sampler and the configured
// attachments. They run until ctx is cancelled or Close is called.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.drained.Add(1)
	go func() {
		defer a.drained.Done()
		for ev := range a.emitter.Events() {
			a.observe(ev)
		}
	}()

	a.goRun(func() { a.sampler.Run(ctx) })
	if a.poller != nil {
		a.goRun(func() { a.poller.Run(ctx) })
	}
	if a.source != nil {
		a.goRun(func() {
			if err := a.source.Run(ctx); err != nil {
				slog.Error("Ring buffer source stopped", "error", err)
			}
		})
	}

	slog.Info("Agent started",
		"layout", a.layout.Version(),
		"ring_buffer", a.source != nil,
		"netdiag", a.poller != nil,
	)
}

// observe counts a drained event, keeps it among the recent ones and logs
// the notable ones.
func (a *Agent) observe(ev events.Event) {
	a.tally.Count(ev)
	a.recent.Add(ev)

	m, ok := ev.Payload.(events.Memory)
	if !ok {
		return
	}
	switch m.Op {
	case events.KindOOM:
		slog.Warn("Process killed by OOM killer",
			"pid", ev.PID,
			"comm", ev.Comm.String(),
		)
	case events.KindMalloc, events.KindCalloc, events.KindRealloc, events.KindMmap:
		if a.largeAllocation > 0 && m.Size > a.largeAllocation {
			slog.Info("Large allocation",
				"pid", ev.PID,
				"comm", ev.Comm.String(),
				"kind", m.Op.String(),
				"addr", fmt.Sprintf("%#x", m.Addr),
				"size", m.Size,
				"stack_id", ev.StackID,
			)
		}
	}
}

func (a *Agent) goRun(fn func()) {
	a.running.Add(1)
	go func() {
		defer a.running.Done()
		fn()
	}()
}

// Close stops the attachments, waits for their in-flight dispatcher calls,
// then closes the emitter and waits for the drain to finish.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.source != nil {
			err = a.source.Close()
		}
		a.running.Wait()
		a.emitter.Close()
		a.drained.Wait()
		slog.Info("Agent stopped", "events_sent", a.emitter.Sent(), "events_dropped", a.emitter.Dropped())
	})
	return err
}

// EventStats reports emitter counters together with drained events per kind.
func (a *Agent) EventStats() events.Stats {
	st := a.emitter.Stats()
	st.ByKind = a.tally.ByKind()
	return st
}

// Info describes the running agent.
func (a *Agent) Info() exporter.Info {
	return exporter.Info{
		Layout:    a.layout.Version(),
		Tunables:  a.tunables.Map(),
		StartedAt: a.startedAt,
	}
}

// View exposes the agent to the exporters.
func (a *Agent) View() exporter.View {
	return exporter.View{
		Memory:  a.Memory,
		Network: a.Network,
		CPU:     a.CPU,
		Stacks:  a.stacks,
		Events:  a.EventStats,
		Recent:  a.recent.Events,
		Info:    a.Info,

		LeakMinAge: a.leakMinAge,
	}
}
