package exporter

import (
	"time"

	"github.com/rxtx-hosting/kernlens/pkg/docker"
	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/probe/cpu"
	"github.com/rxtx-hosting/kernlens/pkg/probe/memory"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
	"github.com/rxtx-hosting/kernlens/pkg/stack"
	"github.com/rxtx-hosting/kernlens/pkg/table"
)

// View is what the exporters read from. Nil dispatchers are reported as
// disabled.
type View struct {
	Memory  *memory.Dispatcher
	Network *network.Dispatcher
	CPU     *cpu.Dispatcher
	Stacks  *stack.Table
	Events  func() events.Stats
	Recent  func() []events.Event
	Info    func() Info

	// LeakMinAge is the default age past which a live allocation is listed
	// as a suspected leak.
	LeakMinAge time.Duration
	// Clock returns the monotonic time allocations are stamped with. It
	// defaults to hook.Monotonic.
	Clock      func() uint64

	// Containers attributes processes to containers when set.
	Containers ContainerResolver
}

type ContainerResolver interface {
	ByPID(pid uint32) (docker.ContainerMetadata, bool)
}

func (v View) now() uint64 {
	if v.Clock != nil {
		return v.Clock()
	}
	return hook.Monotonic()
}

func (v View) container(pid uint32) string {
	if v.Containers == nil {
		return ""
	}
	if c, ok := v.Containers.ByPID(pid); ok {
		return c.ContainerName
	}
	return ""
}

// Info describes the running agent.
type Info struct {
	Layout    string            `json:"layout"`
	Tunables  map[string]uint32 `json:"tunables"`
	StartedAt time.Time         `json:"started_at"`
}

// tables lists the occupancy of every fixed-capacity table.
func (v View) tables() map[string]table.Usage {
	out := make(map[string]table.Usage)
	if v.Memory != nil {
		u := v.Memory.Usage()
		out["memory_processes"] = u.Processes
		out["memory_allocations"] = u.Allocations
	}
	if v.Network != nil {
		out["network_flows"] = v.Network.Usage()
	}
	if v.CPU != nil {
		out["cpu_processes"] = v.CPU.Usage()
	}
	if v.Stacks != nil {
		out["stacks"] = table.Usage{Len: v.Stacks.Len(), Cap: v.Stacks.Cap(), Drops: v.Stacks.Drops()}
	}
	return out
}
