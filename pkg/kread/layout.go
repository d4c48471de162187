package kread

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// Layout describes the kernel structure layout an accessor decodes. Fields
// whose location moved between kernel releases are recorded here so the
// fragility stays in this package.
type Layout struct {
	Source string `json:"source"`
	// TaskStateField is "__state" from 5.14 on, "state" before.
	TaskStateField string `json:"task_state_field"`
	// RSSPerCPU is true when mm_struct.rss_stat is an array of
	// percpu_counter (6.2+) rather than mm_rss_stat.
	RSSPerCPU bool `json:"rss_per_cpu"`
	// SchedEntity reports whether task_struct embeds a CFS sched_entity.
	SchedEntity bool `json:"sched_entity"`
}

// Version renders the layout as a short stable string.
func (l Layout) Version() string {
	rss := "mm_rss_stat"
	if l.RSSPerCPU {
		rss = "percpu_counter"
	}
	return fmt.Sprintf("%s/task.%s/rss.%s/se.%t", l.Source, l.TaskStateField, rss, l.SchedEntity)
}

// Decodes reports whether field exists under l. Scheduler entity fields are
// missing on kernels built without a CFS sched_entity in task_struct.
func (l Layout) Decodes(field Field) bool {
	switch field {
	case FieldTaskVRuntime, FieldTaskWeight:
		return l.SchedEntity
	}
	return true
}

// GenericLayout is assumed when no type information is available.
var GenericLayout = Layout{
	Source:         "generic",
	TaskStateField: "__state",
	RSSPerCPU:      true,
	SchedEntity:    true,
}

// DetectLayout inspects the running kernel's BTF.
func DetectLayout() (Layout, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return GenericLayout, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return layoutFromSpec(spec)
}

func layoutFromSpec(spec *btf.Spec) (Layout, error) {
	layout := Layout{Source: "btf"}

	var task *btf.Struct
	if err := spec.TypeByName("task_struct", &task); err != nil {
		return GenericLayout, fmt.Errorf("failed to find task_struct: %w", err)
	}
	switch {
	case hasMember(task, "__state"):
		layout.TaskStateField = "__state"
	case hasMember(task, "state"):
		layout.TaskStateField = "state"
	default:
		return GenericLayout, errors.New("task_struct has no state member")
	}
	layout.SchedEntity = hasMember(task, "se")

	var mm *btf.Struct
	if err := spec.TypeByName("mm_struct", &mm); err != nil {
		return GenericLayout, fmt.Errorf("failed to find mm_struct: %w", err)
	}
	if m, ok := findMember(mm.Members, "rss_stat"); ok {
		if arr, ok := btf.UnderlyingType(m.Type).(*btf.Array); ok {
			if s, ok := btf.UnderlyingType(arr.Type).(*btf.Struct); ok && s.Name == "percpu_counter" {
				layout.RSSPerCPU = true
			}
		}
	}
	return layout, nil
}

func hasMember(s *btf.Struct, name string) bool {
	_, ok := findMember(s.Members, name)
	return ok
}

// findMember also descends into anonymous structs and unions; mm_struct keeps
// most of its fields inside one.
func findMember(members []btf.Member, name string) (btf.Member, bool) {
	for _, m := range members {
		if m.Name == name {
			return m, true
		}
		if m.Name != "" {
			continue
		}
		switch inner := btf.UnderlyingType(m.Type).(type) {
		case *btf.Struct:
			if found, ok := findMember(inner.Members, name); ok {
				return found, true
			}
		case *btf.Union:
			if found, ok := findMember(inner.Members, name); ok {
				return found, true
			}
		}
	}
	return btf.Member{}, false
}
