package sampler

import (
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
)

// ProcTasks reports running processes from a proc filesystem.
type ProcTasks struct {
	fs  procfs.FS
	now func() uint64
}

// NewProcTasks opens the proc filesystem mounted at root.
func NewProcTasks(root string) (*ProcTasks, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", root, err)
	}
	return &ProcTasks{fs: fs, now: hook.Monotonic}, nil
}

// ActiveTasks returns the processes in state R with the CPU they last ran
// on. Processes that exit while being read are skipped.
func (p *ProcTasks) ActiveTasks() ([]hook.Context, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	ts := p.now()
	var out []hook.Context
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil || stat.State != "R" {
			continue
		}
		out = append(out, hook.Context{
			Timestamp: ts,
			PID:       uint32(stat.PID),
			TID:       uint32(stat.PID),
			CPU:       uint32(stat.Processor),
			Comm:      hook.NewComm(stat.Comm),
		})
	}
	return out, nil
}
