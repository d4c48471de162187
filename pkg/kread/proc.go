package kread

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
)

// Proc reads task and socket fields through /proc. It stands in for direct
// structure reads when the probes run without kernel instrumentation.
type Proc struct {
	fs       procfs.FS
	root     string
	layout   Layout
	pageSize uint64
}

// NewProc opens the proc filesystem mounted at root.
func NewProc(root string, layout Layout) (*Proc, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &Proc{
		fs:       fs,
		root:     root,
		layout:   layout,
		pageSize: uint64(os.Getpagesize()),
	}, nil
}

func (p *Proc) Layout() Layout { return p.layout }

func (p *Proc) ReadU64(ref Ref, field Field) (uint64, bool) {
	switch ref.Kind {
	case ObjectTask:
		return p.readTask(ref, field)
	case ObjectSocket:
		return p.readSocket(ref, field)
	}
	return 0, false
}

func (p *Proc) ReadComm(ref Ref) (hook.Comm, bool) {
	if ref.Kind != ObjectTask || ref.ID > math.MaxInt32 {
		return hook.Comm{}, false
	}
	proc, err := p.fs.Proc(int(ref.ID))
	if err != nil {
		return hook.Comm{}, false
	}
	comm, err := proc.Comm()
	if err != nil {
		return hook.Comm{}, false
	}
	return hook.NewComm(comm), true
}

func (p *Proc) readTask(ref Ref, field Field) (uint64, bool) {
	if ref.ID == 0 || ref.ID > math.MaxInt32 || !p.layout.Decodes(field) {
		return 0, false
	}
	switch field {
	case FieldTaskVRuntime, FieldTaskWeight:
		return p.readSched(int(ref.ID), field)
	}

	proc, err := p.fs.Proc(int(ref.ID))
	if err != nil {
		return 0, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, false
	}

	switch field {
	case FieldTaskPID:
		return ref.ID, true
	case FieldTaskTGID:
		status, err := proc.NewStatus()
		if err != nil {
			return 0, false
		}
		return uint64(status.TGID), true
	case FieldTaskPrio:
		// /proc reports prio-100 for normal tasks.
		if stat.Priority < -100 {
			return 0, false
		}
		return uint64(stat.Priority + 100), true
	case FieldTaskState:
		return stateFromLetter(stat.State)
	case FieldMMRSSPages:
		// Kernel threads have no mm.
		if stat.VSize == 0 || stat.RSS < 0 {
			return 0, false
		}
		return uint64(stat.RSS), true
	case FieldMMTotalVM:
		if stat.VSize == 0 {
			return 0, false
		}
		return uint64(stat.VSize) / p.pageSize, true
	}
	return 0, false
}

func stateFromLetter(s string) (uint64, bool) {
	switch s {
	case "R":
		return TaskRunning, true
	case "S":
		return TaskInterruptible, true
	case "D":
		return TaskUninterruptible, true
	case "T":
		return TaskStopped, true
	case "t":
		return TaskTraced, true
	case "X":
		return TaskDead, true
	case "Z":
		return TaskZombie, true
	case "I":
		return TaskIdle, true
	}
	return 0, false
}

// readSched parses /proc/<pid>/sched, which exists only with
// CONFIG_SCHED_DEBUG. procfs has no parser for it.
func (p *Proc) readSched(pid int, field Field) (uint64, bool) {
	f, err := os.Open(filepath.Join(p.root, strconv.Itoa(pid), "sched"))
	if err != nil {
		return 0, false
	}
	defer f.Close()

	want := "se.vruntime"
	if field == FieldTaskWeight {
		want = "se.load.weight"
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(name) != want {
			continue
		}
		value = strings.TrimSpace(value)
		if field == FieldTaskWeight {
			w, err := strconv.ParseUint(value, 10, 64)
			return w, err == nil
		}
		// vruntime is printed in milliseconds with a fractional part.
		ms, err := strconv.ParseFloat(value, 64)
		if err != nil || ms < 0 {
			return 0, false
		}
		return uint64(ms * 1e6), true
	}
	return 0, false
}

func (p *Proc) readSocket(ref Ref, field Field) (uint64, bool) {
	lines, err := p.fs.NetTCP()
	if err != nil {
		return 0, false
	}
	for _, l := range lines {
		if l.Inode != ref.ID {
			continue
		}
		switch field {
		case FieldSockFamily:
			return AFInet, true
		case FieldSockSaddr:
			return uint64(hook.IPToAddr(l.LocalAddr)), true
		case FieldSockDaddr:
			return uint64(hook.IPToAddr(l.RemAddr)), true
		case FieldSockSport:
			return uint64(hook.Ntohs(uint16(l.LocalPort))), true
		case FieldSockDport:
			return uint64(hook.Ntohs(uint16(l.RemPort))), true
		}
		return 0, false
	}
	return 0, false
}
