// Package ringbuf attaches the dispatchers to a pinned BPF ring buffer. Each
// ring buffer sample is one fixed-size RawRecord describing a single hook
// invocation.
package ringbuf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/stack"
)

// HookID identifies the kernel hook that produced a record.
type HookID uint32

const (
	HookMallocEnter HookID = iota + 1
	HookMallocReturn
	HookCallocEnter
	HookCallocReturn
	HookReallocEnter
	HookReallocReturn
	HookFree
	HookMmapEnter
	HookMmapExit
	HookMunmap
	HookBrk
	HookPageFault
	HookPageAlloc
	HookPageFree
	HookOOMVictim
	HookMemoryPressure

	HookSockState
	HookTCPSend
	HookTCPRecv
	HookTCPRetransmit
	HookTCPProbe

	HookSchedSwitch
	HookSchedWakeup
	HookFinishTaskSwitch
	HookCPUFrequency
	HookCPUIdle
	HookIRQ
	HookSoftIRQ

	numHooks
)

var hookNames = [numHooks]string{
	HookMallocEnter:      "uprobe/malloc",
	HookMallocReturn:     "uretprobe/malloc",
	HookCallocEnter:      "uprobe/calloc",
	HookCallocReturn:     "uretprobe/calloc",
	HookReallocEnter:     "uprobe/realloc",
	HookReallocReturn:    "uretprobe/realloc",
	HookFree:             "uprobe/free",
	HookMmapEnter:        "tp/syscalls/sys_enter_mmap",
	HookMmapExit:         "tp/syscalls/sys_exit_mmap",
	HookMunmap:           "tp/syscalls/sys_enter_munmap",
	HookBrk:              "tp/syscalls/sys_enter_brk",
	HookPageFault:        "tp/exceptions/page_fault_user",
	HookPageAlloc:        "tp/kmem/mm_page_alloc",
	HookPageFree:         "tp/kmem/mm_page_free",
	HookOOMVictim:        "tp/oom/mark_victim",
	HookMemoryPressure:   "tp/vmscan/mm_vmscan_wakeup_kswapd",
	HookSockState:        "tp/sock/inet_sock_set_state",
	HookTCPSend:          "kprobe/tcp_sendmsg",
	HookTCPRecv:          "kprobe/tcp_cleanup_rbuf",
	HookTCPRetransmit:    "tp/tcp/tcp_retransmit_skb",
	HookTCPProbe:         "tp/tcp/tcp_probe",
	HookSchedSwitch:      "tp/sched/sched_switch",
	HookSchedWakeup:      "tp/sched/sched_wakeup",
	HookFinishTaskSwitch: "kprobe/finish_task_switch",
	HookCPUFrequency:     "tp/power/cpu_frequency",
	HookCPUIdle:          "tp/power/cpu_idle",
	HookIRQ:              "tp/irq/irq_handler_entry",
	HookSoftIRQ:          "tp/irq/softirq_entry",
}

func (h HookID) String() string {
	if h < numHooks && hookNames[h] != "" {
		return hookNames[h]
	}
	return fmt.Sprintf("hook(%d)", uint32(h))
}

// RecordSize is the encoded size of a RawRecord.
const RecordSize = 256

// ErrShortRecord is returned for samples smaller than RecordSize.
var ErrShortRecord = errors.New("short ring buffer record")

// RawRecord is the little-endian wire layout written by the BPF side.
//
// Args are hook specific. Socket hooks carry the socket cookie in Args[0],
// saddr|daddr<<32 in Args[1] and sport|dport<<16|family<<32 in Args[2], all
// in network byte order as the kernel stores them; their own arguments start
// at Args[3]. Task hooks that describe another task carry its tid, tgid,
// prio, vruntime and weight in Args[0] to Args[4].
type RawRecord struct {
	Hook      HookID
	CPU       uint32
	PIDTGID   uint64
	Timestamp uint64
	Comm      [hook.CommLen]byte
	NFrames   uint32
	_         uint32
	Args      [6]uint64
	Frames    [stack.DefaultDepth]uint64
}

// Decode parses one ring buffer sample. Trailing bytes are ignored.
func Decode(data []byte) (RawRecord, error) {
	var rec RawRecord
	if len(data) < RecordSize {
		return rec, fmt.Errorf("%w: got %d bytes, need %d", ErrShortRecord, len(data), RecordSize)
	}
	if err := binary.Read(bytes.NewReader(data[:RecordSize]), binary.LittleEndian, &rec); err != nil {
		return rec, fmt.Errorf("failed to parse record: %w", err)
	}
	return rec, nil
}

// Context converts the record header into a hook context. The returned stack
// aliases the record.
func (r *RawRecord) Context() hook.Context {
	pid, tid := hook.SplitPIDTGID(r.PIDTGID)
	n := int(r.NFrames)
	if n > len(r.Frames) {
		n = len(r.Frames)
	}
	return hook.Context{
		Timestamp: r.Timestamp,
		PID:       pid,
		TID:       tid,
		CPU:       r.CPU,
		Comm:      hook.Comm(r.Comm),
		Stack:     r.Frames[:n],
	}
}
