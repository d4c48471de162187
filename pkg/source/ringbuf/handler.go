package ringbuf

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/probe/cpu"
	"github.com/rxtx-hosting/kernlens/pkg/probe/memory"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
)

// ErrUnknownHook is returned for records whose hook id is not known.
var ErrUnknownHook = errors.New("unknown hook")

// Handler routes decoded records to the dispatchers. A nil dispatcher
// disables its domain: records for it are counted and discarded.
type Handler struct {
	Memory  *memory.Dispatcher
	Network *network.Dispatcher
	CPU     *cpu.Dispatcher

	// Objects receives the socket and task fields carried inside records so
	// the dispatchers can read them back through their accessor. Entries are
	// removed once the record has been dispatched.
	Objects *kread.Table

	handled  [numHooks]atomic.Uint64
	disabled atomic.Uint64
}

// HandleSample decodes and dispatches one ring buffer sample.
func (h *Handler) HandleSample(data []byte) error {
	rec, err := Decode(data)
	if err != nil {
		return err
	}
	return h.Handle(&rec)
}

// Handle dispatches one record.
func (h *Handler) Handle(rec *RawRecord) error {
	if rec.Hook == 0 || rec.Hook >= numHooks {
		return fmt.Errorf("%w: %d", ErrUnknownHook, uint32(rec.Hook))
	}
	ctx := rec.Context()
	var ok bool
	switch {
	case rec.Hook <= HookMemoryPressure:
		ok = h.memory(&ctx, rec)
	case rec.Hook <= HookTCPProbe:
		ok = h.network(&ctx, rec)
	default:
		ok = h.cpu(&ctx, rec)
	}
	if ok {
		h.handled[rec.Hook].Add(1)
	} else {
		h.disabled.Add(1)
	}
	return nil
}

func (h *Handler) memory(ctx *hook.Context, rec *RawRecord) bool {
	d := h.Memory
	if d == nil {
		return false
	}
	a := rec.Args
	switch rec.Hook {
	case HookMallocEnter:
		d.MallocEnter(ctx, a[0])
	case HookMallocReturn:
		d.MallocReturn(ctx, a[0])
	case HookCallocEnter:
		d.CallocEnter(ctx, a[0], a[1])
	case HookCallocReturn:
		d.CallocReturn(ctx, a[0])
	case HookReallocEnter:
		d.ReallocEnter(ctx, a[0], a[1])
	case HookReallocReturn:
		d.ReallocReturn(ctx, a[0])
	case HookFree:
		d.Free(ctx, a[0])
	case HookMmapEnter:
		d.MmapEnter(ctx, a[0])
	case HookMmapExit:
		d.MmapExit(ctx, a[0])
	case HookMunmap:
		d.Munmap(ctx, a[0], a[1])
	case HookBrk:
		d.Brk(ctx, a[0])
	case HookPageFault:
		d.PageFault(ctx, a[0], uint32(a[1]))
	case HookPageAlloc:
		d.PageAlloc(ctx, uint32(a[0]))
	case HookPageFree:
		d.PageFree(ctx, uint32(a[0]))
	case HookOOMVictim:
		d.OOMVictim(ctx, uint32(a[0]))
	case HookMemoryPressure:
		d.MemoryPressure()
	}
	return true
}

// socket publishes the tuple carried in Args[0:3] and returns its reference
// and address family.
func (h *Handler) socket(rec *RawRecord) (kread.Ref, uint16) {
	ref := kread.SocketRef(rec.Args[0])
	addrs, ports := rec.Args[1], rec.Args[2]
	family := uint16(ports >> 32)
	if h.Objects != nil {
		h.Objects.Set(ref, kread.FieldSockSaddr, addrs&0xffffffff)
		h.Objects.Set(ref, kread.FieldSockDaddr, addrs>>32)
		h.Objects.Set(ref, kread.FieldSockSport, ports&0xffff)
		h.Objects.Set(ref, kread.FieldSockDport, (ports>>16)&0xffff)
		h.Objects.Set(ref, kread.FieldSockFamily, uint64(family))
	}
	return ref, family
}

func (h *Handler) network(ctx *hook.Context, rec *RawRecord) bool {
	d := h.Network
	if d == nil {
		return false
	}
	sock, family := h.socket(rec)
	if h.Objects != nil {
		defer h.Objects.Forget(sock)
	}
	a := rec.Args
	switch rec.Hook {
	case HookSockState:
		d.StateChange(ctx, sock, family, uint32(a[3]), uint32(a[4]))
	case HookTCPSend:
		d.Send(ctx, sock, a[3])
	case HookTCPRecv:
		d.Receive(ctx, sock, int64(a[3]))
	case HookTCPRetransmit:
		d.Retransmit(ctx, sock)
	case HookTCPProbe:
		// Sequence numbers wrap, so the difference is taken in 32 bits.
		inFlight := uint32(a[3]) - uint32(a[4])
		d.Probe(ctx, sock, inFlight, uint32(a[5]))
	}
	return true
}

// task publishes the scheduler fields carried in Args[0:5].
func (h *Handler) task(rec *RawRecord) kread.Ref {
	ref := kread.TaskRef(uint32(rec.Args[0]))
	if h.Objects != nil {
		h.Objects.Set(ref, kread.FieldTaskPID, rec.Args[0])
		h.Objects.Set(ref, kread.FieldTaskTGID, rec.Args[1])
		h.Objects.Set(ref, kread.FieldTaskPrio, rec.Args[2])
		h.Objects.Set(ref, kread.FieldTaskVRuntime, rec.Args[3])
		h.Objects.Set(ref, kread.FieldTaskWeight, rec.Args[4])
	}
	return ref
}

func (h *Handler) cpu(ctx *hook.Context, rec *RawRecord) bool {
	d := h.CPU
	if d == nil {
		return false
	}
	a := rec.Args
	switch rec.Hook {
	case HookSchedSwitch:
		d.Switch(ctx, uint32(a[0]), uint32(a[1]), uint32(a[2]))
	case HookSchedWakeup:
		task := h.task(rec)
		d.Wakeup(ctx, task, uint32(a[5]))
		h.forget(task)
	case HookFinishTaskSwitch:
		prev := h.task(rec)
		d.FinishTaskSwitch(ctx, prev)
		h.forget(prev)
	case HookCPUFrequency:
		d.Frequency(uint32(a[0]), uint32(a[1]))
	case HookCPUIdle:
		d.Idle(rec.CPU, uint32(a[0]))
	case HookIRQ:
		d.IRQ(rec.CPU)
	case HookSoftIRQ:
		d.SoftIRQ(rec.CPU)
	}
	return true
}

func (h *Handler) forget(ref kread.Ref) {
	if h.Objects != nil {
		h.Objects.Forget(ref)
	}
}

// Handled returns how many records of hook were dispatched.
func (h *Handler) Handled(id HookID) uint64 {
	if id >= numHooks {
		return 0
	}
	return h.handled[id].Load()
}

// Disabled returns how many records arrived for a disabled domain.
func (h *Handler) Disabled() uint64 { return h.disabled.Load() }
