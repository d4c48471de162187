package ringbuf

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	bpfringbuf "github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/probe/cpu"
	"github.com/rxtx-hosting/kernlens/pkg/probe/memory"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

func encode(t *testing.T, rec RawRecord) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &rec))
	return buf.Bytes()
}

func record(id HookID, pid, tid uint32, args ...uint64) RawRecord {
	rec := RawRecord{Hook: id, PIDTGID: uint64(pid)<<32 | uint64(tid), Timestamp: 1000, Comm: hook.NewComm("svc")}
	copy(rec.Args[:], args)
	return rec
}

type harness struct {
	handler *Handler
	emitter *events.Emitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tun := tunables.Defaults()
	em := events.NewEmitter(64)
	objects := kread.NewTable(kread.GenericLayout)

	mem, err := memory.NewDispatcher(memory.DefaultConfig(), em, nil, objects, &tun)
	require.NoError(t, err)
	return &harness{
		handler: &Handler{
			Memory:  mem,
			Network: network.NewDispatcher(network.DefaultConfig(), em, objects, &tun),
			CPU:     cpu.NewDispatcher(cpu.Config{ProcessCapacity: 16, CPUs: 4}, em, objects, &tun),
			Objects: objects,
		},
		emitter: em,
	}
}

func (h *harness) events() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.emitter.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRecordSize(t *testing.T) {
	assert.Equal(t, RecordSize, binary.Size(RawRecord{}))
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := Decode(make([]byte, RecordSize-1))
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestContext(t *testing.T) {
	rec := record(HookFree, 10, 11)
	rec.CPU = 3
	rec.NFrames = 2
	rec.Frames[0], rec.Frames[1] = 0xffff0001, 0xffff0002

	got, err := Decode(append(encode(t, rec), 0xAA))
	require.NoError(t, err)
	ctx := got.Context()
	assert.Equal(t, uint32(10), ctx.PID)
	assert.Equal(t, uint32(11), ctx.TID)
	assert.Equal(t, uint32(3), ctx.CPU)
	assert.Equal(t, "svc", ctx.Comm.String())
	assert.Equal(t, []uint64{0xffff0001, 0xffff0002}, ctx.Stack)

	got.NFrames = 1000
	assert.Len(t, got.Context().Stack, len(got.Frames))
}

func TestMemoryRecords(t *testing.T) {
	h := newHarness(t)
	for _, rec := range []RawRecord{
		record(HookMallocEnter, 10, 11, 128),
		record(HookMallocReturn, 10, 11, 0x1000),
		record(HookFree, 10, 11, 0x1000),
	} {
		require.NoError(t, h.handler.HandleSample(encode(t, rec)))
	}

	snap, ok := h.handler.Memory.Process(10)
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.AllocationCount)
	assert.Equal(t, uint64(1), snap.FreeCount)
	assert.Equal(t, uint64(128), snap.TotalFreed)
	assert.Zero(t, snap.CurrentUsage)
	assert.Equal(t, uint64(1), h.handler.Handled(HookFree))
}

func TestSocketRecords(t *testing.T) {
	h := newHarness(t)
	saddr := uint64(hook.IPToAddr(net.ParseIP("10.0.0.1")))
	daddr := uint64(hook.IPToAddr(net.ParseIP("10.0.0.2")))
	addrs := saddr | daddr<<32
	ports := uint64(hook.Ntohs(40000)) | uint64(hook.Ntohs(443))<<16 | kread.AFInet<<32

	require.NoError(t, h.handler.Handle(ptr(record(HookSockState, 10, 10, 77, addrs, ports, network.TCPSynSent, network.TCPEstablished))))
	require.NoError(t, h.handler.Handle(ptr(record(HookTCPSend, 10, 10, 77, addrs, ports, 1500))))
	require.NoError(t, h.handler.Handle(ptr(record(HookTCPProbe, 10, 10, 77, addrs, ports, 5, 0xfffffffe, 250))))

	flows := h.handler.Network.Flows()
	require.Len(t, flows, 1)
	for key, snap := range flows {
		assert.Equal(t, "10.0.0.1", key.Src().String())
		assert.Equal(t, uint16(40000), key.SrcPort)
		assert.Equal(t, uint16(443), key.DstPort)
		assert.Equal(t, uint64(1500), snap.BytesTx)
		assert.Equal(t, uint32(network.TCPEstablished), snap.State)
		assert.Equal(t, uint64(250), snap.RTTTotal)
	}
	assert.Zero(t, h.handler.Objects.Len(), "socket fields are dropped after dispatch")

	evs := h.events()
	require.Len(t, evs, 3)
	assert.Equal(t, uint32(7), evs[2].Payload.(events.Network).Bytes, "bytes in flight across sequence wrap")
}

func TestTaskRecords(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.handler.Handle(ptr(record(HookSchedWakeup, 1, 1, 42, 40, 120, 5000, 1024, 2))))

	evs := h.events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.CPUSample{CPU: 2, VRuntime: 5000, Weight: 1024, Prio: 120}, evs[0].Payload)
	assert.Zero(t, h.handler.Objects.Len())

	rec := record(HookSchedSwitch, 0, 0, 42, kread.TaskRunning, 43)
	rec.CPU = 1
	require.NoError(t, h.handler.Handle(&rec))
	p, ok := h.handler.CPU.Process(42)
	require.True(t, ok)
	assert.Equal(t, uint64(1), p.InvoluntarySwitches)

	irq := record(HookIRQ, 0, 0)
	irq.CPU = 1
	require.NoError(t, h.handler.Handle(&irq))
	c, _ := h.handler.CPU.CPU(1)
	assert.Equal(t, uint64(1), c.IRQs)
	assert.Equal(t, uint64(1), c.ContextSwitches)
}

func TestUnknownAndDisabled(t *testing.T) {
	h := &Handler{}
	assert.ErrorIs(t, h.Handle(ptr(record(0, 1, 1))), ErrUnknownHook)
	assert.ErrorIs(t, h.Handle(ptr(record(numHooks, 1, 1))), ErrUnknownHook)

	require.NoError(t, h.Handle(ptr(record(HookTCPSend, 1, 1))))
	assert.Equal(t, uint64(1), h.Disabled())
	assert.Zero(t, h.Handled(HookTCPSend))
	assert.Equal(t, "tp/sched/sched_switch", HookSchedSwitch.String())
	assert.Equal(t, "hook(99)", HookID(99).String())
}

func ptr(r RawRecord) *RawRecord { return &r }

type fakeReader struct {
	samples chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeReader() *fakeReader {
	return &fakeReader{samples: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeReader) Read() (bpfringbuf.Record, error) {
	select {
	case s := <-f.samples:
		return bpfringbuf.Record{RawSample: s}, nil
	case <-f.closed:
		return bpfringbuf.Record{}, bpfringbuf.ErrClosed
	}
}

func (f *fakeReader) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestSourceRun(t *testing.T) {
	h := newHarness(t)
	r := newFakeReader()
	r.samples <- encode(t, record(HookMallocEnter, 5, 5, 64))
	r.samples <- []byte{1, 2, 3}
	r.samples <- encode(t, record(HookMallocReturn, 5, 5, 0x2000))

	src := newSource(r, h.handler)
	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background()) }()

	require.Eventually(t, func() bool { return src.Records() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, src.Close())
	require.NoError(t, <-done)

	assert.Equal(t, uint64(1), src.Malformed())
	snap, ok := h.handler.Memory.Process(5)
	require.True(t, ok)
	assert.Equal(t, uint64(64), snap.CurrentUsage)
}

func TestSourceStopsOnCancel(t *testing.T) {
	src := newSource(newFakeReader(), &Handler{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, src.Close())
}
