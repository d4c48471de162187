// Package network implements the TCP hook dispatcher: connection lifecycle
// from socket state transitions plus per-flow throughput, retransmission and
// RTT accounting.
package network

import (
	"math"

	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/kread"
	"github.com/rxtx-hosting/kernlens/pkg/stack"
	"github.com/rxtx-hosting/kernlens/pkg/table"
	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

// Config sizes the flow table.
type Config struct {
	FlowCapacity int
	Shards       int
}

// DefaultConfig mirrors the kernel flow map size.
func DefaultConfig() Config {
	return Config{FlowCapacity: 10240, Shards: table.DefaultShards}
}

// Dispatcher handles TCP hooks. Sockets arrive as references and are
// reduced to a FlowKey through the accessor before anything else happens.
type Dispatcher struct {
	flows    *table.Table[hook.FlowKey, FlowStats]
	emitter  *events.Emitter
	reader   kread.Accessor
	tunables *tunables.Table
}

// NewDispatcher creates a network dispatcher.
func NewDispatcher(cfg Config, emitter *events.Emitter, reader kread.Accessor, tun *tunables.Table) *Dispatcher {
	return &Dispatcher{
		flows:    table.New[hook.FlowKey, FlowStats](cfg.FlowCapacity, cfg.Shards, hashFlowKey),
		emitter:  emitter,
		reader:   kread.NewSafe(reader),
		tunables: tun,
	}
}

func hashFlowKey(k hook.FlowKey) uint64 {
	b := k.Bytes()
	return table.HashBytes(b[:])
}

// Network hooks often run in softirq context, so kernel context is not
// rejected here; only the target filter applies.
func (d *Dispatcher) accept(ctx *hook.Context) bool {
	target := d.tunables.Get(tunables.TargetPID)
	return target == 0 || target == ctx.PID
}

func (d *Dispatcher) flowKey(sock kread.Ref) (hook.FlowKey, bool) {
	return kread.ReadFlowKey(d.reader, sock)
}

func (d *Dispatcher) record(key hook.FlowKey, ts uint64) (*FlowStats, bool) {
	rec, ok := d.flows.GetOrCreate(key, func(f *FlowStats) {
		f.FirstSeen.Store(ts)
	})
	if !ok {
		return nil, false
	}
	table.Max(&rec.LastSeen, ts)
	return rec, true
}

func (d *Dispatcher) emit(ctx *hook.Context, p events.Network) {
	d.emitter.Emit(events.Event{Header: events.HeaderFrom(ctx, stack.None), Payload: p})
}

// StateChange handles inet_sock_set_state. Only IPv4 sockets are tracked.
func (d *Dispatcher) StateChange(ctx *hook.Context, sock kread.Ref, family uint16, oldState, newState uint32) {
	if !d.accept(ctx) || family != kread.AFInet {
		return
	}

	var op events.Kind
	switch {
	case newState == TCPEstablished && oldState == TCPSynSent:
		op = events.KindConnect
	case newState == TCPEstablished && oldState == TCPSynRecv:
		op = events.KindAccept
	case newState == TCPClose:
		op = events.KindClose
	default:
		return
	}

	key, ok := d.flowKey(sock)
	if !ok {
		return
	}

	if op == events.KindClose {
		if rec, ok := d.flows.Get(key); ok {
			rec.State.Store(newState)
			table.Max(&rec.LastSeen, ctx.Timestamp)
		}
	} else if rec, ok := d.record(key, ctx.Timestamp); ok {
		rec.State.Store(newState)
	}
	d.emit(ctx, events.Network{Op: op, Flow: key})
}

// Send accounts outbound data queued by tcp_sendmsg.
func (d *Dispatcher) Send(ctx *hook.Context, sock kread.Ref, size uint64) {
	if !d.accept(ctx) {
		return
	}
	key, ok := d.flowKey(sock)
	if !ok {
		return
	}
	if rec, ok := d.record(key, ctx.Timestamp); ok {
		rec.BytesTx.Add(size)
		rec.PacketsTx.Add(1)
	}
	d.emit(ctx, events.Network{Op: events.KindSend, Flow: key, Bytes: clamp32(size)})
}

// Receive accounts data copied to user space by tcp_cleanup_rbuf.
func (d *Dispatcher) Receive(ctx *hook.Context, sock kread.Ref, copied int64) {
	if !d.accept(ctx) || copied <= 0 {
		return
	}
	key, ok := d.flowKey(sock)
	if !ok {
		return
	}
	if rec, ok := d.record(key, ctx.Timestamp); ok {
		rec.BytesRx.Add(uint64(copied))
		rec.PacketsRx.Add(1)
	}
	d.emit(ctx, events.Network{Op: events.KindReceive, Flow: key, Bytes: clamp32(uint64(copied))})
}

// Retransmit counts a retransmitted segment. It never touches byte totals.
func (d *Dispatcher) Retransmit(ctx *hook.Context, sock kread.Ref) {
	if !d.accept(ctx) {
		return
	}
	key, ok := d.flowKey(sock)
	if !ok {
		return
	}
	if rec, ok := d.record(key, ctx.Timestamp); ok {
		rec.Retransmits.Add(1)
	}
	d.emit(ctx, events.Network{Op: events.KindRetransmit, Flow: key})
}

// Probe records a smoothed RTT sample (microseconds) together with the bytes
// in flight at that moment.
func (d *Dispatcher) Probe(ctx *hook.Context, sock kread.Ref, bytesInFlight, srtt uint32) {
	if !d.accept(ctx) {
		return
	}
	key, ok := d.flowKey(sock)
	if !ok {
		return
	}
	if rec, ok := d.record(key, ctx.Timestamp); ok {
		rec.RTTTotal.Add(uint64(srtt))
		rec.RTTSamples.Add(1)
	}
	d.emit(ctx, events.Network{Op: events.KindRTT, Flow: key, Bytes: bytesInFlight, RTT: srtt})
}

func clamp32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// Flow returns the record for key.
func (d *Dispatcher) Flow(key hook.FlowKey) (FlowSnapshot, bool) {
	rec, ok := d.flows.Get(key)
	if !ok {
		return FlowSnapshot{}, false
	}
	return rec.Snapshot(), true
}

// Flows returns every flow record.
func (d *Dispatcher) Flows() map[hook.FlowKey]FlowSnapshot {
	out := make(map[hook.FlowKey]FlowSnapshot, d.flows.Len())
	d.flows.Range(func(k hook.FlowKey, rec *FlowStats) bool {
		out[k] = rec.Snapshot()
		return true
	})
	return out
}

// Usage reports flow table occupancy.
func (d *Dispatcher) Usage() table.Usage {
	return d.flows.Usage()
}
