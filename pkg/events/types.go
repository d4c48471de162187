// Package events defines the discrete event records published by the probes
// and the bounded, non-blocking emitter that carries them to a consumer.
package events

import (
	"github.com/rxtx-hosting/kernlens/pkg/hook"
)

// Kind discriminates event payloads.
type Kind uint8

const (
	KindUnknown Kind = iota

	KindMalloc
	KindCalloc
	KindRealloc
	KindFree
	KindMmap
	KindMunmap
	KindBrk
	KindPage
	KindOOM

	KindConnect
	KindAccept
	KindSend
	KindReceive
	KindClose
	KindRetransmit
	KindRTT

	KindCPUSample

	numKinds
)

var kindNames = [...]string{
	KindUnknown:    "unknown",
	KindMalloc:     "malloc",
	KindCalloc:     "calloc",
	KindRealloc:    "realloc",
	KindFree:       "free",
	KindMmap:       "mmap",
	KindMunmap:     "munmap",
	KindBrk:        "brk",
	KindPage:       "page",
	KindOOM:        "oom",
	KindConnect:    "connect",
	KindAccept:     "accept",
	KindSend:       "send",
	KindReceive:    "receive",
	KindClose:      "close",
	KindRetransmit: "retransmit",
	KindRTT:        "rtt",
	KindCPUSample:  "cpu_sample",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Domain is the probe family a kind belongs to.
func (k Kind) Domain() string {
	switch {
	case k >= KindMalloc && k <= KindOOM:
		return "memory"
	case k >= KindConnect && k <= KindRTT:
		return "network"
	case k == KindCPUSample:
		return "cpu"
	}
	return "unknown"
}

// Header is common to every event.
type Header struct {
	Timestamp uint64
	PID       uint32
	TID       uint32
	Comm      hook.Comm
	StackID   int32
}

// HeaderFrom fills a header from an invocation context.
func HeaderFrom(ctx *hook.Context, stackID int32) Header {
	return Header{
		Timestamp: ctx.Timestamp,
		PID:       ctx.PID,
		TID:       ctx.TID,
		Comm:      ctx.Comm,
		StackID:   stackID,
	}
}

// Payload is implemented by the per-domain payload types only.
type Payload interface {
	Kind() Kind
	payload()
}

// Event is one record on the channel.
type Event struct {
	Header
	Payload Payload
}

// Kind returns the payload discriminant.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Memory is the payload of allocator, mapping, page and OOM events. Addr and
// Size are zero where the kind does not carry them (OOM carries neither).
type Memory struct {
	Op      Kind
	Addr    uint64
	Size    uint64
	OldAddr uint64
	Flags   uint32
}

func (m Memory) Kind() Kind { return m.Op }
func (Memory) payload()     {}

// Network is the payload of TCP lifecycle and data path events.
type Network struct {
	Op    Kind
	Flow  hook.FlowKey
	Bytes uint32
	RTT   uint32
}

func (n Network) Kind() Kind { return n.Op }
func (Network) payload()     {}

// CPUSample carries scheduler entity fields; fields that could not be read
// are left zero.
type CPUSample struct {
	CPU      uint32
	Runtime  uint64
	VRuntime uint64
	Weight   uint32
	Prio     uint32
}

func (CPUSample) Kind() Kind { return KindCPUSample }
func (CPUSample) payload()   {}
