// Package kread is the single seam through which probes read kernel object
// fields. Every read either yields a value or reports failure; no caller ever
// touches an object that an Accessor has not validated.
package kread

import (
	"errors"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
)

// ErrUnsupported is returned by layout detection when the running kernel
// exposes no type information.
var ErrUnsupported = errors.New("kernel type information unavailable")

// ObjectKind names the kernel object family a Ref points into.
type ObjectKind uint8

const (
	ObjectTask ObjectKind = iota + 1
	ObjectSocket
)

// Ref is a stable handle to a kernel object, derived once at the attachment
// boundary. Tasks are referenced by thread id, sockets by inode or cookie.
type Ref struct {
	Kind ObjectKind
	ID   uint64
}

// TaskRef references the task with the given thread id.
func TaskRef(tid uint32) Ref { return Ref{Kind: ObjectTask, ID: uint64(tid)} }

// SocketRef references a socket.
func SocketRef(id uint64) Ref { return Ref{Kind: ObjectSocket, ID: id} }

// Field is a path into a kernel object.
type Field uint16

const (
	FieldTaskPID Field = iota + 1
	FieldTaskTGID
	FieldTaskPrio
	FieldTaskState
	FieldTaskVRuntime
	FieldTaskWeight
	FieldMMRSSPages
	FieldMMTotalVM

	// Socket addresses and ports are reported in network byte order, as the
	// kernel stores them.
	FieldSockFamily
	FieldSockSaddr
	FieldSockDaddr
	FieldSockSport
	FieldSockDport
)

var fieldNames = map[Field]string{
	FieldTaskPID:      "task.pid",
	FieldTaskTGID:     "task.tgid",
	FieldTaskPrio:     "task.prio",
	FieldTaskState:    "task.state",
	FieldTaskVRuntime: "task.se.vruntime",
	FieldTaskWeight:   "task.se.load.weight",
	FieldMMRSSPages:   "task.mm.rss_stat",
	FieldMMTotalVM:    "task.mm.total_vm",
	FieldSockFamily:   "sock.skc_family",
	FieldSockSaddr:    "inet.inet_saddr",
	FieldSockDaddr:    "inet.inet_daddr",
	FieldSockSport:    "inet.inet_sport",
	FieldSockDport:    "inet.inet_dport",
}

func (f Field) String() string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return "unknown"
}

// Task states as reported by FieldTaskState.
const (
	TaskRunning         = 0x0
	TaskInterruptible   = 0x1
	TaskUninterruptible = 0x2
	TaskStopped         = 0x4
	TaskTraced          = 0x8
	TaskDead            = 0x10
	TaskZombie          = 0x20
	TaskIdle            = 0x402
)

// Address families.
const (
	AFInet  = 2
	AFInet6 = 10
)

// Accessor reads fields of kernel objects.
type Accessor interface {
	// Layout reports which structure layout the accessor decodes.
	Layout() Layout
	// ReadU64 returns the field value, or false if the object or field
	// could not be read.
	ReadU64(ref Ref, field Field) (uint64, bool)
	// ReadComm returns the task command name.
	ReadComm(ref Ref) (hook.Comm, bool)
}

// ReadFlowKey derives the flow key of a socket. Any failed read fails the
// whole key.
func ReadFlowKey(a Accessor, sock Ref) (hook.FlowKey, bool) {
	var key hook.FlowKey
	saddr, ok := a.ReadU64(sock, FieldSockSaddr)
	if !ok {
		return key, false
	}
	daddr, ok := a.ReadU64(sock, FieldSockDaddr)
	if !ok {
		return key, false
	}
	sport, ok := a.ReadU64(sock, FieldSockSport)
	if !ok {
		return key, false
	}
	dport, ok := a.ReadU64(sock, FieldSockDport)
	if !ok {
		return key, false
	}
	key.SrcAddr = uint32(saddr)
	key.DstAddr = uint32(daddr)
	key.SrcPort = hook.Ntohs(uint16(sport))
	key.DstPort = hook.Ntohs(uint16(dport))
	key.Protocol = hook.IPProtoTCP
	return key, true
}
