package hook

import (
	"bytes"
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// CommLen is the bounded length of a task command name.
const CommLen = 16

// Comm is a fixed-size, NUL padded command name snapshot.
type Comm [CommLen]byte

// NewComm truncates s to CommLen-1 bytes so the result stays NUL terminated.
func NewComm(s string) Comm {
	var c Comm
	copy(c[:CommLen-1], s)
	return c
}

func (c Comm) String() string {
	return string(bytes.TrimRight(c[:], "\x00"))
}

// Context is the decoded invocation context an attachment hands to a
// dispatcher. It carries stable identifiers only, never live kernel
// references.
type Context struct {
	Timestamp uint64
	PID       uint32
	TID       uint32
	CPU       uint32
	Comm      Comm
	// Stack holds raw return addresses supplied by the attachment, innermost
	// first. It may be nil.
	Stack []uint64
}

// Kernel reports whether the context has no user process behind it.
func (c *Context) Kernel() bool {
	return c.PID == 0
}

// SplitPIDTGID splits the packed value returned by bpf_get_current_pid_tgid.
func SplitPIDTGID(v uint64) (pid, tid uint32) {
	return uint32(v >> 32), uint32(v)
}

// Monotonic returns CLOCK_MONOTONIC in nanoseconds, the clock kernel
// timestamps are expressed in.
func Monotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// FlowKey identifies one TCP flow. It is directional: the local side of the
// socket is always the source.
type FlowKey struct {
	SrcAddr  uint32
	DstAddr  uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// IPProtoTCP is the only protocol the network probes key flows by.
const IPProtoTCP = 6

// Bytes returns a fixed 13 byte encoding of the key, suitable for hashing.
func (k FlowKey) Bytes() [13]byte {
	var b [13]byte
	binary.LittleEndian.PutUint32(b[0:], k.SrcAddr)
	binary.LittleEndian.PutUint32(b[4:], k.DstAddr)
	binary.LittleEndian.PutUint16(b[8:], k.SrcPort)
	binary.LittleEndian.PutUint16(b[10:], k.DstPort)
	b[12] = k.Protocol
	return b
}

// Src returns the source address; addresses are kept in the kernel's
// in-memory (network) byte order.
func (k FlowKey) Src() net.IP { return addrToIP(k.SrcAddr) }

// Dst returns the destination address.
func (k FlowKey) Dst() net.IP { return addrToIP(k.DstAddr) }

func addrToIP(a uint32) net.IP {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a)
	return net.IP(buf)
}

// IPToAddr is the inverse of FlowKey.Src for IPv4 addresses. Non IPv4 input
// yields zero.
func IPToAddr(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(v4)
}

// Ntohs converts a 16 bit value read in network byte order.
func Ntohs(v uint16) uint16 {
	return v<<8 | v>>8
}
