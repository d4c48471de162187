package network

import (
	"sync/atomic"
)

// TCP states as numbered by the kernel.
const (
	TCPEstablished = 1
	TCPSynSent     = 2
	TCPSynRecv     = 3
	TCPFinWait1    = 4
	TCPFinWait2    = 5
	TCPTimeWait    = 6
	TCPClose       = 7
	TCPCloseWait   = 8
	TCPLastAck     = 9
	TCPListen      = 10
	TCPClosing     = 11
	TCPNewSynRecv  = 12
)

var stateNames = map[uint32]string{
	TCPEstablished: "ESTABLISHED",
	TCPSynSent:     "SYN_SENT",
	TCPSynRecv:     "SYN_RECV",
	TCPFinWait1:    "FIN_WAIT1",
	TCPFinWait2:    "FIN_WAIT2",
	TCPTimeWait:    "TIME_WAIT",
	TCPClose:       "CLOSE",
	TCPCloseWait:   "CLOSE_WAIT",
	TCPLastAck:     "LAST_ACK",
	TCPListen:      "LISTEN",
	TCPClosing:     "CLOSING",
	TCPNewSynRecv:  "NEW_SYN_RECV",
}

// StateName renders a TCP state.
func StateName(s uint32) string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// FlowStats is the live record of one directional flow. Send and receive
// share the record but touch disjoint counters.
type FlowStats struct {
	BytesTx     atomic.Uint64
	BytesRx     atomic.Uint64
	PacketsTx   atomic.Uint64
	PacketsRx   atomic.Uint64
	FirstSeen   atomic.Uint64
	LastSeen    atomic.Uint64
	RTTSamples  atomic.Uint64
	RTTTotal    atomic.Uint64
	Retransmits atomic.Uint64
	State       atomic.Uint32
}

// FlowSnapshot is a plain copy of FlowStats.
type FlowSnapshot struct {
	BytesTx     uint64 `json:"bytes_tx"`
	BytesRx     uint64 `json:"bytes_rx"`
	PacketsTx   uint64 `json:"packets_tx"`
	PacketsRx   uint64 `json:"packets_rx"`
	FirstSeen   uint64 `json:"first_seen"`
	LastSeen    uint64 `json:"last_seen"`
	RTTSamples  uint64 `json:"rtt_samples"`
	RTTTotal    uint64 `json:"rtt_total"`
	Retransmits uint64 `json:"retransmits"`
	State       uint32 `json:"state"`
}

// Snapshot copies the counters.
func (f *FlowStats) Snapshot() FlowSnapshot {
	return FlowSnapshot{
		BytesTx:     f.BytesTx.Load(),
		BytesRx:     f.BytesRx.Load(),
		PacketsTx:   f.PacketsTx.Load(),
		PacketsRx:   f.PacketsRx.Load(),
		FirstSeen:   f.FirstSeen.Load(),
		LastSeen:    f.LastSeen.Load(),
		RTTSamples:  f.RTTSamples.Load(),
		RTTTotal:    f.RTTTotal.Load(),
		Retransmits: f.Retransmits.Load(),
		State:       f.State.Load(),
	}
}

// AvgRTT returns the mean of the RTT samples, or 0 without samples.
func (s FlowSnapshot) AvgRTT() uint64 {
	if s.RTTSamples == 0 {
		return 0
	}
	return s.RTTTotal / s.RTTSamples
}
