package flowsummary

import "time"

// PortSummary aggregates the recently active flows of one local port.
type PortSummary struct {
	Port        int           `json:"port"`
	Container   string        `json:"container,omitempty"`
	ActivePeers int           `json:"active_peers"`
	Peers       []string      `json:"peers"`
	TotalBytes  uint64        `json:"total_bytes"`
	Retransmits uint64        `json:"retransmits"`
	AvgRTT      uint64        `json:"avg_rtt_us"`
	Window      time.Duration `json:"window"`
	LastActive  time.Time     `json:"last_active"`
	Timestamp   time.Time     `json:"timestamp"`
}
