// Package flowsummary condenses the flow table into per-port activity: which
// peers exchanged enough traffic with a local port within a time window.
package flowsummary

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/procfs"

	"github.com/rxtx-hosting/kernlens/pkg/docker"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
)

// PortResolver names the container behind a local port.
type PortResolver interface {
	ByPort(port int) (docker.ContainerMetadata, bool)
}

type Config struct {
	ActivityWindow time.Duration
	MinPackets     uint64
	MinBytes       uint64
}

type Summarizer struct {
	cfg      Config
	ports    PortResolver
	bootTime time.Time
	now      func() uint64
}

// NewSummarizer creates a summarizer. With a nil resolver every port is
// reported; otherwise only ports that resolve to a container are.
func NewSummarizer(cfg Config, ports PortResolver, procRoot string) (*Summarizer, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	stat, err := fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read boot time: %w", err)
	}
	return &Summarizer{
		cfg:      cfg,
		ports:    ports,
		bootTime: time.Unix(int64(stat.BootTime), 0),
		now:      hook.Monotonic,
	}, nil
}

type portAcc struct {
	peers       map[string]uint64
	lastSeen    uint64
	retransmits uint64
	rttTotal    uint64
	rttSamples  uint64
	container   string
}

// Summarize groups active flows by local port. A flow is active when it was
// seen within the activity window and carried at least the configured
// packets and bytes in both directions combined.
func (s *Summarizer) Summarize(flows map[hook.FlowKey]network.FlowSnapshot) []PortSummary {
	now := s.now()
	var cutoff uint64
	if window := uint64(s.cfg.ActivityWindow.Nanoseconds()); now > window {
		cutoff = now - window
	}

	ports := make(map[int]*portAcc)
	var timeFiltered, thresholdFiltered, portFiltered, passed int

	for key, f := range flows {
		if f.LastSeen < cutoff {
			timeFiltered++
			continue
		}
		if f.PacketsTx+f.PacketsRx < s.cfg.MinPackets || f.BytesTx+f.BytesRx < s.cfg.MinBytes {
			thresholdFiltered++
			continue
		}

		port := int(key.SrcPort)
		acc, ok := ports[port]
		if !ok {
			var name string
			if s.ports != nil {
				c, found := s.ports.ByPort(port)
				if !found {
					portFiltered++
					continue
				}
				name = c.Name
			}
			acc = &portAcc{peers: make(map[string]uint64), container: name}
			ports[port] = acc
		}

		acc.peers[key.Dst().String()] += f.BytesTx + f.BytesRx
		acc.retransmits += f.Retransmits
		acc.rttTotal += f.RTTTotal
		acc.rttSamples += f.RTTSamples
		if f.LastSeen > acc.lastSeen {
			acc.lastSeen = f.LastSeen
		}
		passed++
	}

	slog.Debug("Flow filtering complete", "total", len(flows), "timeFiltered", timeFiltered, "thresholdFiltered", thresholdFiltered, "portFiltered", portFiltered, "passed", passed)

	ts := time.Now()
	out := make([]PortSummary, 0, len(ports))
	for port, acc := range ports {
		peers := make([]string, 0, len(acc.peers))
		var total uint64
		for ip, b := range acc.peers {
			peers = append(peers, ip)
			total += b
		}
		sort.Strings(peers)

		var avg uint64
		if acc.rttSamples > 0 {
			avg = acc.rttTotal / acc.rttSamples
		}
		out = append(out, PortSummary{
			Port:        port,
			Container:   acc.container,
			ActivePeers: len(peers),
			Peers:       peers,
			TotalBytes:  total,
			Retransmits: acc.retransmits,
			AvgRTT:      avg,
			Window:      s.cfg.ActivityWindow,
			LastActive:  s.bootTime.Add(time.Duration(acc.lastSeen)),
			Timestamp:   ts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
