package flowsummary

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/kernlens/pkg/docker"
	"github.com/rxtx-hosting/kernlens/pkg/hook"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
)

const bootTime = 1700000000

func fakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	stat := "cpu  100 0 50 1000 10 0 5 0 0 0\nbtime 1700000000\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte(stat), 0o644))
	return root
}

type ports map[int]string

func (p ports) ByPort(port int) (docker.ContainerMetadata, bool) {
	name, ok := p[port]
	return docker.ContainerMetadata{Name: name}, ok
}

func flow(local uint16, peer string) hook.FlowKey {
	return hook.FlowKey{
		SrcAddr:  hook.IPToAddr(net.ParseIP("10.0.0.1")),
		DstAddr:  hook.IPToAddr(net.ParseIP(peer)),
		SrcPort:  local,
		DstPort:  50000,
		Protocol: hook.IPProtoTCP,
	}
}

func newSummarizer(t *testing.T, resolver PortResolver) *Summarizer {
	t.Helper()
	s, err := NewSummarizer(Config{ActivityWindow: 10 * time.Second, MinPackets: 2, MinBytes: 100}, resolver, fakeProc(t))
	require.NoError(t, err)
	s.now = func() uint64 { return uint64(100 * time.Second) }
	return s
}

func TestSummarize(t *testing.T) {
	s := newSummarizer(t, nil)
	recent := uint64(95 * time.Second)
	flows := map[hook.FlowKey]network.FlowSnapshot{
		flow(8080, "192.168.0.2"): {PacketsTx: 1, PacketsRx: 1, BytesTx: 60, BytesRx: 60, LastSeen: recent, RTTTotal: 300, RTTSamples: 2},
		flow(8080, "192.168.0.3"): {PacketsTx: 5, BytesTx: 1000, LastSeen: recent + 1, Retransmits: 2, RTTTotal: 100, RTTSamples: 1},
		flow(8080, "192.168.0.4"): {PacketsTx: 5, BytesTx: 1000, LastSeen: uint64(80 * time.Second)},
		flow(8080, "192.168.0.5"): {PacketsTx: 1, BytesTx: 1000, LastSeen: recent},
		flow(22, "192.168.0.9"):   {PacketsRx: 3, BytesRx: 200, LastSeen: recent},
	}

	got := s.Summarize(flows)
	require.Len(t, got, 2)

	assert.Equal(t, 22, got[0].Port)
	assert.Equal(t, []string{"192.168.0.9"}, got[0].Peers)

	web := got[1]
	assert.Equal(t, 8080, web.Port)
	assert.Equal(t, 2, web.ActivePeers)
	assert.Equal(t, []string{"192.168.0.2", "192.168.0.3"}, web.Peers)
	assert.Equal(t, uint64(1120), web.TotalBytes)
	assert.Equal(t, uint64(2), web.Retransmits)
	assert.Equal(t, uint64(133), web.AvgRTT)
	assert.Equal(t, 10*time.Second, web.Window)
	assert.Equal(t, time.Unix(bootTime, 0).Add(time.Duration(recent+1)), web.LastActive)
}

func TestSummarizeWithResolver(t *testing.T) {
	s := newSummarizer(t, ports{8080: "web"})
	recent := uint64(99 * time.Second)
	flows := map[hook.FlowKey]network.FlowSnapshot{
		flow(8080, "192.168.0.2"): {PacketsTx: 2, BytesTx: 500, LastSeen: recent},
		flow(22, "192.168.0.9"):   {PacketsRx: 3, BytesRx: 200, LastSeen: recent},
	}

	got := s.Summarize(flows)
	require.Len(t, got, 1)
	assert.Equal(t, "web", got[0].Container)
	assert.Equal(t, 8080, got[0].Port)
}

func TestSummarizeEmpty(t *testing.T) {
	s := newSummarizer(t, nil)
	assert.Empty(t, s.Summarize(nil))
}

func TestNewSummarizerMissingStat(t *testing.T) {
	_, err := NewSummarizer(Config{}, nil, t.TempDir())
	assert.Error(t, err)
}
