package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 10240, cfg.FlowCapacity)
	assert.Equal(t, time.Second, cfg.SampleInterval)
	assert.Equal(t, "/proc", cfg.ProcRoot)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.NetDiag)
	assert.Empty(t, cfg.RingBufferPin)
	assert.Equal(t, uint64(1<<20), cfg.LargeAllocation)
	assert.Equal(t, 5*time.Minute, cfg.LeakMinAge)
	assert.Equal(t, 256, cfg.RecentEvents)
}

func TestDiscoveryIntervalIgnoredWithoutDocker(t *testing.T) {
	cfg, err := Load(writeConfig(t, "docker_enabled: false\ndiscovery_interval: 0s\n"))
	require.NoError(t, err)
	assert.False(t, cfg.DockerEnabled)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
flow_capacity: 64
sample_interval: 100ms
ring_buffer_pin: /sys/fs/bpf/kernlens/events
netdiag: false
api_key: token
docker_labels:
  app: web
tunables:
  target_pid: 42
  min_alloc_size: 128
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.FlowCapacity)
	assert.Equal(t, 40960, cfg.MemoryAllocationCapacity, "unset fields keep their default")
	assert.Equal(t, 100*time.Millisecond, cfg.SampleInterval)
	assert.Equal(t, "/sys/fs/bpf/kernlens/events", cfg.RingBufferPin)
	assert.False(t, cfg.NetDiag)
	assert.Equal(t, "token", cfg.APIKey)
	assert.Equal(t, map[string]string{"app": "web"}, cfg.DockerLabels)

	tun, err := cfg.TunablesTable()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), tun.Get(tunables.TargetPID))
	assert.Equal(t, uint32(128), tun.Get(tunables.MinAllocSize))
	assert.Equal(t, uint32(10), tun.Get(tunables.SampleRateHz))
	assert.Equal(t, uint32(1), tun.Get(tunables.CaptureStacks))
}

func TestExplicitSampleRateWins(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sample_interval: 10ms\ntunables:\n  sample_rate_hz: 5\n"))
	require.NoError(t, err)

	tun, err := cfg.TunablesTable()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), tun.Get(tunables.SampleRateHz))
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown tunable", "tunables:\n  bogus: 1\n"},
		{"zero sample interval", "sample_interval: 0s\n"},
		{"zero netdiag interval", "netdiag_interval: 0s\n"},
		{"empty channel", "event_channel_size: 0\n"},
		{"zero metrics interval", "metrics_interval: 0s\n"},
		{"negative metrics interval", "metrics_interval: -1s\n"},
		{"zero discovery interval", "discovery_interval: 0s\n"},
		{"negative leak age", "leak_min_age: -1m\n"},
		{"negative recent events", "recent_events: -1\n"},
		{"malformed yaml", "flow_capacity: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
