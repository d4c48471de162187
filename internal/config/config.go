package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rxtx-hosting/kernlens/pkg/tunables"
)

type Config struct {
	MemoryProcessCapacity    int    `yaml:"memory_process_capacity"`
	MemoryAllocationCapacity int    `yaml:"memory_allocation_capacity"`
	MemoryStashCapacity      uint32 `yaml:"memory_stash_capacity"`
	FlowCapacity             int    `yaml:"flow_capacity"`
	CPUProcessCapacity       int    `yaml:"cpu_process_capacity"`
	CPUs                     int    `yaml:"cpus"`
	Shards                   int    `yaml:"shards"`
	EventChannelSize         int    `yaml:"event_channel_size"`
	StackCapacity            int    `yaml:"stack_capacity"`
	StackDepth               int    `yaml:"stack_depth"`

	SampleInterval  time.Duration `yaml:"sample_interval"`
	ProcRoot        string        `yaml:"proc_root"`
	RingBufferPin   string        `yaml:"ring_buffer_pin"`
	NetDiag         bool          `yaml:"netdiag"`
	NetDiagInterval time.Duration `yaml:"netdiag_interval"`

	// LargeAllocation is the size above which a drained allocation is logged.
	LargeAllocation uint64        `yaml:"large_allocation_bytes"`
	LeakMinAge      time.Duration `yaml:"leak_min_age"`
	RecentEvents    int           `yaml:"recent_events"`

	DiscoveryInterval time.Duration     `yaml:"discovery_interval"`
	MetricsInterval   time.Duration     `yaml:"metrics_interval"`
	ActivityWindow    time.Duration     `yaml:"activity_window"`
	MinPackets        uint64            `yaml:"min_packets_threshold"`
	MinBytes          uint64            `yaml:"min_bytes_threshold"`
	ServerAddr        string            `yaml:"server_addr"`
	APIKey            string            `yaml:"api_key"`
	PrometheusAddr    string            `yaml:"prometheus_addr"`
	DockerEnabled     bool              `yaml:"docker_enabled"`
	DockerLabels      map[string]string `yaml:"docker_labels"`
	ServerIDSource    string            `yaml:"server_id_source"`
	PortEnvVar        string            `yaml:"port_env_var"`
	LogLevel          string            `yaml:"log_level"`

	// Tunables overrides entries of the probe tunables table by name.
	Tunables map[string]uint32 `yaml:"tunables"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		MemoryProcessCapacity:    10240,
		MemoryAllocationCapacity: 40960,
		MemoryStashCapacity:      10240,
		FlowCapacity:             10240,
		CPUProcessCapacity:       10240,
		StackCapacity:            10000,
		StackDepth:               20,
		EventChannelSize:         4096,
		SampleInterval:           time.Second,
		ProcRoot:                 "/proc",
		NetDiag:                  true,
		NetDiagInterval:          5 * time.Second,
		LargeAllocation:          1 << 20,
		LeakMinAge:               5 * time.Minute,
		RecentEvents:             256,
		DiscoveryInterval:        30 * time.Second,
		MetricsInterval:          30 * time.Second,
		ActivityWindow:           5 * time.Minute,
		MinPackets:               50,
		MinBytes:                 1000,
		ServerAddr:               ":8080",
		DockerEnabled:            true,
		DockerLabels:             make(map[string]string),
		ServerIDSource:           "hostname",
		PortEnvVar:               "",
		LogLevel:                 "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive, got %s", c.SampleInterval)
	}
	if c.NetDiag && c.NetDiagInterval <= 0 {
		return fmt.Errorf("netdiag_interval must be positive, got %s", c.NetDiagInterval)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics_interval must be positive, got %s", c.MetricsInterval)
	}
	if c.DockerEnabled && c.DiscoveryInterval <= 0 {
		return fmt.Errorf("discovery_interval must be positive, got %s", c.DiscoveryInterval)
	}
	if c.LeakMinAge < 0 {
		return fmt.Errorf("leak_min_age must not be negative, got %s", c.LeakMinAge)
	}
	if c.RecentEvents < 0 {
		return fmt.Errorf("recent_events must not be negative, got %d", c.RecentEvents)
	}
	if c.EventChannelSize < 1 {
		return fmt.Errorf("event_channel_size must be at least 1, got %d", c.EventChannelSize)
	}
	if _, err := c.TunablesTable(); err != nil {
		return err
	}
	return nil
}

// TunablesTable applies the configured overrides to the defaults. The
// sample rate follows SampleInterval unless set explicitly.
func (c *Config) TunablesTable() (tunables.Table, error) {
	t := tunables.Defaults()
	if c.SampleInterval > 0 && c.SampleInterval < time.Second {
		t = t.With(tunables.SampleRateHz, uint32(time.Second/c.SampleInterval))
	}

	names := make([]string, 0, len(c.Tunables))
	for name := range c.Tunables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		k, ok := tunables.Lookup(name)
		if !ok {
			return t, fmt.Errorf("unknown tunable %q", name)
		}
		t = t.With(k, c.Tunables[name])
	}
	return t, nil
}
