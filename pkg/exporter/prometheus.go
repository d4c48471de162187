package exporter

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rxtx-hosting/kernlens/pkg/flowsummary"
)

type PrometheusExporter struct {
	portPeers      *prometheus.GaugeVec
	portBytes      *prometheus.GaugeVec
	processMemory  *prometheus.GaugeVec
	tableEntries   *prometheus.GaugeVec
	tableCapacity  *prometheus.GaugeVec
	tableDrops     *prometheus.GaugeVec
	events         *prometheus.GaugeVec
	eventsByKind   *prometheus.GaugeVec
	cpuSwitches    *prometheus.GaugeVec
	cpuFrequency   *prometheus.GaugeVec
	memoryPressure prometheus.Gauge
	oomKills       prometheus.Gauge

	registry  *prometheus.Registry
	portCache map[[2]string]struct{}
	procCache map[uint32]struct{}
	mu        sync.Mutex
}

func newGaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

// NewPrometheusExporter creates the collectors and registers them with reg,
// which is also what StartServer serves.
func NewPrometheusExporter(reg *prometheus.Registry) *PrometheusExporter {
	p := &PrometheusExporter{
		portPeers:     newGaugeVec("kernlens_port_active_peers", "Number of peers with recent traffic on a local port", "port", "container"),
		portBytes:     newGaugeVec("kernlens_port_bytes", "Bytes exchanged with active peers of a local port", "port", "container"),
		processMemory: newGaugeVec("kernlens_process_memory_bytes", "Live allocated bytes per process", "pid"),
		tableEntries:  newGaugeVec("kernlens_table_entries", "Entries held by a fixed-capacity table", "table"),
		tableCapacity: newGaugeVec("kernlens_table_capacity", "Capacity of a fixed-capacity table", "table"),
		tableDrops:    newGaugeVec("kernlens_table_rejected_updates", "Updates rejected because a table was full", "table"),
		events:        newGaugeVec("kernlens_events", "Emitter counters", "state"),
		eventsByKind:  newGaugeVec("kernlens_events_drained", "Drained events per kind", "kind"),
		cpuSwitches:   newGaugeVec("kernlens_cpu_context_switches", "Context switches per CPU", "cpu"),
		cpuFrequency:  newGaugeVec("kernlens_cpu_frequency_khz", "Last reported CPU frequency", "cpu"),
		memoryPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernlens_memory_pressure_events",
			Help: "kswapd wakeups observed",
		}),
		oomKills: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernlens_oom_kills",
			Help: "OOM victims observed",
		}),
		registry:  reg,
		portCache: make(map[[2]string]struct{}),
		procCache: make(map[uint32]struct{}),
	}

	reg.MustRegister(
		p.portPeers, p.portBytes, p.processMemory,
		p.tableEntries, p.tableCapacity, p.tableDrops,
		p.events, p.eventsByKind,
		p.cpuSwitches, p.cpuFrequency,
		p.memoryPressure, p.oomKills,
	)
	return p
}

// UpdatePorts publishes port summaries, removing ports that went quiet.
func (p *PrometheusExporter) UpdatePorts(ports []flowsummary.PortSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newCache := make(map[[2]string]struct{})

	for _, s := range ports {
		labels := [2]string{strconv.Itoa(s.Port), s.Container}
		newCache[labels] = struct{}{}
		p.portPeers.WithLabelValues(labels[0], labels[1]).Set(float64(s.ActivePeers))
		p.portBytes.WithLabelValues(labels[0], labels[1]).Set(float64(s.TotalBytes))
	}

	for labels := range p.portCache {
		if _, exists := newCache[labels]; !exists {
			p.portPeers.DeleteLabelValues(labels[0], labels[1])
			p.portBytes.DeleteLabelValues(labels[0], labels[1])
		}
	}

	p.portCache = newCache
}

// UpdateView publishes table occupancy, emitter counters and per-domain
// gauges.
func (p *PrometheusExporter) UpdateView(v View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, u := range v.tables() {
		p.tableEntries.WithLabelValues(name).Set(float64(u.Len))
		p.tableCapacity.WithLabelValues(name).Set(float64(u.Cap))
		p.tableDrops.WithLabelValues(name).Set(float64(u.Drops))
	}

	if v.Events != nil {
		st := v.Events()
		p.events.WithLabelValues("sent").Set(float64(st.Sent))
		p.events.WithLabelValues("dropped").Set(float64(st.Dropped))
		p.events.WithLabelValues("pending").Set(float64(st.Pending))
		for kind, n := range st.ByKind {
			p.eventsByKind.WithLabelValues(kind).Set(float64(n))
		}
	}

	if v.Memory != nil {
		sys := v.Memory.System()
		p.memoryPressure.Set(float64(sys.MemoryPressure))
		p.oomKills.Set(float64(sys.OOMKills))

		newCache := make(map[uint32]struct{})
		for pid, snap := range v.Memory.Processes() {
			newCache[pid] = struct{}{}
			p.processMemory.WithLabelValues(strconv.FormatUint(uint64(pid), 10)).Set(float64(snap.CurrentUsage))
		}
		for pid := range p.procCache {
			if _, exists := newCache[pid]; !exists {
				p.processMemory.DeleteLabelValues(strconv.FormatUint(uint64(pid), 10))
			}
		}
		p.procCache = newCache
	}

	if v.CPU != nil {
		for _, c := range v.CPU.CPUs() {
			id := strconv.FormatUint(uint64(c.CPU), 10)
			p.cpuSwitches.WithLabelValues(id).Set(float64(c.ContextSwitches))
			p.cpuFrequency.WithLabelValues(id).Set(float64(c.FrequencyKHz))
		}
	}
}

func (p *PrometheusExporter) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
