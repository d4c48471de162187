package exporter

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rxtx-hosting/kernlens/pkg/events"
	"github.com/rxtx-hosting/kernlens/pkg/flowsummary"
	"github.com/rxtx-hosting/kernlens/pkg/probe/cpu"
	"github.com/rxtx-hosting/kernlens/pkg/probe/memory"
	"github.com/rxtx-hosting/kernlens/pkg/probe/network"
	"github.com/rxtx-hosting/kernlens/pkg/stack"
)

type APIServer struct {
	apiKey string
	view   View
	ports  []flowsummary.PortSummary
	mu     sync.RWMutex
}

type memoryProcessResponse struct {
	PID       uint32 `json:"pid"`
	Container string `json:"container,omitempty"`
	memory.Snapshot
}

type cpuProcessResponse struct {
	PID       uint32 `json:"pid"`
	Container string `json:"container,omitempty"`
	cpu.ProcessSnapshot
}

type flowResponse struct {
	Src          string `json:"src"`
	Dst          string `json:"dst"`
	SrcPort      uint16 `json:"src_port"`
	DstPort      uint16 `json:"dst_port"`
	StateName    string `json:"state_name"`
	AvgRTTMicros uint64 `json:"avg_rtt_us"`
	network.FlowSnapshot
}

type leakResponse struct {
	Container string `json:"container,omitempty"`
	memory.Allocation
}

type eventResponse struct {
	Kind      string `json:"kind"`
	Domain    string `json:"domain"`
	Timestamp uint64 `json:"timestamp"`
	PID       uint32 `json:"pid"`
	TID       uint32 `json:"tid"`
	Comm      string `json:"comm"`
	StackID   int32  `json:"stack_id"`
	Payload   gin.H  `json:"payload,omitempty"`
}

type portResponse struct {
	Port                int      `json:"port"`
	Container           string   `json:"container,omitempty"`
	ActivePeers         int      `json:"active_peers"`
	Peers               []string `json:"peers,omitempty"`
	TotalBytes          uint64   `json:"total_bytes"`
	Retransmits         uint64   `json:"retransmits"`
	AvgRTT              uint64   `json:"avg_rtt_us"`
	SampleWindowSeconds int      `json:"sample_window_seconds"`
	LastActive          string   `json:"last_active"`
	Timestamp           string   `json:"timestamp"`
}

func NewAPIServer(apiKey string, view View) *APIServer {
	return &APIServer{
		apiKey: apiKey,
		view:   view,
	}
}

// UpdatePorts replaces the cached port summaries.
func (a *APIServer) UpdatePorts(ports []flowsummary.PortSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ports = ports
}

// Handler builds the router.
func (a *APIServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(a.authMiddleware())

	v1 := r.Group("/v1")
	v1.GET("/memory/processes", a.handleMemoryProcesses)
	v1.GET("/memory/processes/:pid", a.handleMemoryProcess)
	v1.GET("/memory/system", a.handleMemorySystem)
	v1.GET("/memory/leaks", a.handleLeaks)
	v1.GET("/network/flows", a.handleFlows)
	v1.GET("/network/ports", a.handlePorts)
	v1.GET("/cpu/processes", a.handleCPUProcesses)
	v1.GET("/cpu/processes/:pid", a.handleCPUProcess)
	v1.GET("/cpu/cpus", a.handleCPUs)
	v1.GET("/stacks/:id", a.handleStack)
	v1.GET("/events/stats", a.handleEventStats)
	v1.GET("/events/recent", a.handleRecentEvents)
	v1.GET("/tables", a.handleTables)
	v1.GET("/info", a.handleInfo)

	return r
}

func (a *APIServer) StartServer(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (a *APIServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth != "Bearer "+a.apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func disabled(c *gin.Context, domain string) {
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s probe disabled", domain)})
}

func pidParam(c *gin.Context) (uint32, bool) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return 0, false
	}
	return uint32(pid), true
}

func (a *APIServer) handleMemoryProcesses(c *gin.Context) {
	if a.view.Memory == nil {
		disabled(c, "memory")
		return
	}
	procs := a.view.Memory.Processes()
	response := make([]memoryProcessResponse, 0, len(procs))
	for pid, snap := range procs {
		response = append(response, memoryProcessResponse{PID: pid, Container: a.view.container(pid), Snapshot: snap})
	}
	sort.Slice(response, func(i, j int) bool { return response[i].PID < response[j].PID })

	c.JSON(http.StatusOK, gin.H{"processes": response})
}

func (a *APIServer) handleMemoryProcess(c *gin.Context) {
	if a.view.Memory == nil {
		disabled(c, "memory")
		return
	}
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	snap, exists := a.view.Memory.Process(pid)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}
	c.JSON(http.StatusOK, memoryProcessResponse{PID: pid, Container: a.view.container(pid), Snapshot: snap})
}

func (a *APIServer) handleMemorySystem(c *gin.Context) {
	if a.view.Memory == nil {
		disabled(c, "memory")
		return
	}
	c.JSON(http.StatusOK, a.view.Memory.System())
}

func (a *APIServer) handleLeaks(c *gin.Context) {
	if a.view.Memory == nil {
		disabled(c, "memory")
		return
	}
	minAge := a.view.LeakMinAge
	if raw := c.Query("min_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_age"})
			return
		}
		minAge = d
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	allocs := a.view.Memory.Outstanding(a.view.now(), minAge, limit)
	response := make([]leakResponse, 0, len(allocs))
	var total uint64
	for _, al := range allocs {
		total += al.Size
		response = append(response, leakResponse{Container: a.view.container(al.PID), Allocation: al})
	}

	c.JSON(http.StatusOK, gin.H{
		"min_age":     minAge.String(),
		"total_bytes": total,
		"allocations": response,
	})
}

func (a *APIServer) handleFlows(c *gin.Context) {
	if a.view.Network == nil {
		disabled(c, "network")
		return
	}
	flows := a.view.Network.Flows()
	response := make([]flowResponse, 0, len(flows))
	for key, snap := range flows {
		response = append(response, flowResponse{
			Src:          key.Src().String(),
			Dst:          key.Dst().String(),
			SrcPort:      key.SrcPort,
			DstPort:      key.DstPort,
			StateName:    network.StateName(snap.State),
			AvgRTTMicros: snap.AvgRTT(),
			FlowSnapshot: snap,
		})
	}
	sort.Slice(response, func(i, j int) bool {
		if response[i].Src != response[j].Src {
			return response[i].Src < response[j].Src
		}
		return response[i].SrcPort < response[j].SrcPort
	})

	c.JSON(http.StatusOK, gin.H{"flows": response})
}

func (a *APIServer) handlePorts(c *gin.Context) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	response := make([]portResponse, 0, len(a.ports))
	for _, p := range a.ports {
		response = append(response, portToResponse(p))
	}

	c.JSON(http.StatusOK, gin.H{"ports": response})
}

func portToResponse(p flowsummary.PortSummary) portResponse {
	return portResponse{
		Port:                p.Port,
		Container:           p.Container,
		ActivePeers:         p.ActivePeers,
		Peers:               p.Peers,
		TotalBytes:          p.TotalBytes,
		Retransmits:         p.Retransmits,
		AvgRTT:              p.AvgRTT,
		SampleWindowSeconds: int(p.Window.Seconds()),
		LastActive:          p.LastActive.Format(time.RFC3339),
		Timestamp:           p.Timestamp.Format(time.RFC3339),
	}
}

func (a *APIServer) handleCPUProcesses(c *gin.Context) {
	if a.view.CPU == nil {
		disabled(c, "cpu")
		return
	}
	procs := a.view.CPU.Processes()
	response := make([]cpuProcessResponse, 0, len(procs))
	for pid, snap := range procs {
		response = append(response, cpuProcessResponse{PID: pid, Container: a.view.container(pid), ProcessSnapshot: snap})
	}
	sort.Slice(response, func(i, j int) bool { return response[i].PID < response[j].PID })

	c.JSON(http.StatusOK, gin.H{"processes": response})
}

func (a *APIServer) handleCPUProcess(c *gin.Context) {
	if a.view.CPU == nil {
		disabled(c, "cpu")
		return
	}
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	snap, exists := a.view.CPU.Process(pid)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
		return
	}
	c.JSON(http.StatusOK, cpuProcessResponse{PID: pid, Container: a.view.container(pid), ProcessSnapshot: snap})
}

func (a *APIServer) handleCPUs(c *gin.Context) {
	if a.view.CPU == nil {
		disabled(c, "cpu")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cpus": a.view.CPU.CPUs()})
}

func (a *APIServer) handleStack(c *gin.Context) {
	if a.view.Stacks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stack capture disabled"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stack id"})
		return
	}
	frames, ok := a.view.Stacks.Lookup(stack.ID(id))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "stack not found"})
		return
	}
	addrs := make([]string, len(frames))
	for i, pc := range frames {
		addrs[i] = fmt.Sprintf("0x%x", pc)
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "frames": addrs})
}

func (a *APIServer) handleEventStats(c *gin.Context) {
	if a.view.Events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, a.view.Events())
}

func (a *APIServer) handleRecentEvents(c *gin.Context) {
	if a.view.Recent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recent events unavailable"})
		return
	}
	evs := a.view.Recent()
	response := make([]eventResponse, 0, len(evs))
	for _, ev := range evs {
		response = append(response, eventResponse{
			Kind:      ev.Kind().String(),
			Domain:    ev.Kind().Domain(),
			Timestamp: ev.Timestamp,
			PID:       ev.PID,
			TID:       ev.TID,
			Comm:      ev.Comm.String(),
			StackID:   ev.StackID,
			Payload:   payloadFields(ev.Payload),
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

func payloadFields(p events.Payload) gin.H {
	switch p := p.(type) {
	case events.Memory:
		h := gin.H{"addr": fmt.Sprintf("0x%x", p.Addr), "size": p.Size}
		if p.OldAddr != 0 {
			h["old_addr"] = fmt.Sprintf("0x%x", p.OldAddr)
		}
		if p.Flags != 0 {
			h["flags"] = p.Flags
		}
		return h
	case events.Network:
		return gin.H{
			"src":      p.Flow.Src().String(),
			"dst":      p.Flow.Dst().String(),
			"src_port": p.Flow.SrcPort,
			"dst_port": p.Flow.DstPort,
			"bytes":    p.Bytes,
			"rtt_us":   p.RTT,
		}
	case events.CPUSample:
		return gin.H{
			"cpu":      p.CPU,
			"runtime":  p.Runtime,
			"vruntime": p.VRuntime,
			"weight":   p.Weight,
			"prio":     p.Prio,
		}
	}
	return nil
}

func (a *APIServer) handleTables(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tables": a.view.tables()})
}

func (a *APIServer) handleInfo(c *gin.Context) {
	if a.view.Info == nil {
		c.JSON(http.StatusOK, Info{})
		return
	}
	c.JSON(http.StatusOK, a.view.Info())
}
