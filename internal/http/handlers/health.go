// Package handlers provides the HTTP API handlers for flyxd.
package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/flyxtv/flyxd/pkg/httpclient"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	clients   *httpclient.Registry
	sessions  func() int
}

// NewHealthHandler creates a health handler. sessionCount reports the
// number of live playback sessions; nil means the count is omitted.
func NewHealthHandler(version string, clients *httpclient.Registry, sessionCount func() int) *HealthHandler {
	if clients == nil {
		clients = httpclient.DefaultRegistry
	}
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		clients:   clients,
		sessions:  sessionCount,
	}
}

// CPUInfo reports load averages.
type CPUInfo struct {
	Cores     int     `json:"cores"`
	Load1Min  float64 `json:"load_1min"`
	Load5Min  float64 `json:"load_5min"`
	Load15Min float64 `json:"load_15min"`
}

// MemoryInfo reports system memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status          string                            `json:"status"`
	Timestamp       string                            `json:"timestamp"`
	Version         string                            `json:"version"`
	Uptime          string                            `json:"uptime"`
	UptimeSeconds   float64                           `json:"uptime_seconds"`
	Sessions        int                               `json:"sessions"`
	CPUInfo         CPUInfo                           `json:"cpu"`
	Memory          MemoryInfo                        `json:"memory"`
	CircuitBreakers []httpclient.CircuitBreakerStatus `json:"circuit_breakers"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezOutput is the liveness probe response.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzOutput is the readiness probe response.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including system metrics and upstream circuit breaker states",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports process liveness.
func (h *HealthHandler) GetLivez(ctx context.Context, _ *struct{}) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports readiness. Open circuit breakers degrade the status
// but the service stays ready; upstreams recover on their own.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *struct{}) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{}
	for _, cb := range h.clients.Statuses() {
		if cb.State == "open" {
			out.Body.Components[cb.Name] = "degraded"
			out.Body.Status = "degraded"
		} else {
			out.Body.Components[cb.Name] = "ok"
		}
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:          "healthy",
		Timestamp:       now.UTC().Format(time.RFC3339),
		Version:         h.version,
		Uptime:          uptime.Round(time.Second).String(),
		UptimeSeconds:   uptime.Seconds(),
		CPUInfo:         CPUInfo{Cores: runtime.NumCPU()},
		CircuitBreakers: h.clients.Statuses(),
	}

	if h.sessions != nil {
		resp.Sessions = h.sessions()
	}

	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		resp.CPUInfo.Load1Min = loadAvg.Load1
		resp.CPUInfo.Load5Min = loadAvg.Load5
		resp.CPUInfo.Load15Min = loadAvg.Load15
	}

	if vmStat, err := mem.VirtualMemory(); err == nil && vmStat != nil {
		resp.Memory.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		resp.Memory.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		resp.Memory.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	return &HealthOutput{Body: resp}, nil
}
