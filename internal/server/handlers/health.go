package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/invocations"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const (
	healthCheckTimeout = 5 * time.Second
	readinessTimeout   = 2 * time.Second

	// recorderBacklogRatio of a full queue marks the recorder degraded.
	recorderBacklogRatio = 0.9
)

var startTime = time.Now()

type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Latency string       `json:"latency,omitempty"`
	Message string       `json:"message,omitempty"`
	Details any          `json:"details,omitempty"`
}

type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthHandlers reports on the server and its components. engine, cache
// and recorder are optional.
type HealthHandlers struct {
	db       *database.DB
	engine   *functions.Engine
	cache    *functions.ModuleCache
	recorder *invocations.Recorder
	version  string
}

func NewHealthHandlers(db *database.DB, engine *functions.Engine, cache *functions.ModuleCache, recorder *invocations.Recorder, version string) *HealthHandlers {
	return &HealthHandlers{db: db, engine: engine, cache: cache, recorder: recorder, version: version}
}

// Health handles GET /health. A failing database makes the server
// unhealthy; a backed-up recorder only degrades it.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components := map[string]ComponentHealth{
		"database": h.database(ctx),
		"engine":   h.engineHealth(),
	}
	if h.recorder != nil {
		components["recorder"] = h.recorderHealth()
	}

	overall := HealthStatusHealthy
	for _, c := range components {
		overall = worse(overall, c.Status)
	}

	status := http.StatusOK
	if overall == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	JSON(w, status, HealthResponse{
		Status:     overall,
		Version:    h.version,
		Uptime:     uptime(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (h *HealthHandlers) database(ctx context.Context) ComponentHealth {
	start := time.Now()
	err := h.db.Ping(ctx)
	c := ComponentHealth{Status: HealthStatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		c.Status = HealthStatusUnhealthy
		c.Message = "database ping failed"
	}
	return c
}

func (h *HealthHandlers) engineHealth() ComponentHealth {
	if h.engine == nil {
		return ComponentHealth{Status: HealthStatusHealthy, Message: "disabled"}
	}

	details := map[string]int{"active_sandboxes": h.engine.ActiveSandboxes()}
	if h.cache != nil {
		details["cached_modules"] = h.cache.Size()
	}
	return ComponentHealth{Status: HealthStatusHealthy, Details: details}
}

func (h *HealthHandlers) recorderHealth() ComponentHealth {
	pending, capacity := h.recorder.Pending(), h.recorder.Capacity()
	c := ComponentHealth{
		Status:  HealthStatusHealthy,
		Details: map[string]int{"pending": pending, "capacity": capacity},
	}
	if capacity > 0 && float64(pending) >= recorderBacklogRatio*float64(capacity) {
		c.Status = HealthStatusDegraded
		c.Message = "invocation records are backing up"
	}
	return c
}

// Liveness handles GET /health/live.
func (h *HealthHandlers) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness handles GET /health/ready.
func (h *HealthHandlers) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type RuntimeStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_bytes"`
	MemSys       uint64 `json:"mem_sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
}

type DatabaseStats struct {
	OpenConnections int `json:"open_connections"`
	InUse           int `json:"in_use"`
	Idle            int `json:"idle"`
	MaxOpen         int `json:"max_open"`
}

type StatsResponse struct {
	Uptime   string         `json:"uptime"`
	Runtime  RuntimeStats   `json:"runtime"`
	Database DatabaseStats  `json:"database"`
	Engine   map[string]int `json:"engine,omitempty"`
	Recorder map[string]int `json:"recorder,omitempty"`
}

// Stats handles GET /health/stats.
func (h *HealthHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	db := h.db.Stats()

	resp := StatsResponse{
		Uptime: uptime(),
		Runtime: RuntimeStats{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     m.Alloc,
			MemSys:       m.Sys,
			NumGC:        m.NumGC,
		},
		Database: DatabaseStats{
			OpenConnections: db.OpenConnections,
			InUse:           db.InUse,
			Idle:            db.Idle,
			MaxOpen:         db.MaxOpenConnections,
		},
	}
	if details, ok := h.engineHealth().Details.(map[string]int); ok {
		resp.Engine = details
	}
	if h.recorder != nil {
		resp.Recorder = h.recorderHealth().Details.(map[string]int)
	}

	JSON(w, http.StatusOK, resp)
}

func uptime() string {
	return time.Since(startTime).Round(time.Second).String()
}
