package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/asset"
	"github.com/nerrad567/gray-logic-gateway/internal/mirror"
)

// healthCheckTimeout bounds the database check in /health.
const healthCheckTimeout = 2 * time.Second

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Assets        asset.Stats      `json:"assets"`
	Manager       adapter.Stats    `json:"manager"`
	MQTT          *LinkMetrics     `json:"mqtt,omitempty"`
	InfluxDB      *LinkMetrics     `json:"influxdb,omitempty"`
	Mirror        *mirror.Stats    `json:"mirror,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	AuditDropped  uint64           `json:"audit_dropped"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains push channel statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	Broadcasts       uint64 `json:"broadcasts"`
	SendDrops        uint64 `json:"send_drops"`
	Commands         uint64 `json:"commands"`
	CommandErrors    uint64 `json:"command_errors"`
}

// LinkMetrics describes an optional side channel.
type LinkMetrics struct {
	Connected bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleHealth reports "ok", or "degraded" when the audit database does
// not answer. Device connectivity is reported by /adapters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			status = "degraded"
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}
	if s.mqtt != nil {
		checks["mqtt"] = connectedString(s.mqtt.IsConnected())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}

func connectedString(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

// handleMetrics returns runtime, push channel and pipeline counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			Broadcasts:       s.hub.broadcasts.Load(),
			SendDrops:        s.hub.sendDrops.Load(),
			Commands:         s.hub.commands.Load(),
			CommandErrors:    s.hub.commandErrors.Load(),
		},
		Assets:  s.manager.Registry().Stats(),
		Manager: s.manager.Stats(),
	}

	if s.mqtt != nil {
		metrics.MQTT = &LinkMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.influx != nil {
		metrics.InfluxDB = &LinkMetrics{Connected: s.influx.IsConnected()}
	}
	if s.mirror != nil {
		st := s.mirror.Stats()
		metrics.Mirror = &st
	}
	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}
	if s.recorder != nil {
		metrics.AuditDropped = s.recorder.Dropped()
	}

	writeJSON(w, http.StatusOK, metrics)
}
