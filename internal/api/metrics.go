package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/motionlink/internal/bridge"
	"github.com/nerrad567/motionlink/internal/process"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Health        bridge.HealthStatus `json:"health"`
	Reason        string              `json:"reason,omitempty"`
	Device        string              `json:"device,omitempty"`
	Session       sessionStatus       `json:"session"`
	Bridge        bridge.Statistics   `json:"bridge"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	WebSocket     WSMetrics           `json:"websocket"`
	MQTT          MQTTMetrics         `json:"mqtt"`
	Service       *process.Stats      `json:"service,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// handleStatus returns session, bridge and runtime counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := s.bridge.Health()

	resp := StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Health:        health.Status,
		Reason:        health.Reason,
		Session:       newSessionStatus(s.session.Stats()),
		Bridge:        s.bridge.Statistics(),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
	}
	if health.Connection != nil {
		resp.Device = health.Connection.Device
	}

	if s.mqtt != nil {
		resp.MQTT = MQTTMetrics{
			Enabled:   true,
			Connected: s.mqtt.IsConnected(),
		}
	}

	if s.service != nil {
		st := s.service.Stats()
		resp.Service = &st
	}

	writeJSON(w, http.StatusOK, resp)
}
