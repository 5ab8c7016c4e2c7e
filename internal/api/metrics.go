package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

// SystemMetrics is the JSON summary served on /api/v1/system/metrics.
// Prometheus scrapers use /metrics instead.
type SystemMetrics struct {
	Timestamp     string                   `json:"timestamp"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Runtime       RuntimeMetrics           `json:"runtime"`
	WebSocket     WSMetrics                `json:"websocket"`
	Session       daelim.Health            `json:"session"`
	Devices       DeviceMetrics            `json:"devices"`
	Bridge        *daelim.BridgeStatistics `json:"bridge,omitempty"`
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

// DeviceMetrics counts store entries.
type DeviceMetrics struct {
	Total      int            `json:"total"`
	Stale      int            `json:"stale"`
	ByCategory map[string]int `json:"by_category"`
	Inventory  int            `json:"inventory"`
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	states := s.devices.States()
	devices := DeviceMetrics{
		Total:      len(states),
		ByCategory: make(map[string]int),
		Inventory:  s.devices.Inventory().Count(),
	}
	for _, st := range states {
		devices.ByCategory[st.Category.String()]++
		if st.Stale {
			devices.Stale++
		}
	}

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Session:   s.devices.Health(),
		Devices:   devices,
	}
	if s.stats != nil {
		st := s.stats()
		metrics.Bridge = &st
	}

	writeJSON(w, http.StatusOK, metrics)
}
