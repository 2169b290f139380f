package relay

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

type healthResponse struct {
	Status          string            `json:"status"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	Connections     healthConnections `json:"connections"`
	OnlineUsers     int               `json:"online_users"`
	PendingMessages int               `json:"pending_messages"`
	MemoryMB        float64           `json:"memory_mb"`
	CPUPercent      float64           `json:"cpu_percent"`
	Goroutines      int               `json:"goroutines"`
	Disconnects     map[string]int64  `json:"disconnects_by_reason"`
}

type healthConnections struct {
	Current int64 `json:"current"`
	Max     int   `json:"max"`
	Total   int64 `json:"total"`
}

// handleHealth reports a point-in-time snapshot of the relay. Capacity
// saturation degrades the status but keeps the 200: existing sessions
// are sticky and still served.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	current := atomic.LoadInt64(&s.stats.CurrentConnections)

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case atomic.LoadInt32(&s.shuttingDown) == 1:
		status = "shutting_down"
		statusCode = http.StatusServiceUnavailable
	case current >= int64(s.config.MaxConnections):
		status = "degraded"
	}

	s.stats.Mu.RLock()
	memMB := s.stats.MemoryMB
	cpu := s.stats.CPUPercent
	s.stats.Mu.RUnlock()

	s.stats.DisconnectsMu.RLock()
	disconnects := make(map[string]int64, len(s.stats.DisconnectsByReason))
	for reason, count := range s.stats.DisconnectsByReason {
		disconnects[reason] = count
	}
	s.stats.DisconnectsMu.RUnlock()

	resp := healthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.stats.StartTime).Seconds()),
		Connections: healthConnections{
			Current: current,
			Max:     s.config.MaxConnections,
			Total:   atomic.LoadInt64(&s.stats.TotalConnections),
		},
		OnlineUsers:     s.directory.OnlineCount(),
		PendingMessages: s.pending.TotalPending(),
		MemoryMB:        memMB,
		CPUPercent:      cpu,
		Goroutines:      runtime.NumGoroutine(),
		Disconnects:     disconnects,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write health response")
	}
}
