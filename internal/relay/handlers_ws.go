package relay

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"

	"github.com/pulse-im/pulse-server/internal/monitoring"
)

// handleWebSocket admits, upgrades, and hands the connection to its
// session pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		monitoring.RecordConnectionRejected(monitoring.RejectReasonShutdown)
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.sessionsSem <- struct{}{}:
	default:
		monitoring.RecordConnectionRejected(monitoring.RejectReasonCapacity)
		s.logger.Warn().
			Str("remote_addr", r.RemoteAddr).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected, server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sessionsSem
		monitoring.LogError(s.logger, err, "Failed to upgrade connection", map[string]any{
			"remote_addr": r.RemoteAddr,
		})
		return
	}

	c := newSession(atomic.AddInt64(&s.sessionSeq, 1), conn, s, clientIP(r))
	s.sessions.Store(c, struct{}{})

	atomic.AddInt64(&s.stats.TotalConnections, 1)
	current := atomic.AddInt64(&s.stats.CurrentConnections, 1)
	monitoring.UpdateConnectionMetrics(s.stats, current)

	s.logger.Debug().
		Int64("session_id", c.id).
		Str("remote_addr", c.remoteAddr).
		Int64("connections", current).
		Msg("Connection established")

	go s.writePump(c)
	go s.readPump(c)
}

// clientIP prefers the X-Forwarded-For chain set by proxies.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
