package relay

import (
	"sync/atomic"
	"time"

	"github.com/pulse-im/pulse-server/internal/monitoring"
	"github.com/pulse-im/pulse-server/internal/protocol"
)

// attach completes authentication. Order matters: register, then the
// acknowledgement (the first frame the client sees), then the arrival
// broadcast, then the roster, then the offline queue replay.
func (s *Server) attach(c *session, connect *protocol.Connect) {
	c.userID = connect.UserID
	s.directory.Add(c.userID, c)

	monitoring.RecordAuthSuccess()
	monitoring.SetOnlineUsers(s.directory.OnlineCount())

	ack, err := protocol.Encode(&protocol.AuthResponse{
		Success: true,
		Message: "Connected to server",
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode auth response")
	} else {
		c.enqueue(ack)
	}

	s.announcePresence(c.userID, true, nil, c.userID)
	s.sendRoster(c)
	s.deliverPending(c)

	s.logger.Info().
		Int64("session_id", c.id).
		Str("user_id", c.userID).
		Str("remote_addr", c.remoteAddr).
		Msg("Session authenticated")
}

// disconnectSession runs exactly once per session, on the read pump's
// exit path. It tears down transport state and, for authenticated
// sessions, withdraws the user from the directory and announces the
// detach.
func (s *Server) disconnectSession(c *session, reason, initiatedBy string) {
	if atomic.LoadInt32(&c.slow) == 1 {
		reason = monitoring.DisconnectReasonBufferFull
		initiatedBy = monitoring.DisconnectInitiatedByServer
	} else if atomic.LoadInt32(&s.shuttingDown) == 1 {
		reason = monitoring.DisconnectReasonServerShutdown
		initiatedBy = monitoring.DisconnectInitiatedByServer
	}

	c.close()

	if _, loaded := s.sessions.LoadAndDelete(c); !loaded {
		return
	}

	atomic.AddInt64(&s.stats.CurrentConnections, -1)
	<-s.sessionsSem

	duration := time.Since(c.connectedAt)
	monitoring.RecordDisconnectWithStats(s.stats, reason, initiatedBy, duration)

	if c.userID != "" {
		s.directory.Remove(c.userID, c)

		// The detach announcement is unconditional and excludes nobody:
		// a user's remaining devices hear it too.
		now := time.Now().UnixMilli()
		s.announcePresence(c.userID, false, &now, "")

		monitoring.SetOnlineUsers(s.directory.OnlineCount())
	}

	evt := s.logger.Info()
	if c.userID == "" {
		evt = s.logger.Debug()
	}
	evt.
		Int64("session_id", c.id).
		Str("user_id", c.userID).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("duration", duration).
		Msg("Session disconnected")
}

// announcePresence broadcasts a presence transition, excluding
// exceptUserID's sessions ("" excludes nobody).
func (s *Server) announcePresence(userID string, online bool, lastSeen *int64, exceptUserID string) {
	frame, err := protocol.Encode(&protocol.Presence{
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to encode presence frame")
		return
	}
	s.directory.Broadcast(frame, exceptUserID)
}

// sendRoster tells a fresh session who else is already online.
func (s *Server) sendRoster(c *session) {
	for _, userID := range s.directory.OnlineUsers() {
		if userID == c.userID {
			continue
		}
		frame, err := protocol.Encode(&protocol.Presence{UserID: userID, IsOnline: true})
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to encode presence frame")
			continue
		}
		c.enqueue(frame)
	}
}

// deliverPending replays frames parked while the user was offline, in
// the order they arrived.
func (s *Server) deliverPending(c *session) {
	frames := s.pending.Take(c.userID)
	if len(frames) == 0 {
		return
	}

	for _, frame := range frames {
		c.enqueue(frame)
	}

	s.logger.Info().
		Str("user_id", c.userID).
		Int("frames", len(frames)).
		Msg("Replayed offline queue")
}
