package relay

import (
	"sync/atomic"

	"github.com/pulse-im/pulse-server/internal/monitoring"
	"github.com/pulse-im/pulse-server/internal/protocol"
)

// routeFrame decodes one inbound frame, stamps the session's
// authenticated identity over whatever the client claimed, and
// dispatches it. Undecodable frames are dropped; the session lives on.
func (s *Server) routeFrame(c *session, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		monitoring.RecordFrameDropped(monitoring.FrameDropDecodeError)
		s.decodeWarn.Do(func() {
			s.logger.Warn().
				Err(err).
				Str("user_id", c.userID).
				Int("size", len(raw)).
				Msg("Dropped undecodable frame")
		})
		return
	}

	switch m := env.(type) {
	case *protocol.ChatMessage:
		m.SenderID = c.userID
		s.relayToUser(c, m, m.RecipientID)

	case *protocol.DeliveryReceipt:
		m.DeliveredTo = c.userID
		s.relayToUser(c, m, m.SenderID)

	case *protocol.ReadReceipt:
		m.UserID = c.userID
		s.relayToUser(c, m, m.SenderID)

	case *protocol.Typing:
		m.UserID = c.userID
		s.relayBroadcast(c, m)

	case *protocol.Presence:
		m.UserID = c.userID
		s.relayBroadcast(c, m)

	case *protocol.ProfileUpdate:
		m.UserID = c.userID
		s.relayBroadcast(c, m)

	default:
		// connect, auth_response, error: server-to-client kinds with no
		// inbound meaning.
		monitoring.RecordFrameDropped(monitoring.FrameDropServerOnlyType)
		s.logger.Debug().
			Str("user_id", c.userID).
			Str("type", string(env.Kind())).
			Msg("Ignored server-only envelope from client")
	}
}

// relayToUser re-encodes the overwritten envelope and delivers it to
// one user, parking it when they are offline.
func (s *Server) relayToUser(c *session, env protocol.Envelope, targetUserID string) {
	frame, err := protocol.Encode(env)
	if err != nil {
		monitoring.RecordFrameDropped(monitoring.FrameDropEncodeError)
		monitoring.LogError(s.logger, err, "Failed to re-encode frame", map[string]any{
			"type":    string(env.Kind()),
			"user_id": c.userID,
		})
		return
	}

	monitoring.RecordFrameRouted(string(env.Kind()))
	s.sendOrQueue(targetUserID, frame)
}

// relayBroadcast re-encodes the overwritten envelope and fans it out to
// every other online user.
func (s *Server) relayBroadcast(c *session, env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		monitoring.RecordFrameDropped(monitoring.FrameDropEncodeError)
		monitoring.LogError(s.logger, err, "Failed to re-encode frame", map[string]any{
			"type":    string(env.Kind()),
			"user_id": c.userID,
		})
		return
	}

	monitoring.RecordFrameRouted(string(env.Kind()))
	s.directory.Broadcast(frame, c.userID)
}

// sendOrQueue delivers a frame to a user's live sessions or parks it in
// the offline queue. The online check and the park are not atomic: a
// user attaching in between leaves the frame parked until their next
// attach.
func (s *Server) sendOrQueue(userID string, frame []byte) {
	if s.directory.SendToUser(userID, frame) {
		return
	}

	dropped := s.pending.Queue(userID, frame)
	atomic.AddInt64(&s.stats.MessagesQueued, 1)
	monitoring.RecordPendingQueued()
	if dropped {
		atomic.AddInt64(&s.stats.QueueDrops, 1)
		monitoring.RecordPendingDropped()
	}

	s.logger.Debug().
		Str("user_id", userID).
		Msg("Recipient offline, frame parked")
}
