package relay

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pulse-im/pulse-server/internal/monitoring"
	"github.com/pulse-im/pulse-server/internal/protocol"
)

// readPump drives one session: the connect handshake first, then the
// inbound routing loop. It owns the session's disconnect path.
func (s *Server) readPump(c *session) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"session_id": c.id})

	reason := monitoring.DisconnectReasonReadError
	initiatedBy := monitoring.DisconnectInitiatedByClient
	defer func() {
		s.disconnectSession(c, reason, initiatedBy)
	}()

	connect, failure := s.awaitConnect(c)
	if connect == nil {
		reason = failure
		if failure != monitoring.DisconnectReasonClientInitiated &&
			failure != monitoring.DisconnectReasonReadError {
			initiatedBy = monitoring.DisconnectInitiatedByServer
		}
		return
	}

	s.attach(c, connect)

	// No read deadline after the handshake: liveness rides on the ping
	// writes.
	c.conn.SetReadDeadline(time.Time{})

	for {
		frame, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				reason = monitoring.DisconnectReasonClientInitiated
			}
			return
		}

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(frame)))
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(frame)))

		if op != ws.OpText {
			continue // binary frames carry no envelopes
		}

		s.routeFrame(c, frame)
	}
}

// awaitConnect enforces the handshake: exactly one frame, which must be
// a valid connect envelope, inside the auth window. On failure it
// returns the disconnect reason; no response frame is sent.
func (s *Server) awaitConnect(c *session) (*protocol.Connect, string) {
	c.conn.SetReadDeadline(time.Now().Add(s.config.AuthTimeout))

	frame, op, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		if isTimeout(err) {
			atomic.AddInt64(&s.stats.AuthFailures, 1)
			monitoring.RecordAuthFailure(monitoring.AuthFailureTimeout)
			s.logger.Debug().
				Int64("session_id", c.id).
				Str("remote_addr", c.remoteAddr).
				Dur("window", s.config.AuthTimeout).
				Msg("Handshake window elapsed")
			return nil, monitoring.DisconnectReasonAuthTimeout
		}
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, monitoring.DisconnectReasonClientInitiated
		}
		return nil, monitoring.DisconnectReasonReadError
	}

	fail := func(authReason string) (*protocol.Connect, string) {
		atomic.AddInt64(&s.stats.AuthFailures, 1)
		monitoring.RecordAuthFailure(authReason)
		s.logger.Warn().
			Int64("session_id", c.id).
			Str("remote_addr", c.remoteAddr).
			Str("reason", authReason).
			Msg("Handshake rejected")
		return nil, monitoring.DisconnectReasonAuthFailed
	}

	if op != ws.OpText {
		return fail(monitoring.AuthFailureBadFrame)
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		return fail(monitoring.AuthFailureBadFrame)
	}

	connect, ok := env.(*protocol.Connect)
	if !ok {
		return fail(monitoring.AuthFailureBadFrame)
	}
	if connect.UserID == "" {
		return fail(monitoring.AuthFailureEmptyUser)
	}
	if s.config.AccessToken != "" {
		if connect.Token == nil || *connect.Token != s.config.AccessToken {
			return fail(monitoring.AuthFailureBadToken)
		}
	}

	return connect, ""
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
