package relay

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pulse-im/pulse-server/internal/monitoring"
)

// writePump owns the outbound side of the connection: queued frames,
// batched into one flush per wakeup, plus the ping ticker. It exits
// when the session dies, pushing out whatever was already accepted.
func (s *Server) writePump(c *session) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{"session_id": c.id})

	ticker := time.NewTicker(pingPeriod)
	writer := bufio.NewWriter(c.conn)

	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !s.writeFrame(c, writer, frame) {
				return
			}

			// Drain whatever queued up behind it into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if !s.writeFrame(c, writer, <-c.send) {
					return
				}
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Int64("session_id", c.id).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Int64("session_id", c.id).Msg("Ping failed")
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case frame := <-c.send:
					if !s.writeFrame(c, writer, frame) {
						return
					}
				default:
					writer.Flush()
					return
				}
			}
		}
	}
}

// writeFrame appends one text frame to the buffered writer and bumps
// the outbound counters.
func (s *Server) writeFrame(c *session, writer *bufio.Writer, frame []byte) bool {
	if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
		s.logger.Debug().Err(err).Int64("session_id", c.id).Msg("Write failed")
		return false
	}

	atomic.AddInt64(&s.stats.MessagesSent, 1)
	atomic.AddInt64(&s.stats.BytesSent, int64(len(frame)))
	monitoring.UpdateMessageMetrics(1, 0)
	monitoring.UpdateBytesMetrics(int64(len(frame)), 0)
	return true
}
