package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulse-im/pulse-server/internal/monitoring"
)

// session is one WebSocket connection. userID stays empty until the
// connect handshake completes.
type session struct {
	id     int64
	conn   net.Conn
	server *Server

	userID string

	// send carries serialized frames to the write pump. done is closed
	// exactly once when the session dies; enqueue checks it so producers
	// never block on a dead session.
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	slow      int32 // set when the outbound buffer overflowed

	connectedAt time.Time
	remoteAddr  string
}

func newSession(id int64, conn net.Conn, server *Server, remoteAddr string) *session {
	return &session{
		id:          id,
		conn:        conn,
		server:      server,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		remoteAddr:  remoteAddr,
	}
}

// enqueue hands a frame to the write pump without blocking. A full
// buffer means the peer has stopped reading, so the session is closed.
func (c *session) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		if atomic.CompareAndSwapInt32(&c.slow, 0, 1) {
			monitoring.IncrementSlowSessionDisconnects()
			c.close()
		}
		return false
	}
}

// close is idempotent and safe from any goroutine.
func (c *session) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *session) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
