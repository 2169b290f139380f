// Package relay implements the Pulse messaging relay: WebSocket
// sessions, the online-user directory, offline queues, and frame
// routing.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pulse-im/pulse-server/internal/monitoring"
	"github.com/pulse-im/pulse-server/internal/types"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Ping cadence. After the handshake there is no read deadline, so
	// pings are what surface dead peers: the write fails.
	pingPeriod = 27 * time.Second

	// Handshake window: a connection must present a valid connect frame
	// within this time or it is closed.
	defaultAuthTimeout = 10 * time.Second

	// Outbound buffer per session. A full buffer marks the peer as a
	// slow consumer and the session is closed.
	sendBufferSize = 1024

	// Frames parked per offline user before the oldest is evicted.
	maxPendingPerUser = 1000
)

// Server is the relay. It owns the listener, the session set, the
// online directory, and the offline queues.
type Server struct {
	config types.ServerConfig
	logger zerolog.Logger

	listener   net.Listener
	httpServer *http.Server

	directory *Directory
	pending   *PendingStore

	sessions    sync.Map // *session -> struct{}
	sessionSeq  int64
	sessionsSem chan struct{}

	stats   *types.Stats
	sampler *monitoring.SystemSampler

	// Throttles decode-failure warnings so one garbage-spewing client
	// cannot flood the log.
	decodeWarn rate.Sometimes

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// NewServer wires up a relay from its runtime configuration. Zero
// values fall back to production defaults.
func NewServer(config types.ServerConfig) *Server {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10000
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaultAuthTimeout
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 15 * time.Second
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  config.LogLevel,
		Format: config.LogFormat,
	})

	stats := &types.Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:      config,
		logger:      logger,
		directory:   NewDirectory(),
		sessionsSem: make(chan struct{}, config.MaxConnections),
		stats:       stats,
		decodeWarn:  rate.Sometimes{First: 5, Interval: 10 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
	}
	s.pending = NewPendingStore(maxPendingPerUser, logger)
	s.sampler = monitoring.NewSystemSampler(stats, logger, config.MetricsInterval)

	return s
}

// routes builds the HTTP mux: the WebSocket endpoint plus health and
// metrics.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	return mux
}

// Start binds the listener and begins serving. It returns once the
// address is bound; serving continues on background goroutines.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{Handler: s.routes()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	monitoring.SetMaxConnections(s.config.MaxConnections)
	s.sampler.Start()

	s.wg.Add(1)
	go s.statsLoop()

	s.logger.Info().
		Str("addr", s.config.Addr).
		Int("max_connections", s.config.MaxConnections).
		Bool("auth_required", s.config.AccessToken != "").
		Msg("Relay server listening")

	return nil
}

// statsLoop refreshes the relay gauges and emits one stats line per
// interval.
func (s *Server) statsLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "statsLoop", nil)

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.publishStats()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) publishStats() {
	online := s.directory.OnlineCount()
	parked := s.pending.TotalPending()
	monitoring.SetOnlineUsers(online)
	monitoring.SetPendingMessages(parked)

	s.stats.Mu.RLock()
	memMB := s.stats.MemoryMB
	cpu := s.stats.CPUPercent
	s.stats.Mu.RUnlock()

	s.logger.Info().
		Int64("connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
		Int("online_users", online).
		Int("pending_frames", parked).
		Int64("messages_sent", atomic.LoadInt64(&s.stats.MessagesSent)).
		Int64("messages_received", atomic.LoadInt64(&s.stats.MessagesReceived)).
		Float64("memory_mb", memMB).
		Float64("cpu_percent", cpu).
		Msg("Relay stats")
}

// Shutdown stops accepting connections and closes live sessions. Queued
// frames and directory state die with the process; nothing is drained.
func (s *Server) Shutdown() {
	if !atomic.CompareAndSwapInt32(&s.shuttingDown, 0, 1) {
		return
	}

	s.logger.Info().
		Int64("connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
		Msg("Shutting down")

	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.sessions.Range(func(key, _ any) bool {
		key.(*session).close()
		return true
	})

	s.sampler.Stop()
	s.cancel()
	s.wg.Wait()

	s.logger.Info().Msg("Shutdown complete")
}
