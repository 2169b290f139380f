package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log shippers
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// ServerConfig contains the runtime configuration for the relay server
type ServerConfig struct {
	Addr           string // listen address (host:port)
	AccessToken    string // when non-empty, connect frames must carry this token
	MaxConnections int    // admission semaphore size

	// AuthTimeout bounds the handshake: a session that has not produced a
	// valid connect frame within this window is closed. Zero selects the
	// default of 10 seconds.
	AuthTimeout time.Duration

	MetricsInterval time.Duration // system stats sampling interval

	LogLevel  LogLevel
	LogFormat LogFormat
}

// Stats tracks server statistics. The plain int64 counters are updated
// with sync/atomic; CPUPercent and MemoryMB are guarded by Mu.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	MessagesQueued     int64 // frames parked in the offline store
	QueueDrops         int64 // oldest-entry evictions from full queues
	AuthFailures       int64
	StartTime          time.Time

	Mu         sync.RWMutex
	CPUPercent float64
	MemoryMB   float64

	// Disconnect counts by reason (read_error, auth_timeout, etc.)
	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.RWMutex
}
