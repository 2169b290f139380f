package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulse-im/pulse-server/internal/types"
)

// Prometheus metrics for the relay server.
// Scraped from /metrics and visualized in Grafana.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_connections_rejected_total",
		Help: "Total connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})

	// Disconnect tracking with categorization
	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, // 1s to 1hr
	}, []string{"reason"})

	// Authentication metrics
	authSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_auth_success_total",
		Help: "Total sessions that completed the connect handshake",
	})

	authFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_auth_failures_total",
		Help: "Total handshake failures by reason",
	}, []string{"reason"})

	// Frame metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_messages_sent_total",
		Help: "Total number of frames written to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_messages_received_total",
		Help: "Total number of frames read from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	framesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_frames_routed_total",
		Help: "Total inbound frames routed, by envelope type",
	}, []string{"type"})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_frames_dropped_total",
		Help: "Total inbound frames dropped without routing, by reason",
	}, []string{"reason"})

	// Offline queue metrics
	pendingQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_pending_queued_total",
		Help: "Total frames parked in the offline queue",
	})

	pendingDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_pending_dropped_total",
		Help: "Total oldest-entry evictions from full offline queues",
	})

	pendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_pending_messages",
		Help: "Frames currently parked in offline queues",
	})

	// Presence metrics
	onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_online_users",
		Help: "Distinct users with at least one live session",
	})

	// Reliability metrics
	slowSessionsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_slow_sessions_disconnected_total",
		Help: "Total sessions closed because their outbound buffer filled",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_memory_bytes",
		Help: "Current process memory usage in bytes (RSS)",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(authSuccessTotal)
	prometheus.MustRegister(authFailuresTotal)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(framesRouted)
	prometheus.MustRegister(framesDropped)

	prometheus.MustRegister(pendingQueued)
	prometheus.MustRegister(pendingDropped)
	prometheus.MustRegister(pendingMessages)

	prometheus.MustRegister(onlineUsers)
	prometheus.MustRegister(slowSessionsDisconnected)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError       = "read_error"       // Read failed (network issue, crash)
	DisconnectReasonWriteError      = "write_error"      // Write failed or timed out
	DisconnectReasonBufferFull      = "buffer_full"      // Outbound buffer saturated (slow consumer)
	DisconnectReasonAuthTimeout     = "auth_timeout"     // No connect frame inside the handshake window
	DisconnectReasonAuthFailed      = "auth_failed"      // Bad first frame, empty user id, or token mismatch
	DisconnectReasonClientInitiated = "client_initiated" // Normal close from client
	DisconnectReasonServerShutdown  = "server_shutdown"  // Graceful shutdown
)

// Who initiated the disconnect
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Handshake failure reasons
const (
	AuthFailureTimeout   = "timeout"
	AuthFailureBadFrame  = "bad_frame"
	AuthFailureEmptyUser = "empty_user"
	AuthFailureBadToken  = "bad_token"
)

// Frame drop reasons
const (
	FrameDropDecodeError    = "decode_error"     // Malformed JSON or unknown type tag
	FrameDropServerOnlyType = "server_only_type" // connect/auth_response/error from an authenticated client
	FrameDropEncodeError    = "encode_error"     // Re-serialization after identity overwrite failed
)

// Connection rejection reasons
const (
	RejectReasonCapacity = "capacity"
	RejectReasonShutdown = "shutdown"
)

// UpdateConnectionMetrics records an accepted connection.
func UpdateConnectionMetrics(stats *types.Stats, current int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(current))
}

// SetMaxConnections publishes the admission semaphore size.
func SetMaxConnections(n int) {
	connectionsMax.Set(float64(n))
}

// RecordConnectionRejected tracks a pre-upgrade rejection.
func RecordConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnectWithStats tracks a disconnect in both Prometheus and Stats.
func RecordDisconnectWithStats(stats *types.Stats, reason, initiatedBy string, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	connectionsActive.Dec()

	stats.DisconnectsMu.Lock()
	stats.DisconnectsByReason[reason]++
	stats.DisconnectsMu.Unlock()
}

// RecordAuthSuccess records a completed handshake.
func RecordAuthSuccess() {
	authSuccessTotal.Inc()
}

// RecordAuthFailure records a failed handshake.
func RecordAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}

// UpdateMessageMetrics updates frame counters.
func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics updates bytes sent/received counters.
func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

// RecordFrameRouted tracks a routed inbound frame by envelope type.
func RecordFrameRouted(envelopeType string) {
	framesRouted.WithLabelValues(envelopeType).Inc()
}

// RecordFrameDropped tracks an inbound frame dropped without routing.
func RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordPendingQueued tracks a frame parked in the offline queue.
func RecordPendingQueued() {
	pendingQueued.Inc()
}

// RecordPendingDropped tracks an oldest-entry eviction from a full queue.
func RecordPendingDropped() {
	pendingDropped.Inc()
}

// SetPendingMessages publishes the current offline queue depth.
func SetPendingMessages(n int) {
	pendingMessages.Set(float64(n))
}

// SetOnlineUsers publishes the current distinct online user count.
func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}

// IncrementSlowSessionDisconnects counts a buffer-full session close.
func IncrementSlowSessionDisconnects() {
	slowSessionsDisconnected.Inc()
}

// UpdateSystemMetrics publishes sampled process resource usage.
func UpdateSystemMetrics(memoryBytes, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(memoryBytes)
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

// HandleMetrics serves Prometheus metrics at the /metrics endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
