package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the realtime agent
type Metrics struct {
	// Connection metrics
	ConnState         *prometheus.GaugeVec
	ConnAttemptsTotal *prometheus.CounterVec
	ConnReconnects    prometheus.Counter

	// Frame metrics
	FramesReceivedTotal *prometheus.CounterVec
	FramesDroppedTotal  *prometheus.CounterVec
	FramesSentTotal     *prometheus.CounterVec

	// Router metrics
	RouterSubscribers   prometheus.Gauge
	RouterDroppedFrames prometheus.Counter

	// Notification metrics
	NotificationsTotal  *prometheus.CounterVec
	NotificationsUnread prometheus.Gauge

	// Chat metrics
	ChatStreamsTotal   *prometheus.CounterVec
	ChatFallbacksTotal prometheus.Counter

	// State store metrics
	StateOpsTotal *prometheus.CounterVec

	// Local HTTP surface metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.ConnState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsynth_conn_state",
			Help: "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	m.ConnAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_conn_attempts_total",
			Help: "Total number of connection attempts",
		},
		[]string{"result"},
	)

	m.ConnReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsynth_conn_reconnects_total",
			Help: "Total number of scheduled reconnections",
		},
	)

	m.FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_frames_received_total",
			Help: "Total number of inbound frames by type",
		},
		[]string{"type"},
	)

	m.FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_frames_dropped_total",
			Help: "Total number of dropped frames by reason",
		},
		[]string{"reason"},
	)

	m.FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_frames_sent_total",
			Help: "Total number of outbound frames by type",
		},
		[]string{"type"},
	)

	m.RouterSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsynth_router_subscribers",
			Help: "Number of active router subscriptions",
		},
	)

	m.RouterDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsynth_router_dropped_frames_total",
			Help: "Total frames dropped because a subscriber buffer was full",
		},
	)

	m.NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_notifications_total",
			Help: "Total notifications stored by type",
		},
		[]string{"type"},
	)

	m.NotificationsUnread = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsynth_notifications_unread",
			Help: "Current number of unread notifications",
		},
	)

	m.ChatStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_chat_streams_total",
			Help: "Total chat streams by outcome",
		},
		[]string{"outcome"},
	)

	m.ChatFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsynth_chat_fallbacks_total",
			Help: "Total chat messages routed through the REST fallback",
		},
	)

	m.StateOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_state_ops_total",
			Help: "Total state store operations by kind and result",
		},
		[]string{"op", "result"},
	)

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsynth_http_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsynth_http_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path"},
	)

	return m
}

// SetConnState flips the state gauge so exactly one state reports 1
func (m *Metrics) SetConnState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "reconnecting"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ConnState.WithLabelValues(s).Set(v)
	}
}
