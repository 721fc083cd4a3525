package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Connection metrics
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsSwept  prometheus.Counter

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	BroadcastsTotal  *prometheus.CounterVec

	// Apply pipeline metrics
	EntriesProcessed *prometheus.CounterVec
	ApplyDuration    *prometheus.HistogramVec
	ConflictsTotal   *prometheus.CounterVec

	// Status computation metrics
	StatusDuration prometheus.Histogram

	// Admin API metrics
	AdminRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncd_connections_active",
				Help: "Number of currently registered WebSocket connections",
			},
			[]string{"tenant_id"},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_connections_total",
				Help: "Total number of WebSocket connections accepted",
			},
			[]string{"tenant_id"},
		),

		ConnectionsSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "syncd_connections_swept_total",
				Help: "Total number of connections closed by the inactivity sweeper",
			},
		),

		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_messages_received_total",
				Help: "Total number of protocol messages received",
			},
			[]string{"type"},
		),

		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_messages_sent_total",
				Help: "Total number of protocol messages sent",
			},
			[]string{"type"},
		),

		BroadcastsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_broadcasts_total",
				Help: "Total number of tenant broadcasts",
			},
			[]string{"tenant_id"},
		),

		EntriesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_entries_processed_total",
				Help: "Total number of queue entries processed",
			},
			[]string{"operation", "outcome"},
		),

		ApplyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncd_apply_duration_seconds",
				Help:    "Duration of queue entry application",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		ConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_conflicts_total",
				Help: "Total number of conflicts detected",
			},
			[]string{"tenant_id", "resolution"},
		),

		StatusDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "syncd_status_duration_seconds",
				Help:    "Duration of data status computation",
				Buckets: prometheus.DefBuckets,
			},
		),

		AdminRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_admin_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"endpoint", "status"},
		),
	}
}

// RecordConnection records an accepted connection
func (m *Metrics) RecordConnection(tenantID string) {
	m.ConnectionsTotal.WithLabelValues(tenantID).Inc()
	m.ConnectionsActive.WithLabelValues(tenantID).Inc()
}

// RecordDisconnection records a closed connection
func (m *Metrics) RecordDisconnection(tenantID string) {
	m.ConnectionsActive.WithLabelValues(tenantID).Dec()
}

// RecordMessageReceived records an inbound protocol message
func (m *Metrics) RecordMessageReceived(messageType string) {
	m.MessagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent records an outbound protocol message
func (m *Metrics) RecordMessageSent(messageType string) {
	m.MessagesSent.WithLabelValues(messageType).Inc()
}

// RecordBroadcast records a tenant broadcast
func (m *Metrics) RecordBroadcast(tenantID string) {
	m.BroadcastsTotal.WithLabelValues(tenantID).Inc()
}

// RecordEntry records a processed queue entry
func (m *Metrics) RecordEntry(operation, outcome string, duration float64) {
	m.EntriesProcessed.WithLabelValues(operation, outcome).Inc()
	m.ApplyDuration.WithLabelValues(operation).Observe(duration)
}

// RecordConflict records a detected conflict
func (m *Metrics) RecordConflict(tenantID, resolution string) {
	m.ConflictsTotal.WithLabelValues(tenantID, resolution).Inc()
}

// RecordStatusComputation records a data status computation
func (m *Metrics) RecordStatusComputation(duration float64) {
	m.StatusDuration.Observe(duration)
}

// RecordAdminRequest records an admin API request
func (m *Metrics) RecordAdminRequest(endpoint, status string) {
	m.AdminRequestsTotal.WithLabelValues(endpoint, status).Inc()
}
