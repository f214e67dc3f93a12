// Package metrics provides Prometheus metrics for fleetlink.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "fleetlink"
)

// Roles
const (
	RoleAgent      = "agent"
	RoleController = "controller"
)

// Handshake results
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultTimeout  = "timeout"
	ResultError    = "error"
)

// Announcement results
const (
	AnnouncementAccepted  = "accepted"
	AnnouncementDuplicate = "duplicate"
	AnnouncementInvalid   = "invalid"
	AnnouncementBlocked   = "blocked"
)

// Rejection reasons for inbound connections
const (
	RejectSlotOccupied = "slot_occupied"
	RejectBlocked      = "blocked"
	RejectShutdown     = "shutdown"
)

// Message directions
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics contains all Prometheus metrics for a fleetlink node. All methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	// Discovery metrics
	AnnouncementsSent     prometheus.Counter
	AnnouncementsReceived *prometheus.CounterVec

	// Handshake metrics
	Handshakes       *prometheus.CounterVec
	HandshakeLatency *prometheus.HistogramVec

	// Connection metrics
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsRejected *prometheus.CounterVec
	RegistryEntries     prometheus.Gauge

	// Message metrics
	Messages *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AnnouncementsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_sent_total",
			Help:      "Total discovery announcements broadcast",
		}),
		AnnouncementsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_received_total",
			Help:      "Total discovery announcements received by result",
		}, []string{"result"}),

		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total handshakes by role and result",
		}, []string{"role", "result"}),
		HandshakeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of successful handshake latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"role"}),

		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of authenticated connections by role",
		}, []string{"role"}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total inbound connections closed before the handshake by reason",
		}, []string{"reason"}),
		RegistryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Number of entries in the controller connection registry",
		}),

		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total application messages by direction",
		}, []string{"direction"}),
	}
}

// RecordAnnouncementSent records one broadcast datagram.
func (m *Metrics) RecordAnnouncementSent() {
	if m == nil {
		return
	}
	m.AnnouncementsSent.Inc()
}

// RecordAnnouncementReceived records a received announcement and its outcome.
func (m *Metrics) RecordAnnouncementReceived(result string) {
	if m == nil {
		return
	}
	m.AnnouncementsReceived.WithLabelValues(result).Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(role string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, ResultSuccess).Inc()
	m.HandshakeLatency.WithLabelValues(role).Observe(latencySeconds)
}

// RecordHandshakeFailure records a handshake that ended before authentication.
func (m *Metrics) RecordHandshakeFailure(role, result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
}

// RecordConnect records a connection reaching the authenticated state.
func (m *Metrics) RecordConnect(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Inc()
}

// RecordDisconnect records an authenticated connection closing.
func (m *Metrics) RecordDisconnect(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Dec()
}

// RecordRejectedConnection records an inbound socket closed before any
// handshake processing.
func (m *Metrics) RecordRejectedConnection(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// SetRegistryEntries sets the registry size.
func (m *Metrics) SetRegistryEntries(count int) {
	if m == nil {
		return
	}
	m.RegistryEntries.Set(float64(count))
}

// RecordMessage records an application message.
func (m *Metrics) RecordMessage(direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction).Inc()
}
