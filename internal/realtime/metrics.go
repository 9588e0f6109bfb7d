package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metric names.
const (
	MetricConnections    = "picklist_ws_connections"
	MetricActiveShares   = "picklist_ws_active_shares"
	MetricMessagesTotal  = "picklist_ws_messages_total"
	MetricBroadcastSends = "picklist_ws_broadcast_sends_total"
)

// Send outcomes recorded on the broadcast counter.
const (
	sendDelivered = "delivered"
	sendSkipped   = "skipped"
	sendFailed    = "failed"
)

// Metrics holds the realtime collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	activeShares   prometheus.Gauge
	messagesTotal  *prometheus.CounterVec
	broadcastSends *prometheus.CounterVec
}

// NewMetrics creates the realtime collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricConnections,
			Help: "Number of open WebSocket connections.",
		}),
		activeShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveShares,
			Help: "Number of share tokens with at least one subscriber.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMessagesTotal,
			Help: "Inbound WebSocket messages by type.",
		}, []string{"type"}),
		broadcastSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBroadcastSends,
			Help: "Per-peer broadcast sends by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.activeShares, m.messagesTotal, m.broadcastSends)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) setActiveShares(n int) {
	if m != nil {
		m.activeShares.Set(float64(n))
	}
}

func (m *Metrics) message(msgType string) {
	if m != nil {
		m.messagesTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) send(result string) {
	if m != nil {
		m.broadcastSends.WithLabelValues(result).Inc()
	}
}
