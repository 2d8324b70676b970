package uws

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	opened   *prometheus.CounterVec
	closed   *prometheus.CounterVec
	active   *prometheus.GaugeVec
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	return &hubMetrics{
		opened: registerCollector(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uws_connections_opened_total",
				Help: "Total number of websocket connections opened",
			},
			[]string{"role"},
		)),
		closed: registerCollector(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uws_connections_closed_total",
				Help: "Total number of websocket connections closed",
			},
			[]string{"role"},
		)),
		active: registerCollector(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uws_connections_active",
				Help: "Number of websocket connections currently open",
			},
			[]string{"role"},
		)),
		received: registerCollector(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uws_messages_received_total",
				Help: "Total number of frames received",
			},
			[]string{"role", "type"},
		)),
		sent: registerCollector(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uws_messages_sent_total",
				Help: "Total number of frames written",
			},
			[]string{"role", "type"},
		)),
		failures: registerCollector(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uws_handshake_failures_total",
				Help: "Total number of handshakes the engine could not complete",
			},
			[]string{"role"},
		)),
	}
}

func (m *hubMetrics) connectionOpened(role Role) {
	m.opened.WithLabelValues(role.String()).Inc()
	m.active.WithLabelValues(role.String()).Inc()
}

func (m *hubMetrics) connectionClosed(role Role) {
	m.closed.WithLabelValues(role.String()).Inc()
	m.active.WithLabelValues(role.String()).Dec()
}

func (m *hubMetrics) messageReceived(role Role, op MessageType) {
	m.received.WithLabelValues(role.String(), op.String()).Inc()
}

func (m *hubMetrics) messageSent(role Role, op MessageType) {
	m.sent.WithLabelValues(role.String(), op.String()).Inc()
}

func (m *hubMetrics) handshakeFailed(role Role) {
	m.failures.WithLabelValues(role.String()).Inc()
}

// registerCollector registers c on reg, handing back the collector already
// registered under the same descriptor when there is one. A nil reg leaves c
// unregistered.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
