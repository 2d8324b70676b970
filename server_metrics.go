package uws

import "github.com/prometheus/client_golang/prometheus"

type serverMetrics struct {
	accepted   prometheus.Counter
	rejections *prometheus.CounterVec
	broadcasts prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		accepted: registerCollector(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uws_upgrades_accepted_total",
				Help: "Total number of upgrade requests that produced a connection",
			},
		)),
		rejections: registerCollector(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uws_upgrades_rejected_total",
				Help: "Total number of upgrade requests turned down",
			},
			[]string{"reason"},
		)),
		broadcasts: registerCollector(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uws_broadcasts_total",
				Help: "Total number of broadcast calls",
			},
		)),
	}
}

func (m *serverMetrics) rejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}
