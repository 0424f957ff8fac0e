package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	rooms       prometheus.Gauge
	connections prometheus.Gauge
	relayed     *prometheus.CounterVec
	dropped     prometheus.Counter
}

// newMetrics registers the relay metrics with reg. A nil reg gets a private registry
// so several hubs can live in one process (tests).
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderoom",
			Name:      "rooms",
			Help:      "Rooms with at least one joined session.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderoom",
			Name:      "connections",
			Help:      "Registered relay connections.",
		}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coderoom",
			Name:      "events_relayed_total",
			Help:      "Events queued for delivery, by kind.",
		}, []string{"kind"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coderoom",
			Name:      "deliveries_dropped_total",
			Help:      "Deliveries dropped because the recipient could not keep up.",
		}),
	}
}
