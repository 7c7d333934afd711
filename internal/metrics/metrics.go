// Package metrics содержит счётчики Prometheus конвейера проекции.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics объединяет коллекторы конвейера применения событий.
type Metrics struct {
	EventsApplied      *prometheus.CounterVec
	EventsSkipped      *prometheus.CounterVec
	UnknownEvents      prometheus.Counter
	InvalidTransitions prometheus.Counter
	LastAppliedBlock   prometheus.Gauge
}

// New создаёт коллекторы и регистрирует их в переданном реестре.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "events_applied_total",
			Help:      "Number of ledger events committed to the projection.",
		}, []string{"kind"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "events_skipped_total",
			Help:      "Number of ledger events skipped as duplicates or gaps.",
		}, []string{"kind", "reason"}),
		UnknownEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "events_unknown_total",
			Help:      "Number of events with an unregistered kind.",
		}),
		InvalidTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "invalid_transitions_total",
			Help:      "Number of events rejected by the escrow state machine.",
		}),
		LastAppliedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bazaar",
			Name:      "last_applied_block",
			Help:      "Block height of the last committed event.",
		}),
	}

	reg.MustRegister(
		m.EventsApplied,
		m.EventsSkipped,
		m.UnknownEvents,
		m.InvalidTransitions,
		m.LastAppliedBlock,
	)

	return m
}
