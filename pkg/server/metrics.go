package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/realm/pkg/world"
)

// Metrics holds the server's Prometheus collectors. Each server owns its own
// registry so that several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	TickDuration     prometheus.Histogram
	UPS              prometheus.Gauge
	Sessions         prometheus.Gauge
	Connections      *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	PhaseErrors      *prometheus.CounterVec
	Movement         *prometheus.CounterVec

	lastWorld world.Stats
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realm_tick_duration_seconds",
			Help:    "Time spent running one tick",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .02, .04, .08},
		}),
		UPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realm_updates_per_second",
			Help: "Measured ticks per second",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realm_sessions",
			Help: "Registered sessions",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realm_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realm_messages_received_total",
			Help: "Messages dispatched by type",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realm_messages_sent_total",
			Help: "Messages queued for sending by type",
		}, []string{"type"}),
		PhaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realm_tick_phase_errors_total",
			Help: "Errors and panics recovered at a tick phase boundary",
		}, []string{"phase"}),
		Movement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realm_movement_corrections_total",
			Help: "Movement reconciliation outcomes",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.TickDuration,
		m.UPS,
		m.Sessions,
		m.Connections,
		m.MessagesReceived,
		m.MessagesSent,
		m.PhaseErrors,
		m.Movement,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// observeWorld adds the movement outcomes since the previous call.
func (m *Metrics) observeWorld(s world.Stats) {
	prev := m.lastWorld
	m.Movement.WithLabelValues("replayed").Add(float64(s.Corrections - prev.Corrections))
	m.Movement.WithLabelValues("overflow").Add(float64(s.CorrectionOverflows - prev.CorrectionOverflows))
	m.Movement.WithLabelValues("forced").Add(float64(s.ForcedStates - prev.ForcedStates))
	m.Movement.WithLabelValues("dropped").Add(float64(s.DroppedIntents - prev.DroppedIntents))
	m.lastWorld = s
}
