// Package observability exposes Prometheus metrics for the delivery engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the delivery engine's instrumentation:
// traffic (attempts by outcome), latency (delivery duration), errors
// (failure classes, breaker transitions) and saturation (queue depth).
type Metrics struct {
	registry *prometheus.Registry

	AttemptsTotal      *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
	BreakerTransitions *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	DispatchedTotal    prometheus.Counter
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "Delivery attempts by outcome and failure class.",
		}, []string{"outcome", "failure_class"}),

		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Wall time of delivery HTTP calls.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_breaker_transitions_total",
			Help: "Circuit breaker transitions by resulting state.",
		}, []string{"state"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_delivery_queue_depth",
			Help: "Jobs waiting in the delivery queue, due or not.",
		}),

		DispatchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "webhook_events_dispatched_total",
			Help: "Events accepted for fan-out.",
		}),
	}
}

// ObserveAttempt records one delivery attempt.
func (m *Metrics) ObserveAttempt(outcome, failureClass string, seconds float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(outcome, failureClass).Inc()
	if seconds > 0 {
		m.DeliveryDuration.Observe(seconds)
	}
}

// ObserveBreakerTransition records one circuit transition.
func (m *Metrics) ObserveBreakerTransition(state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(state).Inc()
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
