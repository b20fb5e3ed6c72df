// Package metrics holds the Prometheus collectors exported by dealflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dealflow"

// Metrics is a dedicated registry plus the service's collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	webhookEvents          *prometheus.CounterVec
	processorRequests      *prometheus.CounterVec
	processorLatency       *prometheus.HistogramVec
	negotiationTransitions *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Processor webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		processorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_requests_total",
			Help:      "Calls to the payment processor by operation and outcome.",
		}, []string{"operation", "outcome"}),
		processorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_request_duration_seconds",
			Help:      "Latency of payment processor calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		negotiationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_transitions_total",
			Help:      "Successful offer state transitions by action.",
		}, []string{"action"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEvents,
		m.processorRequests,
		m.processorLatency,
		m.negotiationTransitions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ProcessorRequest(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.processorRequests.WithLabelValues(operation, outcome).Inc()
	m.processorLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) NegotiationTransition(action string) {
	if m == nil {
		return
	}
	m.negotiationTransitions.WithLabelValues(action).Inc()
}
