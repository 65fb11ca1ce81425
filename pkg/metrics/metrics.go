// Package metrics exposes the orchestrator's Prometheus instrumentation:
// queue depth, assignment outcomes, webhook outcomes, and probe latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the orchestrator's components report
// to. Callers pass around a single *Metrics rather than package-level
// globals so tests can register against an isolated registry.
type Metrics struct {
	QueueDepth          prometheus.Gauge
	AssignmentOutcomes  *prometheus.CounterVec
	WebhookOutcomes     *prometheus.CounterVec
	ProbeLatencySeconds prometheus.Histogram
	ExecutionsCompleted *prometheus.CounterVec
}

// New registers and returns the orchestrator's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "teo",
			Name:      "queue_depth",
			Help:      "Number of executions currently queued, awaiting assignment.",
		}),
		AssignmentOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teo",
			Name:      "assignment_outcomes_total",
			Help:      "Scheduler tick assignment attempts, by outcome.",
		}, []string{"outcome"}),
		WebhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teo",
			Name:      "webhook_outcomes_total",
			Help:      "Runner webhook deliveries accepted by Ingest, by type and outcome.",
		}, []string{"type", "outcome"}),
		ProbeLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "teo",
			Name:      "health_probe_latency_seconds",
			Help:      "Latency of Health Prober GET requests against runner health_check_url.",
			Buckets:   prometheus.DefBuckets,
		}),
		ExecutionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teo",
			Name:      "executions_completed_total",
			Help:      "Terminal executions, by final status.",
		}, []string{"status"}),
	}
}
