// Package metrics provides Prometheus metrics for the scanning workflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ScansSubmitted        prometheus.Counter
	ExtractionsSucceeded  prometheus.Counter
	ExtractionsFailed     prometheus.Counter
	StaleResultsDiscarded prometheus.Counter
	DraftsCommitted       prometheus.Counter
	CommitsRejected       prometheus.Counter
	ExtractionDuration    prometheus.Histogram
	ActiveSessions        prometheus.Gauge
	OutboxPending         prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ScansSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scans_submitted_total",
			Help: "Total prescription images submitted for extraction",
		}),
		ExtractionsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractions_succeeded_total",
			Help: "Total extractions that produced a usable draft",
		}),
		ExtractionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "extractions_failed_total",
			Help: "Total extractions that ended in the error state",
		}),
		StaleResultsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stale_results_discarded_total",
			Help: "Extraction results discarded because the scan was cancelled or superseded",
		}),
		DraftsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drafts_committed_total",
			Help: "Total drafts committed to history",
		}),
		CommitsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commits_rejected_total",
			Help: "Total commits rejected by validation",
		}),
		ExtractionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "extraction_duration_seconds",
			Help:    "End-to-end extraction duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 90},
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scan_sessions_active",
			Help: "Currently active scanning sessions",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ScansSubmitted,
		m.ExtractionsSucceeded,
		m.ExtractionsFailed,
		m.StaleResultsDiscarded,
		m.DraftsCommitted,
		m.CommitsRejected,
		m.ExtractionDuration,
		m.ActiveSessions,
		m.OutboxPending,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
