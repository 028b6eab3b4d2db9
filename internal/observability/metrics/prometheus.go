// Package metrics provides Prometheus metrics for the safety engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

// Metrics holds all application metrics
type Metrics struct {
	IssuesReported       *prometheus.CounterVec
	IssueTransitions     *prometheus.CounterVec
	Evaluations          *prometheus.CounterVec
	EvaluationWarnings   prometheus.Histogram
	EvaluationDuration   prometheus.Histogram
	FulfilledMedications prometheus.Counter
	AdverseEvents        prometheus.Counter
	PersistFailures      *prometheus.CounterVec
	MessagesHandled      *prometheus.CounterVec
	WorkerQueueDepth     prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
	OutboxPending        prometheus.Gauge
	OutboxFailed         prometheus.Gauge
	InboxEntries         *prometheus.GaugeVec
}

var _ safety.Recorder = (*Metrics)(nil)

// New creates the metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IssuesReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_issues_reported_total",
			Help: "Safety issues reported, by type and severity",
		}, []string{"type", "severity"}),
		IssueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_issue_transitions_total",
			Help: "Safety issue status changes, by target status",
		}, []string{"status"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_evaluations_total",
			Help: "Prescription safety evaluations, by outcome",
		}, []string{"safe"}),
		EvaluationWarnings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_evaluation_warnings",
			Help:    "Warnings produced per evaluation",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_evaluation_duration_seconds",
			Help:    "Prescription evaluation duration",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		FulfilledMedications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_fulfilled_total",
			Help: "Medications counted as fulfilled",
		}),
		AdverseEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adverse_events_recorded_total",
			Help: "Adverse events recorded against medication statistics",
		}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_persist_failures_total",
			Help: "Cache writes that failed after an in-memory change, by key",
		}, []string{"key"}),
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_handled_total",
			Help: "Consumed messages, by topic and outcome",
		}, []string{"topic", "outcome"}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Partition batches waiting for a worker",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Outbox entries waiting to be relayed",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		InboxEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inbox_entries",
			Help: "Remembered message keys, by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.IssuesReported,
		m.IssueTransitions,
		m.Evaluations,
		m.EvaluationWarnings,
		m.EvaluationDuration,
		m.FulfilledMedications,
		m.AdverseEvents,
		m.PersistFailures,
		m.MessagesHandled,
		m.WorkerQueueDepth,
		m.CircuitBreakerState,
		m.OutboxPending,
		m.OutboxFailed,
		m.InboxEntries,
	)

	return m
}

// IssueReported counts a new safety issue
func (m *Metrics) IssueReported(t safety.IssueType, s safety.Severity) {
	m.IssuesReported.WithLabelValues(string(t), string(s)).Inc()
}

// IssueStatusChanged counts a status transition
func (m *Metrics) IssueStatusChanged(to safety.IssueStatus) {
	m.IssueTransitions.WithLabelValues(string(to)).Inc()
}

// PrescriptionEvaluated records an evaluation's outcome and latency
func (m *Metrics) PrescriptionEvaluated(safe bool, warnings int, elapsed time.Duration) {
	m.Evaluations.WithLabelValues(strconv.FormatBool(safe)).Inc()
	m.EvaluationWarnings.Observe(float64(warnings))
	m.EvaluationDuration.Observe(elapsed.Seconds())
}

// PrescriptionsFulfilled counts fulfilled medications
func (m *Metrics) PrescriptionsFulfilled(n int) {
	m.FulfilledMedications.Add(float64(n))
}

// AdverseEventRecorded counts an adverse event
func (m *Metrics) AdverseEventRecorded() {
	m.AdverseEvents.Inc()
}

// PersistFailed counts a failed cache write
func (m *Metrics) PersistFailed(key string) {
	m.PersistFailures.WithLabelValues(key).Inc()
}

// MessageHandled counts a consumed message
func (m *Metrics) MessageHandled(topic, outcome string) {
	m.MessagesHandled.WithLabelValues(topic, outcome).Inc()
}

// ObservePool records worker pool queue depth
func (m *Metrics) ObservePool(stats workerpool.Stats) {
	m.WorkerQueueDepth.Set(float64(stats.QueueDepth))
}

// ObserveBreakers records the state of each circuit breaker
func (m *Metrics) ObserveBreakers(statuses []circuitbreaker.HealthStatus) {
	for _, s := range statuses {
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(breakerStateValue(s.State))
	}
}

// ObserveOutbox records the relay backlog
func (m *Metrics) ObserveOutbox(pending, failed int64) {
	m.OutboxPending.Set(float64(pending))
	m.OutboxFailed.Set(float64(failed))
}

// ObserveInbox records idempotency inbox entry counts
func (m *Metrics) ObserveInbox(s idempotency.InboxStats) {
	m.InboxEntries.WithLabelValues(string(idempotency.StatusStarted)).Set(float64(s.Started))
	m.InboxEntries.WithLabelValues(string(idempotency.StatusFinished)).Set(float64(s.Finished))
	m.InboxEntries.WithLabelValues(string(idempotency.StatusRecoverable)).Set(float64(s.Recoverable))
	m.InboxEntries.WithLabelValues(string(idempotency.StatusFailed)).Set(float64(s.Failed))
}

func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Handler returns the Prometheus scrape handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
