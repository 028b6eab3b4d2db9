package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var pb dto.Metric
	require.NoError(t, (<-ch).Write(&pb))
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func TestRecorder(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IssueReported(safety.IssueSideEffect, safety.SeverityModerate)
	m.IssueReported(safety.IssueSideEffect, safety.SeverityModerate)
	m.IssueStatusChanged(safety.StatusResolved)
	m.PrescriptionEvaluated(false, 3, 2*time.Millisecond)
	m.PrescriptionsFulfilled(4)
	m.AdverseEventRecorded()
	m.PersistFailed(safety.CacheKeyStats)
	m.MessageHandled("prescription.fulfilled", "ok")

	assert.Equal(t, 2.0, value(t, m.IssuesReported.WithLabelValues("SIDE_EFFECT", "MODERATE")))
	assert.Equal(t, 1.0, value(t, m.IssueTransitions.WithLabelValues("RESOLVED")))
	assert.Equal(t, 1.0, value(t, m.Evaluations.WithLabelValues("false")))
	assert.Equal(t, 4.0, value(t, m.FulfilledMedications))
	assert.Equal(t, 1.0, value(t, m.AdverseEvents))
	assert.Equal(t, 1.0, value(t, m.PersistFailures.WithLabelValues("medication_stats")))
	assert.Equal(t, 1.0, value(t, m.MessagesHandled.WithLabelValues("prescription.fulfilled", "ok")))
}

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePool(workerpool.Stats{QueueDepth: 7})
	m.ObserveBreakers([]circuitbreaker.HealthStatus{
		{Name: "cache", State: circuitbreaker.StateOpen},
		{Name: "publisher", State: circuitbreaker.StateClosed},
	})

	assert.Equal(t, 7.0, value(t, m.WorkerQueueDepth))
	assert.Equal(t, 1.0, value(t, m.CircuitBreakerState.WithLabelValues("cache")))
	assert.Equal(t, 0.0, value(t, m.CircuitBreakerState.WithLabelValues("publisher")))

	m.ObserveOutbox(12, 2)
	assert.Equal(t, 12.0, value(t, m.OutboxPending))
	assert.Equal(t, 2.0, value(t, m.OutboxFailed))

	m.ObserveInbox(idempotency.InboxStats{Finished: 40, Failed: 1})
	assert.Equal(t, 40.0, value(t, m.InboxEntries.WithLabelValues("FINISHED")))
	assert.Equal(t, 1.0, value(t, m.InboxEntries.WithLabelValues("FAILED")))
	assert.Equal(t, 0.0, value(t, m.InboxEntries.WithLabelValues("STARTED")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.AdverseEventRecorded()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adverse_events_recorded_total 1")
}
