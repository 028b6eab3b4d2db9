package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
)

type readiness bool

func (r readiness) Ready() bool { return bool(r) }

func serve(t *testing.T, h *OpsHandler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := NewOpsHandler("safety-worker", "0.1.0", readiness(false), nil, nil, nil)

	rec := serve(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "safety-worker", body.Service)
	assert.Equal(t, "0.1.0", body.Version)
}

func TestReady(t *testing.T) {
	h := NewOpsHandler("safety-worker", "0.1.0", readiness(true), circuitbreaker.NewManager(nil), nil, nil)
	h.AddCheck("postgres", func(context.Context) error { return nil })

	rec := serve(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	require.NotNil(t, body.Engine)
	assert.True(t, *body.Engine)
	assert.Equal(t, map[string]string{"postgres": "ok"}, body.Checks)
}

func TestReady_EngineLoading(t *testing.T) {
	h := NewOpsHandler("safety-worker", "0.1.0", readiness(false), nil, nil, nil)

	rec := serve(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	require.NotNil(t, body.Engine)
	assert.False(t, *body.Engine)
}

func TestReady_WithoutEngine(t *testing.T) {
	h := NewOpsHandler("outbox-relay", "0.1.0", nil, nil, nil, nil)

	rec := serve(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body.Engine)
}

func TestReady_FailingCheck(t *testing.T) {
	h := NewOpsHandler("safety-worker", "0.1.0", readiness(true), nil, nil, nil)
	h.AddCheck("kafka", func(context.Context) error { return errors.New("no brokers reachable") })
	h.AddCheck("postgres", func(ctx context.Context) error { return ctx.Err() })

	rec := serve(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no brokers reachable", body.Checks["kafka"])
	assert.Equal(t, "ok", body.Checks["postgres"])
}

func TestReady_OpenBreaker(t *testing.T) {
	breakers := circuitbreaker.NewManager(nil)
	cb, err := breakers.GetOrCreate("cache", circuitbreaker.DefaultConfig("cache"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("timeout") })
	}
	require.True(t, cb.IsOpen())

	h := NewOpsHandler("safety-worker", "0.1.0", readiness(true), breakers, nil, nil)
	rec := serve(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Breakers, 1)
	assert.Equal(t, circuitbreaker.StateOpen, body.Breakers[0].State)
}

func TestMetricsRoute(t *testing.T) {
	h := NewOpsHandler("safety-worker", "0.1.0", readiness(true), nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, serve(t, h, "/metrics").Code)

	scrape := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("up 1\n"))
	})
	h = NewOpsHandler("safety-worker", "0.1.0", readiness(true), nil, scrape, nil)
	rec := serve(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up 1\n", rec.Body.String())
}
