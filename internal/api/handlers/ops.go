// Package handlers serves the operations endpoints: liveness, readiness and
// the Prometheus scrape.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
)

// Readiness is implemented by the engine registry
type Readiness interface {
	Ready() bool
}

// Check probes one dependency. A nil error means it is usable.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// OpsHandler serves /health, /ready and /metrics
type OpsHandler struct {
	service  string
	version  string
	started  time.Time
	engine   Readiness
	breakers *circuitbreaker.Manager
	metrics  http.Handler
	logger   *zap.Logger

	checkTimeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewOpsHandler creates the handler. engine, breakers and metrics may be
// nil.
func NewOpsHandler(service, version string, engine Readiness, breakers *circuitbreaker.Manager, metrics http.Handler, logger *zap.Logger) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{
		service:      service,
		version:      version,
		started:      time.Now(),
		engine:       engine,
		breakers:     breakers,
		metrics:      metrics,
		logger:       logger,
		checkTimeout: 2 * time.Second,
	}
}

// AddCheck registers a dependency probe run on every readiness request
func (h *OpsHandler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// Routes returns the handler routes
func (h *OpsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

// HealthResponse is the liveness body
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Health handles GET /health. It only reports that the process serves.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Version: h.version,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	})
}

// ReadyResponse is the readiness body
type ReadyResponse struct {
	Status   string                        `json:"status"`
	Engine   *bool                         `json:"engine,omitempty"`
	Checks   map[string]string             `json:"checks,omitempty"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Ready handles GET /ready. The process is ready once the engine (when
// there is one) is loaded, every check passes and no breaker is open.
func (h *OpsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready"}
	ready := true
	if h.engine != nil {
		loaded := h.engine.Ready()
		resp.Engine = &loaded
		ready = loaded
	}

	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) > 0 {
		resp.Checks = make(map[string]string, len(checks))
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		defer cancel()
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				resp.Checks[c.name] = err.Error()
				ready = false
				continue
			}
			resp.Checks[c.name] = "ok"
		}
	}

	if h.breakers != nil {
		resp.Breakers = h.breakers.GetHealthStatus()
		for _, b := range resp.Breakers {
			if !b.Healthy {
				ready = false
			}
		}
	}

	code := http.StatusOK
	if !ready {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

func (h *OpsHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}
