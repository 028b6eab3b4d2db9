// Package api assembles the operations HTTP listener.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api/handlers"
	"github.com/drfirst/go-medsafe/internal/api/middleware"
)

// NewRouter mounts the ops routes behind the shared middleware chain
func NewRouter(service string, ops *handlers.OpsHandler, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Observe(service, logger, "/health", "/ready", "/metrics"))
	r.Mount("/", ops.Routes())
	return r
}

// NewServer wraps handler with the listener timeouts used by every binary
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
