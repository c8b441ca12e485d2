// Package api implements the relay's admin HTTP surface: health, metrics
// exposition, and dead-letter inspection/replay. It carries no inbound
// webhook or subscription-management endpoints — those are config-driven,
// not API-driven.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
)

// HealthReporter is the subset of runtime.Runtime the health handler needs.
type HealthReporter interface {
	Health() HealthStatus
}

// HealthStatus mirrors runtime.HealthStatus without importing the runtime
// package, keeping api free to be tested without a live Postgres/chain.
type HealthStatus string

const (
	HealthReady     HealthStatus = "ready"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// NewRouter builds the admin chi.Router. deps supplies every dependency a
// handler needs; nothing here reaches for a package-level singleton.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handleHealth(deps))
	r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", handleListDeadLetters(deps))
		r.Get("/{id}", handleGetDeadLetter(deps))
		r.Post("/{id}/retry", handleRetryDeadLetter(deps))
		r.Delete("/{id}", handleDeleteDeadLetter(deps))
	})

	return r
}

func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithContext(r.Context()).WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Info("admin request")
		})
	}
}
