package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	"github.com/R3E-Network/evm-webhook-relay/domain/dlq"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/httputil"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
)

// DeadLetterStore is the subset of dlq.Store the admin handlers depend on.
type DeadLetterStore interface {
	List(ctx context.Context, limit, offset int) ([]dlq.Entry, error)
	Get(ctx context.Context, deliveryID string) (dlq.Entry, error)
	Stats(ctx context.Context, topN int) (dlq.Stats, error)
	Retry(ctx context.Context, deliveryID string) (*delivery.Delivery, error)
	Delete(ctx context.Context, deliveryID string) error
}

// DeliveryQueue is the subset of delivery.Queue the admin handlers depend on.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, d *delivery.Delivery) error
}

// Deps wires every dependency an admin handler needs. Nothing in this
// package reaches for a package-level singleton.
type Deps struct {
	Logger      *logging.Logger
	Registry    prometheus.Gatherer
	Runtime     HealthReporter
	DeadLetters DeadLetterStore
	Queue       DeliveryQueue
}

const defaultDLQStatsTopN = 5

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := deps.Runtime.Health()
		code := http.StatusOK
		if status == HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, map[string]string{"status": string(status)})
	}
}

func handleListDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, limit := httputil.PaginationParams(r, 50, 200)

		entries, err := deps.DeadLetters.List(r.Context(), limit, offset)
		if err != nil {
			deps.Logger.WithContext(r.Context()).WithError(err).Warn("dlq list failed")
			httputil.InternalError(w, "")
			return
		}
		stats, err := deps.DeadLetters.Stats(r.Context(), defaultDLQStatsTopN)
		if err != nil {
			deps.Logger.WithContext(r.Context()).WithError(err).Warn("dlq stats failed")
			httputil.InternalError(w, "")
			return
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
			"offset":  offset,
			"limit":   limit,
		})
	}
}

func handleGetDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, err := deps.DeadLetters.Get(r.Context(), id)
		if errors.Is(err, sql.ErrNoRows) {
			httputil.NotFound(w, "dead-letter entry not found")
			return
		}
		if err != nil {
			deps.Logger.WithContext(r.Context()).WithError(err).Warn("dlq get failed")
			httputil.InternalError(w, "")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, entry)
	}
}

func handleRetryDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		fresh, err := deps.DeadLetters.Retry(r.Context(), id)
		if errors.Is(err, sql.ErrNoRows) {
			httputil.NotFound(w, "dead-letter entry not found")
			return
		}
		if err != nil {
			deps.Logger.WithContext(r.Context()).WithError(err).Warn("dlq retry failed")
			httputil.InternalError(w, "")
			return
		}

		if err := deps.Queue.Enqueue(r.Context(), fresh); err != nil {
			deps.Logger.WithContext(r.Context()).WithError(err).Warn("dlq retry re-enqueue failed")
			httputil.InternalError(w, "")
			return
		}

		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"delivery_id": fresh.DeliveryID, "status": "requeued"})
	}
}

func handleDeleteDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.DeadLetters.Delete(r.Context(), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				httputil.NotFound(w, "dead-letter entry not found")
				return
			}
			deps.Logger.WithContext(r.Context()).WithError(err).Warn("dlq delete failed")
			httputil.InternalError(w, "")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
