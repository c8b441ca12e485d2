package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	"github.com/R3E-Network/evm-webhook-relay/domain/dlq"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
)

type fakeHealth struct{ status HealthStatus }

func (f fakeHealth) Health() HealthStatus { return f.status }

type fakeDLQ struct {
	entries    []dlq.Entry
	getErr     error
	retryErr   error
	deleteErr  error
	retryFresh *delivery.Delivery
}

func (f *fakeDLQ) List(ctx context.Context, limit, offset int) ([]dlq.Entry, error) {
	return f.entries, nil
}
func (f *fakeDLQ) Get(ctx context.Context, id string) (dlq.Entry, error) {
	if f.getErr != nil {
		return dlq.Entry{}, f.getErr
	}
	return dlq.Entry{DeliveryID: id}, nil
}
func (f *fakeDLQ) Stats(ctx context.Context, topN int) (dlq.Stats, error) {
	return dlq.Stats{Total: int64(len(f.entries))}, nil
}
func (f *fakeDLQ) Retry(ctx context.Context, id string) (*delivery.Delivery, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return f.retryFresh, nil
}
func (f *fakeDLQ) Delete(ctx context.Context, id string) error {
	return f.deleteErr
}

type fakeQueue struct {
	enqueued []*delivery.Delivery
	err      error
}

func (f *fakeQueue) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, d)
	return nil
}

func testDeps(t *testing.T, health HealthStatus, store *fakeDLQ, queue *fakeQueue) Deps {
	t.Helper()
	return Deps{
		Logger:      logging.New("test", "error", "json"),
		Registry:    prometheus.NewRegistry(),
		Runtime:     fakeHealth{status: health},
		DeadLetters: store,
		Queue:       queue,
	}
}

func TestHealthzReturnsOKWhenReady(t *testing.T) {
	router := NewRouter(testDeps(t, HealthReady, &fakeDLQ{}, &fakeQueue{}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ready")
}

func TestHealthzReturns503WhenUnhealthy(t *testing.T) {
	router := NewRouter(testDeps(t, HealthUnhealthy, &fakeDLQ{}, &fakeQueue{}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsExposesPrometheusText(t *testing.T) {
	router := NewRouter(testDeps(t, HealthReady, &fakeDLQ{}, &fakeQueue{}))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestListDeadLettersReturnsEntriesAndStats(t *testing.T) {
	store := &fakeDLQ{entries: []dlq.Entry{{DeliveryID: "d-1"}, {DeliveryID: "d-2"}}}
	router := NewRouter(testDeps(t, HealthReady, store, &fakeQueue{}))
	req := httptest.NewRequest(http.MethodGet, "/dlq/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "d-1")
}

func TestGetDeadLetterReturns404WhenAbsent(t *testing.T) {
	store := &fakeDLQ{getErr: sql.ErrNoRows}
	router := NewRouter(testDeps(t, HealthReady, store, &fakeQueue{}))
	req := httptest.NewRequest(http.MethodGet, "/dlq/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryDeadLetterEnqueuesFreshDelivery(t *testing.T) {
	fresh := &delivery.Delivery{DeliveryID: "d-1", Status: delivery.StatusPending}
	store := &fakeDLQ{retryFresh: fresh}
	queue := &fakeQueue{}
	router := NewRouter(testDeps(t, HealthReady, store, queue))

	req := httptest.NewRequest(http.MethodPost, "/dlq/d-1/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, queue.enqueued, 1)
	require.Equal(t, "d-1", queue.enqueued[0].DeliveryID)
}

func TestRetryDeadLetterReturns404WhenAbsent(t *testing.T) {
	store := &fakeDLQ{retryErr: sql.ErrNoRows}
	router := NewRouter(testDeps(t, HealthReady, store, &fakeQueue{}))

	req := httptest.NewRequest(http.MethodPost, "/dlq/missing/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteDeadLetterReturns204(t *testing.T) {
	router := NewRouter(testDeps(t, HealthReady, &fakeDLQ{}, &fakeQueue{}))

	req := httptest.NewRequest(http.MethodDelete, "/dlq/d-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeleteDeadLetterReturns404WhenAbsent(t *testing.T) {
	store := &fakeDLQ{deleteErr: sql.ErrNoRows}
	router := NewRouter(testDeps(t, HealthReady, store, &fakeQueue{}))

	req := httptest.NewRequest(http.MethodDelete, "/dlq/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}
