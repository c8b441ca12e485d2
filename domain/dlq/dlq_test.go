package dlq

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

func TestAddInsertsDeadLetterRow(t *testing.T) {
	s, mock := newMockStore(t)

	d := &delivery.Delivery{
		DeliveryID: "d-1", SubID: "sub-1", WebhookID: "wh-1",
		EventJSON: []byte(`{}`), Payload: []byte(`{}`), Attempts: 5, LastError: "timeout",
	}
	mock.ExpectExec("INSERT INTO dead_letter_queue").
		WithArgs("d-1", "sub-1", "wh-1", []byte(`{}`), []byte(`{}`), "max_attempts_exceeded", "timeout", 5).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Add(context.Background(), d, "max_attempts_exceeded")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReturnsEntriesNewestFirst(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "subscription_id", "webhook_id", "event", "payload", "failure_reason", "last_error", "attempts", "failed_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("d-2", "sub-1", "wh-1", []byte(`{}`), []byte(`{}`), "http_permanent", "404", 3, time.Now()).
		AddRow("d-1", "sub-1", "wh-1", []byte(`{}`), []byte(`{}`), "http_permanent", "404", 3, time.Now())
	mock.ExpectQuery("SELECT id, subscription_id").WithArgs(10, 0).WillReturnRows(rows)

	entries, err := s.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "d-2", entries[0].DeliveryID)
}

func TestListForWebhookFiltersByWebhookID(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "subscription_id", "webhook_id", "event", "payload", "failure_reason", "last_error", "attempts", "failed_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("d-1", "sub-1", "wh-1", []byte(`{}`), []byte(`{}`), "http_permanent", "404", 3, time.Now())
	mock.ExpectQuery("SELECT id, subscription_id").WithArgs("wh-1", 50).WillReturnRows(rows)

	entries, err := s.ListForWebhook(context.Background(), "wh-1", 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "wh-1", entries[0].WebhookID)
}

func TestGetReturnsErrNoRowsWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, subscription_id").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStatsAggregatesCountsAndTopFailures(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM dead_letter_queue$").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectQuery("24 hours").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery("7 days").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(20))
	mock.ExpectQuery("GROUP BY failure_reason").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"failure_reason", "count"}).
			AddRow("http_permanent", 30).
			AddRow("chain_permanent", 10))

	stats, err := s.Stats(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.Total)
	assert.Equal(t, int64(5), stats.Last24h)
	assert.Equal(t, int64(20), stats.Last7d)
	require.Len(t, stats.TopFailures, 2)
	assert.Equal(t, "http_permanent", stats.TopFailures[0].Reason)
	assert.Equal(t, int64(30), stats.TopFailures[0].Count)
}

func TestRetryRemovesEntryAndReturnsFreshDelivery(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "subscription_id", "webhook_id", "event", "payload", "failure_reason", "last_error", "attempts", "failed_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("d-1", "sub-1", "wh-1", []byte(`{}`), []byte(`{}`), "http_permanent", "404", 5, time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_id").WithArgs("d-1").WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM dead_letter_queue").WithArgs("d-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fresh, err := s.Retry(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", fresh.DeliveryID)
	assert.Equal(t, delivery.StatusPending, fresh.Status)
	assert.Equal(t, 0, fresh.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryReturnsErrNoRowsWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, subscription_id").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRemovesEntry(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM dead_letter_queue WHERE id").
		WithArgs("d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Delete(context.Background(), "d-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReturnsErrNoRowsWhenAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM dead_letter_queue WHERE id").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Delete(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCleanupOlderThanReturnsRemovedCount(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM dead_letter_queue WHERE failed_at").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.CleanupOlderThan(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
