package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evm-webhook-relay/infrastructure/metrics"
)

func newMockMetricsStore(t *testing.T) (*MetricsStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMetricsStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPersistWritesEachSample(t *testing.T) {
	s, mock := newMockMetricsStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO metrics").
		WithArgs("events_processed_total", 1.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Persist(context.Background(), []metrics.Sample{
		{Name: "events_processed_total", Labels: map[string]string{"result": "matched"}, Value: 1},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistIsNoOpForEmptySamples(t *testing.T) {
	s, mock := newMockMetricsStore(t)
	err := s.Persist(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRecentReturnsRows(t *testing.T) {
	s, mock := newMockMetricsStore(t)

	rows := sqlmock.NewRows([]string{"metric_name", "metric_value", "labels", "timestamp"}).
		AddRow("queue_size", 5.0, []byte(`{"status":"pending"}`), time.Now())
	mock.ExpectQuery("SELECT metric_name").WithArgs("queue_size", 10).WillReturnRows(rows)

	got, err := s.LoadRecent(context.Background(), "queue_size", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "queue_size", got[0].MetricName)
}
