package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/evm-webhook-relay/infrastructure/metrics"
)

// MetricsStore persists periodic metrics.Sample snapshots to the metrics
// table and can seed a historical rollup back at startup.
type MetricsStore struct {
	db *sqlx.DB
}

// NewMetricsStore wraps an open handle, typically shared with the delivery
// queue and dead-letter store.
func NewMetricsStore(db *sqlx.DB) *MetricsStore {
	return &MetricsStore{db: db}
}

// Persist writes every sample as a row. Failure is logged by the caller and
// never fatal: metrics persistence is best-effort.
func (s *MetricsStore) Persist(ctx context.Context, samples []metrics.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const query = `INSERT INTO metrics (metric_name, metric_value, labels, timestamp) VALUES ($1, $2, $3, NOW())`
	for _, sample := range samples {
		labels, err := json.Marshal(sample.Labels)
		if err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, sample.Name, sample.Value, labels); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Row is a single persisted metric reading.
type Row struct {
	MetricName  string    `db:"metric_name"`
	MetricValue float64   `db:"metric_value"`
	Labels      []byte    `db:"labels"`
	Timestamp   time.Time `db:"timestamp"`
}

// LoadRecent returns the most recent rows for a metric name, newest first,
// used to seed a rollup view at startup. Returning an error here is never
// fatal to process startup; callers treat it as "no history available".
func (s *MetricsStore) LoadRecent(ctx context.Context, metricName string, limit int) ([]Row, error) {
	const query = `SELECT metric_name, metric_value, labels, timestamp FROM metrics WHERE metric_name = $1 ORDER BY timestamp DESC LIMIT $2`
	var rows []Row
	if err := s.db.SelectContext(ctx, &rows, query, metricName, limit); err != nil {
		return nil, err
	}
	return rows, nil
}
