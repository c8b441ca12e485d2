// Package dlq implements the dead-letter store: terminally failed
// deliveries, inspectable and replayable.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	relayerrors "github.com/R3E-Network/evm-webhook-relay/infrastructure/errors"
)

// Entry is a single dead-lettered delivery snapshot.
type Entry struct {
	DeliveryID    string
	SubID         string
	WebhookID     string
	EventJSON     json.RawMessage
	Payload       json.RawMessage
	FailureReason string
	LastError     string
	Attempts      int
	MaxAttempts   int
	FailedAt      time.Time
}

// FailureCount is a (reason, count) row for the stats breakdown.
type FailureCount struct {
	Reason string
	Count  int64
}

// Stats summarizes the dead-letter store.
type Stats struct {
	Total       int64
	Last24h     int64
	Last7d      int64
	TopFailures []FailureCount
}

// Store is the Postgres-backed dead-letter store.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open handle; the same *sqlx.DB is typically shared with
// the delivery queue.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Add persistently appends a dead-lettered delivery.
func (s *Store) Add(ctx context.Context, d *delivery.Delivery, reason string) error {
	const query = `
		INSERT INTO dead_letter_queue (id, subscription_id, webhook_id, event, payload, failure_reason, last_error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		d.DeliveryID, d.SubID, d.WebhookID, d.EventJSON, d.Payload, reason, d.LastError, d.Attempts)
	if err != nil {
		return relayerrors.DLQError("add", err)
	}
	return nil
}

type entryRow struct {
	ID             string    `db:"id"`
	SubscriptionID string    `db:"subscription_id"`
	WebhookID      string    `db:"webhook_id"`
	Event          []byte    `db:"event"`
	Payload        []byte    `db:"payload"`
	FailureReason  string    `db:"failure_reason"`
	LastError      string    `db:"last_error"`
	Attempts       int       `db:"attempts"`
	FailedAt       time.Time `db:"failed_at"`
}

func (r entryRow) toEntry() Entry {
	return Entry{
		DeliveryID:    r.ID,
		SubID:         r.SubscriptionID,
		WebhookID:     r.WebhookID,
		EventJSON:     r.Event,
		Payload:       r.Payload,
		FailureReason: r.FailureReason,
		LastError:     r.LastError,
		Attempts:      r.Attempts,
		FailedAt:      r.FailedAt,
	}
}

// List returns dead-letter entries newest first, paginated.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	const query = `
		SELECT id, subscription_id, webhook_id, event, payload, failure_reason, last_error, attempts, failed_at
		FROM dead_letter_queue ORDER BY failed_at DESC LIMIT $1 OFFSET $2
	`
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, relayerrors.DLQError("list", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

// ListForWebhook returns dead-letter entries for a single webhook, newest first.
func (s *Store) ListForWebhook(ctx context.Context, webhookID string, limit int) ([]Entry, error) {
	const query = `
		SELECT id, subscription_id, webhook_id, event, payload, failure_reason, last_error, attempts, failed_at
		FROM dead_letter_queue WHERE webhook_id = $1 ORDER BY failed_at DESC LIMIT $2
	`
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, webhookID, limit); err != nil {
		return nil, relayerrors.DLQError("list_for_webhook", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

// Get returns a single entry, or sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, deliveryID string) (Entry, error) {
	const query = `
		SELECT id, subscription_id, webhook_id, event, payload, failure_reason, last_error, attempts, failed_at
		FROM dead_letter_queue WHERE id = $1
	`
	var row entryRow
	if err := s.db.GetContext(ctx, &row, query, deliveryID); err != nil {
		return Entry{}, err
	}
	return row.toEntry(), nil
}

// Stats computes total, 24h, 7d counts and the top-N failure reasons by count.
func (s *Store) Stats(ctx context.Context, topN int) (Stats, error) {
	var stats Stats

	if err := s.db.GetContext(ctx, &stats.Total, `SELECT COUNT(*) FROM dead_letter_queue`); err != nil {
		return Stats{}, relayerrors.DLQError("stats_total", err)
	}
	if err := s.db.GetContext(ctx, &stats.Last24h, `SELECT COUNT(*) FROM dead_letter_queue WHERE failed_at > NOW() - INTERVAL '24 hours'`); err != nil {
		return Stats{}, relayerrors.DLQError("stats_24h", err)
	}
	if err := s.db.GetContext(ctx, &stats.Last7d, `SELECT COUNT(*) FROM dead_letter_queue WHERE failed_at > NOW() - INTERVAL '7 days'`); err != nil {
		return Stats{}, relayerrors.DLQError("stats_7d", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT failure_reason, COUNT(*) as count FROM dead_letter_queue GROUP BY failure_reason ORDER BY count DESC LIMIT $1`, topN)
	if err != nil {
		return Stats{}, relayerrors.DLQError("stats_top_reasons", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fc FailureCount
		if err := rows.Scan(&fc.Reason, &fc.Count); err != nil {
			return Stats{}, relayerrors.DLQError("stats_top_reasons_scan", err)
		}
		stats.TopFailures = append(stats.TopFailures, fc)
	}
	return stats, rows.Err()
}

// Retry atomically removes the entry and returns a fresh delivery with
// attempts reset to 0 and status pending. Returns sql.ErrNoRows if absent.
func (s *Store) Retry(ctx context.Context, deliveryID string) (*delivery.Delivery, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, relayerrors.DLQError("retry_begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row entryRow
	const selectQuery = `
		SELECT id, subscription_id, webhook_id, event, payload, failure_reason, last_error, attempts, failed_at
		FROM dead_letter_queue WHERE id = $1 FOR UPDATE
	`
	if err := tx.GetContext(ctx, &row, selectQuery, deliveryID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, relayerrors.DLQError("retry_select", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, deliveryID); err != nil {
		return nil, relayerrors.DLQError("retry_delete", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, relayerrors.DLQError("retry_commit", err)
	}

	fresh := row.toEntry()
	return &delivery.Delivery{
		DeliveryID:    fresh.DeliveryID,
		SubID:         fresh.SubID,
		WebhookID:     fresh.WebhookID,
		EventJSON:     fresh.EventJSON,
		Payload:       fresh.Payload,
		Status:        delivery.StatusPending,
		Attempts:      0,
		MaxAttempts:   fresh.Attempts, // the dead-letter row stores no max_attempts, so the recorded attempt count is reused
		NextVisibleAt: time.Now(),
	}, nil
}

// Delete permanently purges a single dead-letter entry. Returns
// sql.ErrNoRows if no entry with that id exists.
func (s *Store) Delete(ctx context.Context, deliveryID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, deliveryID)
	if err != nil {
		return relayerrors.DLQError("delete", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return relayerrors.DLQError("delete", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CleanupOlderThan removes dead-letter entries older than maxAge, returning
// the count removed. Call periodically from the scheduler.
func (s *Store) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE failed_at < $1`, time.Now().Add(-maxAge))
	if err != nil {
		return 0, relayerrors.DLQError("cleanup", err)
	}
	return result.RowsAffected()
}
