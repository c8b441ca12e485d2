package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	relayerrors "github.com/R3E-Network/evm-webhook-relay/infrastructure/errors"
)

// ErrNoLease is returned by a state-transition call when the delivery does
// not exist or the caller no longer holds a live lease on it.
var ErrNoLease = fmt.Errorf("delivery not found or lease not held")

// LeaseTTL is the duration a leased delivery stays invisible to other
// workers before it is considered abandoned and reverted to pending.
const LeaseTTL = 2 * time.Minute

// Queue is the durable delivery queue, backed by Postgres. All mutating
// operations are serialized by row locks; at-most-one-active-lease is
// guaranteed by leasing via SELECT ... FOR UPDATE SKIP LOCKED.
type Queue struct {
	db *sqlx.DB
}

// Open connects to dsn and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string, poolSize int, connTimeout time.Duration) (*Queue, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, relayerrors.QueuePermanent("connect", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}
	if connTimeout > 0 {
		db.SetConnMaxLifetime(connTimeout)
	}
	return &Queue{db: db}, nil
}

// NewWithDB wraps an already-open handle, used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Queue {
	return &Queue{db: db}
}

// Close releases the underlying connection pool.
func (q *Queue) Close() error {
	return q.db.Close()
}

// DB returns the underlying connection pool, shared with components that
// persist to other tables on the same database (dead-letter store, metrics).
func (q *Queue) DB() *sqlx.DB {
	return q.db
}

// Enqueue inserts delivery with status=pending, attempts=0. Idempotent by
// DeliveryID: a repeat insert is a silent no-op.
func (q *Queue) Enqueue(ctx context.Context, d *Delivery) error {
	if d.DeliveryID == "" {
		d.DeliveryID = uuid.New().String()
	}
	if d.NextVisibleAt.IsZero() {
		d.NextVisibleAt = time.Now()
	}

	const query = `
		INSERT INTO deliveries (id, subscription_id, webhook_id, event, payload, status, attempts, max_attempts, next_visible_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	_, err := q.db.ExecContext(ctx, query,
		d.DeliveryID, d.SubID, d.WebhookID, d.EventJSON, d.Payload, StatusPending, d.MaxAttempts, d.NextVisibleAt)
	if err != nil {
		return relayerrors.QueueTransient("enqueue", err)
	}
	return nil
}

type deliveryRow struct {
	ID             string         `db:"id"`
	SubscriptionID string         `db:"subscription_id"`
	WebhookID      string         `db:"webhook_id"`
	Event          []byte         `db:"event"`
	Payload        []byte         `db:"payload"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	NextVisibleAt  time.Time      `db:"next_visible_at"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r deliveryRow) toDelivery() *Delivery {
	d := &Delivery{
		DeliveryID:    r.ID,
		SubID:         r.SubscriptionID,
		WebhookID:     r.WebhookID,
		EventJSON:     r.Event,
		Payload:       r.Payload,
		Status:        Status(r.Status),
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		NextVisibleAt: r.NextVisibleAt,
		CreatedAt:     r.CreatedAt,
	}
	if r.LeaseExpiresAt.Valid {
		t := r.LeaseExpiresAt.Time
		d.LeaseExpiresAt = &t
	}
	if r.LastError.Valid {
		d.LastError = r.LastError.String
	}
	return d
}

// Lease returns up to max currently-visible pending deliveries, atomically
// transitioning them to processing and extending their invisibility by
// LeaseTTL. Guarantees at-most-one active lease per delivery across all
// workers via row-level locking.
func (q *Queue) Lease(ctx context.Context, max int) ([]*Delivery, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, relayerrors.QueueTransient("lease_begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQuery = `
		SELECT id, subscription_id, webhook_id, event, payload, status, attempts, max_attempts,
		       next_visible_at, lease_expires_at, last_error, created_at
		FROM deliveries
		WHERE status = 'pending' AND next_visible_at <= NOW()
		ORDER BY next_visible_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	var rows []deliveryRow
	if err := tx.SelectContext(ctx, &rows, selectQuery, max); err != nil {
		return nil, relayerrors.QueueTransient("lease_select", err)
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	leaseExpiry := time.Now().Add(LeaseTTL)
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	updateQuery, args, err := sqlx.In(
		`UPDATE deliveries SET status = 'processing', lease_expires_at = ? WHERE id IN (?)`,
		leaseExpiry, ids,
	)
	if err != nil {
		return nil, relayerrors.QueuePermanent("lease_build_update", err)
	}
	updateQuery = tx.Rebind(updateQuery)
	if _, err := tx.ExecContext(ctx, updateQuery, args...); err != nil {
		return nil, relayerrors.QueueTransient("lease_update", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, relayerrors.QueueTransient("lease_commit", err)
	}

	out := make([]*Delivery, len(rows))
	for i, r := range rows {
		d := r.toDelivery()
		d.Status = StatusProcessing
		t := leaseExpiry
		d.LeaseExpiresAt = &t
		out[i] = d
	}
	return out, nil
}

// Complete transitions a leased delivery to completed. Returns ErrNoLease if
// the delivery isn't currently processing.
func (q *Queue) Complete(ctx context.Context, deliveryID string) error {
	const query = `UPDATE deliveries SET status = 'completed', lease_expires_at = NULL WHERE id = $1 AND status = 'processing'`
	return q.mustAffectOne(ctx, query, deliveryID)
}

// ScheduleRetry reverts a leased delivery to pending, incrementing attempts
// and setting the next visibility deadline and last error.
func (q *Queue) ScheduleRetry(ctx context.Context, deliveryID string, when time.Time, lastErr string) error {
	const query = `
		UPDATE deliveries
		SET status = 'pending', attempts = attempts + 1, next_visible_at = $2, last_error = $3, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`
	return q.mustAffectOne(ctx, query, deliveryID, when, lastErr)
}

// Fail is an alias of ScheduleRetry kept for contract symmetry with the
// spec's fail(delivery_id, err) operation; the processor always knows the
// next-visible time up front, so it calls ScheduleRetry directly in
// practice.
func (q *Queue) Fail(ctx context.Context, deliveryID string, lastErr string, when time.Time) error {
	return q.ScheduleRetry(ctx, deliveryID, when, lastErr)
}

// PromoteToDead transitions a leased delivery to dead and increments its
// attempt count; callers then persist a DeadLetterEntry separately.
func (q *Queue) PromoteToDead(ctx context.Context, deliveryID string, reason string) error {
	const query = `
		UPDATE deliveries
		SET status = 'dead', attempts = attempts + 1, last_error = $2, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
	`
	return q.mustAffectOne(ctx, query, deliveryID, reason)
}

func (q *Queue) mustAffectOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return relayerrors.QueueTransient("update", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return relayerrors.QueueTransient("rows_affected", err)
	}
	if n == 0 {
		return ErrNoLease
	}
	return nil
}

// ReapExpiredLeases reverts any processing delivery whose lease has expired
// back to pending, returning the count reverted. Call periodically; it is
// also safe to call it opportunistically right before Lease.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int64, error) {
	const query = `
		UPDATE deliveries
		SET status = 'pending', lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < NOW()
	`
	result, err := q.db.ExecContext(ctx, query)
	if err != nil {
		return 0, relayerrors.QueueTransient("reap_expired_leases", err)
	}
	return result.RowsAffected()
}

// Get returns a single delivery by id, or sql.ErrNoRows if absent.
func (q *Queue) Get(ctx context.Context, deliveryID string) (*Delivery, error) {
	const query = `
		SELECT id, subscription_id, webhook_id, event, payload, status, attempts, max_attempts,
		       next_visible_at, lease_expires_at, last_error, created_at
		FROM deliveries WHERE id = $1
	`
	var row deliveryRow
	if err := q.db.GetContext(ctx, &row, query, deliveryID); err != nil {
		return nil, err
	}
	return row.toDelivery(), nil
}

// Stats returns current queue depth by status and the configured maximum
// concurrency for display purposes (the processor is the source of truth
// for maxConcurrency; Stats just echoes what it's told).
func (q *Queue) Stats(ctx context.Context, maxConcurrency int) (Stats, error) {
	const query = `SELECT status, COUNT(*) FROM deliveries WHERE status IN ('pending','processing','completed','failed') GROUP BY status`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, relayerrors.QueueTransient("stats", err)
	}
	defer rows.Close()

	stats := Stats{MaxConcurrency: maxConcurrency}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, relayerrors.QueueTransient("stats_scan", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}
