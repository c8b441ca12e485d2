package processor

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	"github.com/R3E-Network/evm-webhook-relay/domain/dlq"
	"github.com/R3E-Network/evm-webhook-relay/domain/retry"
	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
	"github.com/R3E-Network/evm-webhook-relay/sender"
)

type fakeResolver struct {
	endpoint subscription.WebhookEndpoint
	ok       bool
}

func (f fakeResolver) Resolve(subID, webhookID string) (subscription.Subscription, subscription.WebhookEndpoint, bool) {
	return subscription.Subscription{}, f.endpoint, f.ok
}

type fakeSender struct {
	outcome sender.Outcome
}

func (f fakeSender) Send(ctx context.Context, endpoint subscription.WebhookEndpoint, payload []byte) sender.Outcome {
	return f.outcome
}

func testEndpoint(t *testing.T) subscription.WebhookEndpoint {
	t.Helper()
	u, err := url.Parse("https://example.test/hook")
	require.NoError(t, err)
	return subscription.WebhookEndpoint{WebhookID: "wh-1", URL: u, Timeout: 1000}
}

func newTestProcessor(t *testing.T, db *sqlx.DB, resolver EndpointResolver, snd Sender) *Processor {
	t.Helper()
	return New(Config{
		Queue:       delivery.NewWithDB(db),
		DeadLetters: dlq.NewStore(db),
		Resolver:    resolver,
		Sender:      snd,
		Scheduler:   retry.DefaultScheduler(),
		Workers:     2,
		Logger:      logging.New("test", "error", "json"),
	})
}

func TestApplyOutcomeCompletesOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectExec("UPDATE deliveries SET status = 'completed'").
		WithArgs("d-1").WillReturnResult(sqlmock.NewResult(0, 1))

	p := newTestProcessor(t, sqlxDB, fakeResolver{endpoint: testEndpoint(t), ok: true}, fakeSender{})
	d := &delivery.Delivery{DeliveryID: "d-1", WebhookID: "wh-1", Attempts: 0, MaxAttempts: 3}
	p.applyOutcome(context.Background(), d, sender.Outcome{Success: true, StatusCode: 200})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyOutcomePromotesDeadOn4xx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectExec("UPDATE deliveries SET status = 'dead'").
		WithArgs("d-1", reasonNonRetriable).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dead_letter_queue").WillReturnResult(sqlmock.NewResult(1, 1))

	p := newTestProcessor(t, sqlxDB, fakeResolver{endpoint: testEndpoint(t), ok: true}, fakeSender{})
	d := &delivery.Delivery{DeliveryID: "d-1", WebhookID: "wh-1", Attempts: 0, MaxAttempts: 3}
	p.applyOutcome(context.Background(), d, sender.Outcome{Success: false, StatusCode: 404})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyOutcomeSchedulesRetryOn5xx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectExec("UPDATE deliveries SET status = 'pending', attempts = attempts \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := newTestProcessor(t, sqlxDB, fakeResolver{endpoint: testEndpoint(t), ok: true}, fakeSender{})
	d := &delivery.Delivery{DeliveryID: "d-1", WebhookID: "wh-1", Attempts: 0, MaxAttempts: 3}
	p.applyOutcome(context.Background(), d, sender.Outcome{Success: false, StatusCode: 503})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyOutcomePromotesDeadWhenAttemptsExceedMax(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectExec("UPDATE deliveries SET status = 'dead'").
		WithArgs("d-1", reasonMaxAttempts).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dead_letter_queue").WillReturnResult(sqlmock.NewResult(1, 1))

	p := newTestProcessor(t, sqlxDB, fakeResolver{endpoint: testEndpoint(t), ok: true}, fakeSender{})
	d := &delivery.Delivery{DeliveryID: "d-1", WebhookID: "wh-1", Attempts: 3, MaxAttempts: 3}
	p.applyOutcome(context.Background(), d, sender.Outcome{Success: false, StatusCode: 500})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessPromotesDeadWhenEndpointUnresolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectExec("UPDATE deliveries SET status = 'dead'").
		WithArgs("d-1", "endpoint no longer configured").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dead_letter_queue").WillReturnResult(sqlmock.NewResult(1, 1))

	p := newTestProcessor(t, sqlxDB, fakeResolver{ok: false}, fakeSender{})
	d := &delivery.Delivery{DeliveryID: "d-1", WebhookID: "wh-1", Attempts: 0, MaxAttempts: 3}
	p.process(context.Background(), d)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerSemaphoreCapacityEqualsWorkers(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	p := newTestProcessor(t, sqlxDB, fakeResolver{ok: true, endpoint: testEndpoint(t)}, fakeSender{})
	p.sem <- struct{}{}
	p.sem <- struct{}{}
	assert.Equal(t, 0, cap(p.sem)-len(p.sem))
}

func TestDrainReturnsWhenWorkGroupEmpty(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	p := newTestProcessor(t, sqlxDB, fakeResolver{ok: true}, fakeSender{})
	p.cfg.DrainDeadline = 10 * time.Millisecond
	p.drain()
}
