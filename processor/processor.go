// Package processor implements the Queue Processor: a worker pool that
// leases deliveries, sends them, and applies the outcome policy back to the
// durable queue.
package processor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	"github.com/R3E-Network/evm-webhook-relay/domain/dlq"
	"github.com/R3E-Network/evm-webhook-relay/domain/retry"
	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/metrics"
	"github.com/R3E-Network/evm-webhook-relay/sender"
)

// Sender is the subset of sender.Sender the processor depends on.
type Sender interface {
	Send(ctx context.Context, endpoint subscription.WebhookEndpoint, payload []byte) sender.Outcome
}

// EndpointResolver resolves a (sub_id, webhook_id) pair to the live endpoint
// and subscription, reflecting the Config Store's current snapshot.
type EndpointResolver interface {
	Resolve(subID, webhookID string) (subscription.Subscription, subscription.WebhookEndpoint, bool)
}

const (
	reasonNonRetriable     = "non-retriable client error"
	reasonMaxAttempts      = "max attempts exceeded"
	backpressureMultiplier = 4
)

// Config configures a Processor.
type Config struct {
	Queue         *delivery.Queue
	DeadLetters   *dlq.Store
	Resolver      EndpointResolver
	Sender        Sender
	Scheduler     retry.Scheduler
	Workers       int
	PollEvery     time.Duration
	DrainDeadline time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

// Processor is the worker pool driving delivery leases to resolution.
type Processor struct {
	cfg Config
	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Processor ready to Run.
func New(cfg Config) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = 30 * time.Second
	}
	return &Processor{cfg: cfg, sem: make(chan struct{}, cfg.Workers)}
}

// Run drives the lease/dispatch loop until ctx is cancelled, then waits up
// to DrainDeadline for in-flight workers before returning. Any lease still
// held past the drain deadline is simply abandoned: its lease will expire
// and ReapExpiredLeases will return it to pending.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-ticker.C:
			p.dispatchTick(ctx)
		}
	}
}

func (p *Processor) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainDeadline):
		p.cfg.Logger.WithField("deadline", p.cfg.DrainDeadline.String()).Warn("processor drain deadline exceeded, abandoning in-flight leases")
	}
}

// dispatchTick leases up to the available worker slots. Under sustained
// queue saturation the lease batch widens, but the number of concurrently
// dispatched POSTs never exceeds Workers.
func (p *Processor) dispatchTick(ctx context.Context) {
	available := cap(p.sem) - len(p.sem)
	if available <= 0 {
		return
	}

	batch := available
	if stats, err := p.cfg.Queue.Stats(ctx, p.cfg.Workers); err == nil {
		if stats.Pending > backpressureMultiplier*p.cfg.Workers {
			batch = p.cfg.Workers
		}
	}

	leased, err := p.cfg.Queue.Lease(ctx, batch)
	if err != nil {
		p.cfg.Logger.WithError(err).Warn("lease failed")
		return
	}

	for _, d := range leased {
		d := d
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, d)
		}()
	}
}

func (p *Processor) process(ctx context.Context, d *delivery.Delivery) {
	// The event was already matched against its subscription's filters and
	// rendered into d.Payload by the dispatcher at enqueue time (see
	// runtime.Dispatcher); a delivery only ever reaches the lease/dispatch
	// loop pre-formatted, so the processor's one remaining job is resolving
	// the live endpoint (headers, timeout may have changed on reload) and
	// sending.
	_, endpoint, ok := p.cfg.Resolver.Resolve(d.SubID, d.WebhookID)
	if !ok {
		// The subscription or endpoint was removed by a config reload since
		// this delivery was enqueued; nothing sane to retry against.
		p.finalizeDead(ctx, d, "endpoint no longer configured")
		return
	}

	outcome := p.cfg.Sender.Send(ctx, endpoint, d.Payload)
	p.applyOutcome(ctx, d, outcome)
}

func (p *Processor) applyOutcome(ctx context.Context, d *delivery.Delivery, outcome sender.Outcome) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordResponseTime(d.WebhookID, time.Duration(outcome.ResponseTimeMs)*time.Millisecond)
	}

	switch {
	case outcome.Success:
		_ = p.cfg.Queue.Complete(ctx, d.DeliveryID)
		p.recordOutcome(d, "completed", "")
		return

	case outcome.StatusCode >= 400 && outcome.StatusCode < 500 &&
		outcome.StatusCode != 408 && outcome.StatusCode != 425 && outcome.StatusCode != 429:
		p.finalizeDead(ctx, d, reasonNonRetriable)
		return

	default:
		nextAttempt := d.Attempts + 1
		if nextAttempt > d.MaxAttempts {
			p.finalizeDead(ctx, d, reasonMaxAttempts)
			return
		}
		when := p.cfg.Scheduler.Next(nextAttempt, time.Now())
		errMsg := outcome.Error
		if errMsg == "" {
			errMsg = httpStatusError(outcome.StatusCode)
		}
		_ = p.cfg.Queue.ScheduleRetry(ctx, d.DeliveryID, when, errMsg)
		p.recordOutcome(d, "retry_scheduled", errMsg)
	}
}

func (p *Processor) finalizeDead(ctx context.Context, d *delivery.Delivery, reason string) {
	if err := p.cfg.Queue.PromoteToDead(ctx, d.DeliveryID, reason); err != nil {
		p.cfg.Logger.WithField("delivery_id", d.DeliveryID).WithError(err).Warn("promote to dead failed")
	}
	if p.cfg.DeadLetters != nil {
		d.LastError = reason
		if err := p.cfg.DeadLetters.Add(ctx, d, reason); err != nil {
			p.cfg.Logger.WithField("delivery_id", d.DeliveryID).WithError(err).Warn("dead-letter append failed")
		}
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordDeadLettered()
		p.cfg.Metrics.RecordDeliveryFailure(d.WebhookID, reason)
	}
	p.recordOutcome(d, "dead", reason)
}

func (p *Processor) recordOutcome(d *delivery.Delivery, status, errMsg string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordDeliveryOutcome(d.WebhookID, status)
	}
	var err error
	if errMsg != "" {
		err = errors.New(errMsg)
	}
	p.cfg.Logger.LogDeliveryOutcome(context.Background(), d.DeliveryID, d.WebhookID, status, d.Attempts, err)
}

func httpStatusError(code int) string {
	if code == 0 {
		return "transport error"
	}
	return "http status " + strconv.Itoa(code)
}
