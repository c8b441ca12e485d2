package runtime

import (
	"context"
	"encoding/json"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	"github.com/R3E-Network/evm-webhook-relay/domain/event"
	"github.com/R3E-Network/evm-webhook-relay/domain/filter"
	"github.com/R3E-Network/evm-webhook-relay/domain/formatter"
	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/metrics"
)

// Dispatcher is the chain.Handler wired into the Event Source: for every
// decoded event it re-evaluates each matched subscription's filter, renders
// the endpoint-specific payload, and enqueues one Delivery per passing
// (subscription, webhook) pair.
type Dispatcher struct {
	queue   *delivery.Queue
	options Options
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// Options carries the tuning knobs the dispatcher needs from config.
type Options struct {
	DefaultRetryAttempts int
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(queue *delivery.Queue, opts Options, logger *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{queue: queue, options: opts, logger: logger, metrics: m}
}

// Handle implements chain.Handler.
func (d *Dispatcher) Handle(ctx context.Context, evt event.BlockchainEvent, matched []subscription.Subscription) {
	for _, sub := range matched {
		if !filter.Match(evt, toFilterPredicates(sub.Filters)) {
			if d.metrics != nil {
				d.metrics.RecordEventProcessed("filtered")
			}
			continue
		}
		for _, wh := range sub.Webhooks {
			d.enqueueOne(ctx, evt, sub, wh)
		}
	}
}

func (d *Dispatcher) enqueueOne(ctx context.Context, evt event.BlockchainEvent, sub subscription.Subscription, wh subscription.WebhookEndpoint) {
	rendered, err := formatter.Format(evt, wh.Format)
	if err != nil {
		d.logger.WithField("webhook_id", wh.WebhookID).WithError(err).Warn("formatter error, dropping event for endpoint")
		return
	}
	payload, err := json.Marshal(rendered)
	if err != nil {
		d.logger.WithField("webhook_id", wh.WebhookID).WithError(err).Warn("payload encode error, dropping event for endpoint")
		return
	}
	eventJSON, err := json.Marshal(evt)
	if err != nil {
		d.logger.WithField("webhook_id", wh.WebhookID).WithError(err).Warn("event encode error, dropping event for endpoint")
		return
	}

	maxAttempts := wh.RetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.options.DefaultRetryAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	del := &delivery.Delivery{
		SubID:       sub.SubID,
		WebhookID:   wh.WebhookID,
		Event:       evt,
		EventJSON:   eventJSON,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	}
	if err := d.queue.Enqueue(ctx, del); err != nil {
		d.logger.WithField("webhook_id", wh.WebhookID).WithError(err).Warn("enqueue failed")
		return
	}
	d.logger.LogChainEvent(ctx, sub.SubID, evt.EventName, evt.TxHash.Hex(), evt.BlockNumber)
}

func toFilterPredicates(in map[string]subscription.FilterPredicate) map[string]filter.Predicate {
	out := make(map[string]filter.Predicate, len(in))
	for k, v := range in {
		out[k] = filter.Predicate{Op: v.Op, Value: v.Value}
	}
	return out
}
