package runtime

import (
	"sync"

	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
)

// endpointKey uniquely identifies a webhook endpoint across all subscriptions.
type endpointKey struct {
	subID     string
	webhookID string
}

// Resolver is a read-mostly snapshot of the current subscription set, keyed
// for O(1) (sub_id, webhook_id) lookup. It is rebuilt wholesale on every
// config reload and swapped atomically; the write lock is held only for the
// swap itself, not while the new maps are built.
type Resolver struct {
	mu        sync.RWMutex
	subsByID  map[string]subscription.Subscription
	endpoints map[endpointKey]subscription.WebhookEndpoint
}

// NewResolver builds a Resolver from the initial subscription set.
func NewResolver(subs []subscription.Subscription) *Resolver {
	r := &Resolver{}
	r.Update(subs)
	return r
}

// Update atomically replaces the snapshot, used on every successful config
// reload.
func (r *Resolver) Update(subs []subscription.Subscription) {
	subsByID := make(map[string]subscription.Subscription, len(subs))
	endpoints := make(map[endpointKey]subscription.WebhookEndpoint)
	for _, sub := range subs {
		subsByID[sub.SubID] = sub
		for _, wh := range sub.Webhooks {
			endpoints[endpointKey{subID: sub.SubID, webhookID: wh.WebhookID}] = wh
		}
	}

	r.mu.Lock()
	r.subsByID = subsByID
	r.endpoints = endpoints
	r.mu.Unlock()
}

// Resolve returns the subscription and endpoint for a (sub_id, webhook_id)
// pair, and whether both are still present in the current snapshot.
func (r *Resolver) Resolve(subID, webhookID string) (subscription.Subscription, subscription.WebhookEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subsByID[subID]
	if !ok {
		return subscription.Subscription{}, subscription.WebhookEndpoint{}, false
	}
	endpoint, ok := r.endpoints[endpointKey{subID: subID, webhookID: webhookID}]
	if !ok {
		return subscription.Subscription{}, subscription.WebhookEndpoint{}, false
	}
	return sub, endpoint, true
}

// Snapshot returns the subscription set backing the resolver, used to keep
// the Event Source's filter in sync.
func (r *Resolver) Snapshot() []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]subscription.Subscription, 0, len(r.subsByID))
	for _, sub := range r.subsByID {
		out = append(out, sub)
	}
	return out
}
