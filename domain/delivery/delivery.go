// Package delivery models a single intended webhook POST and its durable
// queue, backed by Postgres row leasing.
package delivery

import (
	"encoding/json"
	"time"

	"github.com/R3E-Network/evm-webhook-relay/domain/event"
)

// Status is the closed set of states a Delivery can occupy.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Delivery is a single intended POST to a single endpoint for a single
// matched event.
//
// Event carries the typed source event only while a Delivery is freshly
// constructed from the live pipeline (enqueue path); once round-tripped
// through Postgres it is re-hydrated as EventJSON only, since the tagged
// argument Values cannot be losslessly reconstructed from their rendered
// JSON form. Processing a leased delivery never needs typed Args again —
// only the already-formatted Payload is sent over the wire.
type Delivery struct {
	DeliveryID     string
	SubID          string
	WebhookID      string
	Event          event.BlockchainEvent
	EventJSON      json.RawMessage
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	MaxAttempts    int
	NextVisibleAt  time.Time
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
}

// MarshalEvent renders Event to its JSON form for persistence. Call before
// an initial enqueue; later reads use EventJSON directly.
func (d *Delivery) MarshalEvent() error {
	raw, err := json.Marshal(d.Event)
	if err != nil {
		return err
	}
	d.EventJSON = raw
	return nil
}

// Stats summarizes queue depth by terminal and non-terminal status.
type Stats struct {
	Pending        int
	Processing     int
	Completed      int
	Failed         int
	MaxConcurrency int
}
