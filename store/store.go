// Package store persists the append-only envelope log and the per-subscriber
// delivery records consumed by the chat-center history view.
package store

import (
	"context"
	"time"

	"github.com/openhive/commbus/comms"
)

// Delivery is one (envelope, subscriber) bookkeeping row. DeliveredAt is
// nil while the delivery is pending.
type Delivery struct {
	EnvelopeID   string     `json:"envelope_id"`
	SubscriberID string     `json:"subscriber_id"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// Store is the durable log contract. Append records the envelope and its
// pending delivery rows in one atomic write; a failed Append leaves
// nothing behind. ReadSince serves history replay for a channel or agent
// target. Implementations must survive concurrent appends from many
// producers without losing writes.
type Store interface {
	comms.Log

	// ReadSince returns the envelopes addressed to target (a channel name
	// or agent ID) created after since, in created_at then ID order.
	ReadSince(ctx context.Context, target string, since time.Time) ([]*comms.Envelope, error)

	// Deliveries returns the delivery rows for one envelope.
	Deliveries(ctx context.Context, envelopeID string) ([]Delivery, error)

	// PendingCount returns the number of undelivered rows for a subscriber.
	PendingCount(ctx context.Context, subscriberID string) (int, error)

	Close() error
}
