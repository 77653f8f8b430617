// Package outbox implements a transactional outbox: events are written in
// the same transaction as the state change they describe and published to
// Kafka afterwards by a Relay.
package outbox

import (
	"context"
	"time"
)

// Status is the delivery state of an outbox message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Message is a domain event waiting for delivery.
type Message struct {
	ID int64
	// Type names the event, e.g. "order.placed".
	Type string
	// Key orders delivery: messages with the same key land on the same
	// partition.
	Key       string
	Payload   []byte
	Headers   map[string]string
	CreatedAt time.Time
	Attempts  int
}

// Writer appends messages inside the caller's transaction.
type Writer interface {
	AppendMessage(ctx context.Context, m Message) error
}

// Store hands out batches of pending messages to relays. A claimed message
// stays invisible to other relays until its lease expires.
type Store interface {
	ClaimBatch(ctx context.Context, relayID string, limit int, lease time.Duration) ([]Message, error)
	MarkSent(ctx context.Context, ids []int64) error
	// MarkFailed records a delivery failure. The message returns to pending
	// until it has been attempted maxAttempts times.
	MarkFailed(ctx context.Context, id int64, reason string, maxAttempts int) error
}

// Dispatcher delivers one message to the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, m Message) error
}
