// Package broker defines the contract between the outbox and the volatile
// execution broker.
//
// The broker is not the system of record: it holds only work that is about
// to run. It must honour an idempotency token (enqueueing a second message
// with a live token reports ErrDuplicate), a delay before the message
// becomes visible, and a priority among visible messages.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate reports that a message with the same token is already
	// held by the broker. Callers treat it as success.
	ErrDuplicate = errors.New("courier/broker: duplicate token")

	// ErrUnavailable reports a transient connectivity failure. The record
	// should stay pending and be retried on a later pass.
	ErrUnavailable = errors.New("courier/broker: unavailable")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("courier/broker: closed")
)

// Message is the unit of work handed to the broker.
type Message struct {
	RecordID string         `json:"record_id" msgpack:"record_id"`
	JobName  string         `json:"job_name" msgpack:"job_name"`
	Payload  map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
	// Attempt is the record's attempt number for this execution.
	Attempt int `json:"attempt" msgpack:"attempt"`
}

// EnqueueOptions controls how the broker holds a message.
type EnqueueOptions struct {
	// Token is the idempotency token, derived from the record's dedup key.
	Token string
	// Delay hides the message until it elapses.
	Delay time.Duration
	// AttemptBudget is the number of attempts the record has left. It is
	// carried on the delivery for handlers; retries are driven by the
	// outbox, not the broker.
	AttemptBudget int
	// Priority orders visible messages; higher first.
	Priority int
}

// Delivery is a message handed to a consumer.
type Delivery struct {
	Message

	// ID identifies this broker entry; Ack uses it.
	ID            string    `json:"id" msgpack:"id"`
	Token         string    `json:"token" msgpack:"token"`
	AttemptBudget int       `json:"attempt_budget" msgpack:"attempt_budget"`
	Priority      int       `json:"priority" msgpack:"priority"`
	EnqueuedAt    time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
	ReadyAt       time.Time `json:"ready_at" msgpack:"ready_at"`
}

// Broker is the execution broker contract.
type Broker interface {
	// Enqueue hands a message to the broker. It returns ErrDuplicate when
	// opts.Token is held by a message still waiting in the broker (delayed
	// or visible); a token whose message was already handed out moves to
	// the new message. It returns an error wrapping
	// ErrUnavailable on transient failures. Any other error is a permanent
	// rejection.
	Enqueue(ctx context.Context, msg Message, opts EnqueueOptions) error

	// Dequeue blocks up to wait for a visible message. It returns nil and
	// no error when nothing became visible in time.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)

	// Ack removes a delivered message and releases its token unless a
	// newer message has taken it over.
	Ack(ctx context.Context, d *Delivery) error

	// Remove withdraws the message holding token, visible or delayed.
	// Removing an unknown token is not an error.
	Remove(ctx context.Context, token string) error

	// Ping checks connectivity and refreshes Healthy.
	Ping(ctx context.Context) error

	// Healthy reports the last observed connection state without
	// touching the network.
	Healthy() bool

	// Close releases resources.
	Close() error
}
