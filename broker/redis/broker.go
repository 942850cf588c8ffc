// Package redis implements broker.Broker on Redis.
//
// Layout:
//
//   - {prefix}token:{token}: String holding the message ID, set with NX.
//     Its presence is what makes a second enqueue a duplicate.
//   - {prefix}msg:{id}: Hash with the encoded delivery and its priority.
//   - {prefix}delayed: Sorted Set of hidden message IDs scored by ready-at.
//   - {prefix}ready:{priority}: Sorted Set of visible message IDs of one
//     priority, scored by ready-at millis.
//   - {prefix}priorities: Sorted Set indexing the ready sets, highest
//     priority first.
//
// Consumers move due members from delayed to ready with a script and pop
// with BZPOPMIN over the ready sets in priority order, so a higher
// priority always wins and messages of one priority leave oldest first.
// The token is only reported as a duplicate while its message is queued.
// The caller owns the client lifecycle.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	b := redis.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier/broker"
	"github.com/xraph/courier/id"
)

var _ broker.Broker = (*Broker)(nil)

const (
	defaultPrefix   = "{courier}:"
	defaultTokenTTL = 24 * time.Hour
	moveBatch       = 100
)

// Broker is a Redis-backed broker.Broker.
type Broker struct {
	client   goredis.UniversalClient
	keys     keys
	codec    broker.Codec
	tokenTTL time.Duration
	logger   *slog.Logger
	healthy  atomic.Bool
	closed   atomic.Bool
	owned    bool
}

// Option configures the Broker.
type Option func(*Broker)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(b *Broker) { b.keys = keys{prefix: prefix} }
}

// WithCodec sets the delivery codec. Defaults to msgpack.
func WithCodec(c broker.Codec) Option {
	return func(b *Broker) { b.codec = c }
}

// WithTokenTTL sets how long an unacknowledged token is held beyond the
// message delay. It bounds how long a lost consumer can block
// re-promotion of the same dedup key.
func WithTokenTTL(d time.Duration) Option {
	return func(b *Broker) { b.tokenTTL = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithOwnedClient makes Close close the client.
func WithOwnedClient() Option {
	return func(b *Broker) { b.owned = true }
}

// New creates a broker over client. Healthy starts true; the first failed
// command flips it.
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client:   client,
		keys:     keys{prefix: defaultPrefix},
		codec:    broker.Msgpack{},
		tokenTTL: defaultTokenTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.healthy.Store(true)
	return b
}

// Dial connects to addr and returns a broker owning the client.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Broker, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	b := New(client, append(opts, WithOwnedClient())...)
	if err := b.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// Client returns the underlying Redis client.
func (b *Broker) Client() goredis.UniversalClient { return b.client }

// Enqueue stores the message under its token. Token, message and queue
// membership are written by one script, so a failure leaves none of them.
func (b *Broker) Enqueue(ctx context.Context, msg broker.Message, opts broker.EnqueueOptions) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}

	now := time.Now().UTC()
	d := &broker.Delivery{
		Message:       msg,
		ID:            id.NewDeliveryID().String(),
		Token:         opts.Token,
		AttemptBudget: opts.AttemptBudget,
		Priority:      opts.Priority,
		EnqueuedAt:    now,
		ReadyAt:       now.Add(opts.Delay),
	}
	body, err := b.codec.Marshal(d)
	if err != nil {
		return fmt.Errorf("courier/broker/redis: encode: %w", err)
	}

	target, delayed := b.keys.ready(d.Priority), "0"
	if opts.Delay > 0 {
		target, delayed = b.keys.delayed(), "1"
	}
	ttl := (opts.Delay + b.tokenTTL).Milliseconds()

	ok, err := enqueueScript.Run(ctx, b.client,
		[]string{b.keys.token(opts.Token), b.keys.message(d.ID), target},
		d.ID, ttl, body, d.Priority, opts.Token, d.ReadyAt.UnixMilli(), delayed, b.keys.prefix,
	).Int()
	if err != nil {
		return b.fail("enqueue", err)
	}
	b.healthy.Store(true)
	if ok == 0 {
		return broker.ErrDuplicate
	}
	return nil
}

// Dequeue moves due delayed messages to ready and pops the oldest message
// of the highest priority, blocking up to wait.
func (b *Broker) Dequeue(ctx context.Context, wait time.Duration) (*broker.Delivery, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}
	if err := b.moveDue(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}

	members, err := b.client.ZRange(ctx, b.keys.priorities(), 0, -1).Result()
	if err != nil {
		return nil, b.fail("dequeue priorities", err)
	}
	ready := b.keys.readyOrder(members)

	for {
		res, err := b.client.BZPopMin(ctx, blockFor(wait), ready...).Result()
		if errors.Is(err, goredis.Nil) {
			b.healthy.Store(true)
			return nil, nil
		}
		if err != nil {
			return nil, b.fail("dequeue", err)
		}
		b.healthy.Store(true)

		deliveryID, _ := res.Member.(string)
		d, err := b.load(ctx, deliveryID)
		if err != nil {
			return nil, err
		}
		if d == nil {
			// Removed between pop and load; try the next one without
			// blocking again.
			wait = 0
			continue
		}
		return d, nil
	}
}

// moveDue promotes due delayed members into their ready sets.
func (b *Broker) moveDue(ctx context.Context, now time.Time) error {
	err := moveScript.Run(ctx, b.client,
		[]string{b.keys.delayed(), b.keys.priorities()},
		now.UnixMilli(), moveBatch, b.keys.prefix,
	).Err()
	if err != nil {
		return b.fail("move due", err)
	}
	return nil
}

func (b *Broker) load(ctx context.Context, deliveryID string) (*broker.Delivery, error) {
	body, err := b.client.HGet(ctx, b.keys.message(deliveryID), "body").Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, b.fail("load", err)
	}
	d := new(broker.Delivery)
	if err := b.codec.Unmarshal(body, d); err != nil {
		return nil, fmt.Errorf("courier/broker/redis: decode %s: %w", deliveryID, err)
	}
	return d, nil
}

// Ack deletes the message. Its token is released unless a newer message
// has taken it over.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	err := ackScript.Run(ctx, b.client,
		[]string{b.keys.message(d.ID), b.keys.token(d.Token)},
		d.ID,
	).Err()
	if err != nil {
		return b.fail("ack", err)
	}
	return nil
}

// Remove withdraws the message holding token.
func (b *Broker) Remove(ctx context.Context, token string) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	err := removeScript.Run(ctx, b.client,
		[]string{b.keys.token(token), b.keys.delayed()},
		b.keys.prefix,
	).Err()
	if err != nil {
		return b.fail("remove", err)
	}
	return nil
}

// Ping verifies the Redis connection is alive and refreshes Healthy.
func (b *Broker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return b.fail("ping", err)
	}
	b.healthy.Store(true)
	return nil
}

// Healthy reports the last observed connection state.
func (b *Broker) Healthy() bool {
	return !b.closed.Load() && b.healthy.Load()
}

// Close closes the client if the broker owns it.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}

// fail wraps err, marking the broker unhealthy and tagging connectivity
// failures with broker.ErrUnavailable.
func (b *Broker) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		// The caller gave up; says nothing about the connection.
		return fmt.Errorf("courier/broker/redis: %s: %w", op, err)
	}
	if broker.IsTransient(err) || errors.Is(err, goredis.ErrClosed) {
		if b.healthy.Swap(false) {
			b.logger.Warn("redis broker unavailable",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
		}
		return fmt.Errorf("courier/broker/redis: %s: %w: %w", op, broker.ErrUnavailable, err)
	}
	return fmt.Errorf("courier/broker/redis: %s: %w", op, err)
}

// blockFor converts a wait to a BZPOPMIN timeout. Zero would block
// forever, so it becomes the shortest timeout Redis accepts.
func blockFor(wait time.Duration) time.Duration {
	if wait < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	return wait
}
