// Package memory provides an in-process broker for tests and single-node
// development. It can simulate outages and permanent rejections.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/courier/broker"
	"github.com/xraph/courier/id"
)

var _ broker.Broker = (*Broker)(nil)

// Broker is an in-memory broker.Broker. Safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	entries map[string]*broker.Delivery // by delivery ID
	tokens  map[string]string           // token → delivery ID
	seq     uint64
	order   map[string]uint64 // delivery ID → enqueue sequence

	down     atomic.Bool
	closed   atomic.Bool
	rejectFn func(broker.Message) error

	poll time.Duration
	now  func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithPollInterval sets how often a blocked Dequeue re-checks for visible
// messages. Defaults to 10ms.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.poll = d }
}

// WithClock overrides the time source used for delays.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		entries: make(map[string]*broker.Delivery),
		tokens:  make(map[string]string),
		order:   make(map[string]uint64),
		poll:    10 * time.Millisecond,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetDown simulates an outage: while down every operation fails with
// broker.ErrUnavailable and Healthy reports false.
func (b *Broker) SetDown(down bool) { b.down.Store(down) }

// RejectWith installs fn to decide permanent rejections. A nil fn or a nil
// result accepts the message.
func (b *Broker) RejectWith(fn func(broker.Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectFn = fn
}

func (b *Broker) check() error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	if b.down.Load() {
		return broker.ErrUnavailable
	}
	return nil
}

// Enqueue stores msg, honouring the token, delay and priority.
func (b *Broker) Enqueue(_ context.Context, msg broker.Message, opts broker.EnqueueOptions) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rejectFn != nil {
		if err := b.rejectFn(msg); err != nil {
			return err
		}
	}
	if opts.Token != "" {
		if held, ok := b.tokens[opts.Token]; ok {
			if b.order[held] != 0 {
				return broker.ErrDuplicate
			}
			// The holder is in flight or gone; the token moves to the new
			// message and the old delivery's ack becomes a no-op.
			b.removeLocked(held)
			delete(b.tokens, opts.Token)
		}
	}

	now := b.now()
	d := &broker.Delivery{
		Message:       msg,
		ID:            id.NewDeliveryID().String(),
		Token:         opts.Token,
		AttemptBudget: opts.AttemptBudget,
		Priority:      opts.Priority,
		EnqueuedAt:    now,
		ReadyAt:       now.Add(opts.Delay),
	}
	b.entries[d.ID] = d
	if opts.Token != "" {
		b.tokens[opts.Token] = d.ID
	}
	b.seq++
	b.order[d.ID] = b.seq
	return nil
}

// Dequeue returns the highest-priority visible message, waiting up to wait.
func (b *Broker) Dequeue(ctx context.Context, wait time.Duration) (*broker.Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := b.check(); err != nil {
			return nil, err
		}
		if d := b.take(); d != nil {
			return d, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

// take hands out the best visible entry. The entry stays stored until
// Ack; its token only blocks new messages while the entry is queued.
func (b *Broker) take() *broker.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var best *broker.Delivery
	for _, d := range b.entries {
		if d.ReadyAt.After(now) || b.order[d.ID] == 0 {
			continue
		}
		if best == nil || d.Priority > best.Priority ||
			(d.Priority == best.Priority && b.order[d.ID] < b.order[best.ID]) {
			best = d
		}
	}
	if best == nil {
		return nil
	}
	// Zero marks the entry as in flight.
	b.order[best.ID] = 0
	cp := *best
	return &cp
}

// Ack removes a delivered message and releases its token.
func (b *Broker) Ack(_ context.Context, d *broker.Delivery) error {
	if err := b.check(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(d.ID)
	return nil
}

// Remove withdraws the message holding token.
func (b *Broker) Remove(_ context.Context, token string) error {
	if err := b.check(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if deliveryID, ok := b.tokens[token]; ok {
		b.removeLocked(deliveryID)
	}
	return nil
}

func (b *Broker) removeLocked(deliveryID string) {
	d, ok := b.entries[deliveryID]
	if !ok {
		return
	}
	delete(b.entries, deliveryID)
	delete(b.order, deliveryID)
	if d.Token != "" && b.tokens[d.Token] == deliveryID {
		delete(b.tokens, d.Token)
	}
}

// Ping fails while the broker is down.
func (b *Broker) Ping(_ context.Context) error {
	if err := b.check(); err != nil {
		return fmt.Errorf("courier/broker/memory: ping: %w", err)
	}
	return nil
}

// Healthy reports false while down or after Close.
func (b *Broker) Healthy() bool { return b.check() == nil }

// Close marks the broker closed.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

// Messages returns a snapshot of every held message, visible or not,
// ordered as Dequeue would hand them out once visible.
func (b *Broker) Messages() []broker.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.Delivery, 0, len(b.entries))
	for _, d := range b.entries {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].EnqueuedAt.Before(out[k].EnqueuedAt)
	})
	return out
}

// Len returns the number of held messages.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
