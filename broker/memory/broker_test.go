package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/courier/broker"
	"github.com/xraph/courier/broker/memory"
)

func msg(name string) broker.Message {
	return broker.Message{RecordID: "jrec_" + name, JobName: name}
}

func TestEnqueueDequeueAck(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	if err := b.Enqueue(ctx, msg("a"), broker.EnqueueOptions{Token: "t1", AttemptBudget: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Token held while queued.
	if err := b.Enqueue(ctx, msg("a"), broker.EnqueueOptions{Token: "t1"}); !errors.Is(err, broker.ErrDuplicate) {
		t.Fatalf("enqueue while queued: got %v, want ErrDuplicate", err)
	}

	d, err := b.Dequeue(ctx, 0)
	if err != nil || d == nil {
		t.Fatalf("Dequeue = %v, %v", d, err)
	}
	if d.JobName != "a" || d.Token != "t1" || d.AttemptBudget != 2 {
		t.Errorf("delivery = %+v", d)
	}

	// In flight: not handed out twice.
	if again, _ := b.Dequeue(ctx, 0); again != nil {
		t.Fatalf("in-flight message delivered twice: %+v", again)
	}

	if err := b.Ack(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, msg("a"), broker.EnqueueOptions{Token: "t1"}); err != nil {
		t.Fatalf("enqueue after ack: %v", err)
	}
}

func TestInFlightTokenTakenOver(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_ = b.Enqueue(ctx, msg("first"), broker.EnqueueOptions{Token: "t"})
	stale, _ := b.Dequeue(ctx, 0)
	if stale == nil {
		t.Fatal("nothing dequeued")
	}

	if err := b.Enqueue(ctx, msg("second"), broker.EnqueueOptions{Token: "t"}); err != nil {
		t.Fatalf("enqueue over in-flight token: %v", err)
	}
	if err := b.Ack(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, msg("third"), broker.EnqueueOptions{Token: "t"}); !errors.Is(err, broker.ErrDuplicate) {
		t.Fatalf("late ack released the new token: got %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
}

func TestPriorityOrder(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_ = b.Enqueue(ctx, msg("low"), broker.EnqueueOptions{Token: "1", Priority: 0})
	_ = b.Enqueue(ctx, msg("high"), broker.EnqueueOptions{Token: "2", Priority: 10})
	_ = b.Enqueue(ctx, msg("low2"), broker.EnqueueOptions{Token: "3", Priority: 0})

	var got []string
	for range 3 {
		d, _ := b.Dequeue(ctx, 0)
		got = append(got, d.JobName)
	}
	want := []string{"high", "low", "low2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDelay(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	b := memory.New(memory.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_ = b.Enqueue(ctx, msg("later"), broker.EnqueueOptions{Token: "x", Delay: time.Minute})
	if d, _ := b.Dequeue(ctx, 0); d != nil {
		t.Fatal("delayed message visible early")
	}
	clock = now.Add(time.Minute)
	if d, _ := b.Dequeue(ctx, 0); d == nil {
		t.Fatal("delayed message not visible after delay")
	}
}

func TestDequeueWaits(t *testing.T) {
	b := memory.New(memory.WithPollInterval(time.Millisecond))
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Enqueue(ctx, msg("late"), broker.EnqueueOptions{})
	}()
	d, err := b.Dequeue(ctx, 2*time.Second)
	if err != nil || d == nil {
		t.Fatalf("Dequeue = %v, %v", d, err)
	}
}

func TestRemove(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	_ = b.Enqueue(ctx, msg("a"), broker.EnqueueOptions{Token: "tok", Delay: time.Hour})
	if err := b.Remove(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d after remove", b.Len())
	}
	if err := b.Remove(ctx, "unknown"); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}
}

func TestOutageAndRejection(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	b.SetDown(true)
	if b.Healthy() {
		t.Error("Healthy while down")
	}
	err := b.Enqueue(ctx, msg("a"), broker.EnqueueOptions{})
	if !broker.IsTransient(err) {
		t.Fatalf("enqueue while down: got %v, want transient", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("ping while down: %v", err)
	}

	b.SetDown(false)
	rejected := errors.New("too large")
	b.RejectWith(func(m broker.Message) error {
		if m.JobName == "big" {
			return rejected
		}
		return nil
	})
	if err := b.Enqueue(ctx, msg("big"), broker.EnqueueOptions{}); !errors.Is(err, rejected) || broker.IsTransient(err) {
		t.Fatalf("rejection: got %v", err)
	}
	if err := b.Enqueue(ctx, msg("small"), broker.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	_ = b.Close()
	if err := b.Enqueue(ctx, msg("x"), broker.EnqueueOptions{}); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("after close: %v", err)
	}
}
