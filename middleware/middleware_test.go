package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
)

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string
	record := func(name string) middleware.Middleware {
		return func(ctx context.Context, _ *job.Info, next middleware.Handler) error {
			order = append(order, name+"-before")
			err := next(ctx)
			order = append(order, name+"-after")
			return err
		}
	}

	err := middleware.Chain(record("mw1"), record("mw2"))(context.Background(), newTestInfo(), func(context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("order = %v", order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_EmptyAndError(t *testing.T) {
	called := false
	if err := middleware.Chain()(context.Background(), newTestInfo(), func(context.Context) error {
		called = true
		return nil
	}); err != nil || !called {
		t.Fatalf("empty chain: err=%v called=%v", err, called)
	}

	want := errors.New("handler error")
	err := middleware.Chain(middleware.Logging(slog.Default()))(context.Background(), newTestInfo(), func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	err := middleware.Recover(slog.Default())(context.Background(), newTestInfo(), func(context.Context) error {
		panic("test panic")
	})
	if err == nil || err.Error() != "panic in job send-email: test panic" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeout_SetsDeadline(t *testing.T) {
	x := newTestInfo()
	x.Timeout = 20 * time.Millisecond

	err := middleware.Timeout(slog.Default())(context.Background(), x, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestTimeout_ZeroIsUnlimited(t *testing.T) {
	x := newTestInfo()
	x.Timeout = 0

	_ = middleware.Timeout(slog.Default())(context.Background(), x, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline")
		}
		return nil
	})
}

func TestDefault_RecoversAndTimesOut(t *testing.T) {
	chain := middleware.Default(slog.Default())
	if err := chain(context.Background(), newTestInfo(), func(context.Context) error { panic("x") }); err == nil {
		t.Fatal("expected panic converted to error")
	}
	x := newTestInfo()
	x.Timeout = 10 * time.Millisecond
	err := chain(context.Background(), x, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}
