package outbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/dedup"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbox"
	"github.com/xraph/courier/record"
	"github.com/xraph/courier/store/memory"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// spyExt records every hook the outbox emits.
type spyExt struct {
	calls []string
}

func (e *spyExt) Name() string { return "spy" }

func (e *spyExt) OnRecordSubmitted(_ context.Context, _ *record.Record) error {
	e.calls = append(e.calls, "submitted")
	return nil
}

func (e *spyExt) OnRecordDeduplicated(_ context.Context, _ *record.Record) error {
	e.calls = append(e.calls, "deduplicated")
	return nil
}

func (e *spyExt) OnRecordCompleted(_ context.Context, _ *record.Record, _ time.Duration) error {
	e.calls = append(e.calls, "completed")
	return nil
}

func (e *spyExt) OnRecordRetrying(_ context.Context, _ *record.Record, _ int, _ time.Time) error {
	e.calls = append(e.calls, "retrying")
	return nil
}

func (e *spyExt) OnRecordFailed(_ context.Context, _ *record.Record, _ error) error {
	e.calls = append(e.calls, "failed")
	return nil
}

func (e *spyExt) OnRecordCancelled(_ context.Context, _ *record.Record) error {
	e.calls = append(e.calls, "cancelled")
	return nil
}

func newService(t *testing.T, opts ...outbox.Option) (*outbox.Service, *memory.Store, *spyExt) {
	t.Helper()
	s := memory.New()
	spy := &spyExt{}
	reg := ext.NewRegistry(nil)
	reg.Register(spy)
	base := []outbox.Option{
		outbox.WithExtensions(reg),
		outbox.WithClock(func() time.Time { return epoch }),
		outbox.WithBackoff(backoff.Constant(30 * time.Second)),
	}
	return outbox.NewService(s, append(base, opts...)...), s, spy
}

func submit(t *testing.T, svc *outbox.Service, name string, payload map[string]any, opts outbox.SubmitOptions) *outbox.SubmitResult {
	t.Helper()
	res, err := svc.Submit(context.Background(), name, payload, opts)
	if err != nil {
		t.Fatalf("Submit(%q): %v", name, err)
	}
	return res
}

func TestSubmit_Defaults(t *testing.T) {
	svc, _, spy := newService(t)

	res := submit(t, svc, "sendEmail", map[string]any{"to": "a@x.io"}, outbox.SubmitOptions{})
	if res.Duplicate {
		t.Fatal("first submission reported as duplicate")
	}
	r := res.Record
	if r.Status != record.StatusPending || r.Attempts != 0 {
		t.Errorf("status=%s attempts=%d", r.Status, r.Attempts)
	}
	if r.MaxAttempts != 3 || r.PromotionWindowMinutes != 60 || r.Priority != 0 {
		t.Errorf("defaults not applied: %+v", r)
	}
	if !r.RunAt.Equal(epoch) {
		t.Errorf("RunAt = %v, want now", r.RunAt)
	}
	if len(spy.calls) != 1 || spy.calls[0] != "submitted" {
		t.Errorf("hooks = %v", spy.calls)
	}
}

func TestSubmit_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	neg := -1

	tests := []struct {
		name    string
		job     string
		opts    outbox.SubmitOptions
		wantErr error
	}{
		{"empty job name", "", outbox.SubmitOptions{}, courier.ErrInvalidJobName},
		{"negative attempts", "j", outbox.SubmitOptions{MaxAttempts: -2}, courier.ErrInvalidMaxAttempts},
		{"negative window", "j", outbox.SubmitOptions{PromotionWindowMinutes: &neg}, courier.ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Submit(ctx, tt.job, nil, tt.opts); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmit_ZeroWindowAllowed(t *testing.T) {
	svc, _, _ := newService(t)
	zero := 0
	res := submit(t, svc, "j", nil, outbox.SubmitOptions{PromotionWindowMinutes: &zero})
	if res.Record.PromotionWindowMinutes != 0 {
		t.Errorf("window = %d, want 0", res.Record.PromotionWindowMinutes)
	}
}

func TestSubmit_Dedup(t *testing.T) {
	svc, s, spy := newService(t)
	ctx := context.Background()
	payload := map[string]any{"userId": "u1"}

	first := submit(t, svc, "welcome", payload, outbox.SubmitOptions{})
	second := submit(t, svc, "welcome", map[string]any{"userId": "u1"}, outbox.SubmitOptions{})
	if !second.Duplicate {
		t.Fatal("identical submission not deduplicated")
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("duplicate returned %s, want %s", second.Record.ID, first.Record.ID)
	}

	third := submit(t, svc, "welcome", map[string]any{"userId": "u2"}, outbox.SubmitOptions{})
	if third.Duplicate {
		t.Error("distinct payload deduplicated")
	}

	counts, _ := s.CountByStatus(ctx)
	if counts[record.StatusPending] != 2 {
		t.Errorf("pending = %d, want 2", counts[record.StatusPending])
	}
	if spy.calls[1] != "deduplicated" {
		t.Errorf("hooks = %v", spy.calls)
	}
}

func TestSubmit_DedupStrategyPerJob(t *testing.T) {
	reg := dedup.NewRegistry()
	reg.Set("notify", dedup.ByField("recipient"))
	svc, _, _ := newService(t, outbox.WithDedup(reg))

	submit(t, svc, "notify", map[string]any{"recipient": "a@x.io", "body": "one"}, outbox.SubmitOptions{})
	res := submit(t, svc, "notify", map[string]any{"recipient": "a@x.io", "body": "two"}, outbox.SubmitOptions{})
	if !res.Duplicate {
		t.Error("field strategy not applied")
	}
}

func TestSubmit_KeyFreedAfterCompletion(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	payload := map[string]any{"k": 1}

	first := submit(t, svc, "j", payload, outbox.SubmitOptions{})
	if _, err := svc.MarkPromoted(ctx, first.Record.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkCompleted(ctx, first.Record.ID, nil); err != nil {
		t.Fatal(err)
	}

	again := submit(t, svc, "j", payload, outbox.SubmitOptions{})
	if again.Duplicate {
		t.Fatal("completed record still blocks its dedup key")
	}
}

func TestMarkPromotedAndRelease(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	rec := submit(t, svc, "j", nil, outbox.SubmitOptions{}).Record

	claimed, err := svc.MarkPromoted(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != record.StatusPromoted || claimed.Attempts != 1 || !claimed.LastAttemptAt.Equal(epoch) {
		t.Fatalf("claimed = %+v", claimed)
	}
	if _, err := svc.MarkPromoted(ctx, rec.ID); !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("double claim: got %v", err)
	}

	released, err := svc.ReleaseClaim(ctx, rec.ID, rec.LastAttemptAt)
	if err != nil {
		t.Fatal(err)
	}
	if released.Status != record.StatusPending || released.Attempts != 0 || released.LastAttemptAt != nil {
		t.Fatalf("released = %+v", released)
	}
}

func TestRetryAccounting(t *testing.T) {
	svc, _, spy := newService(t)
	ctx := context.Background()
	rec := submit(t, svc, "flaky", nil, outbox.SubmitOptions{MaxAttempts: 3}).Record

	for i := 1; i <= 3; i++ {
		if _, err := svc.MarkPromoted(ctx, rec.ID); err != nil {
			t.Fatalf("attempt %d: claim: %v", i, err)
		}
		got, err := svc.MarkFailed(ctx, rec.ID, "boom")
		if err != nil {
			t.Fatalf("attempt %d: fail: %v", i, err)
		}
		if got.Attempts != i {
			t.Fatalf("attempt %d: attempts = %d", i, got.Attempts)
		}
		if got.LastError != "boom" {
			t.Errorf("LastError = %q", got.LastError)
		}
		if i < 3 {
			if got.Status != record.StatusPending {
				t.Fatalf("attempt %d: status = %s, want pending", i, got.Status)
			}
			if want := epoch.Add(30 * time.Second); !got.RunAt.Equal(want) {
				t.Errorf("re-armed RunAt = %v, want %v", got.RunAt, want)
			}
			continue
		}
		if got.Status != record.StatusFailed {
			t.Fatalf("final status = %s, want failed", got.Status)
		}
	}

	want := []string{"submitted", "retrying", "retrying", "failed"}
	if strings.Join(spy.calls, ",") != strings.Join(want, ",") {
		t.Errorf("hooks = %v, want %v", spy.calls, want)
	}
}

func TestMarkFailedPermanent(t *testing.T) {
	svc, _, spy := newService(t)
	ctx := context.Background()
	rec := submit(t, svc, "unknown", nil, outbox.SubmitOptions{MaxAttempts: 5}).Record

	_, _ = svc.MarkPromoted(ctx, rec.ID)
	got, err := svc.MarkFailedPermanent(ctx, rec.ID, "no handler")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != record.StatusFailed || got.Attempts != 1 {
		t.Fatalf("status = %s attempts = %d, want failed after 1", got.Status, got.Attempts)
	}
	if spy.calls[len(spy.calls)-1] != "failed" {
		t.Errorf("last hook = %v", spy.calls)
	}
}

func TestMarkCompleted(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	rec := submit(t, svc, "j", nil, outbox.SubmitOptions{}).Record

	if _, err := svc.MarkCompleted(ctx, rec.ID, nil); !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("complete from pending: got %v, want ErrInvalidState", err)
	}

	_, _ = svc.MarkPromoted(ctx, rec.ID)
	done, err := svc.MarkCompleted(ctx, rec.ID, map[string]any{"sent": true})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != record.StatusCompleted || done.CompletedAt == nil || done.Result["sent"] != true {
		t.Fatalf("completed = %+v", done)
	}
}

func TestCancel(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	pending := submit(t, svc, "a", nil, outbox.SubmitOptions{}).Record
	cancelled, err := svc.Cancel(ctx, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != record.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	_, err = svc.Cancel(ctx, pending.ID)
	if !errors.Is(err, courier.ErrAlreadyTerminal) || !strings.Contains(err.Error(), "already cancelled") {
		t.Fatalf("second cancel: got %v", err)
	}

	// Cancellation is terminal: the record can no longer be claimed or
	// completed.
	if _, err := svc.MarkPromoted(ctx, pending.ID); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("claim after cancel: got %v", err)
	}
	if _, err := svc.MarkCompleted(ctx, pending.ID, nil); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("complete after cancel: got %v", err)
	}

	done := submit(t, svc, "b", nil, outbox.SubmitOptions{}).Record
	_, _ = svc.MarkPromoted(ctx, done.ID)
	_, _ = svc.MarkCompleted(ctx, done.ID, nil)
	_, err = svc.Cancel(ctx, done.ID)
	if !errors.Is(err, courier.ErrAlreadyTerminal) || !strings.Contains(err.Error(), "already completed") {
		t.Fatalf("cancel completed: got %v", err)
	}

	if _, err := svc.Cancel(ctx, id.NewRecordID()); !errors.Is(err, courier.ErrRecordNotFound) {
		t.Fatalf("cancel missing: got %v", err)
	}
}

func TestCancelPromoted(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	rec := submit(t, svc, "a", nil, outbox.SubmitOptions{}).Record
	_, _ = svc.MarkPromoted(ctx, rec.ID)

	if _, err := svc.Cancel(ctx, rec.ID); err != nil {
		t.Fatalf("cancel promoted: %v", err)
	}
	if _, err := svc.MarkFailed(ctx, rec.ID, "late"); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("fail after cancel: got %v", err)
	}
}

func TestRetry(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	rec := submit(t, svc, "j", nil, outbox.SubmitOptions{MaxAttempts: 1}).Record

	if _, err := svc.Retry(ctx, rec.ID); !errors.Is(err, courier.ErrNotFailed) {
		t.Fatalf("retry pending: got %v, want ErrNotFailed", err)
	}

	_, _ = svc.MarkPromoted(ctx, rec.ID)
	failed, _ := svc.MarkFailed(ctx, rec.ID, "boom")
	if failed.Status != record.StatusFailed {
		t.Fatalf("status = %s", failed.Status)
	}

	retried, err := svc.Retry(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != record.StatusPending || retried.Attempts != 0 || retried.LastError != "" || !retried.RunAt.Equal(epoch) {
		t.Fatalf("retried = %+v", retried)
	}
}

func TestQueries(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	submit(t, svc, "late", map[string]any{"n": 1}, outbox.SubmitOptions{RunAt: epoch.Add(-time.Hour)})
	submit(t, svc, "soon", map[string]any{"n": 2}, outbox.SubmitOptions{RunAt: epoch.Add(10 * time.Minute), Priority: 5})
	submit(t, svc, "far", map[string]any{"n": 3}, outbox.SubmitOptions{RunAt: epoch.Add(5 * time.Hour)})

	due, err := svc.DueSoon(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].JobName != "soon" {
		t.Fatalf("due = %v", due)
	}

	overdue, _ := svc.Overdue(ctx, 10)
	if len(overdue) != 1 || overdue[0].JobName != "late" {
		t.Fatalf("overdue = %v", overdue)
	}

	st, _ := svc.Stats(ctx)
	if st.Total != 3 || st.Counts[record.StatusPending] != 3 {
		t.Errorf("stats = %+v", st)
	}
	if _, ok := st.Counts[record.StatusCancelled]; !ok {
		t.Error("stats missing zero statuses")
	}

	list, _ := svc.List(ctx, record.ListOpts{Status: record.StatusPending, Limit: 2})
	if len(list) != 2 {
		t.Errorf("list = %d, want 2", len(list))
	}
}

func TestCleanupAndSweep(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	rec := submit(t, svc, "j", nil, outbox.SubmitOptions{}).Record
	_, _ = svc.Cancel(ctx, rec.ID)
	live := submit(t, svc, "live", nil, outbox.SubmitOptions{}).Record

	// The memory store stamps UpdatedAt with wall time; look at the store
	// from two days in the future.
	future := outbox.NewService(s, outbox.WithClock(func() time.Time {
		return time.Now().UTC().Add(48 * time.Hour)
	}))

	n, err := future.Sweep(ctx, 7*24*time.Hour, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("sweep removed %d inside retention, want 0", n)
	}

	n, err = future.Cleanup(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleanup removed %d, want 1", n)
	}
	if _, err := future.Get(ctx, live.ID); err != nil {
		t.Errorf("pending record removed: %v", err)
	}

	if _, err := svc.Cleanup(ctx, -1); err == nil {
		t.Error("expected error for negative retention")
	}
}

func TestReapStale(t *testing.T) {
	now := epoch
	svc, _, _ := newService(t, outbox.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	retryable := submit(t, svc, "retryable", nil, outbox.SubmitOptions{MaxAttempts: 3}).Record
	last := submit(t, svc, "last", nil, outbox.SubmitOptions{MaxAttempts: 1}).Record
	fresh := submit(t, svc, "fresh", nil, outbox.SubmitOptions{MaxAttempts: 3}).Record
	for _, r := range []*record.Record{retryable, last} {
		if _, err := svc.MarkPromoted(ctx, r.ID); err != nil {
			t.Fatal(err)
		}
	}
	now = epoch.Add(90 * time.Minute)
	if _, err := svc.MarkPromoted(ctx, fresh.ID); err != nil {
		t.Fatal(err)
	}

	if n, err := svc.ReapStale(ctx, 0, 10); err != nil || n != 0 {
		t.Fatalf("disabled: reaped %d, err %v", n, err)
	}

	now = epoch.Add(2 * time.Hour)
	n, err := svc.ReapStale(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("reaped %d, want 2", n)
	}

	got, _ := svc.Get(ctx, retryable.ID)
	if got.Status != record.StatusPending || got.Attempts != 1 {
		t.Errorf("retryable: status = %s attempts = %d, want pending after 1", got.Status, got.Attempts)
	}
	if !strings.HasPrefix(got.LastError, "stale") {
		t.Errorf("retryable: LastError = %q", got.LastError)
	}
	if want := now.Add(30 * time.Second); !got.RunAt.Equal(want) {
		t.Errorf("retryable: RunAt = %v, want %v", got.RunAt, want)
	}

	got, _ = svc.Get(ctx, last.ID)
	if got.Status != record.StatusFailed {
		t.Errorf("last: status = %s, want failed", got.Status)
	}

	got, _ = svc.Get(ctx, fresh.ID)
	if got.Status != record.StatusPromoted {
		t.Errorf("fresh: status = %s, want promoted", got.Status)
	}
}
