package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Record Store tests
// ──────────────────────────────────────────────────

func newRecord(key string, priority int, runAt time.Time) *record.Record {
	return &record.Record{
		Entity:                 courier.NewEntity(),
		ID:                     id.NewRecordID(),
		JobName:                "test-job",
		DedupKey:               key,
		Payload:                map[string]any{"k": key},
		RunAt:                  runAt,
		Status:                 record.StatusPending,
		MaxAttempts:            3,
		Priority:               priority,
		PromotionWindowMinutes: 60,
	}
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRecord("k1", 0, time.Now())
	if err := s.InsertRecord(ctx, r); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}

	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.DedupKey != "k1" || got.Status != record.StatusPending {
		t.Errorf("got %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Payload["k"] = "changed"
	again, _ := s.GetRecord(ctx, r.ID)
	if again.Payload["k"] != "k1" {
		t.Error("store shares payload memory with callers")
	}

	if _, err := s.GetRecord(ctx, id.NewRecordID()); !errors.Is(err, courier.ErrRecordNotFound) {
		t.Errorf("missing record: got %v, want ErrRecordNotFound", err)
	}
}

func TestInsertDuplicateActive(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.InsertRecord(ctx, newRecord("dup", 0, time.Now())); err != nil {
		t.Fatal(err)
	}
	err := s.InsertRecord(ctx, newRecord("dup", 0, time.Now()))
	if !errors.Is(err, courier.ErrDuplicateRecord) {
		t.Fatalf("got %v, want ErrDuplicateRecord", err)
	}

	found, err := s.FindActiveByDedupKey(ctx, "dup")
	if err != nil || found.DedupKey != "dup" {
		t.Fatalf("FindActiveByDedupKey = %v, %v", found, err)
	}
}

func TestDedupKeyFreedByTerminalState(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	first := newRecord("k", 0, time.Now())
	_ = s.InsertRecord(ctx, first)
	if _, err := s.TransitionRecord(ctx, first.ID, []record.Status{record.StatusPending}, func(r *record.Record) {
		r.Status = record.StatusCancelled
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := s.FindActiveByDedupKey(ctx, "k"); !errors.Is(err, courier.ErrRecordNotFound) {
		t.Fatalf("key still active after cancel: %v", err)
	}
	if err := s.InsertRecord(ctx, newRecord("k", 0, time.Now())); err != nil {
		t.Fatalf("insert after cancel: %v", err)
	}
}

func TestClaimAndRelease(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRecord("c", 0, time.Now())
	_ = s.InsertRecord(ctx, r)

	now := time.Now()
	claimed, err := s.ClaimRecord(ctx, r.ID, now)
	if err != nil {
		t.Fatalf("ClaimRecord: %v", err)
	}
	if claimed.Status != record.StatusPromoted || claimed.Attempts != 1 || claimed.LastAttemptAt == nil {
		t.Fatalf("claimed = %+v", claimed)
	}

	if _, err := s.ClaimRecord(ctx, r.ID, now); !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("second claim: got %v, want ErrInvalidState", err)
	}

	released, err := s.ReleaseClaim(ctx, r.ID, nil)
	if err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if released.Status != record.StatusPending || released.Attempts != 0 || released.LastAttemptAt != nil {
		t.Fatalf("released = %+v", released)
	}
}

func TestTransitionRejectsWrongSource(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRecord("t", 0, time.Now())
	_ = s.InsertRecord(ctx, r)

	_, err := s.TransitionRecord(ctx, r.ID, []record.Status{record.StatusPromoted}, func(r *record.Record) {
		r.Status = record.StatusCompleted
	})
	if !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestReactivationCollides(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	failed := newRecord("same", 0, time.Now())
	failed.Status = record.StatusFailed
	_ = s.InsertRecord(ctx, failed)
	_ = s.InsertRecord(ctx, newRecord("same", 0, time.Now()))

	_, err := s.TransitionRecord(ctx, failed.ID, []record.Status{record.StatusFailed}, func(r *record.Record) {
		r.Status = record.StatusPending
	})
	if !errors.Is(err, courier.ErrDuplicateRecord) {
		t.Fatalf("got %v, want ErrDuplicateRecord", err)
	}
}

func TestListDueOrderingAndWindow(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	low := newRecord("low", 0, now.Add(-time.Minute))
	high := newRecord("high", 5, now.Add(30*time.Minute))
	midEarly := newRecord("mid-early", 1, now.Add(-2*time.Minute))
	midLate := newRecord("mid-late", 1, now.Add(time.Minute))
	far := newRecord("far", 9, now.Add(2*time.Hour))
	for _, r := range []*record.Record{low, high, midEarly, midLate, far} {
		_ = s.InsertRecord(ctx, r)
	}

	due, err := s.ListDue(ctx, record.DueOpts{Now: now})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"high", "mid-early", "mid-late", "low"}
	if len(due) != len(want) {
		t.Fatalf("got %d due records, want %d", len(due), len(want))
	}
	for i, r := range due {
		if r.DedupKey != want[i] {
			t.Errorf("due[%d] = %s, want %s", i, r.DedupKey, want[i])
		}
	}

	wide, _ := s.ListDue(ctx, record.DueOpts{Now: now, Window: 3 * time.Hour})
	if len(wide) != 5 {
		t.Errorf("override window: got %d, want 5", len(wide))
	}
}

func TestListDueWindowBoundary(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	inside := newRecord("inside", 0, now.Add(59*time.Minute))
	outside := newRecord("outside", 0, now.Add(61*time.Minute))
	_ = s.InsertRecord(ctx, inside)
	_ = s.InsertRecord(ctx, outside)

	due, _ := s.ListDue(ctx, record.DueOpts{Now: now})
	if len(due) != 1 || due[0].DedupKey != "inside" {
		t.Fatalf("due = %v", due)
	}
}

func TestListDueLimit(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := range 150 {
		_ = s.InsertRecord(ctx, newRecord(fmt.Sprintf("k%d", i), 0, now))
	}
	due, _ := s.ListDue(ctx, record.DueOpts{Now: now, Limit: 100})
	if len(due) != 100 {
		t.Fatalf("got %d, want 100", len(due))
	}
}

func TestListOverdue(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	old := newRecord("old", 0, now.Add(-time.Hour))
	recent := newRecord("recent", 0, now.Add(-time.Minute))
	future := newRecord("future", 0, now.Add(time.Minute))
	for _, r := range []*record.Record{recent, future, old} {
		_ = s.InsertRecord(ctx, r)
	}

	got, _ := s.ListOverdue(ctx, now, 0)
	if len(got) != 2 || got[0].DedupKey != "old" || got[1].DedupKey != "recent" {
		t.Fatalf("overdue = %v", got)
	}
}

func TestListRecordsAndCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := range 5 {
		r := newRecord(fmt.Sprintf("r%d", i), 0, base)
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_ = s.InsertRecord(ctx, r)
	}

	page, _ := s.ListRecords(ctx, record.ListOpts{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].DedupKey != "r3" || page[1].DedupKey != "r2" {
		t.Fatalf("page = %v", page)
	}

	counts, _ := s.CountByStatus(ctx)
	if counts[record.StatusPending] != 5 {
		t.Errorf("pending count = %d, want 5", counts[record.StatusPending])
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	done := newRecord("done", 0, time.Now())
	done.Status = record.StatusCompleted
	live := newRecord("live", 0, time.Now())
	_ = s.InsertRecord(ctx, done)
	_ = s.InsertRecord(ctx, live)

	n, err := s.DeleteTerminalBefore(ctx, record.StatusCompleted, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteTerminalBefore = %d, %v", n, err)
	}
	if _, err := s.GetRecord(ctx, live.ID); err != nil {
		t.Errorf("pending record removed: %v", err)
	}
	if _, err := s.DeleteTerminalBefore(ctx, record.StatusPending, time.Now()); err == nil {
		t.Error("expected error deleting a non-terminal status")
	}
}
