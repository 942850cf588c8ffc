// Package storetest holds a behavioural suite that every record store
// backend runs against itself.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
	"github.com/xraph/courier/store"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run exercises s against the record store contract. Subtests run
// sequentially so backends may share one server between them.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"DuplicateActiveKey", testDuplicateActiveKey},
		{"KeyFreedByTerminalState", testKeyFreedByTerminalState},
		{"ClaimAndRelease", testClaimAndRelease},
		{"ClaimMissing", testClaimMissing},
		{"TransitionRejectsWrongSource", testTransitionRejectsWrongSource},
		{"TransitionPersistsFields", testTransitionPersistsFields},
		{"ReactivationCollides", testReactivationCollides},
		{"ListDueOrderingAndWindow", testListDueOrderingAndWindow},
		{"ListDueLimit", testListDueLimit},
		{"ListOverdue", testListOverdue},
		{"ListStalePromoted", testListStalePromoted},
		{"ListRecordsAndCount", testListRecordsAndCount},
		{"DeleteTerminalBefore", testDeleteTerminalBefore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			if err := s.Ping(context.Background()); err != nil {
				t.Fatalf("Ping: %v", err)
			}
			tc.fn(t, s)
		})
	}
}

// NewRecord builds a pending record with defaults suitable for tests.
func NewRecord(key string, priority int, runAt time.Time) *record.Record {
	return &record.Record{
		Entity:                 courier.NewEntity(),
		ID:                     id.NewRecordID(),
		JobName:                "test-job",
		DedupKey:               key,
		Payload:                map[string]any{"k": key},
		RunAt:                  runAt.UTC().Truncate(time.Millisecond),
		Status:                 record.StatusPending,
		MaxAttempts:            3,
		Priority:               priority,
		PromotionWindowMinutes: 60,
	}
}

func mustInsert(t *testing.T, s store.Store, r *record.Record) {
	t.Helper()
	if err := s.InsertRecord(context.Background(), r); err != nil {
		t.Fatalf("InsertRecord(%s): %v", r.DedupKey, err)
	}
}

func keys(rs []*record.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.DedupKey
	}
	return out
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("k1", 2, time.Now())
	r.Payload = map[string]any{"user": "u1", "count": float64(3)}
	mustInsert(t, s, r)

	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.ID != r.ID || got.JobName != "test-job" || got.DedupKey != "k1" {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Status != record.StatusPending || got.Priority != 2 || got.MaxAttempts != 3 {
		t.Errorf("fields mismatch: %+v", got)
	}
	if got.Payload["user"] != "u1" || got.Payload["count"] != float64(3) {
		t.Errorf("payload = %v", got.Payload)
	}
	if !got.RunAt.Equal(r.RunAt) {
		t.Errorf("RunAt = %v, want %v", got.RunAt, r.RunAt)
	}
	if got.LastAttemptAt != nil || got.CompletedAt != nil {
		t.Errorf("unexpected timestamps: %+v", got)
	}

	if _, err := s.GetRecord(ctx, id.NewRecordID()); !errors.Is(err, courier.ErrRecordNotFound) {
		t.Errorf("missing record: got %v, want ErrRecordNotFound", err)
	}
}

func testDuplicateActiveKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewRecord("dup", 0, time.Now())
	mustInsert(t, s, first)

	err := s.InsertRecord(ctx, NewRecord("dup", 0, time.Now()))
	if !errors.Is(err, courier.ErrDuplicateRecord) {
		t.Fatalf("got %v, want ErrDuplicateRecord", err)
	}

	found, err := s.FindActiveByDedupKey(ctx, "dup")
	if err != nil {
		t.Fatalf("FindActiveByDedupKey: %v", err)
	}
	if found.ID != first.ID {
		t.Errorf("found %s, want %s", found.ID, first.ID)
	}

	// Promoted records still hold the key.
	if _, err := s.ClaimRecord(ctx, first.ID, time.Now()); err != nil {
		t.Fatalf("ClaimRecord: %v", err)
	}
	if err := s.InsertRecord(ctx, NewRecord("dup", 0, time.Now())); !errors.Is(err, courier.ErrDuplicateRecord) {
		t.Fatalf("insert while promoted: got %v, want ErrDuplicateRecord", err)
	}
}

func testKeyFreedByTerminalState(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewRecord("k", 0, time.Now())
	mustInsert(t, s, first)

	if _, err := s.TransitionRecord(ctx, first.ID, []record.Status{record.StatusPending}, func(r *record.Record) {
		r.Status = record.StatusCancelled
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := s.FindActiveByDedupKey(ctx, "k"); !errors.Is(err, courier.ErrRecordNotFound) {
		t.Fatalf("key still active after cancel: %v", err)
	}
	mustInsert(t, s, NewRecord("k", 0, time.Now()))
}

func testClaimAndRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("c", 0, time.Now())
	mustInsert(t, s, r)

	now := time.Now().UTC().Truncate(time.Millisecond)
	claimed, err := s.ClaimRecord(ctx, r.ID, now)
	if err != nil {
		t.Fatalf("ClaimRecord: %v", err)
	}
	if claimed.Status != record.StatusPromoted || claimed.Attempts != 1 {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed.LastAttemptAt == nil || !claimed.LastAttemptAt.Equal(now) {
		t.Fatalf("LastAttemptAt = %v, want %v", claimed.LastAttemptAt, now)
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

	if _, err := s.ReleaseClaim(ctx, r.ID, nil); !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("release of pending: got %v, want ErrInvalidState", err)
	}
}

func testClaimMissing(t *testing.T, s store.Store) {
	_, err := s.ClaimRecord(context.Background(), id.NewRecordID(), time.Now())
	if !errors.Is(err, courier.ErrRecordNotFound) {
		t.Fatalf("got %v, want ErrRecordNotFound", err)
	}
}

func testTransitionRejectsWrongSource(t *testing.T, s store.Store) {
	r := NewRecord("t", 0, time.Now())
	mustInsert(t, s, r)

	_, err := s.TransitionRecord(context.Background(), r.ID, []record.Status{record.StatusPromoted}, func(r *record.Record) {
		r.Status = record.StatusCompleted
	})
	if !errors.Is(err, courier.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func testTransitionPersistsFields(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRecord("p", 0, time.Now())
	mustInsert(t, s, r)
	if _, err := s.ClaimRecord(ctx, r.ID, time.Now()); err != nil {
		t.Fatalf("ClaimRecord: %v", err)
	}

	done := time.Now().UTC().Truncate(time.Millisecond)
	_, err := s.TransitionRecord(ctx, r.ID, []record.Status{record.StatusPromoted}, func(r *record.Record) {
		r.Status = record.StatusCompleted
		r.Result = map[string]any{"sent": true}
		r.LastError = ""
		r.CompletedAt = &done
	})
	if err != nil {
		t.Fatalf("TransitionRecord: %v", err)
	}

	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Status != record.StatusCompleted || got.Result["sent"] != true {
		t.Errorf("got %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
}

func testReactivationCollides(t *testing.T, s store.Store) {
	failed := NewRecord("same", 0, time.Now())
	failed.Status = record.StatusFailed
	mustInsert(t, s, failed)
	mustInsert(t, s, NewRecord("same", 0, time.Now()))

	_, err := s.TransitionRecord(context.Background(), failed.ID, []record.Status{record.StatusFailed}, func(r *record.Record) {
		r.Status = record.StatusPending
	})
	if !errors.Is(err, courier.ErrDuplicateRecord) {
		t.Fatalf("got %v, want ErrDuplicateRecord", err)
	}
}

func testListDueOrderingAndWindow(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	for _, r := range []*record.Record{
		NewRecord("low", 0, now.Add(-time.Minute)),
		NewRecord("high", 5, now.Add(30*time.Minute)),
		NewRecord("mid-early", 1, now.Add(-2*time.Minute)),
		NewRecord("mid-late", 1, now.Add(time.Minute)),
		NewRecord("far", 9, now.Add(2*time.Hour)),
		NewRecord("edge-out", 0, now.Add(61*time.Minute)),
		NewRecord("edge-in", 0, now.Add(59*time.Minute)),
	} {
		mustInsert(t, s, r)
	}

	due, err := s.ListDue(ctx, record.DueOpts{Now: now})
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	want := []string{"high", "mid-early", "mid-late", "low", "edge-in"}
	if got := keys(due); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("due = %v, want %v", got, want)
	}

	wide, err := s.ListDue(ctx, record.DueOpts{Now: now, Window: 3 * time.Hour})
	if err != nil {
		t.Fatalf("ListDue override: %v", err)
	}
	if len(wide) != 7 {
		t.Errorf("override window: got %d, want 7", len(wide))
	}

	narrow, _ := s.ListDue(ctx, record.DueOpts{Now: now, Window: time.Second})
	if len(narrow) != 2 {
		t.Errorf("narrow window: got %v", keys(narrow))
	}
}

func testListDueLimit(t *testing.T, s store.Store) {
	now := time.Now().UTC()
	for i := range 15 {
		mustInsert(t, s, NewRecord(fmt.Sprintf("k%02d", i), 0, now.Add(-time.Duration(i)*time.Second)))
	}
	due, err := s.ListDue(context.Background(), record.DueOpts{Now: now, Limit: 10})
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 10 {
		t.Fatalf("got %d, want 10", len(due))
	}
	if due[0].DedupKey != "k14" {
		t.Errorf("first = %s, want oldest k14", due[0].DedupKey)
	}
}

func testListOverdue(t *testing.T, s store.Store) {
	now := time.Now().UTC()
	for _, r := range []*record.Record{
		NewRecord("recent", 0, now.Add(-time.Minute)),
		NewRecord("future", 0, now.Add(time.Minute)),
		NewRecord("old", 0, now.Add(-time.Hour)),
	} {
		mustInsert(t, s, r)
	}

	got, err := s.ListOverdue(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("ListOverdue: %v", err)
	}
	if k := keys(got); fmt.Sprint(k) != "[old recent]" {
		t.Fatalf("overdue = %v", k)
	}

	one, _ := s.ListOverdue(context.Background(), now, 1)
	if len(one) != 1 {
		t.Errorf("limit 1: got %d", len(one))
	}
}

func testListStalePromoted(t *testing.T, s store.Store) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	promoted := func(key string, runAt, attemptAt time.Time) *record.Record {
		r := NewRecord(key, 0, runAt)
		r.Status = record.StatusPromoted
		r.Attempts = 1
		r.LastAttemptAt = &attemptAt
		return r
	}
	for _, r := range []*record.Record{
		promoted("stale", now.Add(-2*time.Hour), now.Add(-2*time.Hour)),
		promoted("stale-older", now.Add(-3*time.Hour), now.Add(-3*time.Hour)),
		promoted("fresh", now.Add(-2*time.Hour), now.Add(-time.Minute)),
		promoted("still-delayed", now.Add(30*time.Minute), now.Add(-2*time.Hour)),
		NewRecord("pending-old", 0, now.Add(-2*time.Hour)),
	} {
		mustInsert(t, s, r)
	}

	cutoff := now.Add(-time.Hour)
	got, err := s.ListStalePromoted(context.Background(), cutoff, 0)
	if err != nil {
		t.Fatalf("ListStalePromoted: %v", err)
	}
	if k := keys(got); fmt.Sprint(k) != "[stale-older stale]" {
		t.Fatalf("stale = %v", k)
	}

	one, _ := s.ListStalePromoted(context.Background(), cutoff, 1)
	if len(one) != 1 || one[0].DedupKey != "stale-older" {
		t.Errorf("limit 1: got %v", keys(one))
	}
}

func testListRecordsAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		r := NewRecord(fmt.Sprintf("r%d", i), 0, base)
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		r.UpdatedAt = r.CreatedAt
		if i == 4 {
			r.Status = record.StatusFailed
		}
		mustInsert(t, s, r)
	}

	page, err := s.ListRecords(ctx, record.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if k := keys(page); fmt.Sprint(k) != "[r3 r2]" {
		t.Fatalf("page = %v", k)
	}

	failed, _ := s.ListRecords(ctx, record.ListOpts{Status: record.StatusFailed})
	if k := keys(failed); fmt.Sprint(k) != "[r4]" {
		t.Errorf("failed = %v", k)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[record.StatusPending] != 4 || counts[record.StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func testDeleteTerminalBefore(t *testing.T, s store.Store) {
	ctx := context.Background()
	done := NewRecord("done", 0, time.Now())
	done.Status = record.StatusCompleted
	failed := NewRecord("failed", 0, time.Now())
	failed.Status = record.StatusFailed
	live := NewRecord("live", 0, time.Now())
	for _, r := range []*record.Record{done, failed, live} {
		mustInsert(t, s, r)
	}

	n, err := s.DeleteTerminalBefore(ctx, record.StatusCompleted, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteTerminalBefore = %d, %v", n, err)
	}
	if _, err := s.GetRecord(ctx, done.ID); !errors.Is(err, courier.ErrRecordNotFound) {
		t.Errorf("completed record survived: %v", err)
	}
	if _, err := s.GetRecord(ctx, failed.ID); err != nil {
		t.Errorf("failed record removed: %v", err)
	}
	if _, err := s.GetRecord(ctx, live.ID); err != nil {
		t.Errorf("pending record removed: %v", err)
	}

	n, _ = s.DeleteTerminalBefore(ctx, record.StatusFailed, time.Now().Add(-time.Hour))
	if n != 0 {
		t.Errorf("cutoff in the past removed %d records", n)
	}

	if _, err := s.DeleteTerminalBefore(ctx, record.StatusPending, time.Now()); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("non-terminal status: got %v, want ErrInvalidState", err)
	}
}
