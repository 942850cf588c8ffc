package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/courier/backoff"
	brokermem "github.com/xraph/courier/broker/memory"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/outbox"
	"github.com/xraph/courier/promoter"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/record"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/worker"
)

type harness struct {
	svc     *outbox.Service
	broker  *brokermem.Broker
	reg     *job.Registry
	handoff *promoter.Handoff
	tracker *trackingExt
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()
	tracker := &trackingExt{}
	exts := ext.NewRegistry(logger)
	exts.Register(tracker)

	reg := job.NewRegistry()
	svc := outbox.NewService(memory.New(),
		outbox.WithExtensions(exts),
		outbox.WithDedup(reg.Dedup()),
		outbox.WithBackoff(backoff.None()),
	)
	b := brokermem.New(brokermem.WithPollInterval(5 * time.Millisecond))
	return &harness{
		svc:     svc,
		broker:  b,
		reg:     reg,
		handoff: promoter.NewHandoff(svc, b, logger),
		tracker: tracker,
	}
}

func (h *harness) pool(opts ...worker.PoolOption) *worker.Pool {
	logger := slog.Default()
	exec := worker.NewExecutor(h.svc, h.broker, h.reg, logger, middleware.Recover(logger), middleware.Timeout(logger))
	base := []worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithDequeueWait(20 * time.Millisecond),
	}
	return worker.NewPool(h.broker, exec, logger, append(base, opts...)...)
}

// submitAndPromote stores a record and hands it to the broker.
func (h *harness) submitAndPromote(t *testing.T, name string, payload map[string]any, maxAttempts int) *record.Record {
	t.Helper()
	ctx := context.Background()
	res, err := h.svc.Submit(ctx, name, payload, outbox.SubmitOptions{MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out, err := h.handoff.Deliver(ctx, res.Record); out != promoter.OutcomePromoted {
		t.Fatalf("Deliver = %v, %v", out, err)
	}
	return res.Record
}

func (h *harness) waitStatus(t *testing.T, rec *record.Record, want record.Status) *record.Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		got, err := h.svc.Get(context.Background(), rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == want {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("record %s status = %s, want %s", rec.ID, got.Status, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func stopPool(t *testing.T, p *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func TestPool_StartStop(t *testing.T) {
	p := newHarness(t).pool()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}
	stopPool(t, p)
	stopPool(t, p)

	if !strings.HasPrefix(p.WorkerID().String(), "wkr_") {
		t.Errorf("worker id = %s", p.WorkerID())
	}
}

func TestPool_CompletesRecord(t *testing.T) {
	h := newHarness(t)
	job.RegisterDefinition(h.reg, job.NewResultDefinition("greet", func(ctx context.Context, p struct{ Name string }) (map[string]any, error) {
		info, ok := job.InfoFrom(ctx)
		if !ok || info.Attempt != 1 || info.AttemptBudget != 3 {
			t.Errorf("info = %+v, %v", info, ok)
		}
		return map[string]any{"greeting": "hello " + p.Name}, nil
	}))

	rec := h.submitAndPromote(t, "greet", map[string]any{"Name": "Alice"}, 3)

	p := h.pool()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.waitStatus(t, rec, record.StatusCompleted)
	stopPool(t, p)

	if got.Result["greeting"] != "hello Alice" || got.CompletedAt == nil {
		t.Errorf("completed record = %+v", got)
	}
	if h.broker.Len() != 0 {
		t.Errorf("broker still holds %d messages", h.broker.Len())
	}
	if !h.tracker.started.Load() || !h.tracker.completed.Load() {
		t.Error("expected started and completed hooks")
	}
}

func TestPool_FailureRearmsThenFails(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("flaky", func(context.Context, struct{}) error {
		calls.Add(1)
		return errors.New("boom")
	}))

	rec := h.submitAndPromote(t, "flaky", nil, 2)

	p := h.pool()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := h.waitStatus(t, rec, record.StatusPending)
	if got.Attempts != 1 || got.LastError != "boom" {
		t.Fatalf("after first failure: %+v", got)
	}

	// Ack released the token, so the re-armed record promotes cleanly.
	if out, err := h.handoff.Deliver(context.Background(), got); out != promoter.OutcomePromoted {
		t.Fatalf("re-promote = %v, %v", out, err)
	}

	got = h.waitStatus(t, rec, record.StatusFailed)
	stopPool(t, p)

	if got.Attempts != 2 || calls.Load() != 2 {
		t.Errorf("attempts = %d calls = %d, want 2/2", got.Attempts, calls.Load())
	}
	if !h.tracker.failed.Load() {
		t.Error("expected failed hook")
	}
}

func TestPool_MissingHandlerFailsPermanently(t *testing.T) {
	h := newHarness(t)
	rec := h.submitAndPromote(t, "unregistered", nil, 5)

	p := h.pool()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.waitStatus(t, rec, record.StatusFailed)
	stopPool(t, p)

	if got.Attempts != 1 || !strings.Contains(got.LastError, "no handler") {
		t.Errorf("record = %+v", got)
	}
}

func TestPool_SkipsCancelledRecord(t *testing.T) {
	h := newHarness(t)
	var ran atomic.Bool
	job.RegisterDefinition(h.reg, job.NewDefinition("skip-me", func(context.Context, struct{}) error {
		ran.Store(true)
		return nil
	}))

	rec := h.submitAndPromote(t, "skip-me", nil, 3)
	// Cancel without withdrawing from the broker: the worker must notice.
	if _, err := h.svc.Cancel(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	p := h.pool()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for h.broker.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("cancelled delivery was not acked")
		case <-time.After(10 * time.Millisecond):
		}
	}
	stopPool(t, p)

	if ran.Load() {
		t.Error("handler ran for a cancelled record")
	}
	got, _ := h.svc.Get(context.Background(), rec.ID)
	if got.Status != record.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
}

type flakyGetStore struct {
	*memory.Store
	fail atomic.Bool
}

func (s *flakyGetStore) GetRecord(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	if s.fail.Load() {
		return nil, errors.New("store unavailable")
	}
	return s.Store.GetRecord(ctx, recordID)
}

func TestPool_StoreErrorReleasesDelivery(t *testing.T) {
	h := newHarness(t)
	st := &flakyGetStore{Store: memory.New()}
	h.svc = outbox.NewService(st, outbox.WithBackoff(backoff.None()))
	h.handoff = promoter.NewHandoff(h.svc, h.broker, nil)
	var ran atomic.Bool
	job.RegisterDefinition(h.reg, job.NewDefinition("unreadable", func(context.Context, struct{}) error {
		ran.Store(true)
		return nil
	}))

	rec := h.submitAndPromote(t, "unreadable", nil, 3)
	st.fail.Store(true)

	p := h.pool()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for h.broker.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("delivery was not released after a store error")
		case <-time.After(10 * time.Millisecond):
		}
	}
	stopPool(t, p)

	if ran.Load() {
		t.Error("handler ran without a loaded record")
	}
	st.fail.Store(false)
	got, _ := h.svc.Get(context.Background(), rec.ID)
	if got.Status != record.StatusPromoted {
		t.Errorf("status = %s, want promoted until reaped", got.Status)
	}
}

func TestPool_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	job.RegisterDefinition(h.reg, job.NewDefinition("panicky", func(context.Context, struct{}) error {
		panic("kaboom")
	}))
	rec := h.submitAndPromote(t, "panicky", nil, 1)

	p := h.pool()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := h.waitStatus(t, rec, record.StatusFailed)
	stopPool(t, p)

	if !strings.Contains(got.LastError, "kaboom") {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestPool_ShutdownCancelsLongHandler(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	job.RegisterDefinition(h.reg, job.NewDefinition("slow", func(ctx context.Context, _ struct{}) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	rec := h.submitAndPromote(t, "slow", nil, 3)

	p := h.pool()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	// The cancelled attempt is still reported and the record re-armed.
	got, _ := h.svc.Get(context.Background(), rec.ID)
	if got.Status != record.StatusPending || got.Attempts != 1 {
		t.Errorf("after forced shutdown: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestPool_RespectsLimiter(t *testing.T) {
	h := newHarness(t)
	var running, peak atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("capped", func(context.Context, struct{ N int }) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}))

	recs := make([]*record.Record, 0, 4)
	for i := range 4 {
		recs = append(recs, h.submitAndPromote(t, "capped", map[string]any{"N": i}, 1))
	}

	limits := queue.NewManager(queue.Config{Name: "capped", MaxConcurrency: 1})
	p := h.pool(worker.WithPoolConcurrency(4), worker.WithLimiter(limits))
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		h.waitStatus(t, r, record.StatusCompleted)
	}
	stopPool(t, p)

	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	started   atomic.Bool
	completed atomic.Bool
	failed    atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnRecordStarted(_ context.Context, _ *record.Record) error {
	e.started.Store(true)
	return nil
}

func (e *trackingExt) OnRecordCompleted(_ context.Context, _ *record.Record, _ time.Duration) error {
	e.completed.Store(true)
	return nil
}

func (e *trackingExt) OnRecordFailed(_ context.Context, _ *record.Record, _ error) error {
	e.failed.Store(true)
	return nil
}
