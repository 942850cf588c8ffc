package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

// SubmitOptions customises a submission. Zero values select defaults.
type SubmitOptions struct {
	// RunAt is the earliest execution time. Zero means now.
	RunAt time.Time
	// Priority orders promotion; higher first.
	Priority int
	// MaxAttempts caps execution attempts. Zero means the service default.
	MaxAttempts int
	// PromotionWindowMinutes is the look-ahead horizon. Nil means the
	// service default; zero promotes only once RunAt has passed.
	PromotionWindowMinutes *int
}

// SubmitResult reports what Submit did.
type SubmitResult struct {
	// Record is the new record or, for a duplicate, the active record that
	// already holds the dedup key. It may be nil for a duplicate whose
	// winner finished between the insert collision and the re-read.
	Record *record.Record
	// Duplicate is true when no new record was created.
	Duplicate bool
}

// Submit persists a new pending record unless an active record with the
// same dedup key exists.
func (s *Service) Submit(ctx context.Context, jobName string, payload map[string]any, opts SubmitOptions) (*SubmitResult, error) {
	if jobName == "" {
		return nil, courier.ErrInvalidJobName
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, courier.ErrInvalidMaxAttempts
	}
	window := s.defaultWindowMinutes
	if opts.PromotionWindowMinutes != nil {
		window = *opts.PromotionWindowMinutes
	}
	if window < 0 {
		return nil, courier.ErrInvalidWindow
	}

	key, err := s.keys.Key(jobName, payload)
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: submit: %w", err)
	}

	existing, err := s.store.FindActiveByDedupKey(ctx, key)
	switch {
	case err == nil:
		return s.duplicate(ctx, existing), nil
	case !errors.Is(err, courier.ErrRecordNotFound):
		return nil, fmt.Errorf("courier/outbox: submit: find active: %w", err)
	}

	now := s.now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	rec := &record.Record{
		Entity:                 courier.Entity{CreatedAt: now, UpdatedAt: now},
		ID:                     id.NewRecordID(),
		JobName:                jobName,
		DedupKey:               key,
		Payload:                payload,
		RunAt:                  runAt.UTC(),
		Status:                 record.StatusPending,
		MaxAttempts:            maxAttempts,
		Priority:               opts.Priority,
		PromotionWindowMinutes: window,
	}

	if err := s.store.InsertRecord(ctx, rec); err != nil {
		if !errors.Is(err, courier.ErrDuplicateRecord) {
			return nil, fmt.Errorf("courier/outbox: submit: insert: %w", err)
		}
		// Lost the race to a concurrent submission of the same request.
		winner, _ := s.store.FindActiveByDedupKey(ctx, key)
		return s.duplicate(ctx, winner), nil
	}

	s.logger.Info("job record submitted",
		slog.String("record_id", rec.ID.String()),
		slog.String("job_name", jobName),
		slog.Time("run_at", rec.RunAt),
		slog.Int("priority", rec.Priority),
	)
	s.exts.EmitRecordSubmitted(ctx, rec)
	return &SubmitResult{Record: rec}, nil
}

func (s *Service) duplicate(ctx context.Context, existing *record.Record) *SubmitResult {
	if existing != nil {
		s.logger.Debug("duplicate submission skipped",
			slog.String("record_id", existing.ID.String()),
			slog.String("job_name", existing.JobName),
			slog.String("status", string(existing.Status)),
		)
		s.exts.EmitRecordDeduplicated(ctx, existing)
	}
	return &SubmitResult{Record: existing, Duplicate: true}
}
