package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

// MarkPromoted claims a pending record for hand-off to the broker:
// pending → promoted, Attempts+1, LastAttemptAt=now. Returns
// courier.ErrInvalidState if the record is no longer pending.
func (s *Service) MarkPromoted(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	rec, err := s.store.ClaimRecord(ctx, recordID, s.now())
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: mark promoted %s: %w", recordID, err)
	}
	return rec, nil
}

// ReleaseClaim reverts MarkPromoted after the broker was transiently
// unavailable, restoring the attempt count and prevAttemptAt.
func (s *Service) ReleaseClaim(ctx context.Context, recordID id.RecordID, prevAttemptAt *time.Time) (*record.Record, error) {
	rec, err := s.store.ReleaseClaim(ctx, recordID, prevAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: release claim %s: %w", recordID, err)
	}
	return rec, nil
}

// ConfirmPromoted emits the promoted hook once the broker accepted the
// record.
func (s *Service) ConfirmPromoted(ctx context.Context, rec *record.Record) {
	s.logger.Debug("job record promoted",
		slog.String("record_id", rec.ID.String()),
		slog.String("job_name", rec.JobName),
		slog.Int("attempt", rec.Attempts),
	)
	s.exts.EmitRecordPromoted(ctx, rec)
}

// MarkCompleted records a successful execution: promoted → completed.
func (s *Service) MarkCompleted(ctx context.Context, recordID id.RecordID, result map[string]any) (*record.Record, error) {
	now := s.now()
	rec, err := s.store.TransitionRecord(ctx, recordID, []record.Status{record.StatusPromoted}, func(r *record.Record) {
		r.Status = record.StatusCompleted
		r.Result = result
		r.CompletedAt = &now
	})
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: mark completed %s: %w", recordID, err)
	}

	var elapsed time.Duration
	if rec.LastAttemptAt != nil {
		elapsed = now.Sub(*rec.LastAttemptAt)
	}
	s.logger.Info("job record completed",
		slog.String("record_id", rec.ID.String()),
		slog.String("job_name", rec.JobName),
		slog.Int("attempts", rec.Attempts),
		slog.Duration("elapsed", elapsed),
	)
	s.exts.EmitRecordCompleted(ctx, rec, elapsed)
	return rec, nil
}

// MarkFailed records a failed execution. The attempt was already counted
// when the record was claimed; if the budget is spent the record becomes
// failed, otherwise it returns to pending with RunAt pushed out by the
// backoff strategy.
func (s *Service) MarkFailed(ctx context.Context, recordID id.RecordID, errMsg string) (*record.Record, error) {
	return s.markFailed(ctx, recordID, errMsg, false)
}

// MarkFailedPermanent fails a promoted record regardless of its remaining
// attempts. The worker uses it for failures no retry can fix, such as a job
// name with no registered handler.
func (s *Service) MarkFailedPermanent(ctx context.Context, recordID id.RecordID, errMsg string) (*record.Record, error) {
	return s.markFailed(ctx, recordID, errMsg, true)
}

func (s *Service) markFailed(ctx context.Context, recordID id.RecordID, errMsg string, final bool) (*record.Record, error) {
	now := s.now()
	rec, err := s.store.TransitionRecord(ctx, recordID, []record.Status{record.StatusPromoted}, func(r *record.Record) {
		r.LastError = errMsg
		if final || r.Attempts >= r.MaxAttempts {
			r.Status = record.StatusFailed
			return
		}
		r.Status = record.StatusPending
		r.RunAt = backoff.At(s.bo, r.Attempts, now)
	})
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: mark failed %s: %w", recordID, err)
	}

	if rec.Status == record.StatusFailed {
		s.logger.Error("job record failed",
			slog.String("record_id", rec.ID.String()),
			slog.String("job_name", rec.JobName),
			slog.Int("attempts", rec.Attempts),
			slog.String("error", errMsg),
		)
		s.exts.EmitRecordFailed(ctx, rec, errors.New(errMsg))
		return rec, nil
	}

	s.logger.Warn("job record attempt failed, re-armed",
		slog.String("record_id", rec.ID.String()),
		slog.String("job_name", rec.JobName),
		slog.Int("attempt", rec.Attempts),
		slog.Int("max_attempts", rec.MaxAttempts),
		slog.Time("next_run_at", rec.RunAt),
		slog.String("error", errMsg),
	)
	s.exts.EmitRecordRetrying(ctx, rec, rec.Attempts, rec.RunAt)
	return rec, nil
}

// Cancel moves a pending or promoted record to cancelled. It returns the
// cancelled record so the caller can withdraw it from the broker.
// Terminal records yield courier.ErrAlreadyTerminal.
func (s *Service) Cancel(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	rec, err := s.store.TransitionRecord(ctx, recordID,
		[]record.Status{record.StatusPending, record.StatusPromoted},
		func(r *record.Record) { r.Status = record.StatusCancelled },
	)
	if errors.Is(err, courier.ErrInvalidState) {
		cur, getErr := s.store.GetRecord(ctx, recordID)
		if getErr != nil {
			return nil, fmt.Errorf("courier/outbox: cancel %s: %w", recordID, getErr)
		}
		return nil, fmt.Errorf("courier/outbox: cancel %s: %w: already %s", recordID, courier.ErrAlreadyTerminal, cur.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: cancel %s: %w", recordID, err)
	}

	s.logger.Info("job record cancelled",
		slog.String("record_id", rec.ID.String()),
		slog.String("job_name", rec.JobName),
	)
	s.exts.EmitRecordCancelled(ctx, rec)
	return rec, nil
}

// Retry re-arms a failed record: attempts reset to zero, RunAt=now and the
// last error cleared. Only failed records can be retried.
func (s *Service) Retry(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	now := s.now()
	rec, err := s.store.TransitionRecord(ctx, recordID, []record.Status{record.StatusFailed}, func(r *record.Record) {
		r.Status = record.StatusPending
		r.Attempts = 0
		r.RunAt = now
		r.LastError = ""
	})
	if errors.Is(err, courier.ErrInvalidState) {
		return nil, fmt.Errorf("courier/outbox: retry %s: %w", recordID, courier.ErrNotFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: retry %s: %w", recordID, err)
	}

	s.logger.Info("job record retried",
		slog.String("record_id", rec.ID.String()),
		slog.String("job_name", rec.JobName),
	)
	return rec, nil
}

// ReapStale re-arms promoted records that went quiet: due and claimed
// longer than staleAfter ago with no completion or failure reported. This
// covers a worker that crashed between ack and report, or a delivery lost
// by the broker. Each one is failed through MarkFailed, so it consumes
// the attempt taken at claim and may fail terminally. Returns how many
// records were re-armed or failed.
func (s *Service) ReapStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	if staleAfter <= 0 {
		return 0, nil
	}
	stale, err := s.store.ListStalePromoted(ctx, s.now().Add(-staleAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("courier/outbox: list stale: %w", err)
	}

	reaped := 0
	for _, rec := range stale {
		reason := fmt.Sprintf("stale: no outcome reported within %s of promotion", staleAfter)
		if _, err := s.MarkFailed(ctx, rec.ID, reason); err != nil {
			// A late report from the worker wins the race; nothing to do.
			if errors.Is(err, courier.ErrInvalidState) {
				continue
			}
			s.logger.Error("reap stale record",
				slog.String("record_id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.logger.Warn("reaped stale promoted records", slog.Int("count", reaped))
	}
	return reaped, nil
}
