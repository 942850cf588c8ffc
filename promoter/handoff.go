package promoter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/courier"
	"github.com/xraph/courier/broker"
	"github.com/xraph/courier/outbox"
	"github.com/xraph/courier/record"
)

// Outcome classifies a single hand-off.
type Outcome string

const (
	// OutcomePromoted means the broker accepted the record.
	OutcomePromoted Outcome = "promoted"
	// OutcomeDuplicate means the broker already held a message with the
	// record's dedup key. The record is promoted all the same.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDeferred means the record stays pending for a later pass.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeRejected means the broker refused the message and the
	// attempt was failed through the outbox.
	OutcomeRejected Outcome = "rejected"
	// OutcomeSkipped means another caller claimed or finished the record
	// first.
	OutcomeSkipped Outcome = "skipped"
)

// Handoff delivers individual records into a broker. It is shared by the
// promoter and the dispatcher fast path.
type Handoff struct {
	outbox *outbox.Service
	broker broker.Broker
	logger *slog.Logger
}

// NewHandoff creates a Handoff. b may be nil, in which case every delivery
// is deferred.
func NewHandoff(svc *outbox.Service, b broker.Broker, logger *slog.Logger) *Handoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handoff{outbox: svc, broker: b, logger: logger}
}

// Broker returns the broker, which may be nil.
func (h *Handoff) Broker() broker.Broker { return h.broker }

// Available reports whether a broker is configured and last seen healthy.
func (h *Handoff) Available() bool {
	return h.broker != nil && h.broker.Healthy()
}

// Deliver claims rec and enqueues it. The returned error explains a
// deferred or rejected outcome; it is nil otherwise.
//
// Once the claim is taken, the writes that settle it run detached from
// ctx: a caller that gives up mid-delivery must not strand the record in
// promoted.
func (h *Handoff) Deliver(ctx context.Context, rec *record.Record) (Outcome, error) {
	if h.broker == nil {
		return OutcomeDeferred, courier.ErrNoBroker
	}

	// Budget and previous attempt time are taken before the claim bumps
	// them.
	budget := rec.RemainingAttempts()
	prevAttemptAt := rec.LastAttemptAt

	claimed, err := h.outbox.MarkPromoted(ctx, rec.ID)
	if errors.Is(err, courier.ErrInvalidState) || errors.Is(err, courier.ErrRecordNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeDeferred, err
	}

	msg := broker.Message{
		RecordID: claimed.ID.String(),
		JobName:  claimed.JobName,
		Payload:  claimed.Payload,
		Attempt:  claimed.Attempts,
	}
	opts := broker.EnqueueOptions{
		Token:         claimed.DedupKey,
		Delay:         claimed.Delay(h.outbox.Now()),
		AttemptBudget: budget,
		Priority:      claimed.Priority,
	}

	enqErr := h.broker.Enqueue(ctx, msg, opts)
	settle := context.WithoutCancel(ctx)
	switch {
	case enqErr == nil:
		h.outbox.ConfirmPromoted(settle, claimed)
		return OutcomePromoted, nil

	case broker.IsDuplicate(enqErr):
		h.outbox.ConfirmPromoted(settle, claimed)
		return OutcomeDuplicate, nil

	case broker.IsTransient(enqErr):
		if _, relErr := h.outbox.ReleaseClaim(settle, claimed.ID, prevAttemptAt); relErr != nil {
			h.logger.Error("release claim failed, record left promoted until reaped",
				slog.String("record_id", claimed.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
		return OutcomeDeferred, enqErr

	default:
		reason := fmt.Sprintf("broker rejected message: %v", enqErr)
		if _, failErr := h.outbox.MarkFailed(settle, claimed.ID, reason); failErr != nil {
			h.logger.Error("mark failed after broker rejection",
				slog.String("record_id", claimed.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}
		return OutcomeRejected, enqErr
	}
}
