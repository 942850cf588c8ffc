// Package worker provides the job execution engine: an Executor that runs
// one broker delivery through middleware and the registered handler, and a
// Pool of goroutines consuming the broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/courier"
	"github.com/xraph/courier/broker"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/outbox"
	"github.com/xraph/courier/record"
)

// Executor runs a single delivery and reports the outcome to the outbox.
//
// The delivery is acked before the outcome is reported. Acking releases the
// broker token, so a record re-armed by MarkFailed can be promoted again
// without colliding with its own spent message.
type Executor struct {
	outbox   *outbox.Service
	broker   broker.Broker
	registry *job.Registry
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. With no middleware given the handler
// runs bare.
func NewExecutor(
	svc *outbox.Service,
	b broker.Broker,
	registry *job.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		outbox:   svc,
		broker:   b,
		registry: registry,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs d. The returned error is the handler's error, or a
// bookkeeping error; skipped deliveries return nil.
func (e *Executor) Execute(ctx context.Context, d *broker.Delivery) error {
	rec, ok := e.load(ctx, d)
	if !ok {
		return nil
	}

	handler, found := e.registry.Get(rec.JobName)
	if !found {
		e.ack(ctx, d)
		msg := fmt.Sprintf("no handler registered for job %q", rec.JobName)
		if _, err := e.outbox.MarkFailedPermanent(context.WithoutCancel(ctx), rec.ID, msg); err != nil {
			return err
		}
		return errors.New(msg)
	}

	opts, _ := e.registry.Options(rec.JobName)
	info := job.Info{
		RecordID:      rec.ID.String(),
		JobName:       rec.JobName,
		Attempt:       rec.Attempts,
		AttemptBudget: d.AttemptBudget,
		Timeout:       opts.Timeout,
	}

	e.outbox.Extensions().EmitRecordStarted(ctx, rec)

	var result map[string]any
	terminal := func(ctx context.Context) error {
		var err error
		result, err = handler(ctx, rec.Payload)
		return err
	}

	runErr := e.mw(job.WithInfo(ctx, info), &info, terminal)

	// Reporting must survive pool shutdown cancelling ctx.
	reportCtx := context.WithoutCancel(ctx)
	e.ack(reportCtx, d)

	if runErr != nil {
		if _, err := e.outbox.MarkFailed(reportCtx, rec.ID, runErr.Error()); err != nil {
			e.logger.Error("report failure",
				slog.String("record_id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return runErr
	}

	if _, err := e.outbox.MarkCompleted(reportCtx, rec.ID, result); err != nil {
		e.logger.Error("report completion",
			slog.String("record_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Abandon gives up on a delivery that could not be run, for example when
// the pool stops while the job waits on its rate limit. The attempt counts
// as failed.
func (e *Executor) Abandon(ctx context.Context, d *broker.Delivery, cause error) {
	ctx = context.WithoutCancel(ctx)
	e.ack(ctx, d)
	recID, err := id.ParseRecordID(d.RecordID)
	if err != nil {
		return
	}
	if _, err := e.outbox.MarkFailed(ctx, recID, "abandoned: "+cause.Error()); err != nil {
		e.logger.Warn("abandon delivery",
			slog.String("record_id", d.RecordID),
			slog.String("error", err.Error()),
		)
	}
}

// load re-reads the record behind d. Deliveries whose record is gone or no
// longer promoted (cancelled, already finished) are acked and dropped.
func (e *Executor) load(ctx context.Context, d *broker.Delivery) (*record.Record, bool) {
	recID, err := id.ParseRecordID(d.RecordID)
	if err != nil {
		e.logger.Error("delivery carries invalid record id",
			slog.String("delivery_id", d.ID),
			slog.String("record_id", d.RecordID),
		)
		e.ack(ctx, d)
		return nil, false
	}

	rec, err := e.outbox.Get(ctx, recID)
	switch {
	case errors.Is(err, courier.ErrRecordNotFound):
		e.logger.Warn("delivery for missing record dropped", slog.String("record_id", d.RecordID))
		e.ack(ctx, d)
		return nil, false
	case err != nil:
		// The broker never redelivers, so release the message. The record
		// stays promoted until the promoter reaps it as stale.
		e.logger.Error("load record for delivery",
			slog.String("record_id", d.RecordID),
			slog.String("error", err.Error()),
		)
		e.ack(ctx, d)
		return nil, false
	}

	if rec.Status != record.StatusPromoted {
		e.logger.Info("delivery skipped",
			slog.String("record_id", d.RecordID),
			slog.String("status", string(rec.Status)),
		)
		e.ack(ctx, d)
		return nil, false
	}
	return rec, true
}

func (e *Executor) ack(ctx context.Context, d *broker.Delivery) {
	if err := e.broker.Ack(ctx, d); err != nil {
		e.logger.Warn("ack delivery",
			slog.String("delivery_id", d.ID),
			slog.String("record_id", d.RecordID),
			slog.String("error", err.Error()),
		)
	}
}
