// Package dispatcher is the submission API. Enqueue always persists the job
// record first; handing it to the broker right away is an optimisation the
// promoter backs up.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/outbox"
	"github.com/xraph/courier/promoter"
)

// DefaultHorizon is how far ahead a submission may be handed straight to
// the broker.
const DefaultHorizon = time.Hour

// Outcome reports how a submission was routed. Every successful outcome
// guarantees the job will run; the tags exist for observability.
type Outcome struct {
	Success bool `json:"success"`
	// Skipped means an active record with the same dedup key already
	// existed; RecordID names it.
	Skipped bool `json:"skipped,omitempty"`
	// Immediate means the broker accepted the job during the call.
	Immediate bool `json:"immediate,omitempty"`
	// Deferred means the broker could not take the job now; the promoter
	// will.
	Deferred bool `json:"deferred,omitempty"`
	// Scheduled means RunAt lies beyond the near-term horizon.
	Scheduled bool   `json:"scheduled,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
}

// JobOptions supplies per-job defaults. job.Registry implements it.
type JobOptions interface {
	Options(name string) (job.Options, bool)
}

// Dispatcher routes submissions through the outbox and, for near-term work,
// straight into the broker.
type Dispatcher struct {
	outbox  *outbox.Service
	handoff *promoter.Handoff
	jobs    JobOptions
	horizon time.Duration
	logger  *slog.Logger
}

// Config is an option for New.
type Config func(*Dispatcher)

// WithHorizon sets the near-term horizon.
func WithHorizon(d time.Duration) Config {
	return func(x *Dispatcher) { x.horizon = d }
}

// WithJobOptions supplies per-job defaults.
func WithJobOptions(j JobOptions) Config {
	return func(x *Dispatcher) { x.jobs = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Config {
	return func(x *Dispatcher) { x.logger = l }
}

// New creates a Dispatcher. A nil handoff, or one without a broker, sends
// every submission to the promoter.
func New(svc *outbox.Service, h *promoter.Handoff, opts ...Config) *Dispatcher {
	d := &Dispatcher{
		outbox:  svc,
		handoff: h,
		horizon: DefaultHorizon,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue submits a job. Errors are returned only when the record could
// not be persisted; broker trouble never fails the call.
func (d *Dispatcher) Enqueue(ctx context.Context, jobName string, payload map[string]any, opts ...Option) (*Outcome, error) {
	o := d.resolve(jobName, opts)
	now := d.outbox.Now()

	runAt := now
	switch {
	case !o.RunAt.IsZero():
		runAt = o.RunAt
	case o.Delay > 0:
		runAt = now.Add(o.Delay)
	}

	sub := outbox.SubmitOptions{
		RunAt:                  runAt,
		MaxAttempts:            o.MaxAttempts,
		PromotionWindowMinutes: o.PromotionWindowMinutes,
	}
	if o.Priority != nil {
		sub.Priority = *o.Priority
	}

	res, err := d.outbox.Submit(ctx, jobName, payload, sub)
	if err != nil {
		return nil, fmt.Errorf("courier/dispatcher: enqueue %q: %w", jobName, err)
	}
	if res.Duplicate {
		out := &Outcome{Success: true, Skipped: true, Reason: "duplicate"}
		if res.Record != nil {
			out.RecordID = res.Record.ID.String()
		}
		return out, nil
	}

	rec := res.Record
	out := &Outcome{Success: true, RecordID: rec.ID.String()}

	if rec.RunAt.Sub(now) > d.horizon {
		out.Scheduled = true
		return out, nil
	}
	if d.handoff == nil || !d.handoff.Available() {
		out.Deferred = true
		out.Reason = "broker unavailable"
		return out, nil
	}

	outcome, herr := d.handoff.Deliver(ctx, rec)
	switch outcome {
	case promoter.OutcomePromoted:
		out.Immediate = true
	case promoter.OutcomeDuplicate:
		out.Skipped = true
		out.Reason = "already held by broker"
	case promoter.OutcomeSkipped:
		// The promoter claimed it first.
		out.Deferred = true
		out.Reason = "claimed by promoter"
	default:
		out.Deferred = true
		out.Reason = reason(herr)
		d.logger.Warn("fast path deferred to promoter",
			slog.String("record_id", out.RecordID),
			slog.String("job_name", jobName),
			slog.String("outcome", string(outcome)),
			slog.String("reason", out.Reason),
		)
	}
	return out, nil
}

// EnqueueTyped encodes payload as a JSON object and enqueues it.
func EnqueueTyped[T any](ctx context.Context, d *Dispatcher, jobName string, payload T, opts ...Option) (*Outcome, error) {
	m, err := job.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("courier/dispatcher: encode payload for job %q: %w", jobName, err)
	}
	return d.Enqueue(ctx, jobName, m, opts...)
}

// resolve layers call options over the job's registered options.
func (d *Dispatcher) resolve(jobName string, opts []Option) EnqueueOptions {
	var o EnqueueOptions
	if d.jobs != nil {
		if jo, ok := d.jobs.Options(jobName); ok {
			o.MaxAttempts = jo.MaxAttempts
			if jo.Priority != 0 {
				p := jo.Priority
				o.Priority = &p
			}
			o.PromotionWindowMinutes = jo.PromotionWindowMinutes
		}
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, courier.ErrNoBroker):
		return "broker not configured"
	default:
		return err.Error()
	}
}
