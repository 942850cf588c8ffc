package promoter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/courier"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/outbox"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultSchedule   = "@every 1m"
	DefaultGrace      = 5 * time.Second
	DefaultBatchSize  = 100
	DefaultStaleAfter = time.Hour
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// SweepFunc removes expired terminal records after a scheduled pass.
type SweepFunc func(ctx context.Context) (int64, error)

// PassResult summarises one promotion pass.
type PassResult struct {
	Promoted int           `json:"promoted"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Reaped   int           `json:"reaped"`
	Duration time.Duration `json:"duration"`
}

// Option configures a Promoter.
type Option func(*Promoter)

// WithSchedule sets the cron expression driving passes.
func WithSchedule(expr string) Option {
	return func(p *Promoter) { p.scheduleExpr = expr }
}

// WithGrace sets the delay before the first scheduled pass.
func WithGrace(d time.Duration) Option {
	return func(p *Promoter) { p.grace = d }
}

// WithBatchSize caps the records handled per pass.
func WithBatchSize(n int) Option {
	return func(p *Promoter) { p.batchSize = n }
}

// WithWindow overrides every record's own promotion window. Zero keeps
// the per-record windows.
func WithWindow(d time.Duration) Option {
	return func(p *Promoter) { p.window = d }
}

// WithSweep installs a retention sweep run after each scheduled pass.
func WithSweep(fn SweepFunc) Option {
	return func(p *Promoter) { p.sweep = fn }
}

// WithStaleAfter sets how long a due record may stay promoted without a
// reported outcome before a pass re-arms it. Zero disables reaping.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Promoter) { p.staleAfter = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Promoter) { p.logger = l }
}

// Promoter runs promotion passes on a schedule.
type Promoter struct {
	outbox  *outbox.Service
	handoff *Handoff
	exts    *ext.Registry
	logger  *slog.Logger

	scheduleExpr string
	schedule     cronlib.Schedule
	grace        time.Duration
	batchSize    int
	window       time.Duration
	staleAfter   time.Duration
	sweep        SweepFunc

	passMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Promoter. It fails if the schedule does not parse.
func New(svc *outbox.Service, h *Handoff, opts ...Option) (*Promoter, error) {
	p := &Promoter{
		outbox:       svc,
		handoff:      h,
		exts:         svc.Extensions(),
		logger:       slog.Default(),
		scheduleExpr: DefaultSchedule,
		grace:        DefaultGrace,
		batchSize:    DefaultBatchSize,
		staleAfter:   DefaultStaleAfter,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.batchSize < 1 {
		return nil, fmt.Errorf("courier/promoter: batch size must be at least 1, got %d", p.batchSize)
	}
	sched, err := ParseSchedule(p.scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("courier/promoter: parse schedule %q: %w", p.scheduleExpr, err)
	}
	p.schedule = sched
	return p, nil
}

// Handoff returns the shared single-record hand-off.
func (p *Promoter) Handoff() *Handoff { return p.handoff }

// RunOnce executes one pass. Stale promoted records are re-armed first
// so they can be promoted again in the same pass. It returns
// courier.ErrPassInProgress if a pass is already running.
func (p *Promoter) RunOnce(ctx context.Context) (*PassResult, error) {
	if !p.passMu.TryLock() {
		return nil, courier.ErrPassInProgress
	}
	defer p.passMu.Unlock()

	start := time.Now()
	res := &PassResult{}

	reaped, err := p.outbox.ReapStale(ctx, p.staleAfter, p.batchSize)
	if err != nil {
		p.logger.Error("reap stale records", slog.String("error", err.Error()))
	}
	res.Reaped = reaped

	due, err := p.outbox.DueSoon(ctx, p.batchSize, p.window)
	if err != nil {
		return nil, fmt.Errorf("courier/promoter: pass: %w", err)
	}

	for i, rec := range due {
		outcome, dErr := p.handoff.Deliver(ctx, rec)
		switch outcome {
		case OutcomePromoted, OutcomeDuplicate:
			res.Promoted++
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
			p.logger.Warn("promotion failed",
				slog.String("record_id", rec.ID.String()),
				slog.String("job_name", rec.JobName),
				slog.String("outcome", string(outcome)),
				slog.String("error", errString(dErr)),
			)
		}
		// An unreachable broker will refuse the rest too; leave them
		// pending for the next pass.
		if outcome == OutcomeDeferred && !p.handoff.Available() {
			res.Failed += len(due) - i - 1
			break
		}
	}
	res.Duration = time.Since(start)

	if len(due) > 0 {
		p.logger.Info("promotion pass complete",
			slog.Int("due", len(due)),
			slog.Int("promoted", res.Promoted),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Int("reaped", res.Reaped),
			slog.Duration("elapsed", res.Duration),
		)
	}
	p.exts.EmitPromotionPass(ctx, res.Promoted, res.Failed, res.Skipped, res.Duration)
	return res, nil
}

// Start launches the schedule loop. The first pass waits for the grace
// delay.
func (p *Promoter) Start(_ context.Context) error {
	p.wg.Add(1)
	go p.loop()
	p.logger.Info("promoter started",
		slog.String("schedule", p.scheduleExpr),
		slog.Duration("grace", p.grace),
		slog.Int("batch_size", p.batchSize),
	)
	return nil
}

// Stop signals the loop to stop and waits for an in-flight pass.
func (p *Promoter) Stop(_ context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("promoter stopped")
	return nil
}

func (p *Promoter) loop() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if p.grace > 0 {
		timer := time.NewTimer(p.grace)
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	for {
		p.tick(ctx)

		next := p.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Promoter) tick(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil {
		if errors.Is(err, courier.ErrPassInProgress) {
			p.logger.Debug("promotion pass skipped, previous pass still running")
			return
		}
		p.logger.Error("promotion pass error", slog.String("error", err.Error()))
		return
	}

	if p.sweep == nil {
		return
	}
	n, err := p.sweep(ctx)
	if err != nil {
		p.logger.Error("retention sweep error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("retention sweep removed terminal records", slog.Int64("removed", n))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
