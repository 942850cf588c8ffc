package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/broker"
	"github.com/xraph/courier/dispatcher"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	mw "github.com/xraph/courier/middleware"
	"github.com/xraph/courier/observability"
	"github.com/xraph/courier/outbox"
	"github.com/xraph/courier/promoter"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/record"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/worker"
)

const instrumentationName = "github.com/xraph/courier"

// ErrAlreadyStarted is returned by Start on a running engine.
var ErrAlreadyStarted = errors.New("courier/engine: already started")

// Engine owns every courier component for one process. Build it once,
// Start it, and Stop it on shutdown.
type Engine struct {
	cfg    courier.Config
	store  store.Store
	broker broker.Broker
	logger *slog.Logger

	extensions   *ext.Registry
	registry     *job.Registry
	outbox       *outbox.Service
	handoff      *promoter.Handoff
	promoter     *promoter.Promoter
	dispatcher   *dispatcher.Dispatcher
	pool         *worker.Pool
	queueManager *queue.Manager

	bo           backoff.Strategy
	mws          []mw.Middleware
	userExts     []ext.Extension
	queueConfigs []queue.Config

	// OpenTelemetry providers; nil means the global provider.
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	noWorkers bool

	mu      sync.Mutex
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg courier.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithStore sets the record store. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithBroker sets the execution broker. Without one every submission
// waits for the promoter, which defers it, and no worker pool runs.
func WithBroker(b broker.Broker) Option {
	return func(eng *Engine) { eng.broker = b }
}

// WithoutWorkers builds no worker pool even when a broker is set. The
// process then only submits, promotes and administers records.
func WithoutWorkers() Option {
	return func(eng *Engine) { eng.noWorkers = true }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.userExts = append(eng.userExts, e) }
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the delay applied when a failed attempt re-arms a
// record. Defaults to backoff.DefaultStrategy().
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig sets per-job-name rate limits and concurrency caps for
// the worker pool.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTracerProvider sets the OTel TracerProvider used by the tracing
// middleware.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets the OTel MeterProvider used by the metrics
// middleware and the observability extension.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine. Nothing runs until Start.
func Build(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:    courier.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if err := eng.cfg.Validate(); err != nil {
		return nil, err
	}
	if eng.store == nil {
		eng.store = memory.New()
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	logger := eng.logger
	eng.extensions = ext.NewRegistry(logger)
	eng.extensions.Register(eng.observability())
	for _, e := range eng.userExts {
		eng.extensions.Register(e)
	}

	eng.registry = job.NewRegistry()
	eng.outbox = outbox.NewService(eng.store,
		outbox.WithDedup(eng.registry.Dedup()),
		outbox.WithExtensions(eng.extensions),
		outbox.WithBackoff(eng.bo),
		outbox.WithLogger(logger),
		outbox.WithDefaults(eng.cfg.DefaultMaxAttempts, eng.cfg.DefaultPromotionWindowMinutes),
	)

	eng.handoff = promoter.NewHandoff(eng.outbox, eng.broker, logger)

	promOpts := []promoter.Option{
		promoter.WithSchedule(eng.cfg.PromotionSchedule),
		promoter.WithGrace(eng.cfg.PromotionGrace),
		promoter.WithBatchSize(eng.cfg.PromotionBatchSize),
		promoter.WithStaleAfter(eng.cfg.StaleAfter),
		promoter.WithLogger(logger),
	}
	if !store.ExpiresNatively(eng.store) {
		promOpts = append(promOpts, promoter.WithSweep(eng.sweep))
	}
	p, err := promoter.New(eng.outbox, eng.handoff, promOpts...)
	if err != nil {
		return nil, err
	}
	eng.promoter = p

	eng.dispatcher = dispatcher.New(eng.outbox, eng.handoff,
		dispatcher.WithHorizon(eng.cfg.NearTermHorizon),
		dispatcher.WithJobOptions(eng.registry),
		dispatcher.WithLogger(logger),
	)

	if eng.broker != nil && !eng.noWorkers {
		executor := worker.NewExecutor(eng.outbox, eng.broker, eng.registry, logger, eng.middleware()...)
		poolOpts := []worker.PoolOption{
			worker.WithPoolConcurrency(eng.cfg.Concurrency),
			worker.WithDequeueWait(eng.cfg.DequeueWait),
		}
		if len(eng.queueConfigs) > 0 {
			eng.queueManager = queue.NewManager(eng.queueConfigs...)
			poolOpts = append(poolOpts, worker.WithLimiter(eng.queueManager))
		}
		eng.pool = worker.NewPool(eng.broker, executor, logger, poolOpts...)
	}

	return eng, nil
}

// observability builds the metrics extension on the configured provider.
func (eng *Engine) observability() *observability.MetricsExtension {
	if eng.meterProvider != nil {
		return observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	}
	return observability.NewMetricsExtension()
}

// middleware returns recover, tracing, metrics, logging and timeout
// followed by any user middleware.
func (eng *Engine) middleware() []mw.Middleware {
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}
	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}

	all := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger),
	}
	return append(all, eng.mws...)
}

func (eng *Engine) sweep(ctx context.Context) (int64, error) {
	return eng.outbox.Sweep(ctx, eng.cfg.CompletedRetention, eng.cfg.FailedRetention)
}

// Start pings the broker, then starts the worker pool and the promoter.
// An unreachable broker is logged, not fatal: submissions are deferred
// until it recovers.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.started {
		return ErrAlreadyStarted
	}

	if eng.broker == nil {
		eng.logger.Warn("no broker configured, records will stay pending")
	} else if err := eng.broker.Ping(ctx); err != nil {
		eng.logger.Warn("broker unreachable at startup", slog.String("error", err.Error()))
	}

	if eng.pool != nil {
		if err := eng.pool.Start(ctx); err != nil {
			return fmt.Errorf("courier/engine: start worker pool: %w", err)
		}
	}
	if err := eng.promoter.Start(ctx); err != nil {
		if eng.pool != nil {
			_ = eng.pool.Stop(ctx)
		}
		return fmt.Errorf("courier/engine: start promoter: %w", err)
	}

	eng.started = true
	eng.logger.Info("courier engine started",
		slog.Bool("broker", eng.broker != nil),
		slog.Int("concurrency", eng.cfg.Concurrency),
	)
	return nil
}

// Stop shuts down in a fixed order: promoter, worker pool, broker. The
// store is left open because the caller owns it. ctx bounds how long
// in-flight handlers may run.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.started {
		return nil
	}
	eng.started = false

	var errs []error
	if err := eng.promoter.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop promoter: %w", err))
	}
	if eng.pool != nil {
		if err := eng.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker pool: %w", err))
		}
	}
	if eng.broker != nil {
		if err := eng.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}

	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("courier engine stopped")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("courier/engine: %w", err)
	}
	return nil
}

// Register registers a typed job definition.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue submits a job through the dispatcher.
func (eng *Engine) Enqueue(ctx context.Context, jobName string, payload map[string]any, opts ...dispatcher.Option) (*dispatcher.Outcome, error) {
	return eng.dispatcher.Enqueue(ctx, jobName, payload, opts...)
}

// Enqueue submits a typed payload through the dispatcher.
func Enqueue[T any](ctx context.Context, eng *Engine, jobName string, payload T, opts ...dispatcher.Option) (*dispatcher.Outcome, error) {
	return dispatcher.EnqueueTyped(ctx, eng.dispatcher, jobName, payload, opts...)
}

// List returns records filtered by status, newest first.
func (eng *Engine) List(ctx context.Context, opts record.ListOpts) ([]*record.Record, error) {
	return eng.outbox.List(ctx, opts)
}

// Get returns one record.
func (eng *Engine) Get(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	return eng.outbox.Get(ctx, recordID)
}

// Cancel cancels a pending or promoted record and withdraws its message
// from the broker. A failed withdrawal is logged; the worker skips
// deliveries whose record is no longer promoted.
func (eng *Engine) Cancel(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	rec, err := eng.outbox.Cancel(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if eng.broker != nil {
		if rmErr := eng.broker.Remove(ctx, rec.DedupKey); rmErr != nil {
			eng.logger.Warn("failed to withdraw cancelled record from broker",
				slog.String("record_id", rec.ID.String()),
				slog.String("error", rmErr.Error()),
			)
		}
	}
	return rec, nil
}

// Retry re-arms a failed record.
func (eng *Engine) Retry(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	return eng.outbox.Retry(ctx, recordID)
}

// PromoteNow runs a promotion pass immediately. It returns
// courier.ErrPassInProgress if a pass is already running.
func (eng *Engine) PromoteNow(ctx context.Context) (*promoter.PassResult, error) {
	return eng.promoter.RunOnce(ctx)
}

// Cleanup deletes terminal records older than retentionDays.
func (eng *Engine) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	return eng.outbox.Cleanup(ctx, retentionDays)
}

// Stats counts records by status.
func (eng *Engine) Stats(ctx context.Context) (*outbox.Stats, error) {
	return eng.outbox.Stats(ctx)
}

// Config returns the engine configuration.
func (eng *Engine) Config() courier.Config { return eng.cfg }

// Store returns the record store.
func (eng *Engine) Store() store.Store { return eng.store }

// Broker returns the broker, or nil.
func (eng *Engine) Broker() broker.Broker { return eng.broker }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Outbox returns the outbox service.
func (eng *Engine) Outbox() *outbox.Service { return eng.outbox }

// Dispatcher returns the submission dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.dispatcher }

// Promoter returns the promoter.
func (eng *Engine) Promoter() *promoter.Promoter { return eng.promoter }

// Pool returns the worker pool, or nil when no broker is configured or
// WithoutWorkers was given.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
