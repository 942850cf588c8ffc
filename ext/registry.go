package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/record"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type recordSubmittedEntry struct {
	name string
	hook RecordSubmitted
}

type recordDeduplicatedEntry struct {
	name string
	hook RecordDeduplicated
}

type recordPromotedEntry struct {
	name string
	hook RecordPromoted
}

type recordStartedEntry struct {
	name string
	hook RecordStarted
}

type recordCompletedEntry struct {
	name string
	hook RecordCompleted
}

type recordRetryingEntry struct {
	name string
	hook RecordRetrying
}

type recordFailedEntry struct {
	name string
	hook RecordFailed
}

type recordCancelledEntry struct {
	name string
	hook RecordCancelled
}

type promotionPassEntry struct {
	name string
	hook PromotionPass
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register all extensions before the engine starts; emit methods do not
// lock.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	recordSubmitted    []recordSubmittedEntry
	recordDeduplicated []recordDeduplicatedEntry
	recordPromoted     []recordPromotedEntry
	recordStarted      []recordStartedEntry
	recordCompleted    []recordCompletedEntry
	recordRetrying     []recordRetryingEntry
	recordFailed       []recordFailedEntry
	recordCancelled    []recordCancelledEntry
	promotionPass      []promotionPassEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RecordSubmitted); ok {
		r.recordSubmitted = append(r.recordSubmitted, recordSubmittedEntry{name, h})
	}
	if h, ok := e.(RecordDeduplicated); ok {
		r.recordDeduplicated = append(r.recordDeduplicated, recordDeduplicatedEntry{name, h})
	}
	if h, ok := e.(RecordPromoted); ok {
		r.recordPromoted = append(r.recordPromoted, recordPromotedEntry{name, h})
	}
	if h, ok := e.(RecordStarted); ok {
		r.recordStarted = append(r.recordStarted, recordStartedEntry{name, h})
	}
	if h, ok := e.(RecordCompleted); ok {
		r.recordCompleted = append(r.recordCompleted, recordCompletedEntry{name, h})
	}
	if h, ok := e.(RecordRetrying); ok {
		r.recordRetrying = append(r.recordRetrying, recordRetryingEntry{name, h})
	}
	if h, ok := e.(RecordFailed); ok {
		r.recordFailed = append(r.recordFailed, recordFailedEntry{name, h})
	}
	if h, ok := e.(RecordCancelled); ok {
		r.recordCancelled = append(r.recordCancelled, recordCancelledEntry{name, h})
	}
	if h, ok := e.(PromotionPass); ok {
		r.promotionPass = append(r.promotionPass, promotionPassEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Record event emitters
// ──────────────────────────────────────────────────

// EmitRecordSubmitted notifies all extensions that implement RecordSubmitted.
func (r *Registry) EmitRecordSubmitted(ctx context.Context, rec *record.Record) {
	for _, e := range r.recordSubmitted {
		if err := e.hook.OnRecordSubmitted(ctx, rec); err != nil {
			r.logHookError("OnRecordSubmitted", e.name, err)
		}
	}
}

// EmitRecordDeduplicated notifies all extensions that implement RecordDeduplicated.
func (r *Registry) EmitRecordDeduplicated(ctx context.Context, existing *record.Record) {
	for _, e := range r.recordDeduplicated {
		if err := e.hook.OnRecordDeduplicated(ctx, existing); err != nil {
			r.logHookError("OnRecordDeduplicated", e.name, err)
		}
	}
}

// EmitRecordPromoted notifies all extensions that implement RecordPromoted.
func (r *Registry) EmitRecordPromoted(ctx context.Context, rec *record.Record) {
	for _, e := range r.recordPromoted {
		if err := e.hook.OnRecordPromoted(ctx, rec); err != nil {
			r.logHookError("OnRecordPromoted", e.name, err)
		}
	}
}

// EmitRecordStarted notifies all extensions that implement RecordStarted.
func (r *Registry) EmitRecordStarted(ctx context.Context, rec *record.Record) {
	for _, e := range r.recordStarted {
		if err := e.hook.OnRecordStarted(ctx, rec); err != nil {
			r.logHookError("OnRecordStarted", e.name, err)
		}
	}
}

// EmitRecordCompleted notifies all extensions that implement RecordCompleted.
func (r *Registry) EmitRecordCompleted(ctx context.Context, rec *record.Record, elapsed time.Duration) {
	for _, e := range r.recordCompleted {
		if err := e.hook.OnRecordCompleted(ctx, rec, elapsed); err != nil {
			r.logHookError("OnRecordCompleted", e.name, err)
		}
	}
}

// EmitRecordRetrying notifies all extensions that implement RecordRetrying.
func (r *Registry) EmitRecordRetrying(ctx context.Context, rec *record.Record, attempt int, nextRunAt time.Time) {
	for _, e := range r.recordRetrying {
		if err := e.hook.OnRecordRetrying(ctx, rec, attempt, nextRunAt); err != nil {
			r.logHookError("OnRecordRetrying", e.name, err)
		}
	}
}

// EmitRecordFailed notifies all extensions that implement RecordFailed.
func (r *Registry) EmitRecordFailed(ctx context.Context, rec *record.Record, recErr error) {
	for _, e := range r.recordFailed {
		if err := e.hook.OnRecordFailed(ctx, rec, recErr); err != nil {
			r.logHookError("OnRecordFailed", e.name, err)
		}
	}
}

// EmitRecordCancelled notifies all extensions that implement RecordCancelled.
func (r *Registry) EmitRecordCancelled(ctx context.Context, rec *record.Record) {
	for _, e := range r.recordCancelled {
		if err := e.hook.OnRecordCancelled(ctx, rec); err != nil {
			r.logHookError("OnRecordCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitPromotionPass notifies all extensions that implement PromotionPass.
func (r *Registry) EmitPromotionPass(ctx context.Context, promoted, failed, skipped int, elapsed time.Duration) {
	for _, e := range r.promotionPass {
		if err := e.hook.OnPromotionPass(ctx, promoted, failed, skipped, elapsed); err != nil {
			r.logHookError("OnPromotionPass", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
