package ext

import (
	"context"
	"time"

	"github.com/xraph/courier/record"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Record lifecycle hooks
// ──────────────────────────────────────────────────

// RecordSubmitted is called after a new record is persisted.
type RecordSubmitted interface {
	OnRecordSubmitted(ctx context.Context, r *record.Record) error
}

// RecordDeduplicated is called when a submission is skipped because an
// active record already holds its dedup key. existing is that record.
type RecordDeduplicated interface {
	OnRecordDeduplicated(ctx context.Context, existing *record.Record) error
}

// RecordPromoted is called after a record is claimed and accepted by the
// broker.
type RecordPromoted interface {
	OnRecordPromoted(ctx context.Context, r *record.Record) error
}

// RecordStarted is called when a worker begins executing a record.
type RecordStarted interface {
	OnRecordStarted(ctx context.Context, r *record.Record) error
}

// RecordCompleted is called after a worker reports success.
type RecordCompleted interface {
	OnRecordCompleted(ctx context.Context, r *record.Record, elapsed time.Duration) error
}

// RecordRetrying is called when an attempt fails and the record returns to
// pending.
type RecordRetrying interface {
	OnRecordRetrying(ctx context.Context, r *record.Record, attempt int, nextRunAt time.Time) error
}

// RecordFailed is called when a record fails terminally.
type RecordFailed interface {
	OnRecordFailed(ctx context.Context, r *record.Record, err error) error
}

// RecordCancelled is called after a record is cancelled.
type RecordCancelled interface {
	OnRecordCancelled(ctx context.Context, r *record.Record) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// PromotionPass is called when a promotion pass finishes.
type PromotionPass interface {
	OnPromotionPass(ctx context.Context, promoted, failed, skipped int, elapsed time.Duration) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
