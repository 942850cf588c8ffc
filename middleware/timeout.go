package middleware

import (
	"context"
	"log/slog"

	"github.com/xraph/courier/job"
)

// Timeout returns middleware that enforces the per-job execution deadline.
// When the deadline passes the context is cancelled and the handler should
// return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, x *job.Info, next Handler) error {
		if x.Timeout <= 0 {
			return next(ctx)
		}
		logger.Debug("job timeout set",
			slog.String("record_id", x.RecordID),
			slog.Duration("timeout", x.Timeout),
		)
		ctx, cancel := context.WithTimeout(ctx, x.Timeout)
		defer cancel()
		return next(ctx)
	}
}
