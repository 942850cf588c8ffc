package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/job"
)

// Logging returns middleware that logs execution start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, x *job.Info, next Handler) error {
		logger.Debug("job started",
			slog.String("job_name", x.JobName),
			slog.String("record_id", x.RecordID),
			slog.Int("attempt", x.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job failed",
				slog.String("job_name", x.JobName),
				slog.String("record_id", x.RecordID),
				slog.Int("attempt", x.Attempt),
				slog.Bool("last_attempt", x.LastAttempt()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_name", x.JobName),
				slog.String("record_id", x.RecordID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
