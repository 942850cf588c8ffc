package job

import (
	"context"
	"time"
)

// Info describes the execution a handler is running. The worker attaches
// it to the handler context.
type Info struct {
	RecordID string
	JobName  string
	// Attempt is the 1-based attempt number of this execution.
	Attempt int
	// AttemptBudget is how many attempts remained when the record was
	// promoted, including this one.
	AttemptBudget int
	// Timeout is the handler deadline from the job options. Zero is
	// unlimited.
	Timeout time.Duration
}

// LastAttempt reports whether a failure now exhausts the record.
func (i Info) LastAttempt() bool { return i.AttemptBudget <= 1 }

type infoKey struct{}

// WithInfo returns a context carrying info.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFrom returns the Info attached by the worker, if any.
func InfoFrom(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}
