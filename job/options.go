package job

import (
	"time"

	"github.com/xraph/courier/dedup"
)

// Options configures per-job behavior applied at submission and execution.
type Options struct {
	// MaxAttempts caps execution attempts. Zero uses the outbox default.
	MaxAttempts int

	// Priority determines promotion ordering. Higher values go first.
	Priority int

	// Timeout is the maximum duration a handler may run. Zero is unlimited.
	Timeout time.Duration

	// PromotionWindowMinutes overrides the look-ahead window. Nil uses the
	// outbox default.
	PromotionWindowMinutes *int

	// Dedup selects how the dedup key is derived. Nil hashes the whole
	// payload.
	Dedup dedup.Strategy
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithMaxAttempts sets the maximum number of execution attempts.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithPriority sets the job priority. Higher values are promoted first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithPromotionWindow sets the look-ahead window in minutes.
func WithPromotionWindow(minutes int) Option {
	return func(o *Options) {
		o.PromotionWindowMinutes = &minutes
	}
}

// WithDedup sets the dedup strategy.
func WithDedup(s dedup.Strategy) Option {
	return func(o *Options) {
		o.Dedup = s
	}
}
