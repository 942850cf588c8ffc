package dispatcher

import "time"

// EnqueueOptions holds per-call submission settings. Zero values fall back
// to the job's registered options and then to the outbox defaults.
type EnqueueOptions struct {
	RunAt                  time.Time
	Delay                  time.Duration
	Priority               *int
	MaxAttempts            int
	PromotionWindowMinutes *int
}

// Option configures a single Enqueue call.
type Option func(*EnqueueOptions)

// WithRunAt sets the earliest execution time. It wins over WithDelay.
func WithRunAt(t time.Time) Option {
	return func(o *EnqueueOptions) { o.RunAt = t }
}

// WithDelay sets the execution time relative to now.
func WithDelay(d time.Duration) Option {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// WithPriority sets the promotion priority. Higher values go first.
func WithPriority(p int) Option {
	return func(o *EnqueueOptions) { o.Priority = &p }
}

// WithMaxAttempts caps execution attempts.
func WithMaxAttempts(n int) Option {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}

// WithPromotionWindow sets how many minutes before RunAt the promoter may
// hand the record to the broker.
func WithPromotionWindow(minutes int) Option {
	return func(o *EnqueueOptions) { o.PromotionWindowMinutes = &minutes }
}
