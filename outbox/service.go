package outbox

import (
	"log/slog"
	"time"

	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/dedup"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/record"
)

// Service provides the job record lifecycle over a record.Store.
type Service struct {
	store  record.Store
	keys   *dedup.Registry
	exts   *ext.Registry
	bo     backoff.Strategy
	logger *slog.Logger
	now    func() time.Time

	defaultMaxAttempts   int
	defaultWindowMinutes int
}

// Option configures a Service.
type Option func(*Service)

// WithDedup sets the dedup strategy registry.
func WithDedup(reg *dedup.Registry) Option {
	return func(s *Service) { s.keys = reg }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(reg *ext.Registry) Option {
	return func(s *Service) { s.exts = reg }
}

// WithBackoff sets the delay applied when a failed attempt re-arms a
// record. Defaults to backoff.DefaultStrategy().
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Service) { s.bo = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDefaults sets the values applied when a submission leaves
// MaxAttempts or the promotion window unset.
func WithDefaults(maxAttempts, windowMinutes int) Option {
	return func(s *Service) {
		s.defaultMaxAttempts = maxAttempts
		s.defaultWindowMinutes = windowMinutes
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an outbox service over store.
func NewService(store record.Store, opts ...Option) *Service {
	s := &Service{
		store:                store,
		keys:                 dedup.NewRegistry(),
		bo:                   backoff.DefaultStrategy(),
		logger:               slog.Default(),
		now:                  func() time.Time { return time.Now().UTC() },
		defaultMaxAttempts:   record.DefaultMaxAttempts,
		defaultWindowMinutes: record.DefaultPromotionWindowMinutes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exts == nil {
		s.exts = ext.NewRegistry(s.logger)
	}
	return s
}

// Store returns the underlying record store.
func (s *Service) Store() record.Store { return s.store }

// Dedup returns the dedup strategy registry.
func (s *Service) Dedup() *dedup.Registry { return s.keys }

// Extensions returns the lifecycle hook registry.
func (s *Service) Extensions() *ext.Registry { return s.exts }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }
