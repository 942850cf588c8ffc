package queue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-job-name execution limits.
type Config struct {
	// Name is the job name the limits apply to.
	Name string

	// MaxConcurrency limits how many executions of this job may run at
	// once in the local worker pool. Zero means no job-specific limit
	// (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained executions per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

type limitState struct {
	config  Config
	limiter *rate.Limiter
	slots   chan struct{}
}

func newLimitState(cfg Config) *limitState {
	ls := &limitState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ls.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.MaxConcurrency > 0 {
		ls.slots = make(chan struct{}, cfg.MaxConcurrency)
	}
	return ls
}

// Manager gates job executions by name. A worker that has dequeued a
// delivery waits in Acquire until the job's rate and concurrency limits
// admit it. It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	limits map[string]*limitState
}

// NewManager creates a Manager with the given configurations. Job names
// not listed have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{limits: make(map[string]*limitState, len(configs))}
	for _, cfg := range configs {
		m.limits[cfg.Name] = newLimitState(cfg)
	}
	return m
}

func (m *Manager) state(name string) *limitState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits[name]
}

// Acquire blocks until the named job may run or ctx is done. On success
// the caller MUST call the returned release func exactly once.
func (m *Manager) Acquire(ctx context.Context, name string) (release func(), err error) {
	ls := m.state(name)
	if ls == nil {
		return func() {}, nil
	}
	if ls.limiter != nil {
		if err := ls.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("courier/queue: rate limit for %q: %w", name, err)
		}
	}
	if ls.slots == nil {
		return func() {}, nil
	}
	select {
	case ls.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ls.slots })
	}, nil
}

// TryAcquire is the non-blocking form of Acquire. It returns false when
// the job is rate limited or at its concurrency cap.
func (m *Manager) TryAcquire(name string) (release func(), ok bool) {
	ls := m.state(name)
	if ls == nil {
		return func() {}, true
	}
	if ls.limiter != nil && !ls.limiter.Allow() {
		return nil, false
	}
	if ls.slots == nil {
		return func() {}, true
	}
	select {
	case ls.slots <- struct{}{}:
	default:
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ls.slots })
	}, true
}

// SetConfig installs or replaces limits for a job name. Executions holding
// a slot under the previous configuration release into the old gate.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[cfg.Name] = newLimitState(cfg)
}

// ActiveCount returns the number of running executions counted against
// the job's concurrency cap. Jobs without a cap always report zero.
func (m *Manager) ActiveCount(name string) int {
	ls := m.state(name)
	if ls == nil || ls.slots == nil {
		return 0
	}
	return len(ls.slots)
}
