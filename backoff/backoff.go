// Package backoff provides pluggable delay strategies applied when a failed
// job record is re-armed for another attempt. The delay pushes the record's
// RunAt forward so a flapping handler does not hot-loop the promoter.
//
// Strategies are plain values and are safe for concurrent use. Compose them:
//
//	backoff.Jitter(backoff.Exponential(time.Second, time.Minute))
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Func adapts an ordinary function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f(attempt).
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// None re-arms immediately.
func None() Strategy { return Func(func(int) time.Duration { return 0 }) }

// Constant waits the same interval before every attempt.
func Constant(interval time.Duration) Strategy {
	return Func(func(int) time.Duration { return interval })
}

// Linear waits step*attempt, capped at limit when limit is positive.
func Linear(step, limit time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		return capAt(float64(step)*float64(attempt), limit)
	})
}

// Exponential waits base*2^(attempt-1), capped at limit when limit is
// positive.
func Exponential(base, limit time.Duration) Strategy {
	return Func(func(attempt int) time.Duration {
		return capAt(float64(base)*math.Pow(2, float64(attempt-1)), limit)
	})
}

// Jitter draws a uniform delay in [0, s.Delay(attempt)] ("full jitter") so
// records failing together do not come due together.
func Jitter(s Strategy) Strategy {
	return Func(func(attempt int) time.Duration {
		d := s.Delay(attempt)
		if d <= 0 {
			return 0
		}
		return time.Duration(rand.Int64N(int64(d) + 1)) //nolint:gosec // jitter, not crypto
	})
}

// At returns the RunAt of a record re-armed after its attempt-th failure.
// A nil strategy re-arms at now. Attempts below one count as the first.
func At(s Strategy, attempt int, now time.Time) time.Time {
	if s == nil {
		return now
	}
	return now.Add(s.Delay(max(attempt, 1)))
}

// DefaultStrategy is full-jitter exponential backoff from 1s up to 1m.
func DefaultStrategy() Strategy {
	return Jitter(Exponential(time.Second, time.Minute))
}

func capAt(d float64, limit time.Duration) time.Duration {
	if limit > 0 && d > float64(limit) {
		return limit
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
