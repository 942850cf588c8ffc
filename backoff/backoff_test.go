package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/courier/backoff"
)

func TestStrategies(t *testing.T) {
	tests := []struct {
		name    string
		s       backoff.Strategy
		attempt int
		want    time.Duration
	}{
		{"none", backoff.None(), 3, 0},
		{"constant first", backoff.Constant(5 * time.Second), 1, 5 * time.Second},
		{"constant later", backoff.Constant(5 * time.Second), 9, 5 * time.Second},
		{"linear", backoff.Linear(time.Second, time.Minute), 4, 4 * time.Second},
		{"linear capped", backoff.Linear(time.Second, 5*time.Second), 10, 5 * time.Second},
		{"linear uncapped", backoff.Linear(time.Second, 0), 90, 90 * time.Second},
		{"exponential first", backoff.Exponential(time.Second, time.Hour), 1, time.Second},
		{"exponential fifth", backoff.Exponential(time.Second, time.Hour), 5, 16 * time.Second},
		{"exponential capped", backoff.Exponential(time.Second, 10*time.Second), 20, 10 * time.Second},
		{"exponential overflow", backoff.Exponential(time.Hour, 0), 200, time.Duration(1<<63 - 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestJitter_StaysWithinBase(t *testing.T) {
	s := backoff.Jitter(backoff.Exponential(time.Second, 10*time.Second))

	seen := make(map[time.Duration]bool)
	for attempt := 1; attempt <= 6; attempt++ {
		ceiling := backoff.Exponential(time.Second, 10*time.Second).Delay(attempt)
		for range 100 {
			got := s.Delay(attempt)
			if got < 0 || got > ceiling {
				t.Fatalf("Delay(%d) = %v, want within [0, %v]", attempt, got, ceiling)
			}
			seen[got] = true
		}
	}
	if len(seen) < 2 {
		t.Errorf("jitter produced %d distinct values", len(seen))
	}
}

func TestJitter_ZeroBase(t *testing.T) {
	if got := backoff.Jitter(backoff.None()).Delay(1); got != 0 {
		t.Errorf("Delay = %v, want 0", got)
	}
}

func TestDefaultStrategy_FirstRetryWithinOneSecond(t *testing.T) {
	for range 50 {
		if d := backoff.DefaultStrategy().Delay(1); d < 0 || d > time.Second {
			t.Fatalf("Delay(1) = %v, want within [0, 1s]", d)
		}
	}
}

func TestAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		s       backoff.Strategy
		attempt int
		want    time.Time
	}{
		{"nil strategy", nil, 2, now},
		{"constant", backoff.Constant(time.Minute), 1, now.Add(time.Minute)},
		{"zero attempt clamps to first", backoff.Exponential(time.Second, 0), 0, now.Add(time.Second)},
		{"func", backoff.Func(func(n int) time.Duration { return time.Duration(n) * time.Hour }), 2, now.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoff.At(tt.s, tt.attempt, now); !got.Equal(tt.want) {
				t.Errorf("At = %v, want %v", got, tt.want)
			}
		})
	}
}
