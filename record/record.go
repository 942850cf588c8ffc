package record

import (
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// Status represents the lifecycle state of a job record.
type Status string

const (
	// StatusPending means the record waits for promotion into the broker.
	StatusPending Status = "pending"
	// StatusPromoted means the record has been handed to the broker.
	StatusPromoted Status = "promoted"
	// StatusCompleted means a worker reported success.
	StatusCompleted Status = "completed"
	// StatusFailed means every allowed attempt failed.
	StatusFailed Status = "failed"
	// StatusCancelled means the record was cancelled administratively.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusPromoted, StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal reports whether no further automatic transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the status participates in dedup uniqueness.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusPromoted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusPromoted, StatusCancelled},
	StatusPromoted: {StatusCompleted, StatusPending, StatusFailed, StatusCancelled},
	StatusFailed:   {StatusPending},
}

// CanTransition reports whether from → to is a legal edge. failed → pending
// is only taken by an explicit administrative retry.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Default values applied when a submission leaves a field unset.
const (
	DefaultMaxAttempts            = 3
	DefaultPromotionWindowMinutes = 60
)

// Record is the durable representation of one deferred unit of work.
type Record struct {
	courier.Entity

	ID                     id.RecordID    `json:"id"`
	JobName                string         `json:"job_name"`
	DedupKey               string         `json:"dedup_key"`
	Payload                map[string]any `json:"payload,omitempty"`
	RunAt                  time.Time      `json:"run_at"`
	Status                 Status         `json:"status"`
	Attempts               int            `json:"attempts"`
	MaxAttempts            int            `json:"max_attempts"`
	Priority               int            `json:"priority"`
	PromotionWindowMinutes int            `json:"promotion_window_minutes"`
	LastError              string         `json:"last_error,omitempty"`
	LastAttemptAt          *time.Time     `json:"last_attempt_at,omitempty"`
	Result                 map[string]any `json:"result,omitempty"`
	CompletedAt            *time.Time     `json:"completed_at,omitempty"`
}

// PromotionWindow returns the look-ahead horizon as a duration.
func (r *Record) PromotionWindow() time.Duration {
	return time.Duration(r.PromotionWindowMinutes) * time.Minute
}

// DueBy reports whether the record is inside its promotion window at now.
// An override window greater than zero replaces the record's own window.
func (r *Record) DueBy(now time.Time, override time.Duration) bool {
	window := r.PromotionWindow()
	if override > 0 {
		window = override
	}
	return !r.RunAt.After(now.Add(window))
}

// RemainingAttempts is the attempt budget handed to the broker. It never
// drops below one so a promoted record always gets a chance to run.
func (r *Record) RemainingAttempts() int {
	if n := r.MaxAttempts - r.Attempts; n > 1 {
		return n
	}
	return 1
}

// Delay returns how long after now the record becomes executable, floored
// at zero.
func (r *Record) Delay(now time.Time) time.Duration {
	if d := r.RunAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a copy safe to mutate without affecting r. Payload and
// Result maps are copied one level deep.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Payload = cloneMap(r.Payload)
	cp.Result = cloneMap(r.Result)
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
