package record

import (
	"context"
	"time"

	"github.com/xraph/courier/id"
)

// ListOpts controls pagination and filtering for record list queries.
type ListOpts struct {
	// Status filters by record status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
}

// DueOpts controls the due-soon scan used by the promoter.
type DueOpts struct {
	// Now is the reference time. Zero means time.Now().
	Now time.Time
	// Limit caps the batch. Zero means no limit.
	Limit int
	// Window, when positive, replaces each record's own promotion window.
	Window time.Duration
}

// Mutator applies in-place changes to a record inside a conditional update.
// It runs only after the store has confirmed the expected source status.
type Mutator func(r *Record)

// Store defines the persistence contract for job records. All mutation is
// single-record; no method spans multiple records atomically except the
// bulk retention delete.
type Store interface {
	// InsertRecord persists a new record. It returns
	// courier.ErrDuplicateRecord if an active record with the same dedup
	// key exists, including when a concurrent insert wins the race.
	InsertRecord(ctx context.Context, r *Record) error

	// FindActiveByDedupKey returns the pending or promoted record holding
	// key, or courier.ErrRecordNotFound.
	FindActiveByDedupKey(ctx context.Context, key string) (*Record, error)

	// GetRecord retrieves a record by ID.
	GetRecord(ctx context.Context, recordID id.RecordID) (*Record, error)

	// TransitionRecord applies mutate to the record only if its stored
	// status is one of from, then persists it and returns the new state.
	// Returns courier.ErrInvalidState when the status does not match.
	TransitionRecord(ctx context.Context, recordID id.RecordID, from []Status, mutate Mutator) (*Record, error)

	// ClaimRecord atomically moves a pending record to promoted,
	// increments Attempts and stamps LastAttemptAt. At most one caller
	// can claim a given pending record.
	ClaimRecord(ctx context.Context, recordID id.RecordID, now time.Time) (*Record, error)

	// ReleaseClaim undoes ClaimRecord: promoted → pending, Attempts-1,
	// LastAttemptAt restored to prev.
	ReleaseClaim(ctx context.Context, recordID id.RecordID, prev *time.Time) (*Record, error)

	// ListDue returns pending records inside their promotion window,
	// ordered by priority descending then RunAt ascending.
	ListDue(ctx context.Context, opts DueOpts) ([]*Record, error)

	// ListOverdue returns pending records whose RunAt is before now,
	// oldest first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	// ListStalePromoted returns promoted records whose RunAt and
	// LastAttemptAt are both before the cutoff, oldest attempt first.
	// These were handed to the broker long ago and never reported back.
	ListStalePromoted(ctx context.Context, before time.Time, limit int) ([]*Record, error)

	// ListRecords returns records matching opts, newest first.
	ListRecords(ctx context.Context, opts ListOpts) ([]*Record, error)

	// CountByStatus returns the number of records per status. Statuses
	// with no records may be omitted.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// DeleteTerminalBefore removes records in the given terminal status
	// last updated before the cutoff. Returns the number removed.
	DeleteTerminalBefore(ctx context.Context, status Status, before time.Time) (int64, error)
}

// Expirer is implemented by stores whose backend expires terminal records
// natively (e.g. TTL indexes). The engine skips its retention sweep for
// them.
type Expirer interface {
	ExpiresNatively() bool
}

// HasStatus reports whether s is in set.
func HasStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
