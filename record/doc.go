// Package record defines the Job Record entity, its state machine, and the
// store interface every persistence backend implements.
//
// # Job Record
//
// A [Record] is the durable representation of one unit of deferred work.
// It is the source of truth: the broker only ever holds a copy of work
// that a record already describes. Records move through:
//
//	pending → promoted → completed
//	pending → promoted → pending        (failed attempt, budget left)
//	pending → promoted → failed         (attempts exhausted)
//	pending | promoted → cancelled
//	failed → pending                    (administrative retry)
//
// completed, failed and cancelled are terminal. The transition table lives
// in [CanTransition] and is enforced by the outbox service and, for the
// conditional updates, by every store.
//
// # Dedup keys
//
// DedupKey is unique among active (pending or promoted) records. Stores
// back this with a partial unique index so that a race between two
// submissions is resolved at insert time with [courier.ErrDuplicateRecord].
package record
