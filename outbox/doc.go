// Package outbox is the sole reader and writer of job records.
//
// The Service accepts submissions, deduplicates them against active
// records, and drives every state transition:
//
//	pending ──claim──▶ promoted ──complete──▶ completed
//	   ▲                  │
//	   └──── re-arm ──────┤ fail (attempts < max)
//	                      └─ fail (attempts ≥ max) ──▶ failed
//
//	pending | promoted ──cancel──▶ cancelled
//	failed ──retry (admin)──▶ pending
//
// Each transition is a conditional single-record update, so concurrent
// callers cannot both move a record out of the same state. Attempts are
// counted once per execution, at claim time.
package outbox
