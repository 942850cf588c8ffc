// Package postgres implements store.Store on PostgreSQL using pgx/v5.
//
// Records live in a single courier_job_records table. A partial unique
// index on dedup_key restricted to pending and promoted rows enforces the
// active-dedup rule, so a racing insert fails with courier.ErrDuplicateRecord.
// Claims are a single status-guarded UPDATE ... RETURNING and other
// transitions lock the row with SELECT ... FOR UPDATE. Schema migrations
// are embedded and applied with goose.
package postgres
