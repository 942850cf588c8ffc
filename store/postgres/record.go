package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

const recordColumns = `
	id, job_name, dedup_key, payload, run_at, status, attempts, max_attempts,
	priority, promotion_window_minutes, last_error, last_attempt_at, result,
	completed_at, created_at, updated_at`

// InsertRecord persists a new record. A concurrent insert of the same
// active dedup key loses on the partial unique index.
func (s *Store) InsertRecord(ctx context.Context, r *record.Record) error {
	payload, err := encodeMap(r.Payload)
	if err != nil {
		return fmt.Errorf("courier/postgres: encode payload: %w", err)
	}
	result, err := encodeMap(r.Result)
	if err != nil {
		return fmt.Errorf("courier/postgres: encode result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO courier_job_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID.String(), r.JobName, r.DedupKey, payload, r.RunAt.UTC(), string(r.Status),
		r.Attempts, r.MaxAttempts, r.Priority, r.PromotionWindowMinutes,
		r.LastError, r.LastAttemptAt, result, r.CompletedAt,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return courier.ErrDuplicateRecord
		}
		return fmt.Errorf("courier/postgres: insert record: %w", err)
	}
	return nil
}

// FindActiveByDedupKey returns the pending or promoted record holding key.
func (s *Store) FindActiveByDedupKey(ctx context.Context, key string) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM courier_job_records
		WHERE dedup_key = $1 AND status IN ('pending', 'promoted')`,
		key,
	)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrRecordNotFound
		}
		return nil, fmt.Errorf("courier/postgres: find by dedup key: %w", err)
	}
	return r, nil
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM courier_job_records
		WHERE id = $1`,
		recordID.String(),
	)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrRecordNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get record: %w", err)
	}
	return r, nil
}

// TransitionRecord locks the row, checks its status against from, applies
// mutate and writes the mutable columns back.
func (s *Store) TransitionRecord(ctx context.Context, recordID id.RecordID, from []record.Status, mutate record.Mutator) (*record.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanRecord(tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM courier_job_records
		WHERE id = $1
		FOR UPDATE`,
		recordID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrRecordNotFound
		}
		return nil, fmt.Errorf("courier/postgres: lock record: %w", err)
	}
	if !record.HasStatus(from, cur.Status) {
		return nil, courier.ErrInvalidState
	}

	mutate(cur)
	cur.UpdatedAt = time.Now().UTC()

	result, err := encodeMap(cur.Result)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: encode result: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE courier_job_records SET
			run_at = $2, status = $3, attempts = $4, last_error = $5,
			last_attempt_at = $6, result = $7, completed_at = $8, updated_at = $9
		WHERE id = $1`,
		recordID.String(), cur.RunAt.UTC(), string(cur.Status), cur.Attempts, cur.LastError,
		cur.LastAttemptAt, result, cur.CompletedAt, cur.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, courier.ErrDuplicateRecord
		}
		return nil, fmt.Errorf("courier/postgres: update record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("courier/postgres: commit transition: %w", err)
	}
	return cur, nil
}

// ClaimRecord moves a pending record to promoted in one statement.
func (s *Store) ClaimRecord(ctx context.Context, recordID id.RecordID, now time.Time) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE courier_job_records SET
			status = 'promoted', attempts = attempts + 1,
			last_attempt_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+recordColumns,
		recordID.String(), now.UTC(), time.Now().UTC(),
	)
	return s.conditional(ctx, recordID, row, "claim record")
}

// ReleaseClaim reverts ClaimRecord.
func (s *Store) ReleaseClaim(ctx context.Context, recordID id.RecordID, prev *time.Time) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE courier_job_records SET
			status = 'pending', attempts = GREATEST(attempts - 1, 0),
			last_attempt_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'promoted'
		RETURNING `+recordColumns,
		recordID.String(), prev, time.Now().UTC(),
	)
	return s.conditional(ctx, recordID, row, "release claim")
}

// conditional scans the RETURNING row of a status-guarded UPDATE. No row
// means the record is missing or in the wrong status.
func (s *Store) conditional(ctx context.Context, recordID id.RecordID, row pgx.Row, op string) (*record.Record, error) {
	r, err := scanRecord(row)
	if err == nil {
		return r, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("courier/postgres: %s: %w", op, err)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM courier_job_records WHERE id = $1)`,
		recordID.String(),
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("courier/postgres: %s: %w", op, err)
	}
	if !exists {
		return nil, courier.ErrRecordNotFound
	}
	return nil, courier.ErrInvalidState
}

// ListDue returns pending records inside their promotion window, ordered
// by priority descending then RunAt ascending.
func (s *Store) ListDue(ctx context.Context, opts record.DueOpts) ([]*record.Record, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	bound := `run_at <= $1 + promotion_window_minutes * INTERVAL '1 minute'`
	args := []any{now.UTC()}
	if opts.Window > 0 {
		bound = `run_at <= $1`
		args[0] = now.Add(opts.Window).UTC()
	}

	query := `
		SELECT ` + recordColumns + `
		FROM courier_job_records
		WHERE status = 'pending' AND ` + bound + `
		ORDER BY priority DESC, run_at ASC`
	if opts.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, opts.Limit)
	}
	return s.query(ctx, "list due", query, args...)
}

// ListOverdue returns pending records whose RunAt has passed, oldest first.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*record.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM courier_job_records
		WHERE status = 'pending' AND run_at < $1
		ORDER BY run_at ASC`
	args := []any{now.UTC()}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.query(ctx, "list overdue", query, args...)
}

// ListStalePromoted returns promoted records whose run_at and
// last_attempt_at both precede the cutoff, oldest attempt first.
func (s *Store) ListStalePromoted(ctx context.Context, before time.Time, limit int) ([]*record.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM courier_job_records
		WHERE status = 'promoted' AND run_at < $1 AND last_attempt_at < $1
		ORDER BY last_attempt_at ASC`
	args := []any{before.UTC()}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.query(ctx, "list stale promoted", query, args...)
}

// ListRecords returns records matching opts, newest first.
func (s *Store) ListRecords(ctx context.Context, opts record.ListOpts) ([]*record.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM courier_job_records`
	var args []any
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.query(ctx, "list records", query, args...)
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[record.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM courier_job_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.Status]int64, len(record.Statuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("courier/postgres: scan count: %w", err)
		}
		counts[record.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate counts: %w", err)
	}
	return counts, nil
}

// DeleteTerminalBefore removes terminal records of status last updated
// before the cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, status record.Status, before time.Time) (int64, error) {
	if !status.IsTerminal() {
		return 0, courier.ErrInvalidState
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM courier_job_records WHERE status = $1 AND updated_at < $2`,
		string(status), before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("courier/postgres: delete terminal records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]*record.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: %s: %w", op, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// scanRecord scans a single record row in recordColumns order.
func scanRecord(row pgx.Row) (*record.Record, error) {
	var (
		r               record.Record
		idStr, status   string
		payload, result []byte
	)
	err := row.Scan(
		&idStr, &r.JobName, &r.DedupKey, &payload, &r.RunAt, &status,
		&r.Attempts, &r.MaxAttempts, &r.Priority, &r.PromotionWindowMinutes,
		&r.LastError, &r.LastAttemptAt, &result, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseRecordID(idStr)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: parse record id %q: %w", idStr, err)
	}
	r.ID = parsedID
	r.Status = record.Status(status)

	if r.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("courier/postgres: decode payload: %w", err)
	}
	if r.Result, err = decodeMap(result); err != nil {
		return nil, fmt.Errorf("courier/postgres: decode result: %w", err)
	}

	r.RunAt = r.RunAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.LastAttemptAt != nil {
		t := r.LastAttemptAt.UTC()
		r.LastAttemptAt = &t
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

// collectRecords collects all records from query rows.
func collectRecords(rows pgx.Rows) ([]*record.Record, error) {
	var out []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan record row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate record rows: %w", err)
	}
	return out, nil
}
