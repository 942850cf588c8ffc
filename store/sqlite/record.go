package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

const recordColumns = `
	id, job_name, dedup_key, payload, run_at, status, attempts, max_attempts,
	priority, promotion_window_minutes, last_error, last_attempt_at, result,
	completed_at, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// InsertRecord persists a new record.
func (s *Store) InsertRecord(ctx context.Context, r *record.Record) error {
	payload, err := encodeMap(r.Payload)
	if err != nil {
		return fmt.Errorf("courier/sqlite: encode payload: %w", err)
	}
	result, err := encodeMap(r.Result)
	if err != nil {
		return fmt.Errorf("courier/sqlite: encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO courier_job_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.JobName, r.DedupKey, payload, micros(r.RunAt), string(r.Status),
		r.Attempts, r.MaxAttempts, r.Priority, r.PromotionWindowMinutes,
		r.LastError, nullMicros(r.LastAttemptAt), result, nullMicros(r.CompletedAt),
		micros(r.CreatedAt), micros(r.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return courier.ErrDuplicateRecord
		}
		return fmt.Errorf("courier/sqlite: insert record: %w", err)
	}
	return nil
}

// FindActiveByDedupKey returns the pending or promoted record holding key.
func (s *Store) FindActiveByDedupKey(ctx context.Context, key string) (*record.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM courier_job_records
		WHERE dedup_key = ? AND status IN ('pending', 'promoted')`,
		key,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrRecordNotFound
		}
		return nil, fmt.Errorf("courier/sqlite: find by dedup key: %w", err)
	}
	return r, nil
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	r, err := s.getRecord(ctx, s.db, recordID)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrRecordNotFound
		}
		return nil, fmt.Errorf("courier/sqlite: get record: %w", err)
	}
	return r, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getRecord(ctx context.Context, q queryRower, recordID id.RecordID) (*record.Record, error) {
	return scanRecord(q.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM courier_job_records
		WHERE id = ?`,
		recordID.String(),
	))
}

// TransitionRecord applies mutate inside a transaction if the stored
// status is one of from.
func (s *Store) TransitionRecord(ctx context.Context, recordID id.RecordID, from []record.Status, mutate record.Mutator) (*record.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.getRecord(ctx, tx, recordID)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrRecordNotFound
		}
		return nil, fmt.Errorf("courier/sqlite: load record: %w", err)
	}
	if !record.HasStatus(from, cur.Status) {
		return nil, courier.ErrInvalidState
	}

	mutate(cur)
	cur.UpdatedAt = time.Now().UTC()

	result, err := encodeMap(cur.Result)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: encode result: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE courier_job_records SET
			run_at = ?, status = ?, attempts = ?, last_error = ?,
			last_attempt_at = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		micros(cur.RunAt), string(cur.Status), cur.Attempts, cur.LastError,
		nullMicros(cur.LastAttemptAt), result, nullMicros(cur.CompletedAt), micros(cur.UpdatedAt),
		recordID.String(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, courier.ErrDuplicateRecord
		}
		return nil, fmt.Errorf("courier/sqlite: update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("courier/sqlite: commit transition: %w", err)
	}
	return cur, nil
}

// ClaimRecord moves a pending record to promoted in one statement.
func (s *Store) ClaimRecord(ctx context.Context, recordID id.RecordID, now time.Time) (*record.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE courier_job_records SET
			status = 'promoted', attempts = attempts + 1,
			last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+recordColumns,
		micros(now), micros(time.Now()), recordID.String(),
	))
	return s.conditional(ctx, recordID, r, err, "claim record")
}

// ReleaseClaim reverts ClaimRecord.
func (s *Store) ReleaseClaim(ctx context.Context, recordID id.RecordID, prev *time.Time) (*record.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE courier_job_records SET
			status = 'pending', attempts = MAX(attempts - 1, 0),
			last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'promoted'
		RETURNING `+recordColumns,
		nullMicros(prev), micros(time.Now()), recordID.String(),
	))
	return s.conditional(ctx, recordID, r, err, "release claim")
}

// conditional resolves the outcome of a status-guarded UPDATE. No row
// means the record is missing or in the wrong status.
func (s *Store) conditional(ctx context.Context, recordID id.RecordID, r *record.Record, err error, op string) (*record.Record, error) {
	if err == nil {
		return r, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("courier/sqlite: %s: %w", op, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM courier_job_records WHERE id = ?`, recordID.String(),
	).Scan(&n); err != nil {
		return nil, fmt.Errorf("courier/sqlite: %s: %w", op, err)
	}
	if n == 0 {
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

	bound := `run_at <= ? + promotion_window_minutes * 60000000`
	args := []any{micros(now)}
	if opts.Window > 0 {
		bound = `run_at <= ?`
		args[0] = micros(now.Add(opts.Window))
	}

	query := `
		SELECT ` + recordColumns + `
		FROM courier_job_records
		WHERE status = 'pending' AND ` + bound + `
		ORDER BY priority DESC, run_at ASC`
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.query(ctx, "list due", query, args...)
}

// ListOverdue returns pending records whose RunAt has passed, oldest first.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*record.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM courier_job_records
		WHERE status = 'pending' AND run_at < ?
		ORDER BY run_at ASC`
	args := []any{micros(now)}
	if limit > 0 {
		query += " LIMIT ?"
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
		WHERE status = 'promoted' AND run_at < ? AND last_attempt_at < ?
		ORDER BY last_attempt_at ASC`
	cutoff := micros(before)
	args := []any{cutoff, cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, "list stale promoted", query, args...)
}

// ListRecords returns records matching opts, newest first.
func (s *Store) ListRecords(ctx context.Context, opts record.ListOpts) ([]*record.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM courier_job_records`
	var args []any

	if opts.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
	switch {
	case opts.Limit > 0:
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	case opts.Offset > 0:
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	return s.query(ctx, "list records", query, args...)
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[record.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM courier_job_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.Status]int64, len(record.Statuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("courier/sqlite: scan count: %w", err)
		}
		counts[record.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/sqlite: iterate counts: %w", err)
	}
	return counts, nil
}

// DeleteTerminalBefore removes terminal records of status last updated
// before the cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, status record.Status, before time.Time) (int64, error) {
	if !status.IsTerminal() {
		return 0, courier.ErrInvalidState
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM courier_job_records WHERE status = ? AND updated_at < ?`,
		string(status), micros(before),
	)
	if err != nil {
		return 0, fmt.Errorf("courier/sqlite: delete terminal records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/sqlite: scan record row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/sqlite: %s: %w", op, err)
	}
	return out, nil
}

// scanRecord scans a single record row in recordColumns order.
func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		r                          record.Record
		idStr, status              string
		payload, result            sql.NullString
		runAt, createdAt, updated  int64
		lastAttemptAt, completedAt sql.NullInt64
	)
	err := row.Scan(
		&idStr, &r.JobName, &r.DedupKey, &payload, &runAt, &status,
		&r.Attempts, &r.MaxAttempts, &r.Priority, &r.PromotionWindowMinutes,
		&r.LastError, &lastAttemptAt, &result, &completedAt,
		&createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseRecordID(idStr)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: parse record id %q: %w", idStr, err)
	}
	r.ID = parsedID
	r.Status = record.Status(status)
	r.RunAt = fromMicros(runAt)
	r.CreatedAt = fromMicros(createdAt)
	r.UpdatedAt = fromMicros(updated)
	r.LastAttemptAt = fromNullMicros(lastAttemptAt)
	r.CompletedAt = fromNullMicros(completedAt)

	if r.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("courier/sqlite: decode payload: %w", err)
	}
	if r.Result, err = decodeMap(result); err != nil {
		return nil, fmt.Errorf("courier/sqlite: decode result: %w", err)
	}
	return &r, nil
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func encodeMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMap(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
