// Package memory provides an in-memory record store for tests and
// development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
	"github.com/xraph/courier/store"
)

var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Records are copied on the way in and out so
// callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	records map[string]*record.Record
	// active maps a dedup key to the ID of the pending or promoted record
	// holding it. It plays the role of the partial unique index.
	active map[string]string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]*record.Record),
		active:  make(map[string]string),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Record Store
// ──────────────────────────────────────────────────

// InsertRecord persists a new record.
func (m *Store) InsertRecord(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.records[key]; exists {
		return courier.ErrDuplicateRecord
	}
	if r.Status.IsActive() {
		if _, taken := m.active[r.DedupKey]; taken {
			return courier.ErrDuplicateRecord
		}
		m.active[r.DedupKey] = key
	}
	m.records[key] = r.Clone()
	return nil
}

// FindActiveByDedupKey returns the active record holding key.
func (m *Store) FindActiveByDedupKey(_ context.Context, key string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recID, ok := m.active[key]
	if !ok {
		return nil, courier.ErrRecordNotFound
	}
	return m.records[recID].Clone(), nil
}

// GetRecord retrieves a record by ID.
func (m *Store) GetRecord(_ context.Context, recordID id.RecordID) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[recordID.String()]
	if !ok {
		return nil, courier.ErrRecordNotFound
	}
	return r.Clone(), nil
}

// TransitionRecord applies mutate if the stored status is one of from.
func (m *Store) TransitionRecord(_ context.Context, recordID id.RecordID, from []record.Status, mutate record.Mutator) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitionLocked(recordID.String(), from, mutate)
}

// ClaimRecord atomically moves a pending record to promoted.
func (m *Store) ClaimRecord(_ context.Context, recordID id.RecordID, now time.Time) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitionLocked(recordID.String(), []record.Status{record.StatusPending}, func(r *record.Record) {
		t := now.UTC()
		r.Status = record.StatusPromoted
		r.Attempts++
		r.LastAttemptAt = &t
	})
}

// ReleaseClaim reverts a claim made by ClaimRecord.
func (m *Store) ReleaseClaim(_ context.Context, recordID id.RecordID, prev *time.Time) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitionLocked(recordID.String(), []record.Status{record.StatusPromoted}, func(r *record.Record) {
		r.Status = record.StatusPending
		if r.Attempts > 0 {
			r.Attempts--
		}
		r.LastAttemptAt = prev
	})
}

// transitionLocked must be called with m.mu held for writing.
func (m *Store) transitionLocked(key string, from []record.Status, mutate record.Mutator) (*record.Record, error) {
	cur, ok := m.records[key]
	if !ok {
		return nil, courier.ErrRecordNotFound
	}
	if !record.HasStatus(from, cur.Status) {
		return nil, courier.ErrInvalidState
	}

	next := cur.Clone()
	mutate(next)
	next.UpdatedAt = time.Now().UTC()

	wasActive, isActive := cur.Status.IsActive(), next.Status.IsActive()
	if isActive && !wasActive {
		if holder, taken := m.active[next.DedupKey]; taken && holder != key {
			return nil, courier.ErrDuplicateRecord
		}
	}
	switch {
	case wasActive && !isActive:
		delete(m.active, cur.DedupKey)
	case isActive:
		m.active[next.DedupKey] = key
	}

	m.records[key] = next
	return next.Clone(), nil
}

// ListDue returns pending records inside their promotion window, ordered
// by priority descending then RunAt ascending.
func (m *Store) ListDue(_ context.Context, opts record.DueOpts) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	candidates := make([]*record.Record, 0, len(m.records))
	for _, r := range m.records {
		if r.Status != record.StatusPending || !r.DueBy(now, opts.Window) {
			continue
		}
		candidates = append(candidates, r)
	}

	// Sort: priority DESC, RunAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return cloneAll(candidates), nil
}

// ListOverdue returns pending records whose RunAt has passed, oldest first.
func (m *Store) ListOverdue(_ context.Context, now time.Time, limit int) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*record.Record
	for _, r := range m.records {
		if r.Status == record.StatusPending && r.RunAt.Before(now) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].RunAt.Before(result[k].RunAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return cloneAll(result), nil
}

// ListStalePromoted returns promoted records last attempted and due
// before the cutoff, oldest attempt first.
func (m *Store) ListStalePromoted(_ context.Context, before time.Time, limit int) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*record.Record
	for _, r := range m.records {
		if r.Status == record.StatusPromoted && r.RunAt.Before(before) &&
			r.LastAttemptAt != nil && r.LastAttemptAt.Before(before) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].LastAttemptAt.Before(*result[k].LastAttemptAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return cloneAll(result), nil
}

// ListRecords returns records matching opts, newest first.
func (m *Store) ListRecords(_ context.Context, opts record.ListOpts) ([]*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*record.Record, 0, len(m.records))
	for _, r := range m.records {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		result = append(result, r)
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.After(result[k].CreatedAt)
		}
		return result[i].ID.Compare(result[k].ID) > 0
	})

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return cloneAll(result), nil
}

// CountByStatus returns the number of records per status.
func (m *Store) CountByStatus(_ context.Context) (map[record.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[record.Status]int64, len(record.Statuses))
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

// DeleteTerminalBefore removes terminal records of status last updated
// before the cutoff.
func (m *Store) DeleteTerminalBefore(_ context.Context, status record.Status, before time.Time) (int64, error) {
	if !status.IsTerminal() {
		return 0, courier.ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, r := range m.records {
		if r.Status == status && r.UpdatedAt.Before(before) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

func cloneAll(in []*record.Record) []*record.Record {
	out := make([]*record.Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
