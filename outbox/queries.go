package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

// Get returns a record by ID.
func (s *Service) Get(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: get %s: %w", recordID, err)
	}
	return rec, nil
}

// List returns records filtered by status, newest first.
func (s *Service) List(ctx context.Context, opts record.ListOpts) ([]*record.Record, error) {
	recs, err := s.store.ListRecords(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: list: %w", err)
	}
	return recs, nil
}

// DueSoon returns pending records inside their promotion window, highest
// priority first, at most limit of them.
func (s *Service) DueSoon(ctx context.Context, limit int, window time.Duration) ([]*record.Record, error) {
	recs, err := s.store.ListDue(ctx, record.DueOpts{Now: s.now(), Limit: limit, Window: window})
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: due soon: %w", err)
	}
	return recs, nil
}

// Overdue returns pending records whose RunAt has already passed. A large
// overdue set means promotion is falling behind.
func (s *Service) Overdue(ctx context.Context, limit int) ([]*record.Record, error) {
	recs, err := s.store.ListOverdue(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: overdue: %w", err)
	}
	return recs, nil
}

// Stats is a per-status record count.
type Stats struct {
	Counts map[record.Status]int64 `json:"counts"`
	Total  int64                   `json:"total"`
}

// Stats counts records by status. Every status is present in the result.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("courier/outbox: stats: %w", err)
	}
	st := &Stats{Counts: make(map[record.Status]int64, len(record.Statuses))}
	for _, status := range record.Statuses {
		st.Counts[status] = counts[status]
		st.Total += counts[status]
	}
	return st, nil
}

var terminalStatuses = []record.Status{record.StatusCompleted, record.StatusFailed, record.StatusCancelled}

// Cleanup deletes terminal records last updated more than retentionDays
// ago and returns how many were removed.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("courier/outbox: cleanup: retention days must not be negative, got %d", retentionDays)
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var total int64
	for _, status := range terminalStatuses {
		n, err := s.store.DeleteTerminalBefore(ctx, status, cutoff)
		if err != nil {
			return total, fmt.Errorf("courier/outbox: cleanup %s: %w", status, err)
		}
		total += n
	}
	return total, nil
}

// Sweep applies the retention windows: completed and cancelled records
// older than completed, failed records older than failed.
func (s *Service) Sweep(ctx context.Context, completed, failed time.Duration) (int64, error) {
	now := s.now()
	cutoffs := map[record.Status]time.Time{
		record.StatusCompleted: now.Add(-completed),
		record.StatusCancelled: now.Add(-completed),
		record.StatusFailed:    now.Add(-failed),
	}

	var total int64
	for _, status := range terminalStatuses {
		n, err := s.store.DeleteTerminalBefore(ctx, status, cutoffs[status])
		if err != nil {
			return total, fmt.Errorf("courier/outbox: sweep %s: %w", status, err)
		}
		total += n
	}
	return total, nil
}
