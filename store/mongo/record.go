package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

// maxTransitionRetries bounds the optimistic read-modify-write loop.
const maxTransitionRetries = 5

// InsertRecord persists a new record.
func (s *Store) InsertRecord(ctx context.Context, r *record.Record) error {
	m, err := toRecordModel(r)
	if err != nil {
		return err
	}
	if _, err := s.col.InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return courier.ErrDuplicateRecord
		}
		return fmt.Errorf("courier/mongo: insert record: %w", err)
	}
	return nil
}

// FindActiveByDedupKey returns the pending or promoted record holding key.
func (s *Store) FindActiveByDedupKey(ctx context.Context, key string) (*record.Record, error) {
	filter := bson.M{
		"dedup_key": key,
		"status":    bson.M{"$in": bson.A{string(record.StatusPending), string(record.StatusPromoted)}},
	}
	return s.findOne(ctx, filter, "find by dedup key")
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, recordID id.RecordID) (*record.Record, error) {
	return s.findOne(ctx, bson.M{"_id": recordID.String()}, "get record")
}

func (s *Store) findOne(ctx context.Context, filter bson.M, op string) (*record.Record, error) {
	var m recordModel
	if err := s.col.FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, courier.ErrRecordNotFound
		}
		return nil, fmt.Errorf("courier/mongo: %s: %w", op, err)
	}
	return fromRecordModel(&m)
}

// TransitionRecord applies mutate if the stored status is one of from.
// The write is guarded on the status and updated_at that were read, and
// retried when another writer got there first.
func (s *Store) TransitionRecord(ctx context.Context, recordID id.RecordID, from []record.Status, mutate record.Mutator) (*record.Record, error) {
	for range maxTransitionRetries {
		var cur recordModel
		if err := s.col.FindOne(ctx, bson.M{"_id": recordID.String()}).Decode(&cur); err != nil {
			if isNoDocuments(err) {
				return nil, courier.ErrRecordNotFound
			}
			return nil, fmt.Errorf("courier/mongo: load record: %w", err)
		}
		r, err := fromRecordModel(&cur)
		if err != nil {
			return nil, err
		}
		if !record.HasStatus(from, r.Status) {
			return nil, courier.ErrInvalidState
		}

		mutate(r)
		r.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
		next, err := toRecordModel(r)
		if err != nil {
			return nil, err
		}

		res, err := s.col.ReplaceOne(ctx, bson.M{
			"_id":        cur.ID,
			"status":     cur.Status,
			"updated_at": cur.UpdatedAt,
		}, next)
		if err != nil {
			if isDuplicateKey(err) {
				return nil, courier.ErrDuplicateRecord
			}
			return nil, fmt.Errorf("courier/mongo: replace record: %w", err)
		}
		if res.MatchedCount == 1 {
			return fromRecordModel(next)
		}
	}
	return nil, fmt.Errorf("courier/mongo: transition %s: too much contention", recordID)
}

// ClaimRecord moves a pending record to promoted in one FindOneAndUpdate.
func (s *Store) ClaimRecord(ctx context.Context, recordID id.RecordID, now time.Time) (*record.Record, error) {
	filter := bson.M{"_id": recordID.String(), "status": string(record.StatusPending)}
	update := bson.M{
		"$set": bson.M{
			"status":          string(record.StatusPromoted),
			"last_attempt_at": now.UTC(),
			"updated_at":      time.Now().UTC(),
		},
		"$inc": bson.M{"attempts": 1},
	}
	return s.conditional(ctx, recordID, filter, update, "claim record")
}

// ReleaseClaim reverts ClaimRecord.
func (s *Store) ReleaseClaim(ctx context.Context, recordID id.RecordID, prev *time.Time) (*record.Record, error) {
	filter := bson.M{"_id": recordID.String(), "status": string(record.StatusPromoted)}
	var last any
	if prev != nil {
		last = prev.UTC()
	}
	update := mongod.Pipeline{
		{{Key: "$set", Value: bson.M{
			"status":          string(record.StatusPending),
			"attempts":        bson.M{"$max": bson.A{bson.M{"$subtract": bson.A{"$attempts", 1}}, 0}},
			"last_attempt_at": last,
			"updated_at":      time.Now().UTC(),
		}}},
	}
	return s.conditional(ctx, recordID, filter, update, "release claim")
}

// conditional runs a status-guarded FindOneAndUpdate. No match means the
// record is missing or in the wrong status.
func (s *Store) conditional(ctx context.Context, recordID id.RecordID, filter bson.M, update any, op string) (*record.Record, error) {
	var m recordModel
	err := s.col.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return fromRecordModel(&m)
	}
	if !isNoDocuments(err) {
		return nil, fmt.Errorf("courier/mongo: %s: %w", op, err)
	}
	n, err := s.col.CountDocuments(ctx, bson.M{"_id": recordID.String()})
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: %s: %w", op, err)
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
	now = now.UTC()

	filter := bson.M{"status": string(record.StatusPending)}
	if opts.Window > 0 {
		filter["run_at"] = bson.M{"$lte": now.Add(opts.Window)}
	} else {
		filter["$expr"] = bson.M{"$lte": bson.A{
			"$run_at",
			bson.M{"$add": bson.A{now, bson.M{"$multiply": bson.A{"$promotion_window_minutes", 60_000}}}},
		}}
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "priority", Value: -1},
		{Key: "run_at", Value: 1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	return s.find(ctx, filter, findOpts, "list due")
}

// ListOverdue returns pending records whose RunAt has passed, oldest first.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*record.Record, error) {
	filter := bson.M{
		"status": string(record.StatusPending),
		"run_at": bson.M{"$lt": now.UTC()},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "run_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	return s.find(ctx, filter, findOpts, "list overdue")
}

// ListStalePromoted returns promoted records whose run_at and
// last_attempt_at both precede the cutoff, oldest attempt first.
func (s *Store) ListStalePromoted(ctx context.Context, before time.Time, limit int) ([]*record.Record, error) {
	cutoff := before.UTC()
	filter := bson.M{
		"status":          string(record.StatusPromoted),
		"run_at":          bson.M{"$lt": cutoff},
		"last_attempt_at": bson.M{"$lt": cutoff},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "last_attempt_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	return s.find(ctx, filter, findOpts, "list stale promoted")
}

// ListRecords returns records matching opts, newest first.
func (s *Store) ListRecords(ctx context.Context, opts record.ListOpts) ([]*record.Record, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	return s.find(ctx, filter, findOpts, "list records")
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[record.Status]int64, error) {
	cursor, err := s.col.Aggregate(ctx, mongod.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: count by status: %w", err)
	}
	var rows []struct {
		Status string `bson:"_id"`
		N      int64  `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("courier/mongo: decode counts: %w", err)
	}

	counts := make(map[record.Status]int64, len(record.Statuses))
	for _, row := range rows {
		counts[record.Status(row.Status)] = row.N
	}
	return counts, nil
}

// DeleteTerminalBefore removes terminal records of status last updated
// before the cutoff. The TTL indexes normally make this unnecessary.
func (s *Store) DeleteTerminalBefore(ctx context.Context, status record.Status, before time.Time) (int64, error) {
	if !status.IsTerminal() {
		return 0, courier.ErrInvalidState
	}
	res, err := s.col.DeleteMany(ctx, bson.M{
		"status":     string(status),
		"updated_at": bson.M{"$lt": before.UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("courier/mongo: delete terminal records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder, op string) ([]*record.Record, error) {
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: %s: %w", op, err)
	}
	var models []recordModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("courier/mongo: %s: %w", op, err)
	}

	out := make([]*record.Record, 0, len(models))
	for i := range models {
		r, err := fromRecordModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
