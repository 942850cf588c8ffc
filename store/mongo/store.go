package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/courier"
	"github.com/xraph/courier/store"
)

const colRecords = "courier_job_records"

// Default TTLs for terminal documents.
const (
	DefaultCompletedRetention = 7 * 24 * time.Hour
	DefaultFailedRetention    = 30 * 24 * time.Hour
)

var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store.
type Store struct {
	client             *mongod.Client
	ownsClient         bool
	col                *mongod.Collection
	completedRetention time.Duration
	failedRetention    time.Duration
	logger             *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRetention sets the TTLs applied by Migrate to completed and failed
// records.
func WithRetention(completed, failed time.Duration) Option {
	return func(s *Store) {
		if completed > 0 {
			s.completedRetention = completed
		}
		if failed > 0 {
			s.failedRetention = failed
		}
	}
}

// New connects to uri and uses the named database. The Store owns the
// client and disconnects it on Close.
func New(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("courier/mongo: ping: %w", err)
	}
	s := NewFromDatabase(client.Database(database), opts...)
	s.ownsClient = true
	return s, nil
}

// NewFromDatabase uses an existing database handle. The caller keeps
// ownership of the client.
func NewFromDatabase(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		client:             db.Client(),
		col:                db.Collection(colRecords),
		completedRetention: DefaultCompletedRetention,
		failedRetention:    DefaultFailedRetention,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collection returns the records collection for advanced usage.
func (s *Store) Collection() *mongod.Collection {
	return s.col
}

// ExpiresNatively reports true: terminal records expire via TTL indexes.
func (s *Store) ExpiresNatively() bool { return true }

// Migrate creates the collection indexes. Changing a retention after the
// TTL indexes exist requires dropping them first.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := s.col.Indexes().CreateMany(ctx, s.indexes())
	if err != nil {
		return fmt.Errorf("%w: mongo: %w", courier.ErrMigrationFailed, err)
	}
	s.logger.Info("ensured indexes", slog.Any("indexes", names))
	return nil
}

func (s *Store) indexes() []mongod.IndexModel {
	active := bson.M{"status": bson.M{"$in": bson.A{"pending", "promoted"}}}
	return []mongod.IndexModel{
		{
			Keys: bson.D{{Key: "dedup_key", Value: 1}},
			Options: options.Index().
				SetName("active_dedup").
				SetUnique(true).
				SetPartialFilterExpression(active),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "run_at", Value: 1},
			},
			Options: options.Index().SetName("due"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("created"),
		},
		{
			Keys: bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index().
				SetName("completed_ttl").
				SetExpireAfterSeconds(int32(s.completedRetention / time.Second)).
				SetPartialFilterExpression(bson.M{"status": "completed"}),
		},
		{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().
				SetName("failed_ttl").
				SetExpireAfterSeconds(int32(s.failedRetention / time.Second)).
				SetPartialFilterExpression(bson.M{"status": "failed"}),
		},
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client when the Store created it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}
