package store

import (
	"context"

	"github.com/xraph/courier/record"
)

// Store is the aggregate persistence interface. A single backend
// implements the record contract plus lifecycle.
type Store interface {
	record.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// ExpiresNatively reports whether s removes terminal records on its own,
// in which case no retention sweep is needed.
func ExpiresNatively(s record.Store) bool {
	e, ok := s.(record.Expirer)
	return ok && e.ExpiresNatively()
}
