// Package mongo implements store.Store on MongoDB using the official v2
// driver.
//
// Records live in a single collection. A partial unique index over
// dedup_key, limited to pending and promoted documents, enforces the
// active-dedup rule; partial filters with $in need MongoDB 6.0 or newer.
// Terminal records are removed by two TTL indexes (completed documents on
// completed_at, failed documents on updated_at), so the engine does not run
// its own retention sweep against this store.
//
//	s, err := mongo.New(ctx, "mongodb://localhost:27017", "courier")
//	if err != nil { ... }
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo
