// Package sqlite implements store.Store on an embedded SQLite database
// using the pure-Go modernc.org/sqlite driver.
//
// The store is meant for single-process deployments and tests. It holds a
// single connection so every statement is serialized; transitions still
// run inside a transaction.
package sqlite
