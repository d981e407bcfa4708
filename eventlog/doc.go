// Package eventlog houses the concrete implementations of core.EventLog and
// the Store contract used to create, list and destroy per-conversation logs.
//
// Backends live in sub-packages:
//
//   - memory: process-local, for tests and ephemeral use
//   - sqlite: a single embedded database file (modernc.org/sqlite)
//   - postgres: a shared database via pgx connection pooling
//
// Every backend persists the per-conversation high-water mark in the same
// transaction as the events, so sequence numbers are never reused.
package eventlog
