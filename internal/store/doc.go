// Package store provides the bookmark Record Store.
//
// Store is the local SQLite implementation: it serves the snapshot read,
// the create and delete intents, and a Change Feed backed by an append-only
// change log. PostgresStore serves the same operations against Postgres and
// installs the trigger that feeds feed.Postgres.
//
// # Ordering
//
// FetchAll returns records newest first: ORDER BY created_at DESC, seq ASC.
// seq is the insertion order, so rows with equal created_at come back in
// the order they were written.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// # Change log
//
// Every mutation appends a row to changes inside the transaction that
// writes the bookmark. Subscribers poll seq > cursor. A subscription starts
// a little behind the head of the log; replayed changes are absorbed by the
// idempotent merge downstream, and they close the gap between a snapshot
// read and the first poll.
package store
