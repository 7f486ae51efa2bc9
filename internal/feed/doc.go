// Package feed provides Change Feed transports: server-pushed streams of
// row-level bookmark mutations.
//
// Two implementations live here:
//
//   - Hub: an in-process fan-out used when the writer and the readers
//     share a process (tests, the relay server, the SQLite store's change
//     hook).
//   - Postgres: LISTEN/NOTIFY on the channel fed by the bookmarks trigger.
//
// Both apply the subscriber's predicate before delivery, but consumers must
// not rely on it; the engine re-checks ownership on every event.
package feed
