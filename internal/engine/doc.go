// Package engine implements the bookmark reconciliation engine.
//
// The engine keeps an in-memory replica (the LocalView) of one user's
// bookmark collection consistent across three unordered, possibly
// duplicated update sources: the initial snapshot read, the record store's
// change feed, and the same-origin broadcast channel. Locally created
// records can also be handed in directly as optimistic inserts.
//
// ARCHITECTURE:
//
// Single-Writer Merge:
// Every ingestion path funnels into Engine.apply, which runs under one
// mutex. A merge is atomic with respect to every other merge, so no
// handler ever observes a half-applied event.
//
// Event Processing Flow:
//  1. Start bumps the generation token and opens the snapshot read, the
//     change feed and the broadcast subscription concurrently
//  2. Pump goroutines copy transport events into the subscription's FIFO
//     queue, stamped with nothing but their source
//  3. One run goroutine per subscription dequeues and applies them
//  4. While the engine is Loading, merges are parked in arrival order
//     and replayed once the snapshot resolves
//
// MERGE RULE:
//
// All sources share one rule keyed by record id:
//   - Insert: no-op when the id is present, otherwise placed by CreatedAt
//   - Update: replace in place, or insert when the id is unknown
//   - Delete: remove, or no-op when the id is unknown
//
// Events whose owner differs from the bound owner are dropped before the
// rule runs, whatever the transport claims to have filtered.
//
// CANCELLATION:
//
// Each Start binds a generation token. Stop increments it under the merge
// mutex, so after Stop returns no queued or in-flight callback of that
// subscription can change the view.
package engine
