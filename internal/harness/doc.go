// Package harness replays reconciliation scenarios against the engine.
//
// A scenario binds an owner, then delivers snapshot results and live
// events step by step through the subscription handlers. Every handler
// applies synchronously, so the view after each step is deterministic and
// the run produces a stable trace that golden files can pin.
//
// # Scenario Format
//
//	name: optimistic_insert_converges
//	description: "What this scenario validates"
//	owner: u1
//	steps:
//	  - source: snapshot
//	    records: []
//	  - source: optimistic
//	    record: { id: a, user_id: u1, created_at: 2025-03-04T09:01:00Z }
//	    expect: { ids: [a] }
//	  - source: change
//	    kind: insert
//	    record: { id: a, user_id: u1, created_at: 2025-03-04T09:01:00Z }
//	  - source: broadcast
//	    kind: delete
//	    record: { id: a }
//	    expect: { ids: [] }
//	assertions:
//	  - type: view_ids
//	    ids: []
//
// # Step Sources
//
//   - snapshot: resolves the snapshot with records, or fails it with error
//   - change, broadcast: a live event of the given kind
//   - optimistic: a local optimistic insert
//   - retry: re-reads the snapshot, answering with records or error; its
//     during list holds live events delivered while the read is in flight
//   - stop: stops the current subscription
//   - start: binds owner (or the scenario owner) again
//
// A step with stale: true is delivered through the subscription that was
// current before the last start or stop, which must never change the view.
//
// # Assertion Types
//
//   - view_ids: the final view holds exactly ids, in order
//   - state: the final lifecycle state is loading or ready
//   - warning_count: count warnings, optionally only those with code
//   - snapshot_failed: the final view reports a failed load (or not)
package harness
