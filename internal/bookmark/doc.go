// Package bookmark provides the record and event types shared by the
// reconciliation engine and its collaborators.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import bookmark; bookmark imports nothing internal.
//
// Key constraints:
//   - ID is the sole key for deduplication and replacement
//   - OwnerID, Title, URL and CreatedAt are immutable after creation
//   - JSON tags match the record store's column names (snake_case)
package bookmark
