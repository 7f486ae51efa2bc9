package store

import "github.com/google/uuid"

// IDGenerator produces bookmark ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-ordered UUIDv7 ids.
//
// Thread-safety: uuid.NewV7 is safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new UUIDv7 string.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
