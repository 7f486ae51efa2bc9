package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates ids of the form "<prefix>-0001", "<prefix>-0002".
//
// Implements store.IDGenerator for deterministic tests and golden files.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "bm".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "bm"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
