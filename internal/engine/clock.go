package engine

import "sync/atomic"

// Clock stamps the order in which records and warnings reach an engine.
// Records with equal CreatedAt keep their arrival order in the view, so
// a stamp has to be unique even when two events land in the same
// instant. It is an atomic counter rather than a timestamp.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first stamp is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock that continues after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next issues a stamp.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current is the last stamp issued, or the start value.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
