package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a StepClock created with a zero
// base.
var Epoch = time.Date(2025, time.March, 4, 9, 0, 0, 0, time.UTC)

// StepClock is a deterministic wall clock for tests.
//
// Every call to Now returns the previous instant plus Step, so records
// created in sequence get strictly increasing CreatedAt values and golden
// output stays byte-identical between runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	base time.Time
	next time.Time
	step time.Duration
}

// NewStepClock creates a clock whose first Now returns base. A zero base
// means Epoch; a zero step means one second.
func NewStepClock(base time.Time, step time.Duration) *StepClock {
	if base.IsZero() {
		base = Epoch
	}
	if step == 0 {
		step = time.Second
	}
	return &StepClock{base: base, next: base, step: step}
}

// Now returns the current instant and advances the clock by one step.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}

// Peek returns the instant the next Now will return.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Freeze stops the clock: Now keeps returning the same instant. Used to
// produce records with identical CreatedAt.
func (c *StepClock) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = 0
}

// Reset rewinds the clock to its base.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = c.base
}
