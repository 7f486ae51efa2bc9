package engine

import (
	"sync"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// EventType distinguishes the ingestion paths feeding the engine.
type EventType int

const (
	// EventTypeSnapshot carries the result of the initial bulk read.
	EventTypeSnapshot EventType = iota + 1
	// EventTypeChange carries a change feed notification.
	EventTypeChange
	// EventTypeBroadcast carries a cross-tab broadcast message.
	EventTypeBroadcast
	// EventTypeOptimistic carries a record the presentation just persisted.
	EventTypeOptimistic
	// EventTypeStreamFailed reports that a change feed or broadcast
	// subscription could not be opened or ended unexpectedly.
	EventTypeStreamFailed
)

// String returns a short name used in logs.
func (t EventType) String() string {
	switch t {
	case EventTypeSnapshot:
		return "snapshot"
	case EventTypeChange:
		return "change"
	case EventTypeBroadcast:
		return "broadcast"
	case EventTypeOptimistic:
		return "optimistic"
	case EventTypeStreamFailed:
		return "stream_failed"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the merge loop.
type Event struct {
	Type    EventType
	Kind    bookmark.Kind
	Record  bookmark.Record
	Records []bookmark.Record // EventTypeSnapshot only
	Source  bookmark.Source
	Err     error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so that a burst of feed messages never blocks the
// transport goroutine delivering them.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Release the slot so snapshot slices can be collected.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued and drops anything
// still buffered. Safe to call more than once.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.events = nil
	close(q.signal)
}
