package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// DefaultBuffer is the per-subscriber delivery buffer.
const DefaultBuffer = 64

var (
	// ErrSlowConsumer ends a subscription whose buffer filled up. The
	// subscriber has missed events and must resynchronize.
	ErrSlowConsumer = errors.New("feed: subscriber fell behind")

	// ErrClosed is returned when subscribing to a closed hub, and ends every
	// open subscription when the hub closes.
	ErrClosed = errors.New("feed: hub closed")
)

// Hub is an in-process change feed. Publish never blocks: a subscriber
// that cannot keep up is cut off with ErrSlowConsumer rather than
// stalling the writer.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	buffer     int
	unfiltered bool
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[*hubStream]struct{}
	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithUnfiltered makes the hub ignore subscriber predicates, like a
// transport that cannot filter server-side.
func WithUnfiltered() HubOption {
	return func(h *Hub) {
		h.unfiltered = true
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer: DefaultBuffer,
		logger: slog.Default(),
		subs:   make(map[*hubStream]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubscribeChanges opens a stream of events published on collection. The
// stream ends when ctx is cancelled, Close is called, or the hub closes.
func (h *Hub) SubscribeChanges(ctx context.Context, collection string, predicate bookmark.Predicate) (bookmark.Stream, error) {
	if h.unfiltered {
		predicate = nil
	}
	s := &hubStream{
		hub:        h,
		collection: collection,
		predicate:  predicate,
		events:     make(chan bookmark.Event, h.buffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	s.stop = context.AfterFunc(ctx, func() {
		h.remove(s, nil)
	})
	return s, nil
}

// Publish delivers ev to every matching subscriber on collection and
// returns how many received it.
func (h *Hub) Publish(collection string, ev bookmark.Event) int {
	if ev.Source == "" {
		ev.Source = bookmark.SourceChangeFeed
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for s := range h.subs {
		if s.collection != collection || !s.predicate.Match(ev.Record) {
			continue
		}
		select {
		case s.events <- ev:
			delivered++
		default:
			h.logger.Warn("dropping slow change feed subscriber",
				"collection", collection,
				"buffer", cap(s.events),
			)
			h.removeLocked(s, ErrSlowConsumer)
		}
	}
	return delivered
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription with ErrClosed. Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s, ErrClosed)
	}
	return nil
}

func (h *Hub) remove(s *hubStream, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s, err)
}

// removeLocked ends s. CRITICAL: h.mu must be held; sends happen under the
// same lock so the channel is never closed mid-send.
func (h *Hub) removeLocked(s *hubStream, err error) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

type hubStream struct {
	hub        *Hub
	collection string
	predicate  bookmark.Predicate
	events     chan bookmark.Event
	stop       func() bool

	mu  sync.Mutex
	err error
}

func (s *hubStream) Events() <-chan bookmark.Event {
	return s.events
}

func (s *hubStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hubStream) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.hub.remove(s, nil)
	return nil
}
