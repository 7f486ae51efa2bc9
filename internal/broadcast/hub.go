package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// DefaultBuffer is the per-subscriber delivery buffer.
const DefaultBuffer = 64

// ErrClosed is returned by operations on a closed Hub or Remote.
var ErrClosed = errors.New("broadcast: closed")

// Publisher announces mutations. Publish is fire-and-forget: a nil error
// means the message was handed to the transport, not that anyone got it.
type Publisher interface {
	Publish(ctx context.Context, topic string, kind bookmark.Kind, r bookmark.Record) error
}

type subscriber struct {
	origin  string
	deliver func(Message) bool
	closed  func(error)
}

// Hub is the in-process broadcast bus.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool

	dropped atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber buffer.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
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
		topics: make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send fans m out to every subscriber of m.Topic except those sharing its
// origin. Full subscribers miss the message.
func (h *Hub) Send(m Message) error {
	if m.ID == (ulid.ULID{}) {
		m.ID = ulid.Make()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for sub := range h.topics[m.Topic] {
		if m.Origin != "" && sub.origin == m.Origin {
			continue
		}
		if !sub.deliver(m) {
			h.dropped.Add(1)
			h.logger.Debug("broadcast dropped", "topic", m.Topic, "event", m.Event, "id", m.ID.String())
		}
	}
	return nil
}

// Dropped returns how many deliveries were dropped on full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close detaches every subscriber and ends client streams with ErrClosed.
// Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	var ending []func(error)
	for _, subs := range h.topics {
		for sub := range subs {
			if sub.closed != nil {
				ending = append(ending, sub.closed)
			}
		}
	}
	h.closed = true
	h.topics = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	// Outside the lock: ending a stream runs its detach.
	for _, end := range ending {
		end(ErrClosed)
	}
	return nil
}

// attach registers deliver on topic. deliver runs under the hub's read
// lock and must not block. closed, if set, is called once when the hub
// closes underneath the subscriber. The returned detach guarantees no
// deliver call is in flight once it returns.
func (h *Hub) attach(topic, origin string, deliver func(Message) bool, closed func(error)) (func(), error) {
	sub := &subscriber{origin: origin, deliver: deliver, closed: closed}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.topics[topic]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(h.topics, topic)
				}
			}
		})
	}, nil
}

// Client returns a session on the hub. Messages the session publishes are
// never delivered back to it.
func (h *Hub) Client(origin string) *Client {
	if origin == "" {
		origin = NewOrigin()
	}
	return &Client{hub: h, origin: origin}
}

// Client is one session on a Hub. It implements engine.Broadcaster and
// Publisher.
type Client struct {
	hub    *Hub
	origin string
}

// Origin returns the session's origin id.
func (c *Client) Origin() string {
	return c.origin
}

// Subscribe streams messages on topic from other sessions. Messages with
// an unknown event name are skipped.
func (c *Client) Subscribe(ctx context.Context, topic string) (bookmark.Stream, error) {
	s := &eventStream{events: make(chan bookmark.Event, c.hub.buffer)}
	detach, err := c.hub.attach(topic, c.origin, func(m Message) bool {
		ev, err := m.BookmarkEvent()
		if err != nil {
			c.hub.logger.Warn("skipping broadcast", "topic", topic, "error", err)
			return true
		}
		select {
		case s.events <- ev:
			return true
		default:
			return false
		}
	}, s.end)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.mu.Lock()
	s.detach = detach
	s.mu.Unlock()
	s.stop = context.AfterFunc(ctx, func() { s.end(nil) })
	return s, nil
}

// Publish announces a mutation on topic.
func (c *Client) Publish(_ context.Context, topic string, kind bookmark.Kind, r bookmark.Record) error {
	m, err := NewMessage(topic, c.origin, kind, r)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := c.hub.Send(m); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// eventStream is a bookmark.Stream fed by a deliver callback.
type eventStream struct {
	events chan bookmark.Event
	detach func()
	stop   func() bool

	mu    sync.Mutex
	ended bool
	err   error
}

func (s *eventStream) Events() <-chan bookmark.Event {
	return s.events
}

func (s *eventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *eventStream) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.end(nil)
	return nil
}

// end detaches and closes the stream once. After detach returns no
// deliver call can be writing to events.
func (s *eventStream) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	detach := s.detach
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	close(s.events)
}
