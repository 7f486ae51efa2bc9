package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// DialOptions configure Dial. The zero value is usable.
type DialOptions struct {
	// Origin names this session; defaults to a fresh ULID.
	Origin   string
	Codec    Codec
	Settings Settings
	Header   http.Header
	Logger   *slog.Logger
}

// Remote is a websocket session on a Relay. It implements
// engine.Broadcaster and Publisher.
//
// When the connection drops every open stream ends with the read error;
// Remote does not reconnect.
type Remote struct {
	ws       *websocket.Conn
	codec    Codec
	origin   string
	settings Settings
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]map[*eventStream]struct{}
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Remote, error) {
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.Origin == "" {
		opts.Origin = NewOrigin()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	settings := opts.Settings.withDefaults()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial broadcast relay: %w", err)
	}
	q := u.Query()
	q.Set("codec", opts.Codec.Name())
	q.Set("origin", opts.Origin)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial broadcast relay %s: %w", u.Redacted(), err)
	}

	r := &Remote{
		ws:       ws,
		codec:    opts.Codec,
		origin:   opts.Origin,
		settings: settings,
		logger:   opts.Logger.With("origin", opts.Origin),
		streams:  make(map[string]map[*eventStream]struct{}),
		done:     make(chan struct{}),
	}
	go r.readLoop()
	go r.pingLoop()
	return r, nil
}

// Origin returns the session's origin id.
func (r *Remote) Origin() string {
	return r.origin
}

// Subscribe streams messages on topic from other sessions.
func (r *Remote) Subscribe(ctx context.Context, topic string) (bookmark.Stream, error) {
	s := &eventStream{events: make(chan bookmark.Event, r.settings.SendBuffer)}
	s.detach = func() { r.detach(topic, s) }

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrClosed)
	}
	subs := r.streams[topic]
	if subs == nil {
		subs = make(map[*eventStream]struct{})
		r.streams[topic] = subs
	}
	first := len(subs) == 0
	subs[s] = struct{}{}
	r.mu.Unlock()

	if first {
		if err := r.write(Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			r.detach(topic, s)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	s.stop = context.AfterFunc(ctx, func() { s.end(nil) })
	return s, nil
}

// Publish announces a mutation on topic.
func (r *Remote) Publish(_ context.Context, topic string, kind bookmark.Kind, rec bookmark.Record) error {
	m, err := NewMessage(topic, r.origin, kind, rec)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := r.write(Frame{Op: OpPublish, Topic: topic, Message: &m}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close ends every stream with ErrClosed and closes the connection.
func (r *Remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		_ = r.ws.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
		_ = r.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		err = r.ws.Close()
		r.failAll(ErrClosed)
	})
	return err
}

func (r *Remote) write(f Frame) error {
	data, err := r.codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	return r.writeRaw(r.codec.MessageType(), data)
}

func (r *Remote) writeRaw(messageType int, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	r.ws.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
	return r.ws.WriteMessage(messageType, data)
}

func (r *Remote) detach(topic string, s *eventStream) {
	r.mu.Lock()
	subs, ok := r.streams[topic]
	if ok {
		delete(subs, s)
	}
	last := ok && len(subs) == 0
	if last {
		delete(r.streams, topic)
	}
	closed := r.closed
	r.mu.Unlock()

	if last && !closed {
		if err := r.write(Frame{Op: OpUnsubscribe, Topic: topic}); err != nil {
			r.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

// failAll ends every stream with err and refuses new subscriptions.
func (r *Remote) failAll(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*eventStream
	for _, subs := range r.streams {
		for s := range subs {
			all = append(all, s)
		}
	}
	r.streams = make(map[string]map[*eventStream]struct{})
	r.mu.Unlock()

	for _, s := range all {
		s.end(err)
	}
}

func (r *Remote) deliver(topic string, ev bookmark.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.streams[topic] {
		select {
		case s.events <- ev:
		default:
			r.logger.Debug("broadcast dropped", "topic", topic)
		}
	}
}

func (r *Remote) readLoop() {
	for {
		r.ws.SetReadDeadline(time.Now().Add(r.settings.ReadTimeout))
		messageType, data, err := r.ws.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
				r.failAll(ErrClosed)
			default:
				r.logger.Warn("broadcast connection lost", "error", err)
				r.failAll(fmt.Errorf("broadcast connection lost: %w", err))
				r.ws.Close()
			}
			return
		}
		if messageType == websocket.BinaryMessage && len(data) == 0 {
			// ping
			continue
		}

		var f Frame
		if err := r.codec.Unmarshal(data, &f); err != nil {
			r.logger.Warn("skipping malformed frame", "error", err)
			continue
		}
		switch f.Op {
		case OpMessage:
			if f.Message == nil {
				continue
			}
			ev, err := f.Message.BookmarkEvent()
			if err != nil {
				r.logger.Warn("skipping broadcast", "topic", f.Topic, "error", err)
				continue
			}
			r.deliver(f.Topic, ev)
		case OpError:
			r.logger.Warn("relay reported error", "topic", f.Topic, "error", f.Error)
		}
	}
}

func (r *Remote) pingLoop() {
	ticker := time.NewTicker(r.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.writeRaw(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}
