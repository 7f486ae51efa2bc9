package broadcast

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Path is where Relay is mounted.
const Path = "/v1/broadcast"

// Settings are the websocket timeouts shared by Relay and Remote.
type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// PingInterval is how often an empty binary frame is sent to keep
	// the peer's read deadline moving.
	PingInterval time.Duration
	SendBuffer   int
}

// DefaultSettings returns the timeouts used when none are given.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      45 * time.Second,
		PingInterval:     15 * time.Second,
		SendBuffer:       DefaultBuffer,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = d.PingInterval
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = d.SendBuffer
	}
	return s
}

// Relay fans broadcast messages out between websocket clients. Each
// connection is one session: its publishes are not echoed back to it.
//
// Clients pick the frame codec with the "codec" query parameter (json or
// cbor) and may name their session with "origin".
type Relay struct {
	hub      *Hub
	settings Settings
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRelay creates a relay over hub. A nil hub gets a fresh one.
func NewRelay(hub *Hub, settings Settings, logger *slog.Logger) *Relay {
	if hub == nil {
		hub = NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()
	return &Relay{
		hub:      hub,
		settings: settings,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Hub returns the hub the relay fans out on.
func (r *Relay) Hub() *Hub {
	return r.hub
}

// ServeHTTP upgrades the request and serves one session until either side
// closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	codec, err := CodecByName(req.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	origin := req.URL.Query().Get("origin")
	if origin == "" {
		origin = NewOrigin()
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := &relaySession{
		relay:  r,
		ws:     ws,
		codec:  codec,
		origin: origin,
		send:   make(chan Frame, r.settings.SendBuffer),
		done:   make(chan struct{}),
		topics: make(map[string]func()),
		logger: r.logger.With("origin", origin, "codec", codec.Name()),
	}
	sess.logger.Info("broadcast session opened", "remote", req.RemoteAddr)
	sess.serve()
	sess.logger.Info("broadcast session closed")
}

type relaySession struct {
	relay  *Relay
	ws     *websocket.Conn
	codec  Codec
	origin string
	send   chan Frame
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]func()
}

func (s *relaySession) serve() {
	defer s.ws.Close()

	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(s.done) }) }

	go func() {
		defer stop()
		s.writeLoop()
	}()
	s.readLoop()
	stop()

	s.mu.Lock()
	for topic, detach := range s.topics {
		detach()
		delete(s.topics, topic)
	}
	s.mu.Unlock()
}

func (s *relaySession) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.ws.SetReadDeadline(time.Now().Add(s.relay.settings.ReadTimeout))
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("broadcast read ended", "error", err)
			}
			return
		}
		if messageType == websocket.BinaryMessage && len(data) == 0 {
			// ping
			continue
		}

		var f Frame
		if err := s.codec.Unmarshal(data, &f); err != nil {
			s.reply(Frame{Op: OpError, Error: "malformed frame: " + err.Error()})
			continue
		}
		s.handle(f)
	}
}

func (s *relaySession) handle(f Frame) {
	switch f.Op {
	case OpSubscribe:
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.topics[f.Topic]; ok {
			return
		}
		detach, err := s.relay.hub.attach(f.Topic, s.origin, func(m Message) bool {
			select {
			case s.send <- Frame{Op: OpMessage, Topic: m.Topic, Message: &m}:
				return true
			default:
				return false
			}
		}, nil)
		if err != nil {
			s.reply(Frame{Op: OpError, Topic: f.Topic, Error: err.Error()})
			return
		}
		s.topics[f.Topic] = detach

	case OpUnsubscribe:
		s.mu.Lock()
		defer s.mu.Unlock()
		if detach, ok := s.topics[f.Topic]; ok {
			detach()
			delete(s.topics, f.Topic)
		}

	case OpPublish:
		if f.Message == nil {
			s.reply(Frame{Op: OpError, Topic: f.Topic, Error: "publish without message"})
			return
		}
		m := *f.Message
		if m.Topic == "" {
			m.Topic = f.Topic
		}
		if m.ID == (ulid.ULID{}) {
			m.ID = ulid.Make()
		}
		// The connection is the origin, whatever the client claims.
		m.Origin = s.origin
		if err := s.relay.hub.Send(m); err != nil {
			s.reply(Frame{Op: OpError, Topic: m.Topic, Error: err.Error()})
		}

	default:
		s.reply(Frame{Op: OpError, Error: "unknown op " + f.Op})
	}
}

func (s *relaySession) reply(f Frame) {
	select {
	case s.send <- f:
	default:
	}
}

func (s *relaySession) writeLoop() {
	ping := time.NewTicker(s.relay.settings.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return

		case f := <-s.send:
			data, err := s.codec.Marshal(f)
			if err != nil {
				s.logger.Warn("encode frame", "op", f.Op, "error", err)
				continue
			}
			s.ws.SetWriteDeadline(time.Now().Add(s.relay.settings.WriteTimeout))
			if err := s.ws.WriteMessage(s.codec.MessageType(), data); err != nil {
				// a websocket write deadline cannot be recovered
				s.logger.Debug("broadcast write failed", "error", err)
				s.ws.Close()
				return
			}

		case <-ping.C:
			s.ws.SetWriteDeadline(time.Now().Add(s.relay.settings.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				s.ws.Close()
				return
			}
		}
	}
}
