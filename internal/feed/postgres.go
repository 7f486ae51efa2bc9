package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// DefaultChannel is the NOTIFY channel written by the bookmarks trigger.
const DefaultChannel = "bookmark_changes"

const (
	postgresMinReconnect = 100 * time.Millisecond
	postgresMaxReconnect = 10 * time.Second
	postgresPingInterval = 90 * time.Second
)

// Notification is the JSON payload sent by the bookmarks trigger.
// Deletes carry the removed row in OldRecord.
type Notification struct {
	Table     string           `json:"table"`
	Type      string           `json:"type"`
	Record    *bookmark.Record `json:"record"`
	OldRecord *bookmark.Record `json:"old_record"`
}

// DecodeNotification parses a trigger payload into the collection it
// belongs to and a change event.
func DecodeNotification(payload string) (string, bookmark.Event, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return "", bookmark.Event{}, fmt.Errorf("decode notification: %w", err)
	}
	kind, err := bookmark.ParseKind(n.Type)
	if err != nil {
		return "", bookmark.Event{}, fmt.Errorf("decode notification: %w", err)
	}

	rec := n.Record
	if kind == bookmark.KindDelete || rec == nil {
		rec = n.OldRecord
	}
	if rec == nil {
		return "", bookmark.Event{}, fmt.Errorf("decode notification: %s on %q has no row", n.Type, n.Table)
	}
	return n.Table, bookmark.Event{
		Kind:   kind,
		Record: *rec,
		Source: bookmark.SourceChangeFeed,
	}, nil
}

// Postgres is a change feed over LISTEN/NOTIFY. Each subscription holds its
// own listener connection; pq reconnects it transparently.
type Postgres struct {
	dsn     string
	channel string
	logger  *slog.Logger
}

// PostgresOption configures a Postgres feed.
type PostgresOption func(*Postgres)

// WithChannel overrides the NOTIFY channel.
func WithChannel(name string) PostgresOption {
	return func(p *Postgres) {
		if name = strings.TrimSpace(name); name != "" {
			p.channel = name
		}
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(l *slog.Logger) PostgresOption {
	return func(p *Postgres) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPostgres creates a feed for dsn. No connection is made until
// SubscribeChanges.
func NewPostgres(dsn string, opts ...PostgresOption) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres feed: dsn is required")
	}
	p := &Postgres{
		dsn:     dsn,
		channel: DefaultChannel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SubscribeChanges starts listening and returns a stream of events on
// collection that pass predicate. The stream ends when ctx is cancelled or
// Close is called.
func (p *Postgres) SubscribeChanges(ctx context.Context, collection string, predicate bookmark.Predicate) (bookmark.Stream, error) {
	logger := p.logger.With("channel", p.channel)
	l := pq.NewListener(p.dsn, postgresMinReconnect, postgresMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("postgres listener connect failed", "error", err)
		case pq.ListenerEventDisconnected:
			logger.Warn("postgres listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("postgres listener reconnected")
		}
	})
	if err := l.Listen(p.channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", p.channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &pgStream{
		listener:   l,
		collection: collection,
		predicate:  predicate,
		logger:     logger,
		events:     make(chan bookmark.Event, DefaultBuffer),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(runCtx)
	return s, nil
}

type pgStream struct {
	listener   *pq.Listener
	collection string
	predicate  bookmark.Predicate
	logger     *slog.Logger
	events     chan bookmark.Event
	cancel     context.CancelFunc
	done       chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *pgStream) Events() <-chan bookmark.Event {
	return s.events
}

// Err is always nil: the listener reconnects on its own and the stream
// only ends on Close or cancellation.
func (s *pgStream) Err() error {
	return nil
}

func (s *pgStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.closeErr = s.listener.Close()
	})
	return s.closeErr
}

func (s *pgStream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	ping := time.NewTicker(postgresPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case n := <-s.listener.Notify:
			if n == nil {
				// Sent after a reconnect; notifications may have been missed.
				s.logger.Warn("postgres listener resumed, changes may have been missed")
				continue
			}
			collection, ev, err := DecodeNotification(n.Extra)
			if err != nil {
				s.logger.Warn("skipping undecodable notification", "error", err)
				continue
			}
			if collection != s.collection || !s.predicate.Match(ev.Record) {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}

		case <-ping.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Debug("postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}
