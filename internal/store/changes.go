package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/bookmarks/internal/bookmark"
)

const (
	// DefaultPollInterval is how often change subscriptions read the log.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultReplay is how many entries behind the head a subscription
	// starts.
	DefaultReplay = 128

	changesBatch = 256
)

// Change is one entry of the change log.
type Change struct {
	Seq    int64
	Kind   bookmark.Kind
	Record bookmark.Record
}

// Head returns the seq of the newest change, or 0 for an empty log.
func (s *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&head); err != nil {
		return 0, fmt.Errorf("read change head: %w", err)
	}
	return head, nil
}

// Changes returns up to limit changes with seq > after, oldest first.
func (s *Store) Changes(ctx context.Context, after int64, limit int) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, record
		FROM changes
		WHERE seq > ? AND collection = ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, Collection, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			c       Change
			kind    string
			payload string
		)
		if err := rows.Scan(&c.Seq, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if c.Kind, err = bookmark.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		if err := json.Unmarshal([]byte(payload), &c.Record); err != nil {
			return nil, fmt.Errorf("change %d: decode record: %w", c.Seq, err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// SubscribeChanges implements a polling Change Feed over the change log.
// The stream ends with an error if the log cannot be read, and without
// one when ctx is cancelled or Close is called.
func (s *Store) SubscribeChanges(ctx context.Context, collection string, predicate bookmark.Predicate) (bookmark.Stream, error) {
	if collection != Collection {
		return nil, fmt.Errorf("subscribe changes: unknown collection %q", collection)
	}
	head, err := s.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	cursor := head - s.replay
	if cursor < 0 {
		cursor = 0
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &pollStream{
		store:     s,
		predicate: predicate,
		cursor:    cursor,
		events:    make(chan bookmark.Event, changesBatch),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.run(runCtx)
	return p, nil
}

type pollStream struct {
	store     *Store
	predicate bookmark.Predicate
	cursor    int64
	events    chan bookmark.Event
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func (p *pollStream) Events() <-chan bookmark.Event {
	return p.events
}

func (p *pollStream) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pollStream) Close() error {
	p.cancel()
	<-p.done
	return nil
}

func (p *pollStream) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.events)

	ticker := time.NewTicker(p.store.pollInterval)
	defer ticker.Stop()

	for {
		if !p.drain(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain delivers every change past the cursor. Returns false when the
// stream must end.
func (p *pollStream) drain(ctx context.Context) bool {
	for {
		changes, err := p.store.Changes(ctx, p.cursor, changesBatch)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.store.logger.Warn("change log poll failed", "cursor", p.cursor, "error", err)
			return false
		}

		for _, c := range changes {
			p.cursor = c.Seq
			if !p.predicate.Match(c.Record) {
				continue
			}
			select {
			case p.events <- bookmark.Event{Kind: c.Kind, Record: c.Record, Source: bookmark.SourceChangeFeed}:
			case <-ctx.Done():
				return false
			}
		}
		if len(changes) < changesBatch {
			return true
		}
	}
}
