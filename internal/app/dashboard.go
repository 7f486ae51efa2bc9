// Package app is the presentation layer: it binds one engine to a record
// store and broadcast channel for the signed-in user, forwards create and
// delete intents, and renders the view for a terminal.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/bookmarks/internal/bookmark"
	"github.com/roach88/bookmarks/internal/broadcast"
	"github.com/roach88/bookmarks/internal/engine"
)

// ErrNotOpen is returned by intents issued before Open.
var ErrNotOpen = errors.New("dashboard is not open")

// Store is the record store the dashboard writes through.
type Store interface {
	engine.Snapshotter
	Create(ctx context.Context, d bookmark.Draft, ownerID string) (bookmark.Record, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// Channel is a broadcast session the dashboard both listens and
// announces on. broadcast.Client and broadcast.Remote implement it.
type Channel interface {
	engine.Broadcaster
	broadcast.Publisher
}

// Dashboard is one user's live bookmark list.
type Dashboard struct {
	engine  *engine.Engine
	store   Store
	channel Channel
	logger  *slog.Logger

	mu   sync.Mutex
	sub  *engine.Subscription
	user string
}

// Option configures a Dashboard.
type Option func(*options)

type options struct {
	feed            engine.ChangeFeed
	channel         Channel
	snapshotTimeout time.Duration
	engineOpts      []engine.Option
	logger          *slog.Logger
}

// WithChangeFeed sets the change feed the engine subscribes to.
func WithChangeFeed(f engine.ChangeFeed) Option {
	return func(o *options) { o.feed = f }
}

// WithChannel sets the broadcast channel. Without one the dashboard relies
// on the change feed alone.
func WithChannel(c Channel) Option {
	return func(o *options) { o.channel = c }
}

// WithSnapshotTimeout bounds each snapshot read.
func WithSnapshotTimeout(d time.Duration) Option {
	return func(o *options) { o.snapshotTimeout = d }
}

// WithEngineOptions passes extra options to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithLogger sets the logger for the dashboard and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a dashboard over st. Call Open to bind a user.
func New(st Store, opts ...Option) *Dashboard {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var snaps engine.Snapshotter = st
	if o.snapshotTimeout > 0 {
		snaps = timeoutSnapshotter{Snapshotter: st, timeout: o.snapshotTimeout}
	}

	engineOpts := []engine.Option{engine.WithLogger(o.logger)}
	if o.feed != nil {
		engineOpts = append(engineOpts, engine.WithChangeFeed(o.feed))
	}
	if o.channel != nil {
		engineOpts = append(engineOpts, engine.WithBroadcaster(o.channel))
	}
	engineOpts = append(engineOpts, o.engineOpts...)

	return &Dashboard{
		engine:  engine.New(snaps, engineOpts...),
		store:   st,
		channel: o.channel,
		logger:  o.logger,
	}
}

// Open binds the dashboard to user and starts loading. Opening again
// rebinds: the previous user's subscription is stopped first.
func (d *Dashboard) Open(ctx context.Context, user string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, err := d.engine.Start(ctx, user)
	if err != nil {
		return fmt.Errorf("open dashboard: %w", err)
	}
	d.sub = sub
	d.user = sub.Owner()
	return nil
}

// SwitchUser rebinds the dashboard to user.
func (d *Dashboard) SwitchUser(ctx context.Context, user string) error {
	return d.Open(ctx, user)
}

// Close stops the current subscription.
func (d *Dashboard) Close() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.user = ""
	d.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
}

// User returns the bound user, or "" before Open.
func (d *Dashboard) User() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.user
}

// View returns the current view.
func (d *Dashboard) View() engine.ViewState {
	return d.engine.View()
}

// Updates signals after every view change.
func (d *Dashboard) Updates() <-chan struct{} {
	return d.engine.Updates()
}

func (d *Dashboard) current() (*engine.Subscription, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub == nil {
		return nil, "", ErrNotOpen
	}
	return d.sub, d.user, nil
}

// Add validates and stores a new bookmark, announces it to the user's
// other sessions, and shows it locally without waiting for the change
// feed. A *bookmark.ValidationError means nothing was stored.
func (d *Dashboard) Add(ctx context.Context, title, rawURL string) (bookmark.Record, error) {
	sub, user, err := d.current()
	if err != nil {
		return bookmark.Record{}, err
	}

	draft, err := bookmark.NewDraft(title, rawURL)
	if err != nil {
		return bookmark.Record{}, err
	}

	r, err := d.store.Create(ctx, draft, user)
	if err != nil {
		return bookmark.Record{}, fmt.Errorf("add bookmark: %w", err)
	}

	d.announce(ctx, user, bookmark.KindInsert, r)
	sub.OnLocalOptimisticInsert(r)
	return r, nil
}

// Delete removes a bookmark and announces the removal. The local view
// follows once the change feed reports it.
func (d *Dashboard) Delete(ctx context.Context, id string) error {
	_, user, err := d.current()
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("delete bookmark: id is required")
	}

	if err := d.store.Delete(ctx, user, id); err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	d.announce(ctx, user, bookmark.KindDelete, bookmark.Record{ID: id, OwnerID: user})
	return nil
}

// Retry re-reads the snapshot after a failed load.
func (d *Dashboard) Retry(ctx context.Context) error {
	sub, _, err := d.current()
	if err != nil {
		return err
	}
	return sub.RetrySnapshot(ctx)
}

// announce publishes best-effort; a failed publish only delays other
// sessions until the change feed catches up.
func (d *Dashboard) announce(ctx context.Context, user string, kind bookmark.Kind, r bookmark.Record) {
	if d.channel == nil {
		return
	}
	if err := d.channel.Publish(ctx, engine.Topic(user), kind, r); err != nil {
		d.logger.Warn("broadcast publish failed", "owner", user, "kind", kind.String(), "id", r.ID, "error", err)
	}
}

type timeoutSnapshotter struct {
	engine.Snapshotter
	timeout time.Duration
}

func (t timeoutSnapshotter) FetchAll(ctx context.Context, ownerID string) ([]bookmark.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Snapshotter.FetchAll(ctx, ownerID)
}
