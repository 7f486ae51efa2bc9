package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bookmarks/internal/app"
	"github.com/roach88/bookmarks/internal/broadcast"
	"github.com/roach88/bookmarks/internal/config"
	"github.com/roach88/bookmarks/internal/engine"
	"github.com/roach88/bookmarks/internal/feed"
	"github.com/roach88/bookmarks/internal/store"
)

// SessionFlags are the per-command overrides for the settings a
// dashboard session needs. Flags win over the config file and
// environment only when set explicitly.
type SessionFlags struct {
	Database        string
	PostgresDSN     string
	RelayURL        string
	Codec           string
	User            string
	SnapshotTimeout time.Duration
}

func (f *SessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Database, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&f.PostgresDSN, "postgres-dsn", "", "Postgres DSN (overrides --db)")
	cmd.Flags().StringVar(&f.RelayURL, "relay", "", "broadcast relay URL (ws:// or wss://)")
	cmd.Flags().StringVar(&f.Codec, "codec", "", "relay frame codec (json|cbor)")
	cmd.Flags().StringVarP(&f.User, "user", "u", "", "user whose bookmarks to show")
	cmd.Flags().DurationVar(&f.SnapshotTimeout, "snapshot-timeout", 0, "bound on the initial load")
}

func (f *SessionFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database = f.Database
	}
	if flags.Changed("postgres-dsn") {
		cfg.PostgresDSN = f.PostgresDSN
	}
	if flags.Changed("relay") {
		cfg.RelayURL = f.RelayURL
	}
	if flags.Changed("codec") {
		cfg.Codec = f.Codec
	}
	if flags.Changed("user") {
		cfg.User = f.User
	}
	if flags.Changed("snapshot-timeout") {
		cfg.SnapshotTimeout = f.SnapshotTimeout
	}
	return cfg.Validate()
}

// resolveSession loads config, applies flags and requires a user.
func resolveSession(cmd *cobra.Command, opts *RootOptions, flags *SessionFlags, formatter *OutputFormatter) (config.Config, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return config.Config{}, formatter.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}
	if err := flags.apply(cmd, &cfg); err != nil {
		return config.Config{}, formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid flags", err)
	}
	if cfg.User == "" {
		return config.Config{}, formatter.Fail(ExitCommandError, ErrCodeConfig, "user is required (--user or BOOKMARKS_USER)", nil)
	}
	return cfg, nil
}

// backend holds the record store, change feed and optional broadcast
// channel a dashboard runs on.
type backend struct {
	store   app.Store
	feed    engine.ChangeFeed
	channel app.Channel
	closers []io.Closer
}

// openBackend opens the record store named by cfg: Postgres with a
// LISTEN/NOTIFY feed when a DSN is set, otherwise SQLite polling its own
// change log. A relay URL adds the websocket broadcast channel.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}

	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(cfg.PostgresDSN, store.WithLogger(slog.Default()))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg)
		pgFeed, err := feed.NewPostgres(cfg.PostgresDSN,
			feed.WithChannel(store.NotifyChannel),
			feed.WithPostgresLogger(slog.Default()),
		)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = pg
		b.feed = pgFeed
		slog.Debug("using postgres store")
	} else {
		st, err := store.Open(cfg.Database,
			store.WithPollInterval(cfg.PollInterval),
			store.WithLogger(slog.Default()),
		)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Database, err)
		}
		b.closers = append(b.closers, st)
		b.store = st
		b.feed = st
		slog.Debug("using sqlite store", "path", cfg.Database)
	}

	if cfg.RelayURL != "" {
		codec, err := broadcast.CodecByName(cfg.Codec)
		if err != nil {
			b.Close()
			return nil, err
		}
		remote, err := broadcast.Dial(ctx, cfg.RelayURL, broadcast.DialOptions{Codec: codec})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, remote)
		b.channel = remote
		slog.Debug("broadcast relay connected", "url", cfg.RelayURL, "origin", remote.Origin())
	}

	return b, nil
}

// dashboard builds a dashboard over the backend.
func (b *backend) dashboard(cfg config.Config) *app.Dashboard {
	opts := []app.Option{
		app.WithChangeFeed(b.feed),
		app.WithSnapshotTimeout(cfg.SnapshotTimeout),
		app.WithEngineOptions(
			engine.WithCollection(cfg.Collection),
			engine.WithMaxWarnings(cfg.MaxWarnings),
		),
	}
	if b.channel != nil {
		opts = append(opts, app.WithChannel(b.channel))
	}
	return app.New(b.store, opts...)
}

// Close releases everything in reverse open order.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// openDashboard opens the backend and binds a dashboard to cfg.User. The
// returned cleanup closes both.
func openDashboard(ctx context.Context, cfg config.Config, formatter *OutputFormatter) (*app.Dashboard, func(), error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, formatter.Fail(ExitCommandError, ErrCodeBackend, "open backend", err)
	}
	d := b.dashboard(cfg)
	if err := d.Open(ctx, cfg.User); err != nil {
		b.Close()
		return nil, nil, formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "open dashboard", err)
	}
	formatter.VerboseLog("Opened dashboard for %s", cfg.User)
	cleanup := func() {
		d.Close()
		if err := b.Close(); err != nil {
			slog.Error("error closing backend", "error", err)
		}
	}
	return d, cleanup, nil
}

// waitReady blocks until the dashboard's first load resolves. The
// snapshot read is itself bounded by cfg.SnapshotTimeout, so the extra
// grace only covers scheduling.
func waitReady(ctx context.Context, d *app.Dashboard, timeout time.Duration) (engine.ViewState, error) {
	timer := time.NewTimer(timeout + time.Second)
	defer timer.Stop()
	for {
		v := d.View()
		if v.Ready() {
			return v, nil
		}
		select {
		case <-d.Updates():
		case <-timer.C:
			return v, fmt.Errorf("bookmarks still loading after %s", timeout)
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}
