package cli

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/bookmarks/internal/app"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Session    SessionFlags
	RetryEvery time.Duration // re-read a failed snapshot on this interval; 0 disables
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the user's bookmarks live",
		Long: `Load the user's bookmarks and re-print the list on every change until
interrupted. Changes made by other sessions arrive through the store's
change feed and, with --relay, through the broadcast relay.

With --format json each view is written as one JSON line.

Examples:
  bookmarks watch --user u1
  bookmarks watch --user u1 --relay ws://127.0.0.1:8787/v1/broadcast --retry-every 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}
	opts.Session.register(cmd)
	cmd.Flags().DurationVar(&opts.RetryEvery, "retry-every", 0, "retry a failed load on this interval (0 disables)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := resolveSession(cmd, opts.RootOptions, &opts.Session, formatter)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	d, cleanup, err := openDashboard(ctx, cfg, formatter)
	if err != nil {
		return err
	}
	defer cleanup()

	var retryC <-chan time.Time
	if opts.RetryEvery > 0 {
		ticker := time.NewTicker(opts.RetryEvery)
		defer ticker.Stop()
		retryC = ticker.C
	}

	var last []byte
	show := func() error {
		v := d.View()
		var buf bytes.Buffer
		if formatter.JSON() {
			f := *formatter
			f.Writer = &buf
			if err := f.Success(v); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(&buf, color.New(color.Faint).Sprintf("--- %s ---", cfg.User))
			if err := app.Render(&buf, v); err != nil {
				return err
			}
		}
		if bytes.Equal(buf.Bytes(), last) {
			return nil
		}
		last = buf.Bytes()
		_, err := formatter.Writer.Write(last)
		return err
	}

	if err := show(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			slog.Debug("watch stopped", "user", cfg.User)
			return nil
		case <-d.Updates():
			if err := show(); err != nil {
				return err
			}
		case <-retryC:
			if !d.View().SnapshotFailed {
				continue
			}
			if err := d.Retry(ctx); err != nil {
				slog.Warn("retry failed", "user", cfg.User, "error", err)
			}
		}
	}
}
