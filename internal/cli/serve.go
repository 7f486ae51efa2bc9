package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bookmarks/internal/broadcast"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Buffer int

	// ready, if set, receives the bound address once the listener is up.
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast relay",
		Long: `Run the websocket relay that fans bookmark announcements out between
sessions of the same user. Clients connect to ` + broadcast.Path + ` and
choose the frame codec with ?codec=json|cbor.

Relayed messages are best-effort: nothing is stored, and a client that
falls behind misses messages until the change feed catches it up.

Examples:
  bookmarks serve
  bookmarks serve --listen 0.0.0.0:8787`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to listen on (default from config)")
	cmd.Flags().IntVar(&opts.Buffer, "buffer", broadcast.DefaultBuffer, "per-subscriber message buffer")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = opts.Listen
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBackend, fmt.Sprintf("listen on %s", cfg.Listen), err)
	}

	hub := broadcast.NewHub(broadcast.WithBuffer(opts.Buffer))
	settings := broadcast.DefaultSettings()
	settings.SendBuffer = opts.Buffer
	relay := broadcast.NewRelay(hub, settings, slog.Default())

	mux := http.NewServeMux()
	mux.Handle(broadcast.Path, relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: settings.HandshakeTimeout,
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	addr := ln.Addr().String()
	slog.Info("broadcast relay listening", "addr", addr, "path", broadcast.Path)
	formatter.VerboseLog("Relay listening on ws://%s%s", addr, broadcast.Path)
	if opts.ready != nil {
		opts.ready(addr)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return formatter.Fail(ExitFailure, ErrCodeGeneric, "relay stopped", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Shutdown does not touch hijacked connections; closing the hub ends
	// every session's subscriptions.
	if err := hub.Close(); err != nil {
		slog.Warn("error closing hub", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay shutdown incomplete", "error", err)
	}
	slog.Info("broadcast relay stopped", "dropped", hub.Dropped())
	return nil
}
