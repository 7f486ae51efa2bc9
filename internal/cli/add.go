package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	Session SessionFlags
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <title> <url>",
		Short: "Add a bookmark",
		Long: `Store a new bookmark for the user and announce it to their other
sessions on the broadcast relay.

Examples:
  bookmarks add "Go blog" https://go.dev/blog --user u1
  bookmarks add "Docs" https://pkg.go.dev --user u1 --relay ws://127.0.0.1:8787/v1/broadcast`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(opts, cmd, args[0], args[1])
		},
	}
	opts.Session.register(cmd)

	return cmd
}

func runAdd(opts *AddOptions, cmd *cobra.Command, title, rawURL string) error {
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

	r, err := d.Add(ctx, title, rawURL)
	if err != nil {
		var verr *bookmark.ValidationError
		if errors.As(err, &verr) {
			return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, verr.Error(), err)
		}
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "add bookmark", err)
	}

	if formatter.JSON() {
		return formatter.Success(r)
	}
	return formatter.Success(fmt.Sprintf("Added %s: %s (%s)", r.ID, r.Title, bookmark.Domain(r.URL)))
}
