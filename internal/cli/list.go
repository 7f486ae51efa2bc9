package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/bookmarks/internal/app"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Session SessionFlags
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the user's bookmarks",
		Long: `Load the user's bookmarks and print them newest first.

Exit codes:
  0 - Bookmarks loaded (possibly none)
  1 - The snapshot could not be loaded
  2 - Command error (config, store)`,
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}
	opts.Session.register(cmd)

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
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

	v, err := waitReady(ctx, d, cfg.SnapshotTimeout)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeLoadFailed, "load bookmarks", err)
	}

	if formatter.JSON() {
		if err := formatter.Success(v); err != nil {
			return err
		}
	} else if err := app.Render(formatter.Writer, v); err != nil {
		return err
	}

	if v.SnapshotFailed {
		return NewExitError(ExitFailure, "could not load bookmarks")
	}
	return nil
}
