package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/bookmarks/internal/store"
)

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	Session SessionFlags
}

// DeleteResult is the JSON payload of a successful delete.
type DeleteResult struct {
	ID   string `json:"id"`
	User string `json:"user_id"`
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a bookmark",
		Long: `Remove one of the user's bookmarks and announce the removal.

Exit codes:
  0 - Bookmark deleted
  1 - No such bookmark for this user
  2 - Command error (config, store)`,
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, cmd, args[0])
		},
	}
	opts.Session.register(cmd)

	return cmd
}

func runDelete(opts *DeleteOptions, cmd *cobra.Command, id string) error {
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

	if err := d.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return formatter.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no bookmark %s for %s", id, cfg.User), err)
		}
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "delete bookmark", err)
	}

	if formatter.JSON() {
		return formatter.Success(DeleteResult{ID: id, User: cfg.User})
	}
	return formatter.Success(fmt.Sprintf("Deleted %s", id))
}
