package app

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/roach88/bookmarks/internal/bookmark"
	"github.com/roach88/bookmarks/internal/engine"
)

// Render writes v as a terminal list. A failed load is rendered as a
// banner, never as the empty-list message.
func Render(w io.Writer, v engine.ViewState) error {
	if !v.Ready() {
		_, err := fmt.Fprintln(w, color.New(color.FgCyan).Sprint("Loading bookmarks..."))
		return err
	}

	if v.SnapshotFailed {
		fmt.Fprintln(w, color.New(color.FgRed).Sprint("Could not load your bookmarks."))
		fmt.Fprintln(w, "New changes will still appear below. Retry to load the rest.")
	}

	switch {
	case v.Empty():
		fmt.Fprintln(w, color.New(color.Bold).Sprint("No bookmarks yet"))
		fmt.Fprintln(w, "Add your first bookmark to get started!")
	case len(v.Records) > 0:
		fmt.Fprintln(w, color.New(color.Faint).Sprint(bookmark.CountLabel(len(v.Records))))
		for _, r := range v.Records {
			fmt.Fprintf(w, "  %s  %s\n", color.New(color.Bold).Sprint(r.Title), color.New(color.Faint).Sprint(r.ID))
			fmt.Fprintf(w, "    %s  %s  %s\n",
				color.New(color.FgBlue).Sprint(bookmark.Domain(r.URL)),
				bookmark.FormatDate(r.CreatedAt),
				r.URL,
			)
		}
	}

	for _, warn := range v.Warnings {
		if warn.Code == engine.ErrCodeSnapshotFailure {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", color.New(color.FgYellow).Sprint("warning:"), warn.Message)
	}
	return nil
}

// Render writes the current view.
func (d *Dashboard) Render(w io.Writer) error {
	return Render(w, d.View())
}
