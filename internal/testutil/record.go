package testutil

import (
	"time"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// Record builds a bookmark owned by owner, created offset after Epoch.
// Title and URL are derived from id.
func Record(id, owner string, offset time.Duration) bookmark.Record {
	return bookmark.Record{
		ID:        id,
		OwnerID:   owner,
		Title:     "Bookmark " + id,
		URL:       "https://example.com/" + id,
		CreatedAt: Epoch.Add(offset),
	}
}

// IDs returns the ids of records in order.
func IDs(records []bookmark.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
