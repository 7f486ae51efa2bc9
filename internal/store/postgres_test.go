package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookmarks/internal/bookmark"
	"github.com/roach88/bookmarks/internal/feed"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("BOOKMARKS_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set BOOKMARKS_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func TestNewPostgresStore_RequiresDSN(t *testing.T) {
	_, err := NewPostgresStore(" ")
	assert.Error(t, err)
}

func TestPostgresStore_RoundTripWithNotify(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owner := fmt.Sprintf("it-%d", time.Now().UnixNano())
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Schema must exist before the listener attaches.
	_, err = s.FetchAll(ctx, owner)
	require.NoError(t, err)

	pg, err := feed.NewPostgres(dsn, feed.WithChannel(NotifyChannel))
	require.NoError(t, err)
	stream, err := pg.SubscribeChanges(ctx, Collection, bookmark.OwnerFilter(owner))
	require.NoError(t, err)
	defer stream.Close()

	d, err := bookmark.NewDraft("Go", "https://go.dev")
	require.NoError(t, err)
	r, err := s.Create(ctx, d, owner)
	require.NoError(t, err)

	records, err := s.FetchAll(ctx, owner)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.ID, records[0].ID)
	assert.True(t, r.CreatedAt.Equal(records[0].CreatedAt))

	ev := <-stream.Events()
	assert.Equal(t, bookmark.KindInsert, ev.Kind)
	assert.Equal(t, r.ID, ev.Record.ID)
	assert.Equal(t, owner, ev.Record.OwnerID)

	require.NoError(t, s.Delete(ctx, owner, r.ID))
	ev = <-stream.Events()
	assert.Equal(t, bookmark.KindDelete, ev.Kind)
	assert.Equal(t, r.ID, ev.Record.ID)

	assert.ErrorIs(t, s.Delete(ctx, owner, r.ID), ErrNotFound)
}
