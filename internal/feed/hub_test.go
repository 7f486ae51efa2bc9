package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookmarks/internal/bookmark"
)

func insert(id, owner string) bookmark.Event {
	return bookmark.Event{
		Kind:   bookmark.KindInsert,
		Record: bookmark.Record{ID: id, OwnerID: owner, CreatedAt: time.Unix(0, 0).UTC()},
	}
}

func recv(t *testing.T, s bookmark.Stream) bookmark.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream ended unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return bookmark.Event{}
	}
}

func TestHub_DeliversMatchingEvents(t *testing.T) {
	h := NewHub()
	s, err := h.SubscribeChanges(context.Background(), "bookmarks", bookmark.OwnerFilter("u1"))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, h.Publish("bookmarks", insert("a", "u1")))
	assert.Equal(t, 0, h.Publish("bookmarks", insert("b", "u2")), "predicate filters other owners")
	assert.Equal(t, 0, h.Publish("notes", insert("c", "u1")), "other collections are ignored")

	ev := recv(t, s)
	assert.Equal(t, "a", ev.Record.ID)
	assert.Equal(t, bookmark.SourceChangeFeed, ev.Source)
}

func TestHub_Unfiltered(t *testing.T) {
	h := NewHub(WithUnfiltered())
	s, err := h.SubscribeChanges(context.Background(), "bookmarks", bookmark.OwnerFilter("u1"))
	require.NoError(t, err)
	defer s.Close()

	h.Publish("bookmarks", insert("foreign", "u2"))
	assert.Equal(t, "foreign", recv(t, s).Record.ID)
}

func TestHub_SlowConsumerIsCutOff(t *testing.T) {
	h := NewHub(WithBuffer(2))
	s, err := h.SubscribeChanges(context.Background(), "bookmarks", nil)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		h.Publish("bookmarks", insert(id, "u1"))
	}

	recv(t, s)
	recv(t, s)
	_, open := <-s.Events()
	assert.False(t, open)
	assert.ErrorIs(t, s.Err(), ErrSlowConsumer)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_ContextCancelEndsStream(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := h.SubscribeChanges(ctx, "bookmarks", nil)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-s.Events()
	assert.False(t, open)
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Close(), "close after cancel is safe")
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	s, err := h.SubscribeChanges(context.Background(), "bookmarks", nil)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, open := <-s.Events()
	assert.False(t, open)
	assert.ErrorIs(t, s.Err(), ErrClosed)

	_, err = h.SubscribeChanges(context.Background(), "bookmarks", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
