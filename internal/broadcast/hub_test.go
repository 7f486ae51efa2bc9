package broadcast

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookmarks/internal/bookmark"
	"github.com/roach88/bookmarks/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	topic   = "bookmarks-sync-u1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func next(t *testing.T, s bookmark.Stream) bookmark.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
		return bookmark.Event{}
	}
}

func waitClosed(t *testing.T, s bookmark.Stream) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestHub_DeliversToOtherSessions(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	a, b := h.Client("a"), h.Client("b")

	sa, err := a.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	defer sa.Close()
	sb, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	defer sb.Close()

	require.NoError(t, a.Publish(context.Background(), topic, bookmark.KindInsert, testutil.Record("x", "u1", 0)))
	require.NoError(t, b.Publish(context.Background(), topic, bookmark.KindInsert, testutil.Record("y", "u1", 0)))

	assert.Equal(t, "x", next(t, sb).Record.ID)
	ev := next(t, sa)
	assert.Equal(t, "y", ev.Record.ID, "a never sees its own publish")
	assert.Equal(t, bookmark.SourceBroadcast, ev.Source)
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	s, err := h.Client("a").Subscribe(context.Background(), "bookmarks-sync-u2")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, h.Client("b").Publish(context.Background(), topic, bookmark.KindInsert, testutil.Record("x", "u1", 0)))

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_DropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub(WithBuffer(1), WithLogger(quietLogger()))
	s, err := h.Client("a").Subscribe(context.Background(), topic)
	require.NoError(t, err)
	defer s.Close()

	pub := h.Client("b")
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, pub.Publish(context.Background(), topic, bookmark.KindInsert, testutil.Record(id, "u1", 0)))
	}

	assert.Equal(t, int64(2), h.Dropped())
	assert.Equal(t, "x", next(t, s).Record.ID)
}

func TestHub_SkipsUnknownEvents(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	s, err := h.Client("a").Subscribe(context.Background(), topic)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, h.Send(Message{Topic: topic, Event: "bookmark-renamed", Origin: "b"}))
	require.NoError(t, h.Send(Message{Topic: topic, Event: EventDeleted, Origin: "b", Payload: bookmark.Record{ID: "x"}}))

	ev := next(t, s)
	assert.Equal(t, bookmark.KindDelete, ev.Kind)
	assert.Equal(t, "x", ev.Record.ID)
}

func TestHub_ContextCancelEndsStream(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())

	s, err := h.Client("a").Subscribe(ctx, topic)
	require.NoError(t, err)
	require.Equal(t, 1, h.Subscribers(topic))

	cancel()
	waitClosed(t, s)
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, h.Subscribers(topic))
}

func TestHub_Close(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err := h.Client("a").Subscribe(context.Background(), topic)
	assert.ErrorIs(t, err, ErrClosed)

	err = h.Client("a").Publish(context.Background(), topic, bookmark.KindInsert, testutil.Record("x", "u1", 0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_CloseEndsStreams(t *testing.T) {
	h := NewHub(WithLogger(quietLogger()))
	s, err := h.Client("a").Subscribe(context.Background(), topic)
	require.NoError(t, err)
	other, err := h.Client("b").Subscribe(context.Background(), "bookmarks-sync-u2")
	require.NoError(t, err)

	require.NoError(t, h.Close())

	waitClosed(t, s)
	waitClosed(t, other)
	assert.ErrorIs(t, s.Err(), ErrClosed)
	assert.ErrorIs(t, other.Err(), ErrClosed)
	assert.Equal(t, 0, h.Subscribers(topic))
	assert.NoError(t, s.Close(), "closing an ended stream is a no-op")
}
