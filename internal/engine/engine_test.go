package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookmarks/internal/bookmark"
	"github.com/roach88/bookmarks/internal/testutil"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// startManual starts an engine whose snapshot read never completes on its
// own, so the test drives every handler itself.
func startManual(t *testing.T, opts ...Option) (*Engine, *Subscription) {
	t.Helper()
	snaps := testutil.NewFakeSnapshotter()
	snaps.Hold()

	e := New(snaps, append([]Option{WithLogger(quietLogger())}, opts...)...)
	sub, err := e.Start(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(sub.Stop)
	return e, sub
}

// startReady is startManual followed by a successful snapshot.
func startReady(t *testing.T, records ...bookmark.Record) (*Engine, *Subscription) {
	t.Helper()
	e, sub := startManual(t)
	sub.OnSnapshotResolved(records, nil)
	require.Equal(t, StateReady, e.View().State)
	return e, sub
}

func waitOpened(t *testing.T, f *testutil.FakeFeed) *testutil.FakeStream {
	t.Helper()
	select {
	case s := <-f.Opened():
		return s
	case <-time.After(waitFor):
		t.Fatal("stream was never opened")
		return nil
	}
}

func rec(id, owner string, minutes int) bookmark.Record {
	return testutil.Record(id, owner, time.Duration(minutes)*time.Minute)
}

func TestEngine_StartRequiresOwner(t *testing.T) {
	e := New(testutil.NewFakeSnapshotter(), WithLogger(quietLogger()))

	_, err := e.Start(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrOwnerRequired)
	assert.False(t, e.View().Active)
}

func TestEngine_StartEntersLoading(t *testing.T) {
	e, sub := startManual(t)

	v := e.View()
	assert.Equal(t, StateLoading, v.State)
	assert.Equal(t, "u1", v.Owner)
	assert.True(t, v.Active)
	assert.False(t, v.Empty(), "loading is not a confirmed-empty view")
	assert.Equal(t, "u1", sub.Owner())
}

func TestEngine_OptimisticInsertThenEchoesThenBroadcastDelete(t *testing.T) {
	e, sub := startReady(t)

	sub.OnLocalOptimisticInsert(rec("a", "u1", 1))
	assert.Equal(t, []string{"a"}, e.View().IDs())

	sub.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 1))
	assert.Equal(t, []string{"a"}, e.View().IDs(), "confirmation must not duplicate")

	sub.OnBroadcastEvent(bookmark.KindDelete, bookmark.Record{ID: "a"})
	assert.Empty(t, e.View().IDs())
	assert.True(t, e.View().Empty())
}

func TestEngine_SnapshotThenForeignInsert(t *testing.T) {
	e, sub := startManual(t)

	sub.OnSnapshotResolved([]bookmark.Record{rec("b", "u1", 2), rec("c", "u1", 1)}, nil)
	assert.Equal(t, []string{"b", "c"}, e.View().IDs())

	sub.OnChangeEvent(bookmark.KindInsert, rec("d", "u2", 3))
	assert.Equal(t, []string{"b", "c"}, e.View().IDs())
	assert.Empty(t, e.View().Warnings, "foreign records are discarded silently")
}

func TestEngine_InsertIsIdempotent(t *testing.T) {
	e, sub := startReady(t, rec("b", "u1", 1))

	sub.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 2))
	once := e.View().Records

	sub.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 2))
	assert.Equal(t, once, e.View().Records)
}

func TestEngine_OwnershipIsolation(t *testing.T) {
	e, sub := startReady(t, rec("a", "u1", 1))
	before := e.View().Records

	foreign := rec("a", "u2", 1)
	foreign.Title = "hijacked"

	for _, kind := range []bookmark.Kind{bookmark.KindInsert, bookmark.KindUpdate, bookmark.KindDelete} {
		sub.OnChangeEvent(kind, foreign)
		sub.OnBroadcastEvent(kind, foreign)
		sub.OnChangeEvent(kind, rec("x", "u2", 5))
	}
	sub.OnLocalOptimisticInsert(rec("y", "u2", 6))

	assert.Equal(t, before, e.View().Records)
}

func TestEngine_DualSourceConvergence(t *testing.T) {
	orders := map[string][]bookmark.Source{
		"broadcast first": {bookmark.SourceBroadcast, bookmark.SourceChangeFeed},
		"feed first":      {bookmark.SourceChangeFeed, bookmark.SourceBroadcast},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			e, sub := startReady(t, rec("old", "u1", 0))
			r := rec("a", "u1", 1)
			for _, src := range order {
				if src == bookmark.SourceBroadcast {
					sub.OnBroadcastEvent(bookmark.KindInsert, r)
				} else {
					sub.OnChangeEvent(bookmark.KindInsert, r)
				}
			}
			assert.Equal(t, []string{"a", "old"}, e.View().IDs())
		})
	}
}

func TestEngine_DeleteBeforeInsert(t *testing.T) {
	e, sub := startReady(t)

	sub.OnBroadcastEvent(bookmark.KindDelete, bookmark.Record{ID: "a"})
	assert.Empty(t, e.View().IDs())

	sub.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 1))
	assert.Equal(t, []string{"a"}, e.View().IDs())
}

func TestEngine_OrderingStability(t *testing.T) {
	e, sub := startReady(t, rec("s1", "u1", 5), rec("s2", "u1", 5))

	sub.OnChangeEvent(bookmark.KindInsert, rec("tie", "u1", 5))
	sub.OnBroadcastEvent(bookmark.KindInsert, rec("newest", "u1", 9))
	sub.OnLocalOptimisticInsert(rec("oldest", "u1", 1))
	sub.OnChangeEvent(bookmark.KindUpdate, rec("s1", "u1", 5))

	assert.Equal(t, []string{"newest", "s1", "s2", "tie", "oldest"}, e.View().IDs())
}

func TestEngine_UpdateReplacesInPlace(t *testing.T) {
	e, sub := startReady(t, rec("a", "u1", 2), rec("b", "u1", 1))

	upd := rec("b", "u1", 1)
	upd.Title = "Renamed"
	sub.OnChangeEvent(bookmark.KindUpdate, upd)

	v := e.View()
	assert.Equal(t, []string{"a", "b"}, v.IDs())
	assert.Equal(t, "Renamed", v.Records[1].Title)

	sub.OnChangeEvent(bookmark.KindUpdate, rec("late", "u1", 3))
	assert.Equal(t, []string{"late", "a", "b"}, e.View().IDs(), "update for an unknown id inserts")
}

func TestEngine_EventsDuringLoadingAreReplayed(t *testing.T) {
	e, sub := startManual(t)

	sub.OnChangeEvent(bookmark.KindInsert, rec("fast", "u1", 3))
	sub.OnBroadcastEvent(bookmark.KindInsert, rec("dup", "u1", 2))
	sub.OnBroadcastEvent(bookmark.KindDelete, bookmark.Record{ID: "gone"})

	v := e.View()
	assert.Equal(t, StateLoading, v.State)
	assert.Empty(t, v.Records, "nothing is rendered before the snapshot")
	assert.Equal(t, 3, e.PendingLen())

	sub.OnSnapshotResolved([]bookmark.Record{rec("dup", "u1", 2), rec("gone", "u1", 1)}, nil)

	v = e.View()
	assert.Equal(t, StateReady, v.State)
	assert.Equal(t, []string{"fast", "dup"}, v.IDs())
	assert.Equal(t, 0, e.PendingLen())
}

func TestEngine_SnapshotFailure(t *testing.T) {
	e, sub := startManual(t)
	sub.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 1))

	boom := errors.New("connection refused")
	sub.OnSnapshotResolved(nil, boom)

	v := e.View()
	assert.Equal(t, StateReady, v.State)
	assert.True(t, v.SnapshotFailed)
	assert.False(t, v.Empty(), "a failed load is distinguishable from no bookmarks")
	assert.Equal(t, []string{"a"}, v.IDs(), "parked events still apply")

	require.Len(t, v.Warnings, 1)
	w := v.Warnings[0]
	assert.Equal(t, ErrCodeSnapshotFailure, w.Code)
	assert.True(t, w.Retryable)
	assert.True(t, IsSnapshotFailure(w.Err))
	assert.ErrorIs(t, w.Err, boom)
}

func TestEngine_SecondSnapshotMerges(t *testing.T) {
	e, sub := startReady(t, rec("a", "u1", 1))
	sub.OnChangeEvent(bookmark.KindInsert, rec("live", "u1", 5))

	sub.OnSnapshotResolved([]bookmark.Record{rec("b", "u1", 2), rec("a", "u1", 1)}, nil)

	v := e.View()
	assert.Equal(t, StateReady, v.State)
	assert.Equal(t, []string{"live", "b", "a"}, v.IDs())
}

func TestEngine_MalformedEvents(t *testing.T) {
	e, sub := startReady(t, rec("a", "u1", 1))

	sub.OnChangeEvent(bookmark.KindInsert, bookmark.Record{OwnerID: "u1", Title: "no id"})
	sub.OnBroadcastEvent(bookmark.KindInsert, bookmark.Record{ID: "b", Title: "no owner"})
	sub.OnChangeEvent(bookmark.Kind(0), rec("c", "u1", 2))

	v := e.View()
	assert.Equal(t, []string{"a"}, v.IDs())
	require.Len(t, v.Warnings, 3)
	for _, w := range v.Warnings {
		assert.Equal(t, ErrCodeMalformedEvent, w.Code)
		assert.False(t, w.Retryable)
		assert.True(t, IsMalformedEvent(w.Err))
	}
	assert.Equal(t, bookmark.SourceBroadcast, v.Warnings[1].Source)
}

func TestEngine_MalformedSnapshotRowsAreSkipped(t *testing.T) {
	e, sub := startManual(t)

	sub.OnSnapshotResolved([]bookmark.Record{
		rec("a", "u1", 2),
		{OwnerID: "u1"},
		rec("x", "u2", 1),
	}, nil)

	v := e.View()
	assert.Equal(t, []string{"a"}, v.IDs())
	require.Len(t, v.Warnings, 1)
	assert.Equal(t, ErrCodeMalformedEvent, v.Warnings[0].Code)
}

func TestEngine_WarningsAreCapped(t *testing.T) {
	e, sub := startManual(t, WithMaxWarnings(2))
	sub.OnSnapshotResolved(nil, nil)

	for _, title := range []string{"one", "two", "three"} {
		sub.OnChangeEvent(bookmark.KindInsert, bookmark.Record{OwnerID: "u1", Title: title})
	}

	v := e.View()
	require.Len(t, v.Warnings, 2)
	assert.Less(t, v.Warnings[0].Seq, v.Warnings[1].Seq, "oldest warning dropped first")
}

func TestEngine_StopIsIdempotentAndFinal(t *testing.T) {
	e, sub := startReady(t, rec("a", "u1", 1))

	sub.Stop()
	sub.Stop()

	sub.OnChangeEvent(bookmark.KindInsert, rec("b", "u1", 2))
	sub.OnBroadcastEvent(bookmark.KindDelete, bookmark.Record{ID: "a"})
	sub.OnLocalOptimisticInsert(rec("c", "u1", 3))

	v := e.View()
	assert.False(t, v.Active)
	assert.Equal(t, []string{"a"}, v.IDs())

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription goroutines did not exit")
	}
}

func TestEngine_RebindDropsStaleSubscription(t *testing.T) {
	e, old := startReady(t, rec("a", "u1", 1))

	next, err := e.Start(context.Background(), "u2")
	require.NoError(t, err)
	t.Cleanup(next.Stop)
	assert.Greater(t, next.Generation(), old.Generation())

	select {
	case <-old.Done():
	case <-time.After(waitFor):
		t.Fatal("previous subscription was not fully stopped")
	}

	// In-flight events of the old binding, even ones carrying the new
	// owner, never reach the new view.
	old.OnChangeEvent(bookmark.KindInsert, rec("stale", "u2", 9))
	old.OnSnapshotResolved([]bookmark.Record{rec("stale2", "u2", 9)}, nil)
	old.Stop()

	v := e.View()
	assert.Equal(t, "u2", v.Owner)
	assert.True(t, v.Active, "stopping a superseded handle leaves the new binding alone")
	assert.Equal(t, StateLoading, v.State)
	assert.Empty(t, v.Records)

	next.OnSnapshotResolved([]bookmark.Record{rec("mine", "u2", 1)}, nil)
	next.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 1))
	assert.Equal(t, []string{"mine"}, e.View().IDs())
}

func TestEngine_ViewIsACopy(t *testing.T) {
	e, _ := startReady(t, rec("a", "u1", 1))

	v := e.View()
	v.Records[0].ID = "mutated"

	assert.Equal(t, []string{"a"}, e.View().IDs())
}

func TestEngine_UpdatesSignal(t *testing.T) {
	e, sub := startReady(t)
	for len(e.Updates()) > 0 {
		<-e.Updates()
	}

	sub.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 1))

	select {
	case <-e.Updates():
	case <-time.After(waitFor):
		t.Fatal("no update signal after a visible change")
	}

	sub.OnChangeEvent(bookmark.KindInsert, rec("a", "u1", 1))
	select {
	case <-e.Updates():
		t.Fatal("no-op merge should not signal")
	default:
	}
}

func TestEngine_LiveSourcesConverge(t *testing.T) {
	snaps := testutil.NewFakeSnapshotter()
	snaps.Set("u1", rec("old", "u1", 0))
	changes := testutil.NewFakeFeed()
	casts := testutil.NewFakeFeed()

	e := New(snaps, WithChangeFeed(changes), WithBroadcaster(casts), WithLogger(quietLogger()))
	sub, err := e.Start(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	feed := waitOpened(t, changes)
	cast := waitOpened(t, casts)
	assert.Equal(t, DefaultCollection, feed.Name)
	assert.Equal(t, "bookmarks-sync-u1", cast.Name)

	r := rec("a", "u1", 1)
	require.True(t, cast.Send(bookmark.KindInsert, r))
	require.True(t, feed.Send(bookmark.KindInsert, r))
	require.True(t, cast.Send(bookmark.KindInsert, rec("spoof", "u2", 2)))

	require.Eventually(t, func() bool {
		v := e.View()
		return v.Ready() && len(v.Records) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{"a", "old"}, e.View().IDs())

	require.True(t, feed.Send(bookmark.KindDelete, bookmark.Record{ID: "old"}))
	require.Eventually(t, func() bool {
		return len(e.View().Records) == 1
	}, waitFor, tick)
}

func TestEngine_LiveEventRacingSnapshotIsKept(t *testing.T) {
	snaps := testutil.NewFakeSnapshotter()
	snaps.Set("u1", rec("s", "u1", 0))
	snaps.Hold()
	changes := testutil.NewFakeFeed()

	e := New(snaps, WithChangeFeed(changes), WithLogger(quietLogger()))
	sub, err := e.Start(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	feed := waitOpened(t, changes)
	require.True(t, feed.Send(bookmark.KindInsert, rec("fast", "u1", 1)))
	require.Eventually(t, func() bool { return e.PendingLen() == 1 }, waitFor, tick)
	assert.Equal(t, StateLoading, e.View().State)

	snaps.Release()
	require.Eventually(t, func() bool { return e.View().Ready() }, waitFor, tick)
	assert.Equal(t, []string{"fast", "s"}, e.View().IDs())
}

func TestEngine_SubscriptionFailureDegrades(t *testing.T) {
	snaps := testutil.NewFakeSnapshotter()
	changes := testutil.NewFakeFeed()
	casts := testutil.NewFakeFeed()
	refused := errors.New("websocket: bad handshake")
	casts.FailOpen(refused)

	e := New(snaps, WithChangeFeed(changes), WithBroadcaster(casts), WithLogger(quietLogger()))
	sub, err := e.Start(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	require.Eventually(t, func() bool {
		v := e.View()
		return v.Ready() && v.Degraded()
	}, waitFor, tick)

	w := e.View().Warnings[0]
	assert.Equal(t, ErrCodeSubscriptionFailure, w.Code)
	assert.Equal(t, bookmark.SourceBroadcast, w.Source)
	assert.ErrorIs(t, w.Err, refused)
	assert.True(t, IsSubscriptionFailure(w.Err))

	feed := waitOpened(t, changes)
	require.True(t, feed.Send(bookmark.KindInsert, rec("a", "u1", 1)))
	require.Eventually(t, func() bool { return len(e.View().Records) == 1 }, waitFor, tick)
}

func TestEngine_StreamEndDegrades(t *testing.T) {
	changes := testutil.NewFakeFeed()
	e := New(testutil.NewFakeSnapshotter(), WithChangeFeed(changes), WithLogger(quietLogger()))
	sub, err := e.Start(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	feed := waitOpened(t, changes)
	feed.End()

	require.Eventually(t, func() bool { return e.View().Degraded() }, waitFor, tick)
	w := e.View().Warnings[0]
	assert.ErrorIs(t, w.Err, ErrStreamEnded)
	assert.Equal(t, bookmark.SourceChangeFeed, w.Source)
}

func TestEngine_StopReleasesStreams(t *testing.T) {
	changes := testutil.NewFakeFeed()
	casts := testutil.NewFakeFeed()
	e := New(testutil.NewFakeSnapshotter(), WithChangeFeed(changes), WithBroadcaster(casts), WithLogger(quietLogger()))
	sub, err := e.Start(context.Background(), "u1")
	require.NoError(t, err)

	feed := waitOpened(t, changes)
	cast := waitOpened(t, casts)
	sub.Stop()

	for _, s := range []*testutil.FakeStream{feed, cast} {
		select {
		case <-s.Closed():
		case <-time.After(waitFor):
			t.Fatalf("stream %s was not closed", s.Name)
		}
	}
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription goroutines did not exit")
	}
	assert.Empty(t, e.View().Warnings, "a stopped stream is not a failure")
}

func TestEngine_RetrySnapshot(t *testing.T) {
	snaps := testutil.NewFakeSnapshotter()
	snaps.FailWith(errors.New("timeout"))
	e := New(snaps, WithLogger(quietLogger()))
	sub, err := e.Start(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	require.Eventually(t, func() bool { return e.View().SnapshotFailed }, waitFor, tick)
	sub.OnLocalOptimisticInsert(rec("live", "u1", 9))

	err = sub.RetrySnapshot(context.Background())
	require.Error(t, err)
	assert.True(t, IsSnapshotFailure(err))

	snaps.FailWith(nil)
	snaps.Set("u1", rec("a", "u1", 1))
	require.NoError(t, sub.RetrySnapshot(context.Background()))

	v := e.View()
	assert.False(t, v.SnapshotFailed)
	assert.Empty(t, v.Warnings)
	assert.Equal(t, []string{"live", "a"}, v.IDs())
	assert.Equal(t, []string{"u1", "u1", "u1"}, snaps.Calls())
}

// snapshotFunc adapts a function to Snapshotter.
type snapshotFunc func(ctx context.Context, owner string) ([]bookmark.Record, error)

func (f snapshotFunc) FetchAll(ctx context.Context, owner string) ([]bookmark.Record, error) {
	return f(ctx, owner)
}

func TestEngine_RetryDoesNotResurrectDeletes(t *testing.T) {
	var (
		reads atomic.Int32
		sub   *Subscription
	)
	snaps := snapshotFunc(func(ctx context.Context, owner string) ([]bookmark.Record, error) {
		if reads.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		// The read has seen x; the delete lands before it is merged.
		rows := []bookmark.Record{rec("x", "u1", 1), rec("y", "u1", 0)}
		sub.OnChangeEvent(bookmark.KindDelete, bookmark.Record{ID: "x", OwnerID: "u1"})
		return rows, nil
	})

	e := New(snaps, WithLogger(quietLogger()))
	var err error
	sub, err = e.Start(context.Background(), "u1")
	require.NoError(t, err)
	t.Cleanup(sub.Stop)

	require.Eventually(t, func() bool { return e.View().SnapshotFailed }, waitFor, tick)
	sub.OnChangeEvent(bookmark.KindInsert, rec("x", "u1", 1))
	require.Equal(t, []string{"x"}, e.View().IDs())

	require.NoError(t, sub.RetrySnapshot(context.Background()))

	v := e.View()
	assert.Equal(t, []string{"y"}, v.IDs())
	assert.False(t, v.SnapshotFailed)

	// Once the retry is done, deletes are no longer remembered.
	sub.OnChangeEvent(bookmark.KindInsert, rec("x", "u1", 1))
	assert.Equal(t, []string{"x", "y"}, e.View().IDs())
	e.mu.Lock()
	assert.Nil(t, sub.retryDeletes)
	assert.Zero(t, sub.retries)
	e.mu.Unlock()
}

func TestEngine_RetryOnStoppedSubscription(t *testing.T) {
	e, sub := startReady(t, rec("a", "u1", 1))
	sub.Stop()

	err := sub.RetrySnapshot(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, e.View().IDs())
}

func TestEngine_ClearWarningsDoesNotReuseBacking(t *testing.T) {
	e, sub := startManual(t)
	sub.OnSnapshotResolved(nil, errors.New("boom"))
	sub.OnChangeEvent(bookmark.KindInsert, bookmark.Record{OwnerID: "u1", Title: "no id"})

	e.mu.Lock()
	before := e.warnings
	require.Len(t, before, 2)
	require.Equal(t, ErrCodeSnapshotFailure, before[0].Code)
	e.clearWarningsLocked(ErrCodeSnapshotFailure)
	after := e.warnings
	e.mu.Unlock()

	require.Len(t, after, 1)
	assert.Equal(t, ErrCodeMalformedEvent, after[0].Code)
	assert.Equal(t, ErrCodeSnapshotFailure, before[0].Code, "earlier slice is left as it was")
}

func TestEngine_ParentContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(testutil.NewFakeSnapshotter(), WithLogger(quietLogger()))
	sub, err := e.Start(ctx, "u1")
	require.NoError(t, err)

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription goroutines did not exit")
	}
	assert.False(t, e.View().Active)
	assert.Error(t, sub.RetrySnapshot(context.Background()))
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "bookmarks-sync-u1", Topic("u1"))
}

func TestLifecycleState_String(t *testing.T) {
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "ready", StateReady.String())
}
