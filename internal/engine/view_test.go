package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bookmarks/internal/bookmark"
	"github.com/roach88/bookmarks/internal/testutil"
)

func viewIDs(v *LocalView) []string {
	return testutil.IDs(v.Records())
}

func TestLocalView_ResetOrdersNewestFirstAndDedups(t *testing.T) {
	c := NewClock()
	v := newLocalView()

	v.Reset([]bookmark.Record{
		testutil.Record("c", "u1", 1*time.Minute),
		testutil.Record("b", "u1", 2*time.Minute),
		testutil.Record("c", "u1", 1*time.Minute),
		testutil.Record("a", "u1", 3*time.Minute),
	}, c.Next)

	assert.Equal(t, []string{"a", "b", "c"}, viewIDs(v))
	assert.Equal(t, 3, v.Len())
	assert.True(t, v.Has("c"))
}

func TestLocalView_InsertIsIdempotent(t *testing.T) {
	v := newLocalView()
	r := testutil.Record("a", "u1", 0)

	assert.True(t, v.Insert(r, 1))
	assert.False(t, v.Insert(r, 2))

	changed := r
	changed.Title = "other"
	assert.False(t, v.Insert(changed, 3), "insert never overwrites an existing id")

	require.Equal(t, 1, v.Len())
	assert.Equal(t, r.Title, v.Records()[0].Title)
}

func TestLocalView_InsertPlacesByCreatedAt(t *testing.T) {
	v := newLocalView()
	v.Insert(testutil.Record("mid", "u1", 2*time.Minute), 1)
	v.Insert(testutil.Record("old", "u1", 1*time.Minute), 2)
	v.Insert(testutil.Record("new", "u1", 3*time.Minute), 3)

	assert.Equal(t, []string{"new", "mid", "old"}, viewIDs(v))
}

func TestLocalView_TiesKeepArrivalOrder(t *testing.T) {
	v := newLocalView()
	for i, id := range []string{"first", "second", "third"} {
		v.Insert(testutil.Record(id, "u1", time.Minute), int64(i+1))
	}
	v.Insert(testutil.Record("newer", "u1", 2*time.Minute), 4)
	v.Insert(testutil.Record("older", "u1", 0), 5)

	assert.Equal(t, []string{"newer", "first", "second", "third", "older"}, viewIDs(v))
}

func TestLocalView_UpdateInPlace(t *testing.T) {
	v := newLocalView()
	v.Insert(testutil.Record("a", "u1", 2*time.Minute), 1)
	v.Insert(testutil.Record("b", "u1", 1*time.Minute), 2)

	upd := testutil.Record("b", "u1", 10*time.Minute)
	upd.Title = "renamed"
	assert.True(t, v.Update(upd, 3))

	recs := v.Records()
	assert.Equal(t, []string{"a", "b"}, testutil.IDs(recs), "update keeps position")
	assert.Equal(t, "renamed", recs[1].Title)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), recs[1].CreatedAt, "created_at is immutable")

	assert.False(t, v.Update(upd, 4), "identical update is a no-op")
}

func TestLocalView_UpdateUnknownInserts(t *testing.T) {
	v := newLocalView()
	assert.True(t, v.Update(testutil.Record("late", "u1", 0), 1))
	assert.True(t, v.Has("late"))
}

func TestLocalView_DeleteBeforeInsert(t *testing.T) {
	v := newLocalView()

	assert.False(t, v.Delete("a"), "delete of unknown id is a no-op")
	assert.True(t, v.Insert(testutil.Record("a", "u1", 0), 1))
	assert.True(t, v.Delete("a"))
	assert.False(t, v.Has("a"))
	assert.Equal(t, 0, v.Len())
}

func TestLocalView_RecordsIsACopy(t *testing.T) {
	v := newLocalView()
	v.Insert(testutil.Record("a", "u1", 0), 1)

	recs := v.Records()
	recs[0].ID = "mutated"

	assert.Equal(t, []string{"a"}, viewIDs(v))
}
