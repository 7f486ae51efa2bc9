package engine

import (
	"sort"

	"github.com/roach88/bookmarks/internal/bookmark"
)

// entry is one record in the view plus the arrival stamp that orders it
// against records with the same CreatedAt.
type entry struct {
	record  bookmark.Record
	arrival int64
}

// LocalView is the ordered, id-unique replica of one owner's records.
//
// INVARIANTS:
//   - at most one entry per record id
//   - entries sorted by CreatedAt descending
//   - equal CreatedAt keeps arrival order (earlier arrival first)
//
// LocalView is not safe for concurrent use; the engine guards it.
type LocalView struct {
	entries []entry
	ids     map[string]struct{}
}

func newLocalView() *LocalView {
	return &LocalView{ids: make(map[string]struct{})}
}

// Len returns the number of records in the view.
func (v *LocalView) Len() int {
	return len(v.entries)
}

// Has reports whether a record with id is present.
func (v *LocalView) Has(id string) bool {
	_, ok := v.ids[id]
	return ok
}

// Records returns a copy of the view in display order.
func (v *LocalView) Records() []bookmark.Record {
	out := make([]bookmark.Record, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.record
	}
	return out
}

// Reset replaces the view with records, which are expected newest-first.
// The order is re-established with a stable sort so a store that returns
// slightly unordered rows cannot break the invariant, and duplicate ids
// keep their first occurrence.
func (v *LocalView) Reset(records []bookmark.Record, stamp func() int64) {
	v.entries = make([]entry, 0, len(records))
	v.ids = make(map[string]struct{}, len(records))
	for _, r := range records {
		if v.Has(r.ID) {
			continue
		}
		v.ids[r.ID] = struct{}{}
		v.entries = append(v.entries, entry{record: r, arrival: stamp()})
	}
	sort.SliceStable(v.entries, func(i, j int) bool {
		return v.entries[i].record.NewerThan(v.entries[j].record)
	})
}

// Insert adds r unless its id is already present. Returns true if the
// view changed.
func (v *LocalView) Insert(r bookmark.Record, arrival int64) bool {
	if v.Has(r.ID) {
		return false
	}
	// First entry strictly older than r; ties land after existing entries.
	pos := sort.Search(len(v.entries), func(i int) bool {
		return r.NewerThan(v.entries[i].record)
	})
	v.entries = append(v.entries, entry{})
	copy(v.entries[pos+1:], v.entries[pos:])
	v.entries[pos] = entry{record: r, arrival: arrival}
	v.ids[r.ID] = struct{}{}
	return true
}

// Update replaces the entry with r's id in place, keeping its position.
// CreatedAt is immutable, so the stored value wins over the incoming one.
// Unknown ids are inserted, which covers an update delivered before its
// insert. Returns true if the view changed.
func (v *LocalView) Update(r bookmark.Record, arrival int64) bool {
	i := v.index(r.ID)
	if i < 0 {
		return v.Insert(r, arrival)
	}
	r.CreatedAt = v.entries[i].record.CreatedAt
	if v.entries[i].record == r {
		return false
	}
	v.entries[i].record = r
	return true
}

// Delete removes the entry with id. Returns false when it was absent.
func (v *LocalView) Delete(id string) bool {
	i := v.index(id)
	if i < 0 {
		return false
	}
	copy(v.entries[i:], v.entries[i+1:])
	v.entries[len(v.entries)-1] = entry{}
	v.entries = v.entries[:len(v.entries)-1]
	delete(v.ids, id)
	return true
}

func (v *LocalView) index(id string) int {
	if !v.Has(id) {
		return -1
	}
	for i, e := range v.entries {
		if e.record.ID == id {
			return i
		}
	}
	return -1
}
