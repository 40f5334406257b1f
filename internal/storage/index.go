package storage

import (
	"sort"
	"time"

	"tweetup/internal/reminder"
)

// index is the in-memory table behind the memory and file drivers.
// Not safe for concurrent use; callers hold their own lock.
type index struct {
	m      map[string]reminder.Entry
	sorted []string
	dirty  bool
}

func newIndex() *index {
	return &index{m: map[string]reminder.Entry{}}
}

func (x *index) put(e reminder.Entry) {
	x.m[e.ID] = cloneEntry(e)
	x.dirty = true
}

func (x *index) del(id string) bool {
	if _, ok := x.m[id]; !ok {
		return false
	}
	delete(x.m, id)
	x.dirty = true
	return true
}

func (x *index) get(id string) (reminder.Entry, bool) {
	e, ok := x.m[id]
	if !ok {
		return reminder.Entry{}, false
	}
	return cloneEntry(e), true
}

func (x *index) order() []string {
	if !x.dirty && x.sorted != nil {
		return x.sorted
	}
	ids := make([]string, 0, len(x.m))
	for id := range x.m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return entryLess(x.m[ids[i]], x.m[ids[j]]) })
	x.sorted = ids
	x.dirty = false
	return ids
}

func (x *index) all() []reminder.Entry {
	ids := x.order()
	out := make([]reminder.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneEntry(x.m[id]))
	}
	return out
}

func (x *index) earliest() (reminder.Entry, bool) {
	ids := x.order()
	if len(ids) == 0 {
		return reminder.Entry{}, false
	}
	return cloneEntry(x.m[ids[0]]), true
}

func (x *index) nextAfter(t time.Time) (reminder.Entry, bool) {
	ids := x.order()
	i := sort.Search(len(ids), func(i int) bool { return x.m[ids[i]].NextFire.After(t) })
	if i >= len(ids) {
		return reminder.Entry{}, false
	}
	return cloneEntry(x.m[ids[i]]), true
}

func (x *index) due(now time.Time, limit int) []reminder.Entry {
	var out []reminder.Entry
	for _, id := range x.order() {
		e := x.m[id]
		if e.NextFire.After(now) {
			break
		}
		out = append(out, cloneEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func entryLess(a, b reminder.Entry) bool {
	if !a.NextFire.Equal(b.NextFire) {
		return a.NextFire.Before(b.NextFire)
	}
	return a.ID < b.ID
}

func sortEntries(es []reminder.Entry) {
	sort.Slice(es, func(i, j int) bool { return entryLess(es[i], es[j]) })
}

// cloneEntry detaches e from caller-owned memory.
func cloneEntry(e reminder.Entry) reminder.Entry {
	if e.LastFired != nil {
		lf := *e.LastFired
		e.LastFired = &lf
	}
	if e.Policy.Weekdays != nil {
		e.Policy.Weekdays = append([]time.Weekday(nil), e.Policy.Weekdays...)
	}
	return e
}
