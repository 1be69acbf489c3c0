package preagg

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
)

type windowState struct {
	snap atomic.Pointer[entity.BucketSnapshot]
	// dirtySince is the unix nano time of the first source change not yet covered
	// by the published snapshot, zero when clean.
	dirtySince atomic.Int64
}

// Cache holds the published bucket snapshots. Readers never take a lock: every
// window publishes through an atomic pointer swap, and the window index itself is
// copy-on-write.
type Cache struct {
	mu      sync.Mutex
	windows atomic.Pointer[map[string]*windowState]
	now     func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	c := &Cache{now: time.Now}
	empty := make(map[string]*windowState)
	c.windows.Store(&empty)
	return c
}

func dayKey(d time.Time) string {
	return entity.Day(d).Format(entity.DateLayout)
}

func (c *Cache) lookupState(day time.Time) *windowState {
	return (*c.windows.Load())[dayKey(day)]
}

func (c *Cache) ensureState(day time.Time) *windowState {
	key := dayKey(day)
	if st := (*c.windows.Load())[key]; st != nil {
		return st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.windows.Load()
	if st := cur[key]; st != nil {
		return st
	}
	next := make(map[string]*windowState, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	st := &windowState{}
	next[key] = st
	c.windows.Store(&next)
	return st
}

// Publish makes snap visible in one step. The window stays dirty if its source
// changed after the builder started reading.
func (c *Cache) Publish(snap *entity.BucketSnapshot) {
	st := c.ensureState(snap.Window.From)
	if cur := st.snap.Load(); cur != nil && cur.Generation > snap.Generation {
		return
	}
	st.snap.Store(snap)
	if d := st.dirtySince.Load(); d != 0 && d <= snap.SourceReadAt.UnixNano() {
		st.dirtySince.CompareAndSwap(d, 0)
	}
}

// Current returns the published snapshot of a day, if any.
func (c *Cache) Current(day time.Time) *entity.BucketSnapshot {
	st := c.lookupState(day)
	if st == nil {
		return nil
	}
	return st.snap.Load()
}

// MarkDirty records that the source orders of the given days changed at time at.
func (c *Cache) MarkDirty(days []time.Time, at time.Time) {
	for _, d := range days {
		st := c.ensureState(d)
		st.dirtySince.CompareAndSwap(0, at.UnixNano())
	}
}

// Hit is a cache answer for a bucket query.
type Hit struct {
	// Buckets are day buckets of the query mode, filtered by store and channel.
	Buckets       []entity.AggregationBucket
	EstimatedRows int64
	Stale         bool
	StaleWindows  []string
	OldestBuild   time.Time
}

// Lookup answers q from published snapshots. It returns (nil, nil) when some day of
// the query range has no snapshot, and a CacheStaleError when q requires fresh data
// but a covering window changed since its last rebuild.
func (c *Cache) Lookup(q *entity.Query) (*Hit, error) {
	if q.Kind != entity.QueryBuckets || q.Window.Empty() {
		return nil, nil
	}
	idx := *c.windows.Load()
	hit := &Hit{}
	for _, d := range q.Window.Days() {
		key := dayKey(d)
		st := idx[key]
		if st == nil {
			return nil, nil
		}
		snap := st.snap.Load()
		if snap == nil {
			return nil, nil
		}
		set, ok := snap.Sets[q.Mode]
		if !ok {
			return nil, nil
		}
		if st.dirtySince.Load() != 0 {
			hit.Stale = true
			hit.StaleWindows = append(hit.StaleWindows, key)
		}
		if hit.OldestBuild.IsZero() || snap.BuiltAt.Before(hit.OldestBuild) {
			hit.OldestBuild = snap.BuiltAt
		}
		for i := range set {
			b := &set[i]
			if !q.Matches(b.StoreID, b.Channel) {
				continue
			}
			hit.Buckets = append(hit.Buckets, *b)
			hit.EstimatedRows += b.OrderCount + b.ExcludedCount
		}
	}
	if hit.Stale && q.RequireFresh {
		return nil, &gerr.CacheStaleError{Windows: hit.StaleWindows, Age: c.now().Sub(hit.OldestBuild)}
	}
	return hit, nil
}

// Uncovered lists the days of q that Lookup cannot answer: days without a
// snapshot of q's mode and, when q requires fresh data, dirty days.
func (c *Cache) Uncovered(q *entity.Query) []time.Time {
	idx := *c.windows.Load()
	var out []time.Time
	for _, d := range q.Window.Days() {
		st := idx[dayKey(d)]
		if st == nil {
			out = append(out, d)
			continue
		}
		snap := st.snap.Load()
		if snap == nil {
			out = append(out, d)
			continue
		}
		if _, ok := snap.Sets[q.Mode]; !ok || (q.RequireFresh && st.dirtySince.Load() != 0) {
			out = append(out, d)
		}
	}
	return out
}

// WindowStatus describes the freshness of one cached window.
type WindowStatus struct {
	Window     string        `json:"window"`
	Generation int64         `json:"generation"`
	BuiltAt    time.Time     `json:"built_at"`
	Age        time.Duration `json:"age"`
	Dirty      bool          `json:"dirty"`
	DirtySince time.Time     `json:"dirty_since,omitempty"`
}

// Status lists every known window sorted by date.
func (c *Cache) Status() []WindowStatus {
	idx := *c.windows.Load()
	now := c.now()
	out := make([]WindowStatus, 0, len(idx))
	for key, st := range idx {
		ws := WindowStatus{Window: key}
		if snap := st.snap.Load(); snap != nil {
			ws.Generation = snap.Generation
			ws.BuiltAt = snap.BuiltAt
			ws.Age = now.Sub(snap.BuiltAt)
		}
		if d := st.dirtySince.Load(); d != 0 {
			ws.Dirty = true
			ws.DirtySince = time.Unix(0, d)
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window < out[j].Window })
	return out
}
