package preagg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/columnar"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newColumnar(t *testing.T, dir string) *columnar.Store {
	t.Helper()
	c := columnar.DefaultConfig()
	c.Dir = dir
	s, err := columnar.New(&c)
	require.NoError(t, err)
	return s
}

func newSharedBuilder(t *testing.T, cols *columnar.Store) *Builder {
	t.Helper()
	c := DefaultConfig()
	b, err := NewBuilder(&c, NewCache(), cols, cols, NewMemoryLocker(), testPolicy)
	require.NoError(t, err)
	return b.WithSourceVersions(cols)
}

func freshQuery() *entity.Query {
	q := bucketQuery("2024-03-04", "2024-03-05")
	q.RequireFresh = true
	return q
}

func orderCount(t *testing.T, b *Builder, q *entity.Query) int64 {
	t.Helper()
	hit, err := b.Cache().Lookup(q)
	require.NoError(t, err)
	require.NotNil(t, hit)
	var n int64
	for _, bk := range hit.Buckets {
		n += bk.OrderCount
	}
	return n
}

func TestBuilderRestartKeepsStaleness(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cols := newColumnar(t, dir)
	d := day("2024-03-04")

	require.NoError(t, cols.WriteOrders(ctx, []entity.Order{mkOrder("A", "S1", "own", "2024-03-04", 10, 0, 0, 0)}, nil))
	before := newSharedBuilder(t, cols)
	_, err := before.RebuildWindow(ctx, d)
	require.NoError(t, err)

	require.NoError(t, cols.WriteOrders(ctx, []entity.Order{mkOrder("B", "S1", "own", "2024-03-04", 20, 0, 0, 0)}, nil))
	before.MarkDirty([]time.Time{d})

	// the process restarts: dirty marks are gone, the generation is on disk
	after := newSharedBuilder(t, newColumnar(t, dir))
	n, err := after.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = after.Cache().Lookup(freshQuery())
	var stale *gerr.CacheStaleError
	require.True(t, errors.As(err, &stale), "got %v", err)
	assert.Equal(t, []string{"2024-03-04"}, stale.Windows)

	q := freshQuery()
	q.RequireFresh = false
	hit, err := after.Cache().Lookup(q)
	require.NoError(t, err)
	assert.True(t, hit.Stale)
	uncovered := after.Cache().Uncovered(freshQuery())
	require.Len(t, uncovered, 1)
	assert.True(t, d.Equal(uncovered[0]))

	_, err = after.RebuildWindow(ctx, d)
	require.NoError(t, err)
	assert.EqualValues(t, 2, orderCount(t, after, freshQuery()))
	assert.Empty(t, after.Cache().Uncovered(freshQuery()))
}

func TestBuilderRefreshAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d := day("2024-03-04")
	w := entity.DayWindow(d)

	colsA := newColumnar(t, dir)
	a := newSharedBuilder(t, colsA)
	b := newSharedBuilder(t, newColumnar(t, dir))

	require.NoError(t, colsA.WriteOrders(ctx, []entity.Order{mkOrder("A", "S1", "own", "2024-03-04", 10, 0, 0, 0)}, nil))
	_, err := a.RebuildWindow(ctx, d)
	require.NoError(t, err)

	// b has never built the day and picks up a's generation
	assert.Nil(t, b.Cache().Current(d))
	require.NoError(t, b.Refresh(ctx, w))
	assert.EqualValues(t, 1, orderCount(t, b, freshQuery()))

	// an ingest through a is invisible to b's dirty marks but not to its refresh
	require.NoError(t, colsA.WriteOrders(ctx, []entity.Order{mkOrder("B", "S1", "own", "2024-03-04", 20, 0, 0, 0)}, nil))
	a.MarkDirty([]time.Time{d})
	require.NoError(t, b.Refresh(ctx, w))
	_, err = b.Cache().Lookup(freshQuery())
	require.Error(t, err)

	// once a rebuilds, b serves the new generation
	_, err = a.RebuildWindow(ctx, d)
	require.NoError(t, err)
	require.NoError(t, b.Refresh(ctx, w))
	assert.EqualValues(t, 2, orderCount(t, b, freshQuery()))
	assert.Equal(t, a.Cache().Current(d).Generation, b.Cache().Current(d).Generation)
}

func TestBuilderRefreshWithoutVersions(t *testing.T) {
	b := newTestBuilder(t, &memSource{orders: sampleOrders()}, &memBuckets{})
	require.NoError(t, b.Refresh(context.Background(), entity.DayWindow(day("2024-03-04"))))
	assert.Nil(t, b.Cache().Current(day("2024-03-04")))
}
