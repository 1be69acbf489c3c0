package columnar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	c := DefaultConfig()
	c.Dir = t.TempDir()
	c.RetainGenerations = 2
	s, err := New(&c)
	require.NoError(t, err)
	return s
}

func day(s string) time.Time {
	d, err := entity.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func mkOrder(id, store, channel, date, profit string) entity.Order {
	return entity.Order{
		OrderID:            id,
		StoreID:            store,
		Channel:            channel,
		Date:               day(date),
		LineCount:          2,
		MarketingFormula:   "v3.1",
		GrossRevenue:       decimal.RequireFromString("123.4567"),
		ProfitAmountSum:    decimal.RequireFromString(profit),
		PlatformCommission: decimal.NewFromInt(2),
		DeliveryFee:        decimal.NewFromInt(10),
		Fields:             entity.Amounts{"delivery_fee": decimal.NewFromInt(10)},
	}
}

func window(from, to string) *entity.Query {
	return &entity.Query{Window: entity.NewWindow(day(from), day(to)), Granularity: entity.GranularityDay, Kind: entity.QueryBuckets}
}

func TestWriteAndScanOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orders := []entity.Order{
		mkOrder("O2", "S1", "meituan", "2024-03-04", "50"),
		mkOrder("O1", "S1", "meituan", "2024-03-04", "100"),
		mkOrder("O3", "S2", "own", "2024-03-05", "40"),
	}
	require.NoError(t, s.WriteOrders(ctx, orders, nil))
	assert.FileExists(t, filepath.Join(s.Dir(), "orders", "dt=2024-03-04", "orders.parquet"))

	got, err := s.ScanOrders(ctx, window("2024-03-01", "2024-03-08"))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "O1", got[0].OrderID)
	assert.Equal(t, "O2", got[1].OrderID)
	assert.Equal(t, "O3", got[2].OrderID)
	assert.Equal(t, day("2024-03-05"), got[2].Date)
	assert.Equal(t, 2, got[0].LineCount)
	assert.True(t, decimal.RequireFromString("123.4567").Equal(got[0].GrossRevenue))
	assert.True(t, decimal.NewFromInt(100).Equal(got[0].ProfitAmountSum))
	assert.Nil(t, got[0].Fields)

	q := window("2024-03-01", "2024-03-08")
	q.Channel = "own"
	got, err = s.ScanOrders(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "O3", got[0].OrderID)

	n, err := s.EstimateRows(ctx, window("2024-03-04", "2024-03-05"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	total, err := s.TotalRows(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestWriteOrdersReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteOrders(ctx, []entity.Order{
		mkOrder("O1", "S1", "meituan", "2024-03-04", "100"),
		mkOrder("O2", "S1", "meituan", "2024-03-04", "50"),
	}, nil))

	// same id, same day: replaced in place
	require.NoError(t, s.WriteOrders(ctx, []entity.Order{mkOrder("O1", "S1", "meituan", "2024-03-04", "70")}, nil))
	got, err := s.ScanOrders(ctx, window("2024-03-04", "2024-03-05"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, decimal.NewFromInt(70).Equal(got[0].ProfitAmountSum))

	// moved to another day: the old partition loses it
	require.NoError(t, s.WriteOrders(ctx, []entity.Order{mkOrder("O2", "S1", "meituan", "2024-03-06", "50")}, []time.Time{day("2024-03-04")}))
	got, err = s.ScanOrders(ctx, window("2024-03-01", "2024-03-08"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day("2024-03-06"), got[1].Date)

	// the last order leaves: the data file is dropped
	require.NoError(t, s.WriteOrders(ctx, []entity.Order{mkOrder("O1", "S1", "meituan", "2024-03-06", "70")}, []time.Time{day("2024-03-04")}))
	_, err = os.Stat(filepath.Join(s.Dir(), "orders", "dt=2024-03-04", "orders.parquet"))
	assert.True(t, os.IsNotExist(err))
	got, err = s.ScanOrders(ctx, window("2024-03-04", "2024-03-05"))
	require.NoError(t, err)
	assert.Empty(t, got)
	n, err := s.TotalRows(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSourceChangedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	at, err := s.SourceChangedAt(ctx, day("2024-03-04"))
	require.NoError(t, err)
	assert.True(t, at.IsZero(), "never written")

	require.NoError(t, s.WriteOrders(ctx, []entity.Order{mkOrder("O1", "S1", "meituan", "2024-03-04", "100")}, nil))
	at, err = s.SourceChangedAt(ctx, day("2024-03-04").Add(5*time.Hour))
	require.NoError(t, err)
	assert.True(t, clock.Equal(at), at.String())

	// moving the order away stamps both partitions
	clock = clock.Add(time.Hour)
	require.NoError(t, s.WriteOrders(ctx, []entity.Order{mkOrder("O1", "S1", "meituan", "2024-03-05", "100")}, []time.Time{day("2024-03-04")}))
	for _, d := range []string{"2024-03-04", "2024-03-05"} {
		at, err = s.SourceChangedAt(ctx, day(d))
		require.NoError(t, err)
		assert.True(t, clock.Equal(at), "%s: %s", d, at)
	}

	// a store opened on the same directory sees the same stamps
	c := *s.c
	reopened, err := New(&c)
	require.NoError(t, err)
	at, err = reopened.SourceChangedAt(ctx, day("2024-03-04"))
	require.NoError(t, err)
	assert.True(t, clock.Equal(at))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "orders", "dt=2024-03-05", "CHANGED"), []byte("soon"), 0o644))
	_, err = s.SourceChangedAt(ctx, day("2024-03-05"))
	assert.Error(t, err)
}

func TestScanMissingPartitions(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ScanOrders(context.Background(), window("2024-01-01", "2024-02-01"))
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.EstimateRows(context.Background(), window("2024-01-01", "2024-02-01"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScanCanceled(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteOrders(context.Background(), []entity.Order{mkOrder("O1", "S1", "own", "2024-03-04", "1")}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ScanOrders(ctx, window("2024-03-01", "2024-03-08"))
	require.ErrorIs(t, err, context.Canceled)
}

func snapshot(d string, profit int64) *entity.BucketSnapshot {
	b := entity.AggregationBucket{
		Granularity: entity.GranularityDay,
		PeriodStart: day(d),
		StoreID:     "S1",
		Channel:     "meituan",
	}
	b.OrderCount = 3
	b.ExcludedCount = 1
	b.ActualProfit = decimal.NewFromInt(profit)
	strict, fallback := b, b
	strict.Mode = entity.FallbackStrict
	fallback.Mode = entity.FallbackWithCommission
	now := time.Now().UTC().Truncate(time.Second)
	return &entity.BucketSnapshot{
		Window:       entity.DayWindow(day(d)),
		SourceReadAt: now,
		BuiltAt:      now,
		Sets: map[entity.FallbackMode][]entity.AggregationBucket{
			entity.FallbackStrict:         {strict},
			entity.FallbackWithCommission: {fallback},
		},
	}
}

func TestBucketGenerations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.WriteGeneration(ctx, snapshot("2024-03-04", 88))
	require.NoError(t, err)
	assert.EqualValues(t, 1, ref.Generation)
	assert.Len(t, ref.Files, 2)

	ref, err = s.WriteGeneration(ctx, snapshot("2024-03-04", 90))
	require.NoError(t, err)
	assert.EqualValues(t, 2, ref.Generation)

	snap, err := s.ReadGeneration(ctx, day("2024-03-04"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 2, snap.Generation)
	require.Len(t, snap.Sets[entity.FallbackStrict], 1)
	b := snap.Sets[entity.FallbackStrict][0]
	assert.Equal(t, entity.FallbackStrict, b.Mode)
	assert.Equal(t, entity.GranularityDay, b.Granularity)
	assert.Equal(t, day("2024-03-04"), b.PeriodStart)
	assert.EqualValues(t, 3, b.OrderCount)
	assert.EqualValues(t, 1, b.ExcludedCount)
	assert.True(t, decimal.NewFromInt(90).Equal(b.ActualProfit))

	// the previous generation is retained, older ones pruned
	_, err = s.WriteGeneration(ctx, snapshot("2024-03-04", 91))
	require.NoError(t, err)
	gens, err := generations(s.windowDir(day("2024-03-04")))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, gens)

	_, err = s.WriteGeneration(ctx, snapshot("2024-03-05", 10))
	require.NoError(t, err)
	all, err := s.LoadCurrent(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.EqualValues(t, 3, all[0].Generation)
	assert.EqualValues(t, 1, all[1].Generation)
}

func TestReadGenerationMissing(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.ReadGeneration(context.Background(), day("2024-03-04"))
	require.NoError(t, err)
	assert.Nil(t, snap)
}
