package preagg

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/aggregate"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = entity.NewChannelPolicy([]string{"meituan", "eleme"}, []string{"own"})

func day(s string) time.Time {
	d, err := entity.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// mkOrder builds a mode independent order with the figures the profit formula uses.
func mkOrder(id, store, channel, date string, profit, svcFee, commission, deliveryFee int64) entity.Order {
	return entity.Order{
		OrderID:            id,
		StoreID:            store,
		Channel:            channel,
		Date:               day(date),
		LineCount:          1,
		GrossRevenue:       decimal.NewFromInt(profit * 2),
		ProfitAmountSum:    decimal.NewFromInt(profit),
		ServiceFeeItemSum:  decimal.NewFromInt(svcFee),
		PlatformCommission: decimal.NewFromInt(commission),
		DeliveryFee:        decimal.NewFromInt(deliveryFee),
	}
}

func sampleOrders() []entity.Order {
	return []entity.Order{
		mkOrder("O1", "S1", "meituan", "2024-03-04", 100, 0, 2, 10),
		mkOrder("O2", "S1", "meituan", "2024-03-04", 50, 5, 2, 5),
		mkOrder("O3", "S1", "own", "2024-03-05", 40, 0, 0, 0),
		mkOrder("O4", "S2", "eleme", "2024-03-10", 30, 0, 0, 3),
		mkOrder("O5", "S2", "eleme", "2024-03-11", 20, 1, 0, 0),
	}
}

func TestRebuild(t *testing.T) {
	orders := aggregate.DeriveAll(sampleOrders(), entity.FallbackWithCommission)
	buckets := Rebuild(orders, entity.GranularityDay)
	require.Len(t, buckets, 4)

	first := buckets[0]
	assert.Equal(t, day("2024-03-04"), first.PeriodStart)
	assert.Equal(t, "S1", first.StoreID)
	assert.Equal(t, "meituan", first.Channel)
	assert.EqualValues(t, 2, first.OrderCount)
	// O1: 100 - 2 - 10, O2: 50 - 5 - 5
	assert.True(t, decimal.NewFromInt(128).Equal(first.ActualProfit), first.ActualProfit.String())

	for i := 1; i < len(buckets); i++ {
		assert.True(t, buckets[i-1].Key().Less(buckets[i].Key()))
	}
}

func TestRebuildWeek(t *testing.T) {
	orders := aggregate.DeriveAll(sampleOrders(), entity.FallbackWithCommission)
	buckets := Rebuild(orders, entity.GranularityWeek)
	// 2024-03-04 is a Monday; 2024-03-10 is the Sunday of the same week.
	require.Len(t, buckets, 4)
	assert.Equal(t, day("2024-03-04"), buckets[2].PeriodStart)
	assert.Equal(t, "S2", buckets[2].StoreID)
	assert.EqualValues(t, 1, buckets[2].OrderCount)
	assert.Equal(t, day("2024-03-11"), buckets[3].PeriodStart)
}

func TestBuildExclusions(t *testing.T) {
	strict := Build(sampleOrders(), entity.FallbackStrict, testPolicy, entity.GranularityDay)
	var excluded, counted int64
	for _, b := range strict {
		excluded += b.ExcludedCount
		counted += b.OrderCount
	}
	// O1 (meituan) and O4 (eleme) have no item service fee
	assert.EqualValues(t, 2, excluded)
	assert.EqualValues(t, 3, counted)

	// O4 has no commission either, so fallback cannot rescue it
	fallback := Build(sampleOrders(), entity.FallbackWithCommission, testPolicy, entity.GranularityDay)
	excluded, counted = 0, 0
	for _, b := range fallback {
		excluded += b.ExcludedCount
		counted += b.OrderCount
	}
	assert.EqualValues(t, 1, excluded)
	assert.EqualValues(t, 4, counted)
}

func TestRollupMatchesDirectRebuild(t *testing.T) {
	orders := aggregate.DeriveAll(sampleOrders(), entity.FallbackStrict)
	days := Rebuild(orders, entity.GranularityDay)
	for _, g := range []entity.Granularity{entity.GranularityWeek, entity.GranularityMonth} {
		direct := Rebuild(orders, g)
		rolled := Rollup(days, g)
		require.Len(t, rolled, len(direct), g.String())
		for i := range direct {
			assert.Equal(t, direct[i].Key(), rolled[i].Key())
			assert.True(t, direct[i].Totals.Equal(rolled[i].Totals), g.String())
			assert.Equal(t, g, rolled[i].Granularity)
		}
	}
}

func TestResultFromBuckets(t *testing.T) {
	buckets := Build(sampleOrders(), entity.FallbackStrict, testPolicy, entity.GranularityDay)

	q := &entity.Query{
		Window:      entity.NewWindow(day("2024-03-01"), day("2024-04-01")),
		Granularity: entity.GranularityMonth,
		Mode:        entity.FallbackStrict,
		Kind:        entity.QueryBuckets,
	}
	res := ResultFromBuckets(q, buckets, entity.MarketingCostFormulaV3_1.Version)
	require.Len(t, res.Buckets, 3)
	assert.EqualValues(t, 3, res.TotalCount)
	assert.EqualValues(t, 3, res.Totals.OrderCount)
	assert.EqualValues(t, 2, res.Excluded.Count)
	assert.EqualValues(t, 1, res.Excluded.ByChannel["meituan"])
	assert.Equal(t, "v3.1", res.MarketingFormula)

	q.StoreID = "S2"
	q.Window = entity.NewWindow(day("2024-03-11"), day("2024-03-12"))
	q.Granularity = entity.GranularityDay
	res = ResultFromBuckets(q, buckets, "v3.1")
	require.Len(t, res.Buckets, 1)
	assert.True(t, decimal.NewFromInt(19).Equal(res.Totals.ActualProfit), res.Totals.ActualProfit.String())
	assert.Zero(t, res.Excluded.Count)
}

func genOrders() gopter.Gen {
	channels := []string{"meituan", "eleme", "own", "unknown"}
	return gen.SliceOf(gen.Struct(reflect.TypeOf(orderSeed{}), map[string]gopter.Gen{
		"Store":      gen.IntRange(0, 2),
		"Channel":    gen.IntRange(0, len(channels)-1),
		"Day":        gen.IntRange(0, 60),
		"Profit":     gen.Int64Range(-500, 5000),
		"SvcFee":     gen.Int64Range(0, 30),
		"Commission": gen.Int64Range(0, 30),
		"Delivery":   gen.Int64Range(0, 20),
	})).Map(func(seeds []orderSeed) []entity.Order {
		out := make([]entity.Order, len(seeds))
		base := day("2024-01-01")
		for i, s := range seeds {
			o := mkOrder("", "", channels[s.Channel], "2024-01-01", s.Profit, s.SvcFee, s.Commission, s.Delivery)
			o.OrderID = fmt.Sprintf("O%d", i)
			o.StoreID = fmt.Sprintf("S%d", s.Store)
			o.Date = base.AddDate(0, 0, s.Day)
			out[i] = o
		}
		return out
	})
}

type orderSeed struct {
	Store      int
	Channel    int
	Day        int
	Profit     int64
	SvcFee     int64
	Commission int64
	Delivery   int64
}

func TestBucketProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every order lands in exactly one bucket", prop.ForAll(
		func(orders []entity.Order) bool {
			for _, m := range entity.FallbackModes {
				for _, g := range []entity.Granularity{entity.GranularityDay, entity.GranularityWeek, entity.GranularityMonth} {
					var counted, excluded int64
					for _, b := range Build(orders, m, testPolicy, g) {
						counted += b.OrderCount
						excluded += b.ExcludedCount
					}
					if counted+excluded != int64(len(orders)) {
						return false
					}
				}
			}
			return true
		},
		genOrders(),
	))

	properties.Property("bucket totals equal totals of valid orders", prop.ForAll(
		func(orders []entity.Order) bool {
			valid, _ := aggregate.Filter(aggregate.DeriveAll(orders, entity.FallbackWithCommission), testPolicy)
			want := aggregate.Summarize(valid)
			var got entity.Totals
			for _, b := range Build(orders, entity.FallbackWithCommission, testPolicy, entity.GranularityWeek) {
				got.Add(b.Totals)
			}
			return want.Equal(got)
		},
		genOrders(),
	))

	properties.Property("input order does not matter", prop.ForAll(
		func(orders []entity.Order, seed int64) bool {
			shuffled := append([]entity.Order(nil), orders...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			a := Build(orders, entity.FallbackStrict, testPolicy, entity.GranularityDay)
			b := Build(shuffled, entity.FallbackStrict, testPolicy, entity.GranularityDay)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i].Key().Less(b[i].Key()) || b[i].Key().Less(a[i].Key()) || !a[i].Totals.Equal(b[i].Totals) || a[i].ExcludedCount != b[i].ExcludedCount {
					return false
				}
			}
			return true
		},
		genOrders(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
