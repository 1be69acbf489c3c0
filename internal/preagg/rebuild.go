// Package preagg materializes per-period/store/channel summary buckets from orders
// and serves them to the query router through atomically published snapshots.
package preagg

import (
	"sort"

	"github.com/jekabolt/o2o-ledger/internal/aggregate"
	"github.com/jekabolt/o2o-ledger/internal/entity"
)

// Rebuild buckets derived orders by (period start, store, channel). Sums are plain
// arithmetic sums, so the result does not depend on the order of the input.
// Buckets come out sorted by key.
func Rebuild(orders []entity.Order, g entity.Granularity) []entity.AggregationBucket {
	idx := make(map[entity.BucketKey]int)
	var out []entity.AggregationBucket
	for i := range orders {
		o := &orders[i]
		k := entity.BucketKey{PeriodStart: g.PeriodStart(o.Date), StoreID: o.StoreID, Channel: o.Channel}
		n, ok := idx[k]
		if !ok {
			n = len(out)
			idx[k] = n
			out = append(out, entity.AggregationBucket{
				Granularity: g,
				Mode:        o.Mode,
				PeriodStart: k.PeriodStart,
				StoreID:     k.StoreID,
				Channel:     k.Channel,
			})
		}
		out[n].AddOrder(o)
	}
	sortBuckets(out)
	return out
}

// MergeExclusions adds the count of removed orders to the matching buckets,
// creating empty buckets for keys that only hold excluded orders.
func MergeExclusions(buckets []entity.AggregationBucket, removed []entity.Order, g entity.Granularity) []entity.AggregationBucket {
	if len(removed) == 0 {
		return buckets
	}
	idx := make(map[entity.BucketKey]int, len(buckets))
	for i := range buckets {
		idx[buckets[i].Key()] = i
	}
	for i := range removed {
		o := &removed[i]
		k := entity.BucketKey{PeriodStart: g.PeriodStart(o.Date), StoreID: o.StoreID, Channel: o.Channel}
		n, ok := idx[k]
		if !ok {
			n = len(buckets)
			idx[k] = n
			buckets = append(buckets, entity.AggregationBucket{
				Granularity: g,
				Mode:        o.Mode,
				PeriodStart: k.PeriodStart,
				StoreID:     k.StoreID,
				Channel:     k.Channel,
			})
		}
		buckets[n].ExcludedCount++
	}
	sortBuckets(buckets)
	return buckets
}

// Build runs the full pipeline for one mode and granularity: derive, filter,
// bucket, and record exclusions.
func Build(orders []entity.Order, mode entity.FallbackMode, policy entity.ChannelPolicy, g entity.Granularity) []entity.AggregationBucket {
	valid, removed := aggregate.Filter(aggregate.DeriveAll(orders, mode), policy)
	return MergeExclusions(Rebuild(valid, g), removed, g)
}

// Rollup re-buckets finer buckets into granularity g. Buckets must share one mode.
func Rollup(buckets []entity.AggregationBucket, g entity.Granularity) []entity.AggregationBucket {
	idx := make(map[entity.BucketKey]int)
	var out []entity.AggregationBucket
	for i := range buckets {
		b := &buckets[i]
		k := entity.BucketKey{PeriodStart: g.PeriodStart(b.PeriodStart), StoreID: b.StoreID, Channel: b.Channel}
		n, ok := idx[k]
		if !ok {
			n = len(out)
			idx[k] = n
			out = append(out, entity.AggregationBucket{
				Granularity: g,
				Mode:        b.Mode,
				PeriodStart: k.PeriodStart,
				StoreID:     k.StoreID,
				Channel:     k.Channel,
			})
		}
		out[n].Totals.Add(b.Totals)
		out[n].ExcludedCount += b.ExcludedCount
	}
	sortBuckets(out)
	return out
}

// ResultFromBuckets shapes buckets of any granularity into the normalized result
// of a bucket query: filtered by store and channel, rolled up to the query
// granularity, with totals and exclusions.
func ResultFromBuckets(q *entity.Query, buckets []entity.AggregationBucket, formula string) *entity.Result {
	filtered := make([]entity.AggregationBucket, 0, len(buckets))
	for i := range buckets {
		b := &buckets[i]
		if !q.Matches(b.StoreID, b.Channel) {
			continue
		}
		// coarser buckets may start before the window; their contents are already clipped
		if b.Granularity == entity.GranularityDay && !q.Window.Contains(b.PeriodStart) {
			continue
		}
		filtered = append(filtered, *b)
	}
	rolled := filtered
	if len(filtered) > 0 && filtered[0].Granularity != q.Granularity {
		rolled = Rollup(filtered, q.Granularity)
	}
	res := &entity.Result{
		Kind:             entity.QueryBuckets,
		Granularity:      q.Granularity,
		Mode:             q.Mode,
		MarketingFormula: formula,
		Buckets:          make([]entity.AggregationBucket, 0, len(rolled)),
	}
	for i := range rolled {
		b := rolled[i]
		res.Totals.Add(b.Totals)
		res.Excluded.Add(b.Channel, b.ExcludedCount)
		if b.OrderCount == 0 {
			continue
		}
		res.Buckets = append(res.Buckets, b)
	}
	res.TotalCount = int64(len(res.Buckets))
	return res
}

func sortBuckets(b []entity.AggregationBucket) {
	sort.Slice(b, func(i, j int) bool { return b[i].Key().Less(b[j].Key()) })
}
