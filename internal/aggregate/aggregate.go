// Package aggregate turns order lines into orders and applies the profit formula
// and the channel validity filter. Everything here is pure and safe to run
// concurrently over disjoint partitions.
package aggregate

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/jekabolt/o2o-ledger/internal/schema"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Options control how lines collapse into orders.
type Options struct {
	// Fields is the field metadata table. Nil means the embedded registry.
	Fields []entity.FieldSpec
	// Validate compares order-level fields across the lines of an order and rejects
	// orders whose values differ by more than Epsilon.
	Validate bool
	Epsilon  decimal.Decimal
	// Formula defines the marketing cost. Zero value means MarketingCostFormulaV3_1.
	Formula entity.MarketingCostFormula
}

// DefaultOptions validates with a one-cent tolerance against the embedded registry.
func DefaultOptions() Options {
	return Options{
		Fields:   schema.Default().Fields(),
		Validate: true,
		Epsilon:  decimal.New(1, -2),
		Formula:  entity.MarketingCostFormulaV3_1,
	}
}

func (o Options) withDefaults() Options {
	if o.Fields == nil {
		o.Fields = schema.Default().Fields()
	}
	if o.Formula.Version == "" {
		o.Formula = entity.MarketingCostFormulaV3_1
	}
	return o
}

type built struct {
	first int
	order entity.Order
	err   *gerr.InconsistentOrderFieldsError
}

// Aggregate groups lines by order id and computes the mode independent figures of
// every order. Orders come out in order of first appearance. Orders whose
// order-level fields disagree are returned as errors instead; the rest continue.
func Aggregate(lines []entity.OrderLine, opts Options) ([]entity.Order, []*gerr.InconsistentOrderFieldsError) {
	idx := make([]int, len(lines))
	for i := range lines {
		idx[i] = i
	}
	return collect(aggregateIndexed(lines, idx, opts.withDefaults()))
}

// AggregateParallel partitions lines by order id hash and aggregates the partitions
// concurrently. The result is identical to Aggregate.
func AggregateParallel(ctx context.Context, lines []entity.OrderLine, opts Options, partitions int) ([]entity.Order, []*gerr.InconsistentOrderFieldsError, error) {
	if partitions <= 1 || len(lines) < partitions {
		orders, errs := Aggregate(lines, opts)
		return orders, errs, nil
	}
	opts = opts.withDefaults()

	parts := make([][]int, partitions)
	for i := range lines {
		p := partitionOf(lines[i].OrderID, partitions)
		parts[p] = append(parts[p], i)
	}

	results := make([][]built, partitions)
	g, gctx := errgroup.WithContext(ctx)
	for p := range parts {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[p] = aggregateIndexed(lines, parts[p], opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, gerr.FromContext(err)
	}

	var all []built
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].first < all[j].first })
	orders, errs := collect(all)
	return orders, errs, nil
}

func partitionOf(orderID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return int(h.Sum32() % uint32(n))
}

func collect(bs []built) ([]entity.Order, []*gerr.InconsistentOrderFieldsError) {
	orders := make([]entity.Order, 0, len(bs))
	var errs []*gerr.InconsistentOrderFieldsError
	for _, b := range bs {
		if b.err != nil {
			errs = append(errs, b.err)
			continue
		}
		orders = append(orders, b.order)
	}
	return orders, errs
}

// aggregateIndexed groups lines[idx] by order id, preserving first appearance.
func aggregateIndexed(lines []entity.OrderLine, idx []int, opts Options) []built {
	groups := make(map[string]int, len(idx)/2+1)
	var members [][]int
	for _, i := range idx {
		g, ok := groups[lines[i].OrderID]
		if !ok {
			g = len(members)
			groups[lines[i].OrderID] = g
			members = append(members, nil)
		}
		members[g] = append(members[g], i)
	}

	out := make([]built, 0, len(members))
	for _, m := range members {
		o, err := buildOrder(lines, m, opts)
		out = append(out, built{first: m[0], order: o, err: err})
	}
	return out
}

func buildOrder(lines []entity.OrderLine, members []int, opts Options) (entity.Order, *gerr.InconsistentOrderFieldsError) {
	first := &lines[members[0]]

	if opts.Validate {
		for _, i := range members[1:] {
			l := &lines[i]
			if l.StoreID != first.StoreID {
				return entity.Order{}, &gerr.InconsistentOrderFieldsError{OrderID: first.OrderID, Field: "store_id", First: first.StoreID, Other: l.StoreID, Line: i}
			}
			if l.Channel != first.Channel {
				return entity.Order{}, &gerr.InconsistentOrderFieldsError{OrderID: first.OrderID, Field: "channel", First: first.Channel, Other: l.Channel, Line: i}
			}
		}
	}

	fields := make(entity.Amounts, len(opts.Fields))
	for _, f := range opts.Fields {
		switch f.Level {
		case entity.OrderLevel:
			v := first.Amounts.Get(f.Name)
			if opts.Validate {
				for _, i := range members[1:] {
					other := lines[i].Amounts.Get(f.Name)
					if other.Sub(v).Abs().GreaterThan(opts.Epsilon) {
						return entity.Order{}, gerr.NewInconsistentAmount(first.OrderID, f.Name, v, other, i)
					}
				}
			}
			fields[f.Name] = v
		case entity.ItemLevel:
			sum := decimal.Zero
			for _, i := range members {
				sum = sum.Add(lines[i].Amounts.Get(f.Name))
			}
			fields[f.Name] = sum
		}
	}

	var ts time.Time
	revenue, cost := decimal.Zero, decimal.Zero
	for n, i := range members {
		l := &lines[i]
		if n == 0 || l.Timestamp.Before(ts) {
			ts = l.Timestamp
		}
		revenue = revenue.Add(l.Revenue())
		cost = cost.Add(l.Cost())
	}

	o := entity.Order{
		OrderID:            first.OrderID,
		StoreID:            first.StoreID,
		Channel:            first.Channel,
		Date:               entity.Day(ts),
		LineCount:          len(members),
		MarketingFormula:   opts.Formula.Version,
		GrossRevenue:       revenue,
		ItemCostTotal:      cost,
		MarketingCostTotal: MarketingCost(fields, opts.Formula),
		DeliveryNetCost:    DeliveryNetCost(fields),
		DeliveryFee:        fields.Get(entity.FieldDeliveryFee),
		CorporateRebate:    fields.Get(entity.FieldCorporateRebate),
		ProfitAmountSum:    fields.Get(entity.FieldProfitAmount),
		ServiceFeeItemSum:  fields.Get(entity.FieldPlatformServiceFeeItem),
		PlatformCommission: fields.Get(entity.FieldPlatformCommission),
		Fields:             fields,
	}
	return o, nil
}

// MarketingCost sums the discount fields named by the formula.
func MarketingCost(fields entity.Amounts, f entity.MarketingCostFormula) decimal.Decimal {
	sum := decimal.Zero
	for _, name := range f.Fields {
		sum = sum.Add(fields.Get(name))
	}
	return sum
}

// DeliveryNetCost is delivery_fee − (user_paid_delivery_fee − delivery_fee_waiver) − corporate_rebate.
func DeliveryNetCost(fields entity.Amounts) decimal.Decimal {
	userPaid := fields.Get(entity.FieldUserPaidDeliveryFee).Sub(fields.Get(entity.FieldDeliveryFeeWaiver))
	return fields.Get(entity.FieldDeliveryFee).Sub(userPaid).Sub(fields.Get(entity.FieldCorporateRebate))
}

// EffectiveFee returns the platform fee deducted from profit under mode.
func EffectiveFee(serviceFeeItem, commission decimal.Decimal, mode entity.FallbackMode) decimal.Decimal {
	if mode == entity.FallbackWithCommission && !serviceFeeItem.IsPositive() {
		return commission
	}
	return serviceFeeItem
}

// Derive returns a copy of o with the mode dependent figures filled in.
// actual_profit = profit_amount_sum − platform_fee_effective − delivery_fee + corporate_rebate.
func Derive(o entity.Order, mode entity.FallbackMode) entity.Order {
	o.Mode = mode
	o.PlatformFeeEffective = EffectiveFee(o.ServiceFeeItemSum, o.PlatformCommission, mode)
	o.ActualProfit = o.ProfitAmountSum.
		Sub(o.PlatformFeeEffective).
		Sub(o.DeliveryFee).
		Add(o.CorporateRebate)
	return o
}

// DeriveAll derives every order under mode into a new slice.
func DeriveAll(orders []entity.Order, mode entity.FallbackMode) []entity.Order {
	out := make([]entity.Order, len(orders))
	for i := range orders {
		out[i] = Derive(orders[i], mode)
	}
	return out
}
