package aggregate

import (
	"github.com/jekabolt/o2o-ledger/internal/entity"
)

// Invalid reports whether a derived order is a zero-fee anomaly: its channel charges
// commission but no platform fee is deducted.
func Invalid(o *entity.Order, policy entity.ChannelPolicy) bool {
	return policy.ChargesCommission(o.Channel) && !o.PlatformFeeEffective.IsPositive()
}

// Filter splits derived orders into valid ones and those excluded by the channel
// validity check. Removed orders are returned, never dropped, so callers can report
// the exclusion. Input order is preserved in both outputs.
func Filter(orders []entity.Order, policy entity.ChannelPolicy) (valid []entity.Order, removed []entity.Order) {
	valid = make([]entity.Order, 0, len(orders))
	for i := range orders {
		if Invalid(&orders[i], policy) {
			removed = append(removed, orders[i])
			continue
		}
		valid = append(valid, orders[i])
	}
	return valid, removed
}

// Exclusions summarizes removed orders by channel.
func Exclusions(removed []entity.Order) entity.ExclusionSummary {
	var s entity.ExclusionSummary
	for i := range removed {
		s.Add(removed[i].Channel, 1)
	}
	return s
}

// Summarize totals derived orders.
func Summarize(orders []entity.Order) entity.Totals {
	var t entity.Totals
	for i := range orders {
		t.AddOrder(&orders[i])
	}
	return t
}
