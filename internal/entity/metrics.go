package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Granularity controls the period size of aggregation buckets (day, week, month).
type Granularity int

const (
	GranularityDay   Granularity = 1
	GranularityWeek  Granularity = 2
	GranularityMonth Granularity = 3
)

func (g Granularity) String() string {
	switch g {
	case GranularityDay:
		return "day"
	case GranularityWeek:
		return "week"
	case GranularityMonth:
		return "month"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// ParseGranularity accepts day, week or month.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily":
		return GranularityDay, nil
	case "week", "weekly":
		return GranularityWeek, nil
	case "month", "monthly":
		return GranularityMonth, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q", s)
	}
}

func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Granularity) UnmarshalText(b []byte) error {
	v, err := ParseGranularity(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// Valid reports whether g is one of the known granularities.
func (g Granularity) Valid() bool {
	return g == GranularityDay || g == GranularityWeek || g == GranularityMonth
}

// PeriodStart returns the first day of the period containing t.
// Weeks start on Monday.
func (g Granularity) PeriodStart(t time.Time) time.Time {
	d := Day(t)
	switch g {
	case GranularityWeek:
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

// Next returns the start of the period following the one that starts at start.
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case GranularityWeek:
		return start.AddDate(0, 0, 7)
	case GranularityMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Totals are arithmetic sums of derived order figures.
type Totals struct {
	OrderCount           int64           `json:"order_count"`
	LineCount            int64           `json:"line_count"`
	GrossRevenue         decimal.Decimal `json:"gross_revenue"`
	ItemCostTotal        decimal.Decimal `json:"item_cost_total"`
	MarketingCostTotal   decimal.Decimal `json:"marketing_cost_total"`
	DeliveryNetCost      decimal.Decimal `json:"delivery_net_cost"`
	DeliveryFee          decimal.Decimal `json:"delivery_fee"`
	CorporateRebate      decimal.Decimal `json:"corporate_rebate"`
	ProfitAmountSum      decimal.Decimal `json:"profit_amount_sum"`
	PlatformFeeEffective decimal.Decimal `json:"platform_fee_effective"`
	ActualProfit         decimal.Decimal `json:"actual_profit"`
}

// AddOrder accumulates one derived order.
func (t *Totals) AddOrder(o *Order) {
	t.OrderCount++
	t.LineCount += int64(o.LineCount)
	t.GrossRevenue = t.GrossRevenue.Add(o.GrossRevenue)
	t.ItemCostTotal = t.ItemCostTotal.Add(o.ItemCostTotal)
	t.MarketingCostTotal = t.MarketingCostTotal.Add(o.MarketingCostTotal)
	t.DeliveryNetCost = t.DeliveryNetCost.Add(o.DeliveryNetCost)
	t.DeliveryFee = t.DeliveryFee.Add(o.DeliveryFee)
	t.CorporateRebate = t.CorporateRebate.Add(o.CorporateRebate)
	t.ProfitAmountSum = t.ProfitAmountSum.Add(o.ProfitAmountSum)
	t.PlatformFeeEffective = t.PlatformFeeEffective.Add(o.PlatformFeeEffective)
	t.ActualProfit = t.ActualProfit.Add(o.ActualProfit)
}

// Add accumulates another set of totals.
func (t *Totals) Add(o Totals) {
	t.OrderCount += o.OrderCount
	t.LineCount += o.LineCount
	t.GrossRevenue = t.GrossRevenue.Add(o.GrossRevenue)
	t.ItemCostTotal = t.ItemCostTotal.Add(o.ItemCostTotal)
	t.MarketingCostTotal = t.MarketingCostTotal.Add(o.MarketingCostTotal)
	t.DeliveryNetCost = t.DeliveryNetCost.Add(o.DeliveryNetCost)
	t.DeliveryFee = t.DeliveryFee.Add(o.DeliveryFee)
	t.CorporateRebate = t.CorporateRebate.Add(o.CorporateRebate)
	t.ProfitAmountSum = t.ProfitAmountSum.Add(o.ProfitAmountSum)
	t.PlatformFeeEffective = t.PlatformFeeEffective.Add(o.PlatformFeeEffective)
	t.ActualProfit = t.ActualProfit.Add(o.ActualProfit)
}

// Equal compares totals by value.
func (t Totals) Equal(o Totals) bool {
	return t.OrderCount == o.OrderCount &&
		t.LineCount == o.LineCount &&
		t.GrossRevenue.Equal(o.GrossRevenue) &&
		t.ItemCostTotal.Equal(o.ItemCostTotal) &&
		t.MarketingCostTotal.Equal(o.MarketingCostTotal) &&
		t.DeliveryNetCost.Equal(o.DeliveryNetCost) &&
		t.DeliveryFee.Equal(o.DeliveryFee) &&
		t.CorporateRebate.Equal(o.CorporateRebate) &&
		t.ProfitAmountSum.Equal(o.ProfitAmountSum) &&
		t.PlatformFeeEffective.Equal(o.PlatformFeeEffective) &&
		t.ActualProfit.Equal(o.ActualProfit)
}

// AggregationBucket is one pre-aggregated summary row keyed by (period, store, channel).
type AggregationBucket struct {
	Granularity   Granularity  `json:"granularity"`
	Mode          FallbackMode `json:"fallback_mode"`
	PeriodStart   time.Time    `json:"period_start"`
	StoreID       string       `json:"store_id"`
	Channel       string       `json:"channel"`
	ExcludedCount int64        `json:"excluded_count"`
	Totals
}

// BucketKey identifies a bucket within one granularity and mode.
type BucketKey struct {
	PeriodStart time.Time
	StoreID     string
	Channel     string
}

// Key returns the bucket key.
func (b *AggregationBucket) Key() BucketKey {
	return BucketKey{PeriodStart: b.PeriodStart, StoreID: b.StoreID, Channel: b.Channel}
}

// Less orders keys by period, store and channel.
func (k BucketKey) Less(o BucketKey) bool {
	if !k.PeriodStart.Equal(o.PeriodStart) {
		return k.PeriodStart.Before(o.PeriodStart)
	}
	if k.StoreID != o.StoreID {
		return k.StoreID < o.StoreID
	}
	return k.Channel < o.Channel
}

// ExclusionSummary reports orders removed by the channel validity filter.
type ExclusionSummary struct {
	Count     int64            `json:"count"`
	ByChannel map[string]int64 `json:"by_channel,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// ExclusionReasonZeroFee describes the only exclusion the filter performs.
const ExclusionReasonZeroFee = "zero platform fee on a commission-charging channel"

// Add records n excluded orders for a channel.
func (e *ExclusionSummary) Add(channel string, n int64) {
	if n == 0 {
		return
	}
	if e.ByChannel == nil {
		e.ByChannel = make(map[string]int64)
	}
	e.Count += n
	e.ByChannel[channel] += n
	e.Reason = ExclusionReasonZeroFee
}
