package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EngineName identifies the path that answered a query.
type EngineName string

const (
	EngineCache EngineName = "cache"
	EngineOLTP  EngineName = "oltp"
	EngineOLAP  EngineName = "olap"
)

// QueryKind selects the shape of the answer.
type QueryKind string

const (
	// QueryBuckets returns per-period/store/channel summaries.
	QueryBuckets QueryKind = "buckets"
	// QueryOrders returns individual derived orders.
	QueryOrders QueryKind = "orders"
)

// Window is a half-open range of calendar days [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow truncates both ends to days.
func NewWindow(from, to time.Time) Window {
	return Window{From: Day(from), To: Day(to)}
}

// DayWindow is the window covering exactly one day.
func DayWindow(d time.Time) Window {
	d = Day(d)
	return Window{From: d, To: d.AddDate(0, 0, 1)}
}

// Key renders the window as FROM_TO.
func (w Window) Key() string {
	return w.From.Format(DateLayout) + "_" + w.To.Format(DateLayout)
}

// Days lists every day in the window.
func (w Window) Days() []time.Time {
	var out []time.Time
	for d := w.From; d.Before(w.To); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Len is the number of days in the window.
func (w Window) Len() int {
	if w.Empty() {
		return 0
	}
	return int(w.To.Sub(w.From) / (24 * time.Hour))
}

// Contains reports whether day d falls inside the window.
func (w Window) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(w.From) && d.Before(w.To)
}

// Empty reports whether the window contains no day.
func (w Window) Empty() bool {
	return !w.From.Before(w.To)
}

// Query is one analytical request against the engine.
type Query struct {
	ID           string
	StoreID      string
	Channel      string
	Window       Window
	Granularity  Granularity
	Mode         FallbackMode
	Kind         QueryKind
	RequireFresh bool
	ForceEngine  EngineName
	Limit        int
	Offset       int
}

const (
	// MaxQueryLimit caps order listings.
	MaxQueryLimit = 10000
	// DefaultOrderLimit is the page size of order listings without a limit.
	DefaultOrderLimit = 100
	// MaxRebuildDays caps the window of one on-demand cache rebuild.
	MaxRebuildDays = 366
)

// PageLimit returns the effective page size of an order listing.
func (q *Query) PageLimit() int {
	if q.Limit == 0 {
		return DefaultOrderLimit
	}
	return q.Limit
}

// Validate checks the query is complete. The fallback mode must be explicit.
func (q *Query) Validate() error {
	if q.Window.Empty() {
		return fmt.Errorf("date range is empty: from %s to %s", q.Window.From.Format(DateLayout), q.Window.To.Format(DateLayout))
	}
	if !q.Granularity.Valid() {
		return fmt.Errorf("granularity is required")
	}
	if _, err := ParseFallbackMode(string(q.Mode)); err != nil {
		return err
	}
	switch q.Kind {
	case QueryBuckets, QueryOrders:
	default:
		return fmt.Errorf("unknown query kind %q", q.Kind)
	}
	switch q.ForceEngine {
	case "", EngineOLTP, EngineOLAP, EngineCache:
	default:
		return fmt.Errorf("unknown engine %q", q.ForceEngine)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("limit and offset must not be negative")
	}
	if q.Limit > MaxQueryLimit {
		return fmt.Errorf("limit must not exceed %d", MaxQueryLimit)
	}
	return nil
}

// Matches reports whether an order or bucket with the given store and channel
// passes the query filters.
func (q *Query) Matches(storeID, channel string) bool {
	if q.StoreID != "" && q.StoreID != storeID {
		return false
	}
	if q.Channel != "" && q.Channel != channel {
		return false
	}
	return true
}

// Result is the engine-independent answer to a Query.
type Result struct {
	Kind             QueryKind           `json:"kind"`
	Granularity      Granularity         `json:"granularity"`
	Mode             FallbackMode        `json:"fallback_mode"`
	MarketingFormula string              `json:"marketing_formula"`
	Buckets          []AggregationBucket `json:"buckets,omitempty"`
	Orders           []Order             `json:"orders,omitempty"`
	TotalCount       int64               `json:"total_count"`
	Totals           Totals              `json:"totals"`
	Excluded         ExclusionSummary    `json:"excluded"`
}

// RoutingDecision describes how one query was answered. It is never persisted.
type RoutingDecision struct {
	QueryID       string
	Engine        EngineName
	EstimatedRows int64
	CacheHit      bool
	CacheStale    bool
	// RebuiltWindows counts the cache days rebuilt to answer the query.
	RebuiltWindows int
	Retried        bool
	FailedEngine   EngineName
	Latency        time.Duration
}

// MoneyScale is the number of decimal places kept when money is stored as integers.
const MoneyScale = 4

// ToMinor converts an amount to integer minor units.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(MoneyScale).Round(0).IntPart()
}

// FromMinor converts integer minor units back to an amount.
func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -MoneyScale)
}
