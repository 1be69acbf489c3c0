package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/aggregate"
	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/shopspring/decimal"
)

// insertChunk bounds rows per INSERT to stay under driver placeholder limits.
const insertChunk = 500

var (
	lineColumns = []string{
		"order_id", "line_no", "store_id", "channel", "product_id", "ordered_at",
		"unit_price", "quantity", "unit_cost", "amounts",
	}
	summaryColumns = []string{
		"order_id", "store_id", "channel", "order_date", "week_start", "month_start",
		"line_count", "marketing_formula", "gross_revenue", "item_cost_total",
		"marketing_cost_total", "delivery_net_cost", "delivery_fee", "corporate_rebate",
		"profit_amount_sum", "service_fee_item_sum", "platform_commission",
	}
)

type orderRow struct {
	OrderID            string `db:"order_id"`
	StoreID            string `db:"store_id"`
	Channel            string `db:"channel"`
	OrderDate          string `db:"order_date"`
	LineCount          int    `db:"line_count"`
	MarketingFormula   string `db:"marketing_formula"`
	GrossRevenue       int64  `db:"gross_revenue"`
	ItemCostTotal      int64  `db:"item_cost_total"`
	MarketingCostTotal int64  `db:"marketing_cost_total"`
	DeliveryNetCost    int64  `db:"delivery_net_cost"`
	DeliveryFee        int64  `db:"delivery_fee"`
	CorporateRebate    int64  `db:"corporate_rebate"`
	ProfitAmountSum    int64  `db:"profit_amount_sum"`
	ServiceFeeItemSum  int64  `db:"service_fee_item_sum"`
	PlatformCommission int64  `db:"platform_commission"`
}

func (r *orderRow) order() (entity.Order, error) {
	d, err := entity.ParseDay(r.OrderDate)
	if err != nil {
		return entity.Order{}, fmt.Errorf("order %s: bad date %q: %w", r.OrderID, r.OrderDate, err)
	}
	return entity.Order{
		OrderID:            r.OrderID,
		StoreID:            r.StoreID,
		Channel:            r.Channel,
		Date:               d,
		LineCount:          r.LineCount,
		MarketingFormula:   r.MarketingFormula,
		GrossRevenue:       entity.FromMinor(r.GrossRevenue),
		ItemCostTotal:      entity.FromMinor(r.ItemCostTotal),
		MarketingCostTotal: entity.FromMinor(r.MarketingCostTotal),
		DeliveryNetCost:    entity.FromMinor(r.DeliveryNetCost),
		DeliveryFee:        entity.FromMinor(r.DeliveryFee),
		CorporateRebate:    entity.FromMinor(r.CorporateRebate),
		ProfitAmountSum:    entity.FromMinor(r.ProfitAmountSum),
		ServiceFeeItemSum:  entity.FromMinor(r.ServiceFeeItemSum),
		PlatformCommission: entity.FromMinor(r.PlatformCommission),
	}, nil
}

func summaryValues(o *entity.Order) []any {
	return []any{
		o.OrderID, o.StoreID, o.Channel,
		o.DateKey(),
		entity.GranularityWeek.PeriodStart(o.Date).Format(entity.DateLayout),
		entity.GranularityMonth.PeriodStart(o.Date).Format(entity.DateLayout),
		o.LineCount, o.MarketingFormula,
		entity.ToMinor(o.GrossRevenue),
		entity.ToMinor(o.ItemCostTotal),
		entity.ToMinor(o.MarketingCostTotal),
		entity.ToMinor(o.DeliveryNetCost),
		entity.ToMinor(o.DeliveryFee),
		entity.ToMinor(o.CorporateRebate),
		entity.ToMinor(o.ProfitAmountSum),
		entity.ToMinor(o.ServiceFeeItemSum),
		entity.ToMinor(o.PlatformCommission),
	}
}

func lineValues(l *entity.OrderLine, lineNo int) ([]any, error) {
	amounts := make(map[string]string, len(l.Amounts))
	for k, v := range l.Amounts {
		amounts[k] = v.String()
	}
	b, err := json.Marshal(amounts)
	if err != nil {
		return nil, fmt.Errorf("marshal amounts of order %s: %w", l.OrderID, err)
	}
	return []any{
		l.OrderID, lineNo, l.StoreID, l.Channel, l.ProductID,
		l.Timestamp.UnixMilli(),
		entity.ToMinor(l.UnitPrice),
		entity.ToMinor(l.Quantity),
		entity.ToMinor(l.UnitCost),
		string(b),
	}, nil
}

// ReplaceOrders stores lines and orders in one transaction. Rows of the same order
// ids are deleted first, so re-ingesting an order replaces it. Day statistics are
// recomputed for every date the old and new rows touch.
func (s *Store) ReplaceOrders(ctx context.Context, lines []entity.OrderLine, orders []entity.Order) ([]time.Time, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	keep := make(map[string]struct{}, len(orders))
	ids := make([]string, 0, len(orders))
	for i := range orders {
		if _, ok := keep[orders[i].OrderID]; ok {
			continue
		}
		keep[orders[i].OrderID] = struct{}{}
		ids = append(ids, orders[i].OrderID)
	}

	var prev []time.Time
	err := s.Tx(ctx, func(ctx context.Context, conn dependency.DB) error {
		dates := make(map[string]struct{})
		for _, chunk := range chunkStrings(ids, insertChunk) {
			old, err := QueryStringsNamed(ctx, conn,
				`SELECT DISTINCT order_date FROM order_summary WHERE order_id IN (:ids)`,
				map[string]any{"ids": chunk})
			if err != nil {
				return fmt.Errorf("can't read previous order dates: %w", err)
			}
			for _, d := range old {
				dates[d] = struct{}{}
				t, err := entity.ParseDay(d)
				if err != nil {
					return fmt.Errorf("bad stored order date %q: %w", d, err)
				}
				prev = append(prev, t)
			}
			if err := ExecNamed(ctx, conn, `DELETE FROM order_line WHERE order_id IN (:ids)`, map[string]any{"ids": chunk}); err != nil {
				return fmt.Errorf("can't delete previous lines: %w", err)
			}
			if err := ExecNamed(ctx, conn, `DELETE FROM order_summary WHERE order_id IN (:ids)`, map[string]any{"ids": chunk}); err != nil {
				return fmt.Errorf("can't delete previous orders: %w", err)
			}
		}

		lineNo := make(map[string]int)
		lineRows := make([][]any, 0, len(lines))
		for i := range lines {
			l := &lines[i]
			if _, ok := keep[l.OrderID]; !ok {
				continue
			}
			v, err := lineValues(l, lineNo[l.OrderID])
			if err != nil {
				return err
			}
			lineNo[l.OrderID]++
			lineRows = append(lineRows, v)
		}
		for _, chunk := range chunkRows(lineRows, insertChunk) {
			if err := BulkInsert(ctx, conn, "order_line", lineColumns, chunk); err != nil {
				return fmt.Errorf("can't insert lines: %w", err)
			}
		}

		seen := make(map[string]struct{}, len(orders))
		summaryRows := make([][]any, 0, len(orders))
		for i := range orders {
			o := &orders[i]
			if _, ok := seen[o.OrderID]; ok {
				continue
			}
			seen[o.OrderID] = struct{}{}
			dates[o.DateKey()] = struct{}{}
			summaryRows = append(summaryRows, summaryValues(o))
		}
		for _, chunk := range chunkRows(summaryRows, insertChunk) {
			if err := BulkInsert(ctx, conn, "order_summary", summaryColumns, chunk); err != nil {
				return fmt.Errorf("can't insert orders: %w", err)
			}
		}

		return refreshDayStats(ctx, conn, sortedKeys(dates))
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func refreshDayStats(ctx context.Context, conn dependency.DB, dates []string) error {
	for _, chunk := range chunkStrings(dates, insertChunk) {
		params := map[string]any{"dates": chunk}
		if err := ExecNamed(ctx, conn, `DELETE FROM order_day_stats WHERE order_date IN (:dates)`, params); err != nil {
			return fmt.Errorf("can't delete day stats: %w", err)
		}
		query := `
		INSERT INTO order_day_stats (order_date, store_id, channel, order_count, line_count)
		SELECT order_date, store_id, channel, COUNT(*), SUM(line_count)
		FROM order_summary
		WHERE order_date IN (:dates)
		GROUP BY order_date, store_id, channel`
		if err := ExecNamed(ctx, conn, query, params); err != nil {
			return fmt.Errorf("can't compute day stats: %w", err)
		}
	}
	return nil
}

// rangeFilter renders the date range and store/channel filters of q.
func rangeFilter(q *entity.Query, dateColumn string) (string, map[string]any) {
	params := map[string]any{
		"from": q.Window.From.Format(entity.DateLayout),
		"to":   q.Window.To.Format(entity.DateLayout),
	}
	where := []string{dateColumn + " >= :from", dateColumn + " < :to"}
	if q.StoreID != "" {
		where = append(where, "store_id = :storeId")
		params["storeId"] = q.StoreID
	}
	if q.Channel != "" {
		where = append(where, "channel = :channel")
		params["channel"] = q.Channel
	}
	return strings.Join(where, " AND "), params
}

// EstimateRows sums the day statistics matching q.
func (s *Store) EstimateRows(ctx context.Context, q *entity.Query) (int64, error) {
	where, params := rangeFilter(q, "order_date")
	n, err := QueryCountNamed(ctx, s.db, `SELECT SUM(order_count) FROM order_day_stats WHERE `+where, params)
	if err != nil {
		return 0, fmt.Errorf("can't estimate rows: %w", err)
	}
	return n, nil
}

// TotalRows returns the number of stored orders.
func (s *Store) TotalRows(ctx context.Context) (int64, error) {
	n, err := QueryCountNamed(ctx, s.db, `SELECT SUM(order_count) FROM order_day_stats`, nil)
	if err != nil {
		return 0, fmt.Errorf("can't count rows: %w", err)
	}
	return n, nil
}

// feeSQL is the platform fee deducted under mode.
func feeSQL(mode entity.FallbackMode) string {
	if mode == entity.FallbackWithCommission {
		return "(CASE WHEN service_fee_item_sum > 0 THEN service_fee_item_sum ELSE platform_commission END)"
	}
	return "service_fee_item_sum"
}

// excludedSQL mirrors aggregate.Invalid.
func excludedSQL(fee string) string {
	return "(channel IN (:commissionChannels) AND " + fee + " <= 0)"
}

func commissionChannels(policy entity.ChannelPolicy) []string {
	ch := policy.CommissionChannels()
	if len(ch) == 0 {
		// IN () is not valid SQL; no channel is named with an empty string
		return []string{""}
	}
	return ch
}

func periodColumn(g entity.Granularity) string {
	switch g {
	case entity.GranularityWeek:
		return "week_start"
	case entity.GranularityMonth:
		return "month_start"
	default:
		return "order_date"
	}
}

type bucketRow struct {
	PeriodStart          string `db:"period_start"`
	StoreID              string `db:"store_id"`
	Channel              string `db:"channel"`
	OrderCount           int64  `db:"order_count"`
	ExcludedCount        int64  `db:"excluded_count"`
	LineCount            int64  `db:"line_count"`
	GrossRevenue         int64  `db:"gross_revenue"`
	ItemCostTotal        int64  `db:"item_cost_total"`
	MarketingCostTotal   int64  `db:"marketing_cost_total"`
	DeliveryNetCost      int64  `db:"delivery_net_cost"`
	DeliveryFee          int64  `db:"delivery_fee"`
	CorporateRebate      int64  `db:"corporate_rebate"`
	ProfitAmountSum      int64  `db:"profit_amount_sum"`
	PlatformFeeEffective int64  `db:"platform_fee_effective"`
	ActualProfit         int64  `db:"actual_profit"`
}

// QueryBuckets groups orders by period, store and channel in SQL. The mode
// dependent fee and the validity check are evaluated per order row.
func (s *Store) QueryBuckets(ctx context.Context, q *entity.Query, policy entity.ChannelPolicy) ([]entity.AggregationBucket, error) {
	where, params := rangeFilter(q, "order_date")
	params["commissionChannels"] = commissionChannels(policy)
	fee := feeSQL(q.Mode)
	excluded := excludedSQL(fee)
	period := periodColumn(q.Granularity)

	sum := func(expr, alias string) string {
		return fmt.Sprintf("SUM(CASE WHEN %s THEN 0 ELSE %s END) AS %s", excluded, expr, alias)
	}
	cols := []string{
		period + " AS period_start",
		"store_id",
		"channel",
		sum("1", "order_count"),
		fmt.Sprintf("SUM(CASE WHEN %s THEN 1 ELSE 0 END) AS excluded_count", excluded),
		sum("line_count", "line_count"),
		sum("gross_revenue", "gross_revenue"),
		sum("item_cost_total", "item_cost_total"),
		sum("marketing_cost_total", "marketing_cost_total"),
		sum("delivery_net_cost", "delivery_net_cost"),
		sum("delivery_fee", "delivery_fee"),
		sum("corporate_rebate", "corporate_rebate"),
		sum("profit_amount_sum", "profit_amount_sum"),
		sum(fee, "platform_fee_effective"),
		sum("profit_amount_sum - "+fee+" - delivery_fee + corporate_rebate", "actual_profit"),
	}
	query := fmt.Sprintf(`
	SELECT %s
	FROM order_summary
	WHERE %s
	GROUP BY %s, store_id, channel`,
		strings.Join(cols, ",\n\t\t"), where, period)

	rows, err := QueryListNamed[bucketRow](ctx, s.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("can't query buckets: %w", err)
	}

	out := make([]entity.AggregationBucket, 0, len(rows))
	for _, r := range rows {
		ps, err := entity.ParseDay(r.PeriodStart)
		if err != nil {
			return nil, fmt.Errorf("bad period start %q: %w", r.PeriodStart, err)
		}
		out = append(out, entity.AggregationBucket{
			Granularity:   q.Granularity,
			Mode:          q.Mode,
			PeriodStart:   ps,
			StoreID:       r.StoreID,
			Channel:       r.Channel,
			ExcludedCount: r.ExcludedCount,
			Totals: entity.Totals{
				OrderCount:           r.OrderCount,
				LineCount:            r.LineCount,
				GrossRevenue:         entity.FromMinor(r.GrossRevenue),
				ItemCostTotal:        entity.FromMinor(r.ItemCostTotal),
				MarketingCostTotal:   entity.FromMinor(r.MarketingCostTotal),
				DeliveryNetCost:      entity.FromMinor(r.DeliveryNetCost),
				DeliveryFee:          entity.FromMinor(r.DeliveryFee),
				CorporateRebate:      entity.FromMinor(r.CorporateRebate),
				ProfitAmountSum:      entity.FromMinor(r.ProfitAmountSum),
				PlatformFeeEffective: entity.FromMinor(r.PlatformFeeEffective),
				ActualProfit:         entity.FromMinor(r.ActualProfit),
			},
		})
	}
	// collations differ between drivers; order like every other engine does
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

// QueryOrders returns one page of valid orders derived under q.Mode.
func (s *Store) QueryOrders(ctx context.Context, q *entity.Query, policy entity.ChannelPolicy) ([]entity.Order, error) {
	where, params := rangeFilter(q, "order_date")
	params["commissionChannels"] = commissionChannels(policy)
	params["limit"] = q.PageLimit()
	params["offset"] = q.Offset
	query := fmt.Sprintf(`
	SELECT order_id, store_id, channel, order_date, line_count, marketing_formula,
		gross_revenue, item_cost_total, marketing_cost_total, delivery_net_cost,
		delivery_fee, corporate_rebate, profit_amount_sum, service_fee_item_sum,
		platform_commission
	FROM order_summary
	WHERE %s AND NOT %s
	ORDER BY order_date, order_id
	LIMIT :limit OFFSET :offset`, where, excludedSQL(feeSQL(q.Mode)))

	rows, err := QueryListNamed[orderRow](ctx, s.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("can't query orders: %w", err)
	}
	out := make([]entity.Order, 0, len(rows))
	for i := range rows {
		o, err := rows[i].order()
		if err != nil {
			return nil, err
		}
		out = append(out, aggregate.Derive(o, q.Mode))
	}
	return out, nil
}

// GetOrder returns the stored mode independent order and its lines.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*entity.Order, []entity.OrderLine, error) {
	params := map[string]any{"orderId": orderID}
	rows, err := QueryListNamed[orderRow](ctx, s.db, `
	SELECT order_id, store_id, channel, order_date, line_count, marketing_formula,
		gross_revenue, item_cost_total, marketing_cost_total, delivery_net_cost,
		delivery_fee, corporate_rebate, profit_amount_sum, service_fee_item_sum,
		platform_commission
	FROM order_summary WHERE order_id = :orderId`, params)
	if err != nil {
		return nil, nil, fmt.Errorf("can't get order %s: %w", orderID, err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	o, err := rows[0].order()
	if err != nil {
		return nil, nil, err
	}

	type lineRow struct {
		OrderID   string `db:"order_id"`
		LineNo    int    `db:"line_no"`
		StoreID   string `db:"store_id"`
		Channel   string `db:"channel"`
		ProductID string `db:"product_id"`
		OrderedAt int64  `db:"ordered_at"`
		UnitPrice int64  `db:"unit_price"`
		Quantity  int64  `db:"quantity"`
		UnitCost  int64  `db:"unit_cost"`
		Amounts   string `db:"amounts"`
	}
	lrs, err := QueryListNamed[lineRow](ctx, s.db, `
	SELECT order_id, line_no, store_id, channel, product_id, ordered_at,
		unit_price, quantity, unit_cost, amounts
	FROM order_line WHERE order_id = :orderId ORDER BY line_no`, params)
	if err != nil {
		return nil, nil, fmt.Errorf("can't get lines of order %s: %w", orderID, err)
	}
	lines := make([]entity.OrderLine, 0, len(lrs))
	for _, r := range lrs {
		raw := map[string]string{}
		if err := json.Unmarshal([]byte(r.Amounts), &raw); err != nil {
			return nil, nil, fmt.Errorf("bad amounts of order %s: %w", orderID, err)
		}
		amounts := make(entity.Amounts, len(raw))
		for k, v := range raw {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, nil, fmt.Errorf("bad amount %s of order %s: %w", k, orderID, err)
			}
			amounts[k] = d
		}
		lines = append(lines, entity.OrderLine{
			OrderID:   r.OrderID,
			StoreID:   r.StoreID,
			Channel:   r.Channel,
			ProductID: r.ProductID,
			Timestamp: time.UnixMilli(r.OrderedAt).UTC(),
			UnitPrice: entity.FromMinor(r.UnitPrice),
			Quantity:  entity.FromMinor(r.Quantity),
			UnitCost:  entity.FromMinor(r.UnitCost),
			Amounts:   amounts,
		})
	}
	return &o, lines, nil
}

func chunkStrings(s []string, n int) [][]string {
	var out [][]string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}

func chunkRows(rows [][]any, n int) [][][]any {
	var out [][][]any
	for len(rows) > n {
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
