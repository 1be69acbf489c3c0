// Package columnar keeps orders and bucket generations as Parquet files
// partitioned by date, read and written through Apache Arrow.
package columnar

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the columnar store.
type Config struct {
	Dir string `mapstructure:"dir"`
	// RetainGenerations is how many bucket generations are kept per window,
	// the current one included. Values below 2 are raised to 2.
	RetainGenerations int `mapstructure:"retain_generations"`
	// ScanParallelism bounds how many partitions a scan reads at once.
	ScanParallelism int `mapstructure:"scan_parallelism"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		Dir:               "data/columnar",
		RetainGenerations: 3,
		ScanParallelism:   8,
	}
}

const (
	ordersDir    = "orders"
	bucketsDir   = "buckets"
	ordersFile   = "orders.parquet"
	changedFile  = "CHANGED"
	partitionPfx = "dt="
)

// Store is the columnar store. Writers serialize per partition; readers open
// immutable files that are only ever replaced by rename.
type Store struct {
	c   *Config
	mem memory.Allocator
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the store directories.
func New(c *Config) (*Store, error) {
	if c == nil {
		dc := DefaultConfig()
		c = &dc
	}
	if c.RetainGenerations < 2 {
		c.RetainGenerations = 2
	}
	if c.ScanParallelism <= 0 {
		c.ScanParallelism = 1
	}
	for _, d := range []string{ordersDir, bucketsDir} {
		if err := os.MkdirAll(filepath.Join(c.Dir, d), 0o755); err != nil {
			return nil, fmt.Errorf("can't create columnar dir: %w", err)
		}
	}
	return &Store{
		c:     c,
		mem:   memory.DefaultAllocator,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.c.Dir
}

func (s *Store) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func partitionName(d time.Time) string {
	return partitionPfx + d.Format(entity.DateLayout)
}

func (s *Store) ordersPath(d time.Time) string {
	return filepath.Join(s.c.Dir, ordersDir, partitionName(d), ordersFile)
}

var orderTable = newTable(
	[]strColumn[entity.Order]{
		{"order_id", func(o *entity.Order) string { return o.OrderID }, func(o *entity.Order, v string) { o.OrderID = v }},
		{"store_id", func(o *entity.Order) string { return o.StoreID }, func(o *entity.Order, v string) { o.StoreID = v }},
		{"channel", func(o *entity.Order) string { return o.Channel }, func(o *entity.Order, v string) { o.Channel = v }},
		{"marketing_formula", func(o *entity.Order) string { return o.MarketingFormula }, func(o *entity.Order, v string) { o.MarketingFormula = v }},
	},
	[]intColumn[entity.Order]{
		{"line_count", func(o *entity.Order) int64 { return int64(o.LineCount) }, func(o *entity.Order, v int64) { o.LineCount = int(v) }},
		money("gross_revenue", func(o *entity.Order) *decimal.Decimal { return &o.GrossRevenue }),
		money("item_cost_total", func(o *entity.Order) *decimal.Decimal { return &o.ItemCostTotal }),
		money("marketing_cost_total", func(o *entity.Order) *decimal.Decimal { return &o.MarketingCostTotal }),
		money("delivery_net_cost", func(o *entity.Order) *decimal.Decimal { return &o.DeliveryNetCost }),
		money("delivery_fee", func(o *entity.Order) *decimal.Decimal { return &o.DeliveryFee }),
		money("corporate_rebate", func(o *entity.Order) *decimal.Decimal { return &o.CorporateRebate }),
		money("profit_amount_sum", func(o *entity.Order) *decimal.Decimal { return &o.ProfitAmountSum }),
		money("service_fee_item_sum", func(o *entity.Order) *decimal.Decimal { return &o.ServiceFeeItemSum }),
		money("platform_commission", func(o *entity.Order) *decimal.Decimal { return &o.PlatformCommission }),
	},
)

// WriteOrders rewrites every partition holding one of orders or listed in
// prevDates. Rows with the same order id as a new order are replaced.
func (s *Store) WriteOrders(ctx context.Context, orders []entity.Order, prevDates []time.Time) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make(map[string]struct{}, len(orders))
	byDate := make(map[time.Time][]entity.Order)
	for i := range orders {
		o := orders[i]
		o.Fields = nil
		o.Mode = ""
		d := entity.Day(o.Date)
		o.Date = d
		if _, ok := ids[o.OrderID]; ok {
			continue
		}
		ids[o.OrderID] = struct{}{}
		byDate[d] = append(byDate[d], o)
	}
	for _, d := range prevDates {
		d = entity.Day(d)
		if _, ok := byDate[d]; !ok {
			byDate[d] = nil
		}
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.rewritePartition(ctx, d, ids, byDate[d]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rewritePartition(ctx context.Context, d time.Time, replace map[string]struct{}, add []entity.Order) error {
	unlock := s.lock(ordersDir + "/" + partitionName(d))
	defer unlock()

	path := s.ordersPath(d)
	existing, err := orderTable.readFile(ctx, s.mem, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("can't read partition %s: %w", partitionName(d), err)
	}

	rows := make([]entity.Order, 0, len(existing)+len(add))
	for _, o := range existing {
		if _, ok := replace[o.OrderID]; ok {
			continue
		}
		rows = append(rows, o)
	}
	rows = append(rows, add...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].OrderID < rows[j].OrderID })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("can't create partition %s: %w", partitionName(d), err)
	}
	if len(rows) == 0 {
		// the directory stays behind for its change marker
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("can't drop empty partition %s: %w", partitionName(d), err)
		}
	} else if err := orderTable.writeFile(s.mem, path, rows); err != nil {
		return fmt.Errorf("can't write partition %s: %w", partitionName(d), err)
	}
	return s.markChanged(d)
}

// markChanged stamps the partition of d with the current time. It runs after the
// data file is in place, so a reader that saw the old file always read before
// the stamp.
func (s *Store) markChanged(d time.Time) error {
	stamp := strconv.FormatInt(s.now().UnixNano(), 10)
	path := filepath.Join(filepath.Dir(s.ordersPath(d)), changedFile)
	if err := writeFileAtomic(path, []byte(stamp)); err != nil {
		return fmt.Errorf("can't mark partition %s changed: %w", partitionName(d), err)
	}
	return nil
}

// SourceChangedAt returns when the orders of day d were last written, zero if
// they never were.
func (s *Store) SourceChangedAt(ctx context.Context, d time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	d = entity.Day(d)
	b, err := os.ReadFile(filepath.Join(filepath.Dir(s.ordersPath(d)), changedFile))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("can't read change marker of %s: %w", partitionName(d), err)
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad change marker of %s: %w", partitionName(d), err)
	}
	return time.Unix(0, ns), nil
}

func (s *Store) readPartition(ctx context.Context, d time.Time) ([]entity.Order, error) {
	rows, err := orderTable.readFile(ctx, s.mem, s.ordersPath(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Date = d
	}
	return rows, nil
}

// ScanOrders reads the partitions of the query window in parallel and returns the
// orders matching its filters, ordered by date and order id.
func (s *Store) ScanOrders(ctx context.Context, q *entity.Query) ([]entity.Order, error) {
	days := q.Window.Days()
	parts := make([][]entity.Order, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.c.ScanParallelism)
	for i, d := range days {
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := s.readPartition(gctx, d)
			if err != nil {
				return fmt.Errorf("can't scan partition %s: %w", partitionName(d), err)
			}
			if q.StoreID == "" && q.Channel == "" {
				parts[i] = rows
				return nil
			}
			kept := rows[:0]
			for _, o := range rows {
				if q.Matches(o.StoreID, o.Channel) {
					kept = append(kept, o)
				}
			}
			parts[i] = kept
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]entity.Order, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// EstimateRows sums the footer row counts of the window's partitions. Store and
// channel filters are not applied, so this is an upper bound.
func (s *Store) EstimateRows(ctx context.Context, q *entity.Query) (int64, error) {
	var total int64
	for _, d := range q.Window.Days() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := footerRows(s.ordersPath(d))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("can't read footer of %s: %w", partitionName(d), err)
		}
		total += n
	}
	return total, nil
}

// TotalRows sums the footer row counts of all partitions.
func (s *Store) TotalRows(ctx context.Context) (int64, error) {
	days, err := s.partitions(ordersDir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, d := range days {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := footerRows(s.ordersPath(d))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("can't read footer of %s: %w", partitionName(d), err)
		}
		total += n
	}
	return total, nil
}

// partitions lists the dates having a partition directory under root.
func (s *Store) partitions(root string) ([]time.Time, error) {
	entries, err := os.ReadDir(filepath.Join(s.c.Dir, root))
	if err != nil {
		return nil, fmt.Errorf("can't list %s: %w", root, err)
	}
	var out []time.Time
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), partitionPfx) {
			continue
		}
		d, err := entity.ParseDay(strings.TrimPrefix(e.Name(), partitionPfx))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
