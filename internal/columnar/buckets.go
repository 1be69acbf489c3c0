package columnar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/shopspring/decimal"
)

const (
	currentFile = "CURRENT"
	genPrefix   = "gen-"
)

var bucketTable = newTable(
	[]strColumn[entity.AggregationBucket]{
		{"period_start",
			func(b *entity.AggregationBucket) string { return b.PeriodStart.Format(entity.DateLayout) },
			func(b *entity.AggregationBucket, v string) { b.PeriodStart, _ = entity.ParseDay(v) }},
		{"store_id",
			func(b *entity.AggregationBucket) string { return b.StoreID },
			func(b *entity.AggregationBucket, v string) { b.StoreID = v }},
		{"channel",
			func(b *entity.AggregationBucket) string { return b.Channel },
			func(b *entity.AggregationBucket, v string) { b.Channel = v }},
	},
	[]intColumn[entity.AggregationBucket]{
		{"order_count",
			func(b *entity.AggregationBucket) int64 { return b.OrderCount },
			func(b *entity.AggregationBucket, v int64) { b.OrderCount = v }},
		{"excluded_count",
			func(b *entity.AggregationBucket) int64 { return b.ExcludedCount },
			func(b *entity.AggregationBucket, v int64) { b.ExcludedCount = v }},
		{"line_count",
			func(b *entity.AggregationBucket) int64 { return b.LineCount },
			func(b *entity.AggregationBucket, v int64) { b.LineCount = v }},
		money("gross_revenue", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.GrossRevenue }),
		money("item_cost_total", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.ItemCostTotal }),
		money("marketing_cost_total", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.MarketingCostTotal }),
		money("delivery_net_cost", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.DeliveryNetCost }),
		money("delivery_fee", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.DeliveryFee }),
		money("corporate_rebate", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.CorporateRebate }),
		money("profit_amount_sum", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.ProfitAmountSum }),
		money("platform_fee_effective", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.PlatformFeeEffective }),
		money("actual_profit", func(b *entity.AggregationBucket) *decimal.Decimal { return &b.ActualProfit }),
	},
)

// currentMeta is the content of a window's CURRENT pointer.
type currentMeta struct {
	Generation   int64     `json:"generation"`
	BuiltAt      time.Time `json:"built_at"`
	SourceReadAt time.Time `json:"source_read_at"`
	Modes        []string  `json:"modes"`
}

func (s *Store) windowDir(d time.Time) string {
	return filepath.Join(s.c.Dir, bucketsDir, partitionName(d))
}

func genDir(windowDir string, gen int64) string {
	return filepath.Join(windowDir, fmt.Sprintf("%s%06d", genPrefix, gen))
}

func setFile(mode entity.FallbackMode) string {
	return entity.GranularityDay.String() + "-" + string(mode) + ".parquet"
}

// generations lists the generation numbers present in a window directory.
func generations(windowDir string) ([]int64, error) {
	entries, err := os.ReadDir(windowDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), genPrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), genPrefix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// WriteGeneration writes snap as a new generation of its window, reads it back,
// then moves the CURRENT pointer to it. Older generations beyond the retention
// are pruned only after the pointer moved.
func (s *Store) WriteGeneration(ctx context.Context, snap *entity.BucketSnapshot) (*entity.GenerationRef, error) {
	day := entity.Day(snap.Window.From)
	unlock := s.lock(bucketsDir + "/" + partitionName(day))
	defer unlock()

	wdir := s.windowDir(day)
	gens, err := generations(wdir)
	if err != nil {
		return nil, fmt.Errorf("can't list generations of %s: %w", partitionName(day), err)
	}
	next := int64(1)
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	dir := genDir(wdir, next)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("can't create generation dir: %w", err)
	}

	modes := make([]string, 0, len(snap.Sets))
	for m := range snap.Sets {
		modes = append(modes, string(m))
	}
	sort.Strings(modes)

	ref := &entity.GenerationRef{Window: snap.Window, Generation: next, Dir: dir}
	for _, m := range modes {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		set := snap.Sets[entity.FallbackMode(m)]
		path := filepath.Join(dir, setFile(entity.FallbackMode(m)))
		if err := bucketTable.writeFile(s.mem, path, set); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		back, err := bucketTable.readFile(ctx, s.mem, path)
		if err != nil || len(back) != len(set) {
			os.RemoveAll(dir)
			if err == nil {
				err = fmt.Errorf("read back %d rows, wrote %d", len(back), len(set))
			}
			return nil, fmt.Errorf("generation %d of %s is not readable: %w", next, partitionName(day), err)
		}
		ref.Files = append(ref.Files, path)
	}

	meta, err := json.Marshal(currentMeta{
		Generation:   next,
		BuiltAt:      snap.BuiltAt,
		SourceReadAt: snap.SourceReadAt,
		Modes:        modes,
	})
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(wdir, currentFile), meta); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("can't publish generation %d of %s: %w", next, partitionName(day), err)
	}

	s.prune(wdir, append(gens, next))
	return ref, nil
}

func (s *Store) prune(wdir string, gens []int64) {
	if len(gens) <= s.c.RetainGenerations {
		return
	}
	for _, g := range gens[:len(gens)-s.c.RetainGenerations] {
		if err := os.RemoveAll(genDir(wdir, g)); err != nil {
			slog.Default().Error("can't prune bucket generation",
				slog.String("err", err.Error()),
				slog.String("dir", genDir(wdir, g)),
			)
		}
	}
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadGeneration reads the current generation of one window, nil if there is none.
func (s *Store) ReadGeneration(ctx context.Context, day time.Time) (*entity.BucketSnapshot, error) {
	day = entity.Day(day)
	wdir := s.windowDir(day)
	b, err := os.ReadFile(filepath.Join(wdir, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta currentMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("bad %s of %s: %w", currentFile, partitionName(day), err)
	}

	snap := &entity.BucketSnapshot{
		Window:       entity.DayWindow(day),
		Generation:   meta.Generation,
		BuiltAt:      meta.BuiltAt,
		SourceReadAt: meta.SourceReadAt,
		Sets:         make(map[entity.FallbackMode][]entity.AggregationBucket, len(meta.Modes)),
	}
	dir := genDir(wdir, meta.Generation)
	for _, m := range meta.Modes {
		mode, err := entity.ParseFallbackMode(m)
		if err != nil {
			return nil, err
		}
		set, err := bucketTable.readFile(ctx, s.mem, filepath.Join(dir, setFile(mode)))
		if err != nil {
			return nil, err
		}
		for i := range set {
			set[i].Granularity = entity.GranularityDay
			set[i].Mode = mode
		}
		snap.Sets[mode] = set
	}
	return snap, nil
}

// LoadCurrent reads the current generation of every window.
func (s *Store) LoadCurrent(ctx context.Context) ([]*entity.BucketSnapshot, error) {
	days, err := s.partitions(bucketsDir)
	if err != nil {
		return nil, err
	}
	out := make([]*entity.BucketSnapshot, 0, len(days))
	for _, d := range days {
		snap, err := s.ReadGeneration(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("can't load generation of %s: %w", partitionName(d), err)
		}
		if snap != nil {
			out = append(out, snap)
		}
	}
	return out, nil
}
