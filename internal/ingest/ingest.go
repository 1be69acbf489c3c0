// Package ingest accepts order lines, aggregates them into orders and writes the
// accepted orders to both stores, marking the affected cache windows dirty.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/aggregate"
	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/jekabolt/o2o-ledger/internal/preagg"
	"github.com/jekabolt/o2o-ledger/internal/schema"
)

// Config holds configuration for ingestion.
type Config struct {
	// RebuildOnIngest rebuilds the touched cache windows before Ingest returns.
	RebuildOnIngest bool `mapstructure:"rebuild_on_ingest"`
	// Partitions is the number of order id partitions aggregated concurrently.
	Partitions int `mapstructure:"partitions"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		RebuildOnIngest: false,
		Partitions:      4,
	}
}

// RecordFailure is a raw record that could not be normalized.
type RecordFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Result reports the outcome of one ingestion batch.
type Result struct {
	Lines    int                                  `json:"lines"`
	Inserted int                                  `json:"inserted"`
	Rejected []*gerr.InconsistentOrderFieldsError `json:"rejected,omitempty"`
	Invalid  []RecordFailure                      `json:"invalid,omitempty"`
	Dates    []string                             `json:"dates,omitempty"`
	Rebuilt  int                                  `json:"rebuilt_windows,omitempty"`
}

// Ingester is safe for concurrent use.
type Ingester struct {
	c       *Config
	opts    aggregate.Options
	norm    *schema.Normalizer
	rows    dependency.RowStore
	cols    dependency.ColumnStore
	builder *preagg.Builder
}

// New returns an ingester. cols and builder may be nil.
func New(c *Config, opts aggregate.Options, norm *schema.Normalizer, rows dependency.RowStore, cols dependency.ColumnStore, builder *preagg.Builder) *Ingester {
	if c == nil {
		dc := DefaultConfig()
		c = &dc
	}
	if norm == nil {
		norm = schema.New(nil, time.UTC)
	}
	return &Ingester{
		c:       c,
		opts:    opts,
		norm:    norm,
		rows:    rows,
		cols:    cols,
		builder: builder,
	}
}

// Ingest aggregates lines and stores every consistent order. Orders whose
// order-level fields disagree are returned in Result.Rejected and not stored.
// Re-ingesting an order replaces it. Cancellation before the row store commits
// stores nothing; after it, both stores are written. A columnar failure after the
// commit returns gerr.ErrColumnarWrite together with the Result of what was stored.
func (i *Ingester) Ingest(ctx context.Context, lines []entity.OrderLine) (*Result, error) {
	res := &Result{Lines: len(lines)}
	if len(lines) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, gerr.FromContext(err)
	}

	orders, rejected, err := aggregate.AggregateParallel(ctx, lines, i.opts, i.c.Partitions)
	if err != nil {
		return nil, err
	}
	res.Rejected = rejected
	if len(orders) == 0 {
		return res, nil
	}

	prev, err := i.rows.ReplaceOrders(ctx, lines, orders)
	if err != nil {
		return nil, fmt.Errorf("can't store orders: %w", gerr.FromContext(err))
	}
	res.Inserted = len(orders)

	dates := touched(orders, prev)
	for _, d := range dates {
		res.Dates = append(res.Dates, d.Format(entity.DateLayout))
	}
	// The row store has committed, so the columnar copy runs to completion even if
	// the caller cancels. Windows are marked only after both writes, so a rebuild
	// reading in between cannot clear the mark.
	var colErr error
	if i.cols != nil {
		colErr = i.cols.WriteOrders(context.WithoutCancel(ctx), orders, prev)
	}
	if i.builder != nil {
		i.builder.MarkDirty(dates)
	}
	if colErr != nil {
		slog.Default().ErrorContext(ctx, "columnar write failed after row store commit",
			slog.String("err", colErr.Error()),
			slog.Int("orders", len(orders)),
			slog.Any("dates", res.Dates),
		)
		return res, fmt.Errorf("%w: %w", gerr.ErrColumnarWrite, colErr)
	}

	slog.Default().InfoContext(ctx, "orders ingested",
		slog.Int("lines", len(lines)),
		slog.Int("orders", len(orders)),
		slog.Int("rejected", len(rejected)),
		slog.Any("dates", res.Dates),
	)

	if i.c.RebuildOnIngest && i.builder != nil {
		for _, d := range dates {
			if _, err := i.builder.RebuildWindow(ctx, d); err != nil {
				if gerr.IsContext(err) {
					return res, gerr.FromContext(err)
				}
				slog.Default().ErrorContext(ctx, "can't rebuild window after ingest",
					slog.String("err", err.Error()),
					slog.String("date", d.Format(entity.DateLayout)),
				)
				continue
			}
			res.Rebuilt++
		}
	}
	return res, nil
}

// IngestRecords normalizes raw records keyed by header names, then ingests the
// lines that normalized. Failing records are reported in Result.Invalid.
func (i *Ingester) IngestRecords(ctx context.Context, recs []map[string]string) (*Result, error) {
	lines, errs := i.norm.NormalizeBatch(recs)
	res, err := i.Ingest(ctx, lines)
	if res == nil {
		return nil, err
	}
	for _, e := range errs {
		res.Invalid = append(res.Invalid, RecordFailure{Index: e.Index, Error: e.Err.Error()})
	}
	res.Lines = len(recs)
	return res, err
}

// touched returns the sorted distinct dates of orders and prev.
func touched(orders []entity.Order, prev []time.Time) []time.Time {
	seen := make(map[time.Time]struct{}, len(orders)+len(prev))
	var out []time.Time
	add := func(d time.Time) {
		d = entity.Day(d)
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for i := range orders {
		add(orders[i].Date)
	}
	for _, d := range prev {
		add(d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
