package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/shopspring/decimal"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"2006-01-02",
	"2006/01/02",
	"20060102",
}

var moneyReplacer = strings.NewReplacer("¥", "", "￥", "", "$", "", ",", "", "，", "", " ", "", "元", "")

// RecordError ties a normalization failure to its position in the batch.
type RecordError struct {
	Index int
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Normalizer converts raw records keyed by arbitrary header names into OrderLines.
// It is stateless apart from the immutable registry and is safe for concurrent use.
type Normalizer struct {
	reg *Registry
	loc *time.Location
}

// New returns a normalizer. Timestamps without a zone are read in loc.
func New(reg *Registry, loc *time.Location) *Normalizer {
	if reg == nil {
		reg = Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{reg: reg, loc: loc}
}

// Registry returns the registry the normalizer resolves against.
func (n *Normalizer) Registry() *Registry {
	return n.reg
}

// candidate is one header of a record resolving to a target.
type candidate struct {
	rank   int
	header string
	value  string
}

// beats reports whether c should be used instead of o for the same target: a
// non-empty value first, then the registry rank, then the header itself.
func (c candidate) beats(o candidate) bool {
	if (c.value != "") != (o.value != "") {
		return c.value != ""
	}
	if c.rank != o.rank {
		return c.rank < o.rank
	}
	return c.header < o.header
}

// Normalize maps one record onto the canonical schema. When several headers of
// rec resolve to the same column or field, the one listed first in the registry
// wins, so the result never depends on map order.
func (n *Normalizer) Normalize(rec map[string]string) (entity.OrderLine, error) {
	picked := make(map[target]candidate, len(rec))
	for k, v := range rec {
		t, rank, ok := n.reg.lookup(k)
		if !ok {
			continue
		}
		c := candidate{rank: rank, header: k, value: strings.TrimSpace(v)}
		if cur, seen := picked[t]; !seen || c.beats(cur) {
			picked[t] = c
		}
	}

	targets := make([]target, 0, len(picked))
	for t := range picked {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].isField != targets[j].isField {
			return !targets[i].isField
		}
		return targets[i].name < targets[j].name
	})

	line := entity.OrderLine{Amounts: make(entity.Amounts)}
	cols := make(map[string]string, 8)
	for _, t := range targets {
		v := picked[t].value
		if t.isField {
			d, err := ParseMoney(v)
			if err != nil {
				return entity.OrderLine{}, fmt.Errorf("%w: field %s: %v", gerr.ErrInvalidRecord, t.name, err)
			}
			line.Amounts[t.name] = d
			continue
		}
		cols[t.name] = v
	}

	for _, c := range requiredColumns {
		if cols[c] == "" {
			return entity.OrderLine{}, fmt.Errorf("%w: missing %s", gerr.ErrInvalidRecord, c)
		}
	}
	line.OrderID = cols[ColumnOrderID]
	line.StoreID = cols[ColumnStoreID]
	line.Channel = cols[ColumnChannel]
	line.ProductID = cols[ColumnProductID]

	ts, err := ParseTimestamp(cols[ColumnTimestamp], n.loc)
	if err != nil {
		return entity.OrderLine{}, fmt.Errorf("%w: %v", gerr.ErrInvalidRecord, err)
	}
	line.Timestamp = ts

	if line.UnitPrice, err = ParseMoney(cols[ColumnUnitPrice]); err != nil {
		return entity.OrderLine{}, fmt.Errorf("%w: unit_price: %v", gerr.ErrInvalidRecord, err)
	}
	if line.UnitCost, err = ParseMoney(cols[ColumnUnitCost]); err != nil {
		return entity.OrderLine{}, fmt.Errorf("%w: unit_cost: %v", gerr.ErrInvalidRecord, err)
	}
	line.Quantity = decimal.NewFromInt(1)
	if q := cols[ColumnQuantity]; q != "" {
		if line.Quantity, err = ParseMoney(q); err != nil {
			return entity.OrderLine{}, fmt.Errorf("%w: quantity: %v", gerr.ErrInvalidRecord, err)
		}
	}
	return line, nil
}

// NormalizeBatch normalizes every record; failing records are reported and skipped.
func (n *Normalizer) NormalizeBatch(recs []map[string]string) ([]entity.OrderLine, []*RecordError) {
	lines := make([]entity.OrderLine, 0, len(recs))
	var errs []*RecordError
	for i, rec := range recs {
		l, err := n.Normalize(rec)
		if err != nil {
			errs = append(errs, &RecordError{Index: i, Err: err})
			continue
		}
		lines = append(lines, l)
	}
	return lines, errs
}

// UnknownFields lists the headers of rec that resolve to nothing, sorted.
func (n *Normalizer) UnknownFields(rec map[string]string) []string {
	var out []string
	for k := range rec {
		if _, _, ok := n.reg.Resolve(k); !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ParseMoney parses an amount, tolerating currency symbols and thousands separators.
// Empty values and "-" read as zero.
func ParseMoney(s string) (decimal.Decimal, error) {
	s = moneyReplacer.Replace(strings.TrimSpace(s))
	if s == "" || s == "-" || s == "--" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// ParseTimestamp accepts the layouts seen in platform exports as well as unix
// seconds or milliseconds.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if isDigits(s) && (len(s) == 10 || len(s) == 13) {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		if len(s) == 13 {
			return time.UnixMilli(v).In(loc), nil
		}
		return time.Unix(v, 0).In(loc), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
