// Package schema maps heterogeneous order export headers onto the canonical
// order-line schema.
package schema

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	"golang.org/x/text/cases"
	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"
)

// Canonical line columns.
const (
	ColumnOrderID   = "order_id"
	ColumnStoreID   = "store_id"
	ColumnChannel   = "channel"
	ColumnTimestamp = "timestamp"
	ColumnProductID = "product_id"
	ColumnUnitPrice = "unit_price"
	ColumnQuantity  = "quantity"
	ColumnUnitCost  = "unit_cost"
)

var requiredColumns = []string{ColumnOrderID, ColumnStoreID, ColumnChannel, ColumnTimestamp}

//go:embed fields.yaml
var defaultRegistryYAML []byte

type registryFile struct {
	Columns map[string][]string `yaml:"columns"`
	Fields  []struct {
		Name    string   `yaml:"name"`
		Level   string   `yaml:"level"`
		Aliases []string `yaml:"aliases"`
	} `yaml:"fields"`
}

type target struct {
	name    string
	isField bool
}

// Registry is the field metadata table: canonical columns, monetary fields with
// their aggregation level, and the alias index used to resolve headers.
type Registry struct {
	columns []string
	fields  []entity.FieldSpec
	index   map[string]target
	// rank is the position of a folded alias in its target's list, the
	// canonical name first. Lower ranks win when a record repeats a target.
	rank map[string]int
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry compiled into the binary.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = LoadRegistry(defaultRegistryYAML)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded field registry is invalid: %v", defaultErr))
	}
	return defaultRegistry
}

// LoadRegistry parses a YAML registry. Aliases must resolve to exactly one target.
func LoadRegistry(b []byte) (*Registry, error) {
	var rf registryFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("can't parse field registry: %w", err)
	}
	r := &Registry{index: make(map[string]target), rank: make(map[string]int)}

	for _, col := range requiredColumns {
		if _, ok := rf.Columns[col]; !ok {
			return nil, fmt.Errorf("registry misses required column %q", col)
		}
	}
	for col, aliases := range rf.Columns {
		r.columns = append(r.columns, col)
		if err := r.addAliases(target{name: col}, append([]string{col}, aliases...)); err != nil {
			return nil, err
		}
	}
	sort.Strings(r.columns)

	for _, f := range rf.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("registry field without name")
		}
		var lvl entity.FieldLevel
		switch strings.ToLower(f.Level) {
		case "order":
			lvl = entity.OrderLevel
		case "item":
			lvl = entity.ItemLevel
		default:
			return nil, fmt.Errorf("field %s: unknown level %q", f.Name, f.Level)
		}
		r.fields = append(r.fields, entity.FieldSpec{Name: f.Name, Level: lvl, Aliases: f.Aliases})
		if err := r.addAliases(target{name: f.Name, isField: true}, append([]string{f.Name}, f.Aliases...)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) addAliases(t target, aliases []string) error {
	for i, a := range aliases {
		k := FoldHeader(a)
		if k == "" {
			continue
		}
		prev, ok := r.index[k]
		if ok && prev != t {
			return fmt.Errorf("alias %q maps to both %s and %s", a, prev.name, t.name)
		}
		if !ok {
			r.index[k] = t
			r.rank[k] = i
		}
	}
	return nil
}

// Fields returns the monetary field specs in registry order.
func (r *Registry) Fields() []entity.FieldSpec {
	return r.fields
}

// Field returns the metadata of a canonical field name.
func (r *Registry) Field(name string) (entity.FieldSpec, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f, true
		}
	}
	return entity.FieldSpec{}, false
}

// Resolve maps a raw header to its canonical name.
func (r *Registry) Resolve(header string) (name string, isField bool, ok bool) {
	t, _, ok := r.lookup(header)
	return t.name, t.isField, ok
}

func (r *Registry) lookup(header string) (target, int, bool) {
	k := FoldHeader(header)
	t, ok := r.index[k]
	return t, r.rank[k], ok
}

var (
	unitSuffix    = regexp.MustCompile(`[(\[][^)\]]*[)\]]$`)
	separatorRuns = regexp.MustCompile(`[\s\-./]+`)
)

// FoldHeader canonicalizes a header for alias lookup: full-width characters are
// narrowed, case is folded, a trailing unit such as "(元)" is dropped and
// separators collapse to underscores.
func FoldHeader(h string) string {
	h = width.Fold.String(h)
	h = strings.TrimSpace(cases.Fold().String(h))
	h = strings.TrimSpace(unitSuffix.ReplaceAllString(h, ""))
	h = separatorRuns.ReplaceAllString(h, "_")
	return strings.Trim(h, "_")
}
