package columnar

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/shopspring/decimal"
)

type strColumn[T any] struct {
	name string
	get  func(*T) string
	set  func(*T, string)
}

type intColumn[T any] struct {
	name string
	get  func(*T) int64
	set  func(*T, int64)
}

func money[T any](name string, field func(*T) *decimal.Decimal) intColumn[T] {
	return intColumn[T]{
		name: name,
		get:  func(r *T) int64 { return entity.ToMinor(*field(r)) },
		set:  func(r *T, v int64) { *field(r) = entity.FromMinor(v) },
	}
}

// table maps rows of T to an Arrow schema of utf8 columns followed by int64
// columns. Money is stored in minor units.
type table[T any] struct {
	strs   []strColumn[T]
	ints   []intColumn[T]
	schema *arrow.Schema
}

func newTable[T any](strs []strColumn[T], ints []intColumn[T]) *table[T] {
	fields := make([]arrow.Field, 0, len(strs)+len(ints))
	for _, c := range strs {
		fields = append(fields, arrow.Field{Name: c.name, Type: arrow.BinaryTypes.String})
	}
	for _, c := range ints {
		fields = append(fields, arrow.Field{Name: c.name, Type: arrow.PrimitiveTypes.Int64})
	}
	return &table[T]{strs: strs, ints: ints, schema: arrow.NewSchema(fields, nil)}
}

func (t *table[T]) record(mem memory.Allocator, rows []T) arrow.Record {
	b := array.NewRecordBuilder(mem, t.schema)
	defer b.Release()
	for i, c := range t.strs {
		fb := b.Field(i).(*array.StringBuilder)
		fb.Reserve(len(rows))
		for r := range rows {
			fb.Append(c.get(&rows[r]))
		}
	}
	for i, c := range t.ints {
		fb := b.Field(len(t.strs) + i).(*array.Int64Builder)
		vals := make([]int64, len(rows))
		for r := range rows {
			vals[r] = c.get(&rows[r])
		}
		fb.AppendValues(vals, nil)
	}
	return b.NewRecord()
}

func (t *table[T]) decode(tbl arrow.Table) ([]T, error) {
	out := make([]T, 0, tbl.NumRows())
	tr := array.NewTableReader(tbl, 0)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		base := len(out)
		n := int(rec.NumRows())
		out = append(out, make([]T, n)...)
		rows := out[base:]

		for _, c := range t.strs {
			col, err := column(rec, c.name)
			if err != nil {
				return nil, err
			}
			s, ok := col.(*array.String)
			if !ok {
				return nil, fmt.Errorf("column %s: want utf8, got %s", c.name, col.DataType())
			}
			for i := 0; i < n; i++ {
				c.set(&rows[i], s.Value(i))
			}
		}
		for _, c := range t.ints {
			col, err := column(rec, c.name)
			if err != nil {
				return nil, err
			}
			ints, ok := col.(*array.Int64)
			if !ok {
				return nil, fmt.Errorf("column %s: want int64, got %s", c.name, col.DataType())
			}
			for i, v := range ints.Int64Values() {
				c.set(&rows[i], v)
			}
		}
	}
	if err := tr.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func column(rec arrow.Record, name string) (arrow.Array, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %s missing", name)
	}
	return rec.Column(idx[0]), nil
}

// writeFile writes rows to path through a temporary file and a rename, so readers
// see either the old file or the complete new one.
func (t *table[T]) writeFile(mem memory.Allocator, path string, rows []T) error {
	rec := t.record(mem, rows)
	defer rec.Release()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	// hide Close so the writer leaves the file open for Sync
	fw, err := pqarrow.NewFileWriter(t.schema, struct{ io.Writer }{f}, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		cleanup()
		return fmt.Errorf("parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close writer %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (t *table[T]) readFile(ctx context.Context, mem memory.Allocator, path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer tbl.Release()
	rows, err := t.decode(tbl)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return rows, nil
}

// footerRows returns the row count recorded in the file footer.
func footerRows(path string) (int64, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return 0, err
	}
	defer rdr.Close()
	return rdr.NumRows(), nil
}
