package dependency

import (
	"context"
	"database/sql"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/jmoiron/sqlx"
)

type (
	// RowStore is the row-oriented order store backing the oltp engine.
	RowStore interface {
		// ReplaceOrders stores lines and their orders, replacing any previous copy of
		// the same order ids. It returns the dates the replaced orders used to have.
		ReplaceOrders(ctx context.Context, lines []entity.OrderLine, orders []entity.Order) ([]time.Time, error)
		// EstimateRows returns the number of order rows a query would read.
		EstimateRows(ctx context.Context, q *entity.Query) (int64, error)
		// TotalRows returns the number of stored orders.
		TotalRows(ctx context.Context) (int64, error)
		// QueryBuckets groups the orders of a query into buckets of the query
		// granularity and mode. Excluded orders are only counted.
		QueryBuckets(ctx context.Context, q *entity.Query, policy entity.ChannelPolicy) ([]entity.AggregationBucket, error)
		// QueryOrders returns one page of derived valid orders ordered by date and id.
		QueryOrders(ctx context.Context, q *entity.Query, policy entity.ChannelPolicy) ([]entity.Order, error)
		Ping(ctx context.Context) error
	}

	// OrderSource reads orders back for scans and cache rebuilds.
	OrderSource interface {
		// ScanOrders returns the mode independent orders inside the query window
		// that match its store and channel filters.
		ScanOrders(ctx context.Context, q *entity.Query) ([]entity.Order, error)
	}

	// ColumnStore is the columnar order store backing the olap engine.
	ColumnStore interface {
		OrderSource
		// WriteOrders rewrites the date partitions touched by orders. prevDates are
		// partitions that may hold an older copy of the same order ids.
		WriteOrders(ctx context.Context, orders []entity.Order, prevDates []time.Time) error
		// EstimateRows returns the number of order rows a query would read, from
		// file metadata only.
		EstimateRows(ctx context.Context, q *entity.Query) (int64, error)
		TotalRows(ctx context.Context) (int64, error)
	}

	// BucketStore persists bucket generations.
	BucketStore interface {
		// WriteGeneration persists snap as the next generation of its window and makes
		// it current once it reads back. snap.Generation is ignored; the assigned
		// generation is returned in the ref.
		WriteGeneration(ctx context.Context, snap *entity.BucketSnapshot) (*entity.GenerationRef, error)
		// LoadCurrent returns the current generation of every persisted window.
		LoadCurrent(ctx context.Context) ([]*entity.BucketSnapshot, error)
		// ReadGeneration returns the current generation of one day, nil if none.
		ReadGeneration(ctx context.Context, day time.Time) (*entity.BucketSnapshot, error)
	}

	// SourceVersions tells when the stored orders of a day last changed. Unlike
	// in-process dirty marks it survives restarts and is shared by every process
	// using the same store.
	SourceVersions interface {
		SourceChangedAt(ctx context.Context, day time.Time) (time.Time, error)
	}

	// GenerationMirror copies a published generation to secondary storage.
	GenerationMirror interface {
		MirrorGeneration(ctx context.Context, ref *entity.GenerationRef) error
	}

	// WindowLocker grants a single writer per window key.
	WindowLocker interface {
		Lock(ctx context.Context, key string) (unlock func(), err error)
	}

	DB interface {
		BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
		ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)

		// sqlx methods
		GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
		QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
		QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
		SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
		Rebind(query string) string
		DriverName() string
	}
)
