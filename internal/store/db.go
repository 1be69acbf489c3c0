package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Knetic/go-namedParameterQuery"
	"github.com/jekabolt/o2o-ledger/internal/dependency"
	"github.com/jmoiron/sqlx"
)

type ltx struct {
	*sqlx.Tx
}

func (t ltx) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return nil, fmt.Errorf("already in transaction")
}

// Tx runs f inside one transaction and rolls back if f fails. Nothing is retried:
// the only automatic retry in the system is the router's cross-engine one.
func (s *Store) Tx(ctx context.Context, f func(context.Context, dependency.DB) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := f(ctx, ltx{Tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// bind expands named parameters and slices, then rebinds placeholders for the
// driver of conn.
func bind(conn dependency.DB, query string, params map[string]any) (string, []any, error) {
	queryNamed := namedParameterQuery.NewNamedParameterQuery(query)
	queryNamed.SetValuesFromMap(params)
	query, args, err := sqlx.In(queryNamed.GetParsedQuery(), queryNamed.GetParsedParameters()...)
	if err != nil {
		return "", nil, fmt.Errorf("sqlx in: %w", err)
	}
	return conn.Rebind(query), args, nil
}

func QueryListNamed[T any](
	ctx context.Context,
	conn dependency.DB,
	query string,
	params map[string]any,
) ([]T, error) {
	query, args, err := bind(conn, query, params)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}
	defer rows.Close()

	var target []T
	for rows.Next() {
		var t T
		if err := rows.StructScan(&t); err != nil {
			return nil, fmt.Errorf("struct scan: %w", err)
		}
		target = append(target, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return target, nil
}

func QueryCountNamed(
	ctx context.Context,
	conn dependency.DB,
	query string,
	params map[string]any,
) (int64, error) {
	query, args, err := bind(conn, query, params)
	if err != nil {
		return 0, err
	}

	var count sql.NullInt64
	if err := conn.QueryRowxContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query row scan: %w", err)
	}
	return count.Int64, nil
}

func QueryStringsNamed(
	ctx context.Context,
	conn dependency.DB,
	query string,
	params map[string]any,
) ([]string, error) {
	query, args, err := bind(conn, query, params)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := conn.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return out, nil
}

// nolint: interfacer
func ExecNamed(
	ctx context.Context,
	conn dependency.DB,
	query string,
	params map[string]any,
) error {
	query, args, err := bind(conn, query, params)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

// BulkInsert inserts rows in one statement. Every row must carry the values of
// columns in the same order.
func BulkInsert(ctx context.Context, conn dependency.DB, tableName string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	valueStrings := make([]string, 0, len(rows))
	values := make([]any, 0, len(rows)*len(columns))
	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("bulk insert into %s: row has %d values, want %d", tableName, len(row), len(columns))
		}
		valueStrings = append(valueStrings, placeholders)
		values = append(values, row...)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(valueStrings, ", "),
	)

	if _, err := conn.ExecContext(ctx, conn.Rebind(query), values...); err != nil {
		return fmt.Errorf("BulkInsert failed: %w", err)
	}
	return nil
}
