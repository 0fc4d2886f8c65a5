package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Warehouse reads the processed sales tables written by the load step.
// It is read-only; the pipeline steps own the data.
type Warehouse struct {
	db                 *sql.DB
	dialect            Dialect
	transactionalTable string
	aggregatedTable    string
}

func NewWarehouse(db *sql.DB, dialect Dialect, transactionalTable, aggregatedTable string) (*Warehouse, error) {
	if db == nil {
		return nil, errors.New("warehouse: db is required")
	}
	for _, t := range []string{transactionalTable, aggregatedTable} {
		if err := validIdent(t); err != nil {
			return nil, err
		}
	}
	return &Warehouse{
		db:                 db,
		dialect:            dialect,
		transactionalTable: transactionalTable,
		aggregatedTable:    aggregatedTable,
	}, nil
}

func (w *Warehouse) TransactionalTable() string { return w.transactionalTable }

// Counts returns the row counts of the transactional and aggregated tables.
func (w *Warehouse) Counts(ctx context.Context) (transactional, aggregated int64, err error) {
	if transactional, err = w.count(ctx, w.transactionalTable); err != nil {
		return 0, 0, err
	}
	if aggregated, err = w.count(ctx, w.aggregatedTable); err != nil {
		return 0, 0, err
	}
	return transactional, aggregated, nil
}

func (w *Warehouse) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := w.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, &StoreError{Op: "count " + table, Err: err}
	}
	return n, nil
}

// TotalRevenue sums the revenue column of the aggregated table. An empty
// table sums to zero.
func (w *Warehouse) TotalRevenue(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	query := fmt.Sprintf(`SELECT SUM(revenue) FROM %s`, w.aggregatedTable)
	if err := w.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, &StoreError{Op: "sum revenue", Err: err}
	}
	return total.Float64, nil
}

// Columns lists the column names of the transactional table in declared order.
func (w *Warehouse) Columns(ctx context.Context) ([]string, error) {
	query, args := w.dialect.columnsQuery(w.transactionalTable)
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list columns", Err: err}
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &StoreError{Op: "list columns", Err: err}
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list columns", Err: err}
	}
	if len(cols) == 0 {
		return nil, &StoreError{Op: "list columns", Err: fmt.Errorf("table %s not found", w.transactionalTable)}
	}
	return cols, nil
}
