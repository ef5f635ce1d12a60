// Package sqlsource reads and writes items through database/sql.
//
// RangeReader pages through one partition of a table by key, Bounds reports
// the key range a partitioner splits, and BatchWriter stores each chunk in a
// single transaction.
package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/item"
	"github.com/dreamware/batchgrid/internal/partition"
)

// DefaultFetchSize is the page size used when none is given.
const DefaultFetchSize = 1000

// ScanFunc maps the current row to an item.
type ScanFunc[T any] func(rows *sql.Rows) (T, error)

// KeyFunc returns the paging key of an item. Keys must be strictly
// increasing in query order.
type KeyFunc[T any] func(T) int64

// RangeReader reads the rows whose key falls in [min, max), one page at a
// time. The query must select the rows of a half-open key range in key
// order and take three arguments: the inclusive lower key, the exclusive
// upper key and the page size, e.g.
//
//	SELECT id, first_name FROM customer WHERE id >= ? AND id < ? ORDER BY id LIMIT ?
//
// Each page starts just after the last key of the previous one, so rows
// inserted behind the cursor are not read twice.
type RangeReader[T any] struct {
	db        *sql.DB
	query     string
	scan      ScanFunc[T]
	key       KeyFunc[T]
	min, max  int64
	fetchSize int

	next int64
	page []T
	done bool
}

// NewRangeReader returns a reader over desc, or over every key when desc is nil.
func NewRangeReader[T any](db *sql.DB, query string, scan ScanFunc[T], key KeyFunc[T], desc *partition.Descriptor, fetchSize int) *RangeReader[T] {
	r := &RangeReader[T]{
		db:        db,
		query:     query,
		scan:      scan,
		key:       key,
		min:       math.MinInt64,
		max:       math.MaxInt64,
		fetchSize: fetchSize,
	}
	if desc != nil {
		r.min, r.max = desc.Min, desc.Max
	}
	if r.fetchSize <= 0 {
		r.fetchSize = DefaultFetchSize
	}
	return r
}

func (r *RangeReader[T]) Open(ctx context.Context) error {
	if r.db == nil || r.query == "" || r.scan == nil || r.key == nil {
		return fmt.Errorf("%w: range reader needs a db, query, scan and key func", fault.ErrConfiguration)
	}
	r.next = r.min
	r.page = nil
	r.done = r.min >= r.max
	return nil
}

func (r *RangeReader[T]) Read(ctx context.Context) (T, error) {
	var zero T
	if len(r.page) == 0 && !r.done {
		if err := r.fetch(ctx); err != nil {
			return zero, err
		}
	}
	if len(r.page) == 0 {
		return zero, item.ErrEndOfSequence
	}
	v := r.page[0]
	r.page = r.page[1:]
	return v, nil
}

func (r *RangeReader[T]) fetch(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, r.query, r.next, r.max, r.fetchSize)
	if err != nil {
		return fmt.Errorf("query page from %d: %w", r.next, err)
	}
	defer rows.Close()

	page := make([]T, 0, r.fetchSize)
	var prev int64
	for rows.Next() {
		v, err := r.scan(rows)
		if err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		k := r.key(v)
		if k < r.next || (len(page) > 0 && k <= prev) {
			return fmt.Errorf("%w: key %d out of order at cursor %d, query must order by key", fault.ErrConfiguration, k, r.next)
		}
		prev = k
		page = append(page, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read page from %d: %w", r.next, err)
	}

	if len(page) < r.fetchSize {
		r.done = true
	}
	if len(page) > 0 {
		last := r.key(page[len(page)-1])
		if last == math.MaxInt64 {
			r.done = true
		}
		r.next = last + 1
	}
	r.page = page
	return nil
}

func (r *RangeReader[T]) Close() error {
	r.page = nil
	return nil
}

// ArgsFunc returns the statement arguments for one item.
type ArgsFunc[T any] func(T) []any

// BatchWriter executes one statement per item inside a transaction per
// chunk. A failing item rolls back the whole chunk.
type BatchWriter[T any] struct {
	db   *sql.DB
	stmt string
	args ArgsFunc[T]
}

func NewBatchWriter[T any](db *sql.DB, stmt string, args ArgsFunc[T]) *BatchWriter[T] {
	return &BatchWriter[T]{db: db, stmt: stmt, args: args}
}

func (w *BatchWriter[T]) Write(ctx context.Context, items []T) (err error) {
	if len(items) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, rollback(tx))
		}
	}()

	stmt, err := tx.PrepareContext(ctx, w.stmt)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, it := range items {
		if _, err := stmt.ExecContext(ctx, w.args(it)...); err != nil {
			return fmt.Errorf("item %d of %d: %w", i+1, len(items), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func rollback(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Bounds reports MIN and MAX of a key column. Table and Column are
// interpolated into the query and must come from trusted configuration.
type Bounds struct {
	DB     *sql.DB
	Table  string
	Column string
}

var _ partition.BoundsSource = Bounds{}

// Bounds returns the inclusive key range, or (0, -1) for an empty table.
func (b Bounds) Bounds(ctx context.Context) (int64, int64, error) {
	if b.DB == nil || b.Table == "" || b.Column == "" {
		return 0, 0, fmt.Errorf("%w: bounds need a db, table and column", fault.ErrConfiguration)
	}
	var lo, hi sql.NullInt64
	q := fmt.Sprintf("SELECT MIN(%[1]s), MAX(%[1]s) FROM %[2]s", b.Column, b.Table)
	if err := b.DB.QueryRowContext(ctx, q).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("bounds of %s.%s: %w", b.Table, b.Column, err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, -1, nil
	}
	return lo.Int64, hi.Int64, nil
}
