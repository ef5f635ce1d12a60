// Package sqlrepo is an execution.Repository on top of database/sql and
// sqlite. Monotonic status updates are enforced by the UPDATE itself, so
// concurrent writers from several processes cannot move a record backwards.
package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dreamware/batchgrid/internal/execution"
	"github.com/dreamware/batchgrid/internal/partition"
)

const schema = `
CREATE TABLE IF NOT EXISTS step_execution (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id       INTEGER NOT NULL DEFAULT 0,
	step_name       TEXT    NOT NULL,
	run_key         TEXT    NOT NULL DEFAULT '',
	status          TEXT    NOT NULL,
	status_rank     INTEGER NOT NULL,
	partitioned     INTEGER NOT NULL DEFAULT 0,
	partition_index INTEGER NOT NULL DEFAULT 0,
	range_min       INTEGER NOT NULL DEFAULT 0,
	range_max       INTEGER NOT NULL DEFAULT 0,
	create_time     INTEGER NOT NULL,
	start_time      INTEGER,
	end_time        INTEGER,
	failure_cause   TEXT    NOT NULL DEFAULT '',
	items_read      INTEGER NOT NULL DEFAULT 0,
	items_written   INTEGER NOT NULL DEFAULT 0,
	items_skipped   INTEGER NOT NULL DEFAULT 0,
	items_filtered  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS step_execution_parent ON step_execution(parent_id, partition_index);
CREATE INDEX IF NOT EXISTS step_execution_key ON step_execution(step_name, run_key);
`

const columns = `id, parent_id, step_name, run_key, status, partitioned, partition_index,
	range_min, range_max, create_time, start_time, end_time, failure_cause,
	items_read, items_written, items_skipped, items_filtered`

// Repository stores execution records in a SQL table.
type Repository struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// Open opens a sqlite database at dsn (":memory:" is fine) and prepares the
// schema. The pool is limited to one connection, which serializes writers and
// keeps an in-memory database alive for the life of the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Repository, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	r, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an existing handle and creates the table if needed.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Repository, error) {
	r := &Repository{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// DB exposes the underlying handle.
func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Create(ctx context.Context, parentID execution.ID, stepName string, desc *partition.Descriptor) (execution.ID, error) {
	return r.create(ctx, parentID, stepName, "", desc)
}

func (r *Repository) CreateKeyed(ctx context.Context, stepName, key string) (execution.ID, error) {
	return r.create(ctx, 0, stepName, key, nil)
}

func (r *Repository) create(ctx context.Context, parentID execution.ID, stepName, key string, desc *partition.Descriptor) (execution.ID, error) {
	if parentID != 0 {
		var one int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM step_execution WHERE id = ?`, int64(parentID)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("parent %d: %w", parentID, execution.ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("check parent %d: %w", parentID, err)
		}
	}

	var (
		partitioned bool
		index       int
		lo, hi      int64
	)
	if desc != nil {
		partitioned, index, lo, hi = true, desc.Index, desc.Min, desc.Max
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO step_execution
		(parent_id, step_name, run_key, status, status_rank, partitioned, partition_index, range_min, range_max, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(parentID), stepName, key, string(execution.StatusStarting), execution.StatusStarting.Rank(),
		partitioned, index, lo, hi, r.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	return execution.ID(id), nil
}

// UpdateStatus only touches rows whose rank is below both the new rank and
// the terminal rank; a zero-row update on an existing record is a no-op.
func (r *Repository) UpdateStatus(ctx context.Context, id execution.ID, status execution.Status, cause string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", execution.ErrInvalidStatus, status)
	}
	now := r.clock.Now().UnixNano()
	rank := status.Rank()
	terminal := status.Terminal()

	res, err := r.db.ExecContext(ctx, `UPDATE step_execution SET
			status = ?,
			status_rank = ?,
			start_time = COALESCE(start_time, ?),
			end_time = CASE WHEN ? THEN ? ELSE end_time END,
			failure_cause = ?
		WHERE id = ? AND status_rank < ? AND status_rank < 2`,
		string(status), rank, now, terminal, now, execution.NormalizeCause(status, cause),
		int64(id), rank)
	if err != nil {
		return fmt.Errorf("update execution %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution %d: %w", id, err)
	}
	if n == 0 {
		return r.exists(ctx, id)
	}
	return nil
}

// RecordCounts stores counters while the record is not terminal.
func (r *Repository) RecordCounts(ctx context.Context, id execution.ID, c execution.Counts) error {
	res, err := r.db.ExecContext(ctx, `UPDATE step_execution SET
			items_read = ?, items_written = ?, items_skipped = ?, items_filtered = ?
		WHERE id = ? AND status_rank < 2`,
		c.ItemsRead, c.ItemsWritten, c.ItemsSkipped, c.ItemsFiltered, int64(id))
	if err != nil {
		return fmt.Errorf("record counts %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return r.exists(ctx, id)
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, id execution.ID) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM step_execution WHERE id = ?`, int64(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %d: %w", id, execution.ErrNotFound)
	}
	return err
}

func (r *Repository) Get(ctx context.Context, id execution.ID) (execution.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM step_execution WHERE id = ?`, int64(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Record{}, fmt.Errorf("execution %d: %w", id, execution.ErrNotFound)
	}
	return rec, err
}

func (r *Repository) ListChildren(ctx context.Context, parentID execution.ID) ([]execution.Record, error) {
	out := make([]execution.Record, 0)
	if parentID == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM step_execution
		WHERE parent_id = ? ORDER BY partition_index, id`, int64(parentID))
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) FindLatest(ctx context.Context, stepName, key string) (execution.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM step_execution
		WHERE parent_id = 0 AND step_name = ? AND run_key = ? ORDER BY id DESC LIMIT 1`, stepName, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return execution.Record{}, fmt.Errorf("step %q key %q: %w", stepName, key, execution.ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (execution.Record, error) {
	var (
		rec                execution.Record
		id, parent, create int64
		status             string
		start, end         sql.NullInt64
	)
	err := s.Scan(&id, &parent, &rec.StepName, &rec.Key, &status, &rec.Partitioned, &rec.PartitionIndex,
		&rec.RangeMin, &rec.RangeMax, &create, &start, &end, &rec.FailureCause,
		&rec.ItemsRead, &rec.ItemsWritten, &rec.ItemsSkipped, &rec.ItemsFiltered)
	if err != nil {
		return execution.Record{}, err
	}
	rec.ID = execution.ID(id)
	rec.ParentID = execution.ID(parent)
	rec.Status = execution.Status(status)
	rec.CreateTime = time.Unix(0, create).UTC()
	rec.StartTime = nullTime(start)
	rec.EndTime = nullTime(end)
	return rec, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
