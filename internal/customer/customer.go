// Package customer is the sample job: it copies the customer table into
// new_customer, partition by partition, and exports customers as JSON lines.
package customer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/batchgrid/internal/chunk"
	"github.com/dreamware/batchgrid/internal/datasource/sqlsource"
	"github.com/dreamware/batchgrid/internal/fault"
	"github.com/dreamware/batchgrid/internal/item"
)

// KindInvalid tags customers that fail validation. The default policy skips
// them.
const KindInvalid fault.Kind = "invalid-customer"

type Customer struct {
	ID        int64     `json:"id" msgpack:"id"`
	FirstName string    `json:"firstName" msgpack:"first_name"`
	LastName  string    `json:"lastName" msgpack:"last_name"`
	Birthdate time.Time `json:"birthdate" msgpack:"birthdate"`
}

const schema = `
CREATE TABLE IF NOT EXISTS customer (
	id         INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL,
	last_name  TEXT NOT NULL,
	birthdate  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS new_customer (
	id         INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL,
	last_name  TEXT NOT NULL,
	birthdate  TIMESTAMP NOT NULL
);
`

const (
	selectRange = `SELECT id, first_name, last_name, birthdate FROM customer
WHERE id >= ? AND id < ? ORDER BY id LIMIT ?`
	insertCustomer    = `INSERT INTO customer (id, first_name, last_name, birthdate) VALUES (?, ?, ?, ?)`
	insertNewCustomer = `INSERT INTO new_customer (id, first_name, last_name, birthdate) VALUES (?, ?, ?, ?)`
)

// EnsureSchema creates the source and target tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create customer schema: %w", err)
	}
	return nil
}

func scan(rows *sql.Rows) (Customer, error) {
	var c Customer
	err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Birthdate)
	return c, err
}

func key(c Customer) int64 { return c.ID }

func args(c Customer) []any {
	return []any{c.ID, c.FirstName, c.LastName, c.Birthdate.UTC()}
}

// Bounds reports the id range of the customer table.
func Bounds(db *sql.DB) sqlsource.Bounds {
	return sqlsource.Bounds{DB: db, Table: "customer", Column: "id"}
}

// Seed inserts n generated customers with ids 1..n, one transaction per
// thousand rows.
func Seed(ctx context.Context, db *sql.DB, n int) error {
	w := sqlsource.NewBatchWriter(db, insertCustomer, args)
	batch := make([]Customer, 0, 1000)
	for i := 1; i <= n; i++ {
		batch = append(batch, Generate(int64(i)))
		if len(batch) == cap(batch) || i == n {
			if err := w.Write(ctx, batch); err != nil {
				return fmt.Errorf("seed customers: %w", err)
			}
			batch = batch[:0]
		}
	}
	return nil
}

var (
	firstNames = []string{"Ada", "Grace", "Linus", "Barbara", "Ken", "Margaret", "Dennis", "Frances"}
	lastNames  = []string{"Lovelace", "Hopper", "Torvalds", "Liskov", "Thompson", "Hamilton", "Ritchie", "Allen"}
	epoch      = time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Generate returns a deterministic customer for id.
func Generate(id int64) Customer {
	return Customer{
		ID:        id,
		FirstName: firstNames[id%int64(len(firstNames))],
		LastName:  lastNames[(id/int64(len(firstNames)))%int64(len(lastNames))],
		Birthdate: epoch.AddDate(0, 0, int(id*97%18250)),
	}
}

// Validate trims names and rejects customers without one.
func Validate() item.Processor[Customer, Customer] {
	return item.ProcessorFunc[Customer, Customer](func(_ context.Context, c Customer) (Customer, error) {
		c.FirstName = strings.TrimSpace(c.FirstName)
		c.LastName = strings.TrimSpace(c.LastName)
		if c.FirstName == "" || c.LastName == "" {
			return c, fault.Errorf(KindInvalid, "customer %d has no name", c.ID)
		}
		return c, nil
	})
}

// LogSkips logs every skipped item with the error that caused it.
func LogSkips(logger *zap.Logger) chunk.Observer {
	return chunk.ObserverFuncs{
		Skip: func(it any, err error) {
			if it == nil {
				logger.Warn("skipping unreadable item", zap.Error(err))
				return
			}
			logger.Warn("skipping item", zap.Any("item", it), zap.Error(err))
		},
	}
}
