package types

import "context"

// Row is a single table row keyed by column name. Values are Go scalars
// (string, int64, float64, bool, time.Time) or nil for NULL.
type Row map[string]any

// Criteria is an equality filter keyed by column name. A nil value matches
// NULL. An empty Criteria matches every row.
type Criteria map[string]any

// Order sorts a Select by one column.
type Order struct {
	Column string
	Desc   bool
}

// Store provides row-level access to a relational backend.
// Callers open a Store, apply caller-supplied DDL with Exec, read with
// Select, write inside a Tx, and Close when done.
type Store interface {
	// Exec runs each statement in order outside of any transaction. It is
	// intended for caller-supplied DDL.
	Exec(ctx context.Context, statements ...string) error

	// Select returns the listed columns of every row in table that matches
	// where, sorted by orderBy. It never returns ErrNotFound; an empty
	// result is an empty slice.
	Select(ctx context.Context, table string, columns []string, where Criteria, orderBy []Order) ([]Row, error)

	// Begin starts a transaction. All writes of one flush share a Tx.
	Begin(ctx context.Context) (Tx, error)

	// Close releases backend resources. Idempotent: multiple calls succeed.
	// After Close, operations return ErrStoreClosed.
	Close() error
}

// Tx is a single backend transaction.
type Tx interface {
	// Insert adds row to table.
	Insert(ctx context.Context, table string, row Row) error

	// Update sets the columns in row on every row matching key.
	// Returns ErrNotFound if no row matched.
	Update(ctx context.Context, table string, key Criteria, row Row) error

	// Delete removes every row matching key.
	// Returns ErrNotFound if no row matched.
	Delete(ctx context.Context, table string, key Criteria) error

	Commit() error
	Rollback() error
}
