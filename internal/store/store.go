// Package store implements types.Store on database/sql. The SQLite dialect
// runs on modernc.org/sqlite; the PostgreSQL dialect runs on the pgx stdlib
// driver. Both dialects bind the same Go value kinds and map constraint
// failures to the sentinels in pkg/types.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Store implements types.Store. The zero value is not usable; call New and
// then Open.
type Store struct {
	mu      sync.RWMutex
	open    bool
	config  types.Config
	db      *sql.DB
	dialect dialect
	log     zerolog.Logger
}

var _ types.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for statement tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store that is not yet open.
func New(opts ...Option) *Store {
	s := &Store{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open is New followed by Store.Open.
func Open(ctx context.Context, cfg types.Config, opts ...Option) (*Store, error) {
	s := New(opts...)
	if err := s.Open(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Open validates cfg, connects to the configured backend, and pings it.
// Returns ErrAlreadyOpen if the store is already open.
func (s *Store) Open(ctx context.Context, cfg types.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return types.ErrAlreadyOpen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	d, err := dialectFor(cfg.Backend)
	if err != nil {
		return err
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return err
	}

	db, err := sql.Open(d.driver(), dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Backend, err)
	}
	d.configure(db)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connect %s: %w", cfg.Backend, err)
	}

	s.db = db
	s.dialect = d
	s.config = cfg
	s.open = true
	s.log.Debug().Str("backend", cfg.Backend).Msg("store opened")
	return nil
}

// Close releases the connection pool. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Backend returns the name of the open backend, or "" when closed.
func (s *Store) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return ""
	}
	return s.config.Backend
}

// Exec runs each statement in order outside of a transaction. A statement
// that fails because its table already exists returns an error matching
// ErrTableExists.
func (s *Store) Exec(ctx context.Context, statements ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return types.ErrStoreClosed
	}
	for _, stmt := range statements {
		s.log.Trace().Str("sql", stmt).Msg("exec")
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), s.dialect.mapError(err))
		}
	}
	return nil
}

// Select implements types.Store.
func (s *Store) Select(ctx context.Context, table string, columns []string, where types.Criteria, orderBy []types.Order) ([]types.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, types.ErrStoreClosed
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: select from %s lists no columns", types.ErrInvalidCriteria, table)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.dialect.quote(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(s.dialect.quote(table))

	var args []any
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		args = s.writeConditions(&b, where, " AND ", 0)
	}
	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range orderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.dialect.quote(o.Column))
			if o.Desc {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
		}
	}

	query := b.String()
	s.log.Trace().Str("sql", query).Interface("args", args).Msg("select")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, s.dialect.mapError(err))
	}
	defer rows.Close()

	result := []types.Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(types.Row, len(columns))
		for i, c := range columns {
			row[c] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, s.dialect.mapError(err))
	}
	return result, nil
}

// Begin implements types.Store. The read lock is held until the transaction
// ends so that Close waits for in-flight flushes.
func (s *Store) Begin(ctx context.Context) (types.Tx, error) {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return nil, types.ErrStoreClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("begin: %w", s.dialect.mapError(err))
	}
	return &tx{store: s, tx: sqlTx}, nil
}

// writeConditions renders criteria in sorted column order so the same
// criteria always produce the same statement. offset is the number of
// placeholders already used.
func (s *Store) writeConditions(b *strings.Builder, c types.Criteria, sep string, offset int) []any {
	keys := slices.Sorted(maps.Keys(c))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(s.dialect.quote(k))
		v := bindValue(c[k])
		if v == nil {
			b.WriteString(" IS NULL")
			continue
		}
		args = append(args, v)
		b.WriteString(" = ")
		b.WriteString(s.dialect.placeholder(offset + len(args)))
	}
	return args
}

// tx implements types.Tx over a *sql.Tx.
type tx struct {
	store *Store
	tx    *sql.Tx
	done  bool
}

func (t *tx) Insert(ctx context.Context, table string, row types.Row) error {
	if len(row) == 0 {
		return fmt.Errorf("%w: empty insert into %s", types.ErrInvalidEntity, table)
	}
	d := t.store.dialect
	cols := slices.Sorted(maps.Keys(row))
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = d.quote(c)
		marks[i] = d.placeholder(i + 1)
		args[i] = bindValue(row[c])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	t.store.log.Trace().Str("sql", query).Interface("args", args).Msg("insert")
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, d.mapError(err))
	}
	return nil
}

func (t *tx) Update(ctx context.Context, table string, key types.Criteria, row types.Row) error {
	if len(row) == 0 {
		return nil
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: update of %s without key", types.ErrInvalidCriteria, table)
	}
	d := t.store.dialect
	cols := slices.Sorted(maps.Keys(row))
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(d.quote(table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(cols)+len(key))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		args = append(args, bindValue(row[c]))
		b.WriteString(d.quote(c))
		b.WriteString(" = ")
		b.WriteString(d.placeholder(len(args)))
	}
	b.WriteString(" WHERE ")
	args = append(args, t.store.writeConditions(&b, key, " AND ", len(args))...)
	return t.execAffecting(ctx, "update "+table, b.String(), args)
}

func (t *tx) Delete(ctx context.Context, table string, key types.Criteria) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: delete from %s without key", types.ErrInvalidCriteria, table)
	}
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(t.store.dialect.quote(table))
	b.WriteString(" WHERE ")
	args := t.store.writeConditions(&b, key, " AND ", 0)
	return t.execAffecting(ctx, "delete from "+table, b.String(), args)
}

func (t *tx) execAffecting(ctx context.Context, op, query string, args []any) error {
	t.store.log.Trace().Str("sql", query).Interface("args", args).Msg(op)
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, t.store.dialect.mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	defer t.store.mu.RUnlock()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", t.store.dialect.mapError(err))
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.mu.RUnlock()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// bindValue converts a Go field value to the value bound to a placeholder.
// Times are stored as RFC3339Nano text with the zero time as NULL, and bools
// as 0 or 1, so that the same columns work on every dialect.
func bindValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	default:
		return v
	}
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
