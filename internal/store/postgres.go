package store

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// SQLSTATE codes mapped to sentinels.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
	pgDuplicateTable      = "42P07"
	pgIntegrityClass      = "23"
)

type postgresDialect struct{}

func (postgresDialect) driver() string { return "pgx" }

func (postgresDialect) dsn(cfg types.Config) (string, error) {
	if cfg.DSN == "" {
		return "", types.ErrDSNRequired
	}
	return cfg.DSN, nil
}

func (postgresDialect) configure(db *sql.DB) {
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
}

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) quote(ident string) string { return quoteIdent(ident) }

func (postgresDialect) mapError(err error) error {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return err
	}
	switch pe.Code {
	case pgUniqueViolation:
		return constraint(types.ErrUniqueViolation, err)
	case pgForeignKeyViolation:
		return constraint(types.ErrForeignKeyViolation, err)
	case pgNotNullViolation:
		return constraint(types.ErrNotNullViolation, err)
	case pgDuplicateTable:
		return tableExists(err)
	}
	if len(pe.Code) == 5 && pe.Code[:2] == pgIntegrityClass {
		return constraint(types.ErrConstraintViolation, err)
	}
	return err
}
