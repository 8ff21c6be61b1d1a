package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// DatabaseFile is the SQLite file created in the data directory when no DSN
// is configured.
const DatabaseFile = "ledger.db"

type sqliteDialect struct{}

func (sqliteDialect) driver() string { return "sqlite" }

// dsn returns cfg.DSN when set. Otherwise it creates DataDir if needed and
// points at DatabaseFile inside it with foreign keys enforced.
func (sqliteDialect) dsn(cfg types.Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, DatabaseFile)
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
}

// configure pins the pool to one connection; SQLite serializes writers and
// an in-memory database lives on a single connection.
func (sqliteDialect) configure(db *sql.DB) {
	db.SetMaxOpenConns(1)
}

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) quote(ident string) string { return quoteIdent(ident) }

func (sqliteDialect) mapError(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	msg := se.Error()
	switch code := se.Code(); {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return constraint(types.ErrUniqueViolation, err)
	case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return constraint(types.ErrForeignKeyViolation, err)
	case code == sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return constraint(types.ErrNotNullViolation, err)
	case code&0xff == sqlite3.SQLITE_CONSTRAINT:
		// Without extended result codes only the message tells the kinds apart.
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed"):
			return constraint(types.ErrUniqueViolation, err)
		case strings.Contains(msg, "FOREIGN KEY constraint failed"):
			return constraint(types.ErrForeignKeyViolation, err)
		case strings.Contains(msg, "NOT NULL constraint failed"):
			return constraint(types.ErrNotNullViolation, err)
		}
		return constraint(types.ErrConstraintViolation, err)
	case code&0xff == sqlite3.SQLITE_ERROR && strings.Contains(msg, "already exists"):
		return tableExists(err)
	}
	return err
}
