package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// dialect isolates what differs between backends: the driver, the DSN, the
// placeholder syntax, and the mapping of driver errors.
type dialect interface {
	driver() string
	dsn(cfg types.Config) (string, error)
	configure(db *sql.DB)
	placeholder(n int) string
	quote(ident string) string
	mapError(err error) error
}

func dialectFor(backend string) (dialect, error) {
	switch backend {
	case types.BackendSQLite:
		return sqliteDialect{}, nil
	case types.BackendPostgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrBackendUnknown, backend)
	}
}

// quoteIdent double-quotes an identifier, which both dialects accept.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func constraint(kind, cause error) error {
	return &types.ConstraintError{Kind: kind, Cause: cause}
}

// tableExists wraps err so that it matches ErrTableExists while keeping the
// driver error in the chain.
func tableExists(err error) error {
	return fmt.Errorf("%w: %w", types.ErrTableExists, err)
}
