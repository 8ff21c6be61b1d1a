package types

import "errors"

// Store lifecycle errors.
var (
	ErrStoreClosed = errors.New("store is closed")
	ErrAlreadyOpen = errors.New("store is already open")
	ErrTableExists = errors.New("table already exists")
)

// Lookup and argument errors.
var (
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidID          = errors.New("invalid entity ID")
	ErrInvalidEntity      = errors.New("invalid entity value")
	ErrInvalidCriteria    = errors.New("invalid criteria")
	ErrUnknownEntityType  = errors.New("unknown entity type")
	ErrUnknownAssociation = errors.New("unknown association")
	ErrUnknownField       = errors.New("unknown field")
	ErrInvalidMapping     = errors.New("invalid mapping")
)

// Unit of work errors.
var (
	ErrDetachedEntity                    = errors.New("entity is detached")
	ErrEntityNotManaged                  = errors.New("entity is not managed")
	ErrIdentityConflict                  = errors.New("another instance with the same identity is managed")
	ErrNewEntityFoundThroughRelationship = errors.New("new entity found through a relationship that does not cascade persist")
	ErrMissingReference                  = errors.New("required association is not set")
	ErrCircularDependency                = errors.New("circular dependency between non-nullable associations")
	ErrCallbackFailed                    = errors.New("lifecycle callback failed")
)

// Constraint errors surfaced by the backend. ErrUniqueViolation and
// ErrForeignKeyViolation also match ErrConstraintViolation with errors.Is.
var (
	ErrConstraintViolation = errors.New("constraint violation")
	ErrUniqueViolation     = errors.New("unique constraint violation")
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")
	ErrNotNullViolation    = errors.New("not null constraint violation")
)

// ConstraintError wraps a driver error with the constraint sentinel it maps
// to.
type ConstraintError struct {
	Kind  error
	Cause error
}

func (e *ConstraintError) Error() string {
	return e.Kind.Error() + ": " + e.Cause.Error()
}

// Is reports whether target is the specific kind or the generic
// ErrConstraintViolation.
func (e *ConstraintError) Is(target error) bool {
	return target == e.Kind || target == ErrConstraintViolation
}

func (e *ConstraintError) Unwrap() error { return e.Cause }
