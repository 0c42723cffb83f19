package relmap

import (
	"errors"
	"fmt"

	"github.com/syssam/relmap/schema"
)

// Standard sentinel errors for common operations.
var (
	// ErrNotFound is returned when a strict finder matches no row.
	ErrNotFound = errors.New("relmap: record not found")

	// ErrNotSingular is returned when a query that expects exactly one
	// result returns zero or multiple results.
	ErrNotSingular = errors.New("relmap: record not singular")

	// ErrStaleObject is returned when an optimistic-lock write matches no
	// row because the in-memory version is out of date.
	ErrStaleObject = errors.New("relmap: stale record")
)

// NotFoundError is returned by strict finders when no row matches.
// General queries return empty slices, never a NotFoundError.
type NotFoundError struct {
	label string
	id    any // the primary key searched for, if known
}

// Error returns the error string.
func (e *NotFoundError) Error() string {
	if e.id != nil {
		return fmt.Sprintf("relmap: %s not found (id=%v)", e.label, e.id)
	}
	return fmt.Sprintf("relmap: %s not found", e.label)
}

// Is reports whether the target error matches NotFoundError.
// This allows errors.Is(err, ErrNotFound) to return true.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// Label returns the record type label.
func (e *NotFoundError) Label() string { return e.label }

// ID returns the primary key that was searched for, if available.
func (e *NotFoundError) ID() any { return e.id }

// NewNotFoundError returns a new NotFoundError for the given record type.
func NewNotFoundError(label string, id any) *NotFoundError {
	return &NotFoundError{label: label, id: id}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// NotSingularError is returned when a query expects a singular result but
// receives zero or multiple results.
type NotSingularError struct {
	label string
	count int // number of results returned (-1 if unknown)
}

// Error returns the error string.
func (e *NotSingularError) Error() string {
	if e.count >= 0 {
		return fmt.Sprintf("relmap: %s not singular (got %d results, expected 1)", e.label, e.count)
	}
	return fmt.Sprintf("relmap: %s not singular", e.label)
}

// Is reports whether the target error matches NotSingularError.
func (e *NotSingularError) Is(err error) bool {
	return err == ErrNotSingular
}

// Label returns the record type label.
func (e *NotSingularError) Label() string { return e.label }

// Count returns the number of results, or -1 if unknown.
func (e *NotSingularError) Count() int { return e.count }

// NewNotSingularError returns a new NotSingularError with the result count.
func NewNotSingularError(label string, count int) *NotSingularError {
	return &NotSingularError{label: label, count: count}
}

// IsNotSingular returns true if the error is a NotSingularError.
func IsNotSingular(err error) bool {
	if err == nil {
		return false
	}
	var e *NotSingularError
	return errors.As(err, &e) || errors.Is(err, ErrNotSingular)
}

// StaleObjectError is returned when an optimistic-lock update or delete
// affects zero rows: another copy of the record was written since this
// copy was loaded.
type StaleObjectError struct {
	label   string
	id      any
	version int64 // the version this copy expected
}

// Error returns the error string.
func (e *StaleObjectError) Error() string {
	return fmt.Sprintf("relmap: stale %s (id=%v, expected version %d)", e.label, e.id, e.version)
}

// Is reports whether the target error matches StaleObjectError.
func (e *StaleObjectError) Is(err error) bool {
	return err == ErrStaleObject
}

// Label returns the record type label.
func (e *StaleObjectError) Label() string { return e.label }

// ID returns the primary key of the stale record.
func (e *StaleObjectError) ID() any { return e.id }

// Version returns the version the write expected to find.
func (e *StaleObjectError) Version() int64 { return e.version }

// NewStaleObjectError returns a new StaleObjectError.
func NewStaleObjectError(label string, id any, version int64) *StaleObjectError {
	return &StaleObjectError{label: label, id: id, version: version}
}

// IsStaleObject returns true if the error is a StaleObjectError.
func IsStaleObject(err error) bool {
	if err == nil {
		return false
	}
	var e *StaleObjectError
	return errors.As(err, &e) || errors.Is(err, ErrStaleObject)
}

// InvalidQueryError reports a malformed or contradictory query
// specification, detected before execution.
type InvalidQueryError struct {
	msg string
}

// Error returns the error string.
func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("relmap: invalid query: %s", e.msg)
}

// NewInvalidQueryError returns a new InvalidQueryError with the given message.
func NewInvalidQueryError(format string, args ...any) *InvalidQueryError {
	return &InvalidQueryError{msg: fmt.Sprintf(format, args...)}
}

// IsInvalidQuery returns true if the error is an InvalidQueryError.
func IsInvalidQuery(err error) bool {
	if err == nil {
		return false
	}
	var e *InvalidQueryError
	return errors.As(err, &e)
}

// NotLoadedError is returned when accessing an association that was
// neither eager-loaded nor lazily resolvable (no bound client).
type NotLoadedError struct {
	assoc string
}

// Error returns the error string.
func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("relmap: association %q was not loaded", e.assoc)
}

// NewNotLoadedError returns a new NotLoadedError for the given association.
func NewNotLoadedError(assoc string) *NotLoadedError {
	return &NotLoadedError{assoc: assoc}
}

// IsNotLoaded returns true if the error is a NotLoadedError.
func IsNotLoaded(err error) bool {
	if err == nil {
		return false
	}
	var e *NotLoadedError
	return errors.As(err, &e)
}

// ConstraintError represents a database constraint violation.
type ConstraintError struct {
	msg  string
	wrap error
}

// Error returns the error string.
func (e ConstraintError) Error() string {
	return fmt.Sprintf("relmap: constraint failed: %s", e.msg)
}

// Unwrap returns the underlying error.
func (e ConstraintError) Unwrap() error { return e.wrap }

// NewConstraintError returns a new ConstraintError with the given message.
func NewConstraintError(msg string, wrap error) error {
	return ConstraintError{msg: msg, wrap: wrap}
}

// IsConstraintError returns true if the error is a ConstraintError.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var e ConstraintError
	return errors.As(err, &e)
}

// AssociationError reports an invalid association declaration. It is an
// alias of the schema package's type so callers only import relmap.
type AssociationError = schema.AssociationError

// IsAssociationError returns true if the error is an AssociationError.
func IsAssociationError(err error) bool {
	return schema.IsAssociationError(err)
}
