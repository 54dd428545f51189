package sqlbind

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParamMissing     = errors.New("sqlbind: missing parameter")
	ErrNoTemplate       = errors.New("sqlbind: no statement template set")
	ErrListEmpty        = errors.New("sqlbind: empty list parameter")
	ErrTooManyParams    = errors.New("sqlbind: too many parameters")
	ErrParamNameTooLong = errors.New("sqlbind: parameter name too long")
	ErrFieldAmbiguous   = errors.New("sqlbind: ambiguous field name")
	ErrRowsClosed       = errors.New("sqlbind: rows closed by the session")
)

// MissingParamsError reports every marker in the template that has no
// binding. Names is sorted and deduplicated. errors.Is matches it against
// ErrParamMissing.
type MissingParamsError struct {
	Names []string
}

func (e *MissingParamsError) Error() string {
	return "sqlbind: missing value for parameters: " + strings.Join(e.Names, ", ")
}

func (e *MissingParamsError) Is(target error) bool {
	return target == ErrParamMissing
}

// QueryError wraps a failure returned by the database while preparing or
// running a statement. Query holds the compiled SQL text.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return "sqlbind: statement failed: " + e.Err.Error()
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// MapError wraps a mapper or consumer failure on a specific result row.
// Row is the 1-based position of the row in the sequence.
type MapError struct {
	Row int
	Err error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("sqlbind: mapping row %d: %v", e.Row, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

// ReleaseError wraps a failure while closing a prepared statement or an open
// cursor. The resources are considered released regardless.
type ReleaseError struct {
	Err error
}

func (e *ReleaseError) Error() string {
	return "sqlbind: release failed: " + e.Err.Error()
}

func (e *ReleaseError) Unwrap() error {
	return e.Err
}
