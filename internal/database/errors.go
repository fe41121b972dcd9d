package database

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Constraint kinds reported through ConstraintError.
var (
	ErrUnique     = errors.New("unique constraint violated")
	ErrForeignKey = errors.New("foreign key constraint violated")
	ErrNotNull    = errors.New("not null constraint violated")
	ErrCheck      = errors.New("check constraint violated")
)

// ConstraintError is a constraint violation reported by SQLite. Table and
// Column are empty when the message does not name them.
type ConstraintError struct {
	Kind   error
	Table  string
	Column string
	Err    error
}

func (e *ConstraintError) Error() string {
	if e.Column == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s.%s", e.Kind, e.Table, e.Column)
}

func (e *ConstraintError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

var constraintTarget = regexp.MustCompile(`constraint failed: (\w+)\.(\w+)`)

// ClassifyError turns SQLite constraint failures into a *ConstraintError.
// Any other error is returned unchanged.
func ClassifyError(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}

	kind := constraintKind(se.Code(), se.Error())
	if kind == nil {
		return err
	}

	ce := &ConstraintError{Kind: kind, Err: err}
	if m := constraintTarget.FindStringSubmatch(se.Error()); m != nil {
		ce.Table, ce.Column = m[1], m[2]
	}
	return ce
}

func constraintKind(code int, msg string) error {
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return ErrUnique
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return ErrForeignKey
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return ErrNotNull
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return ErrCheck
	}

	// Without extended result codes only the primary code is set.
	if code&0xff != sqlite3.SQLITE_CONSTRAINT {
		return nil
	}
	switch {
	case strings.Contains(msg, "UNIQUE constraint"):
		return ErrUnique
	case strings.Contains(msg, "FOREIGN KEY constraint"):
		return ErrForeignKey
	case strings.Contains(msg, "NOT NULL constraint"):
		return ErrNotNull
	case strings.Contains(msg, "CHECK constraint"):
		return ErrCheck
	}
	return nil
}

// AsConstraintError returns the *ConstraintError in err's chain, or nil.
func AsConstraintError(err error) *ConstraintError {
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// IsUniqueViolation reports whether err is, or classifies as, a unique or
// primary key violation.
func IsUniqueViolation(err error) bool {
	return errors.Is(ClassifyError(err), ErrUnique)
}
