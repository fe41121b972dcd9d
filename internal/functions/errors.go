package functions

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindValidation       ErrorKind = "validation"
	KindResourceExceeded ErrorKind = "resource_exceeded"
	KindTimeout          ErrorKind = "timeout"
	KindTrap             ErrorKind = "trap"
	KindUnsupported      ErrorKind = "unsupported"
	KindInternal         ErrorKind = "internal"
)

// TenantFault reports whether the kind is caused by the function's code or
// its configuration rather than by the engine.
func (k ErrorKind) TenantFault() bool {
	switch k {
	case KindValidation, KindResourceExceeded, KindTimeout, KindTrap:
		return true
	default:
		return false
	}
}

// Sentinel errors for errors.Is checks against an *Error of the same kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "function not found"}
	ErrValidation       = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrResourceExceeded = &Error{Kind: KindResourceExceeded, Message: "resource limit exceeded"}
	ErrTimeout          = &Error{Kind: KindTimeout, Message: "execution timed out"}
	ErrTrap             = &Error{Kind: KindTrap, Message: "function trapped"}
	ErrUnsupported      = &Error{Kind: KindUnsupported, Message: "unsupported runtime"}
	ErrInternal         = &Error{Kind: KindInternal, Message: "internal error"}
)

// Error is a classified invocation error.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not classified.
// It returns "" for a nil error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// NotFoundError reports a missing or inactive function.
func NotFoundError(functionID string) *Error {
	return newError(KindNotFound, nil, "function %s not found", functionID)
}

// ValidationError reports a rejected function definition.
func ValidationError(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}
