// Package apperr classifies coordinator errors into kinds callers can act on.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the broad class of a failure
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindState
	KindAuthorization
	KindNotFound
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Error is a classified error with a stable code
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	Cause error
}

// New creates a sentinel error of the given kind
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so copies made by WithCause
// still compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of the sentinel carrying an underlying error
func (e *Error) WithCause(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Msg: e.Msg, Cause: cause}
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first classified error in the chain
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether a caller may reasonably retry the operation.
// State, validation and authorization failures are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindExternal:
		return true
	default:
		return false
	}
}
