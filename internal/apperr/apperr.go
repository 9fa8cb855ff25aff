// Package apperr defines the error kinds surfaced by dispatch operations.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindNoDriverAvailable   Kind = "no_driver_available"
	KindInvalidState        Kind = "invalid_state"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindForbidden           Kind = "forbidden"
	KindUnauthenticated     Kind = "unauthenticated"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

// FieldError names one violated input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for i, f := range e.Fields {
		if i == 0 {
			b.WriteString(" (")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Field + " " + f.Message)
		if i == len(e.Fields)-1 {
			b.WriteString(")")
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so callers can
// write errors.Is(err, apperr.NotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Kind-only targets for errors.Is.
var (
	InvalidInput        = &Error{Kind: KindInvalidInput}
	NotFound            = &Error{Kind: KindNotFound}
	NoDriverAvailable   = &Error{Kind: KindNoDriverAvailable}
	InvalidState        = &Error{Kind: KindInvalidState}
	ConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	Forbidden           = &Error{Kind: KindForbidden}
	Unauthenticated     = &Error{Kind: KindUnauthenticated}
	Unavailable         = &Error{Kind: KindUnavailable}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Invalid builds an invalid_input error, or returns nil when fields is empty.
func Invalid(fields []FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &Error{Kind: KindInvalidInput, Message: "validation failed", Fields: fields}
}

// KindOf returns the kind of the first *Error in err's chain. Errors that
// carry no kind are reported as unavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound, KindNoDriverAvailable:
		return http.StatusNotFound
	case KindInvalidState, KindConcurrencyConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
