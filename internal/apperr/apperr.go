// Package apperr defines the structured errors returned to callers of the
// administrative surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindUnknownModule    Kind = "UNKNOWN_MODULE"
	KindUnknownGroup     Kind = "UNKNOWN_GROUP"
	KindMissingToken     Kind = "MISSING_TOKEN"
	KindPersistenceIO    Kind = "PERSISTENCE_IO"
	KindStaleDocument    Kind = "STALE_DOCUMENT"
	KindConflict         Kind = "CONFLICT"
	KindUnauthenticated  Kind = "UNAUTHENTICATED"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindInvalidParam     Kind = "INVALID_PARAM"
	KindInternal         Kind = "INTERNAL"
)

// Error is a caller-facing error with a kind and a message.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error with the same kind, so sentinel values can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given kind that keeps cause for errors.Unwrap.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus returns the HTTP status code for the error kind.
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Kind)
}

// StatusOf maps any error to an HTTP status code.
func StatusOf(err error) int {
	return httpStatus(KindOf(err))
}

func httpStatus(kind Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case KindUnknownModule, KindInvalidParam:
		return http.StatusBadRequest
	case KindUnknownGroup:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is comparisons; they match any message of their kind.
var (
	ErrUnknownModule    = &Error{Kind: KindUnknownModule}
	ErrUnknownGroup     = &Error{Kind: KindUnknownGroup}
	ErrPersistenceIO    = &Error{Kind: KindPersistenceIO}
	ErrStaleDocument    = &Error{Kind: KindStaleDocument}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrUnauthenticated  = &Error{Kind: KindUnauthenticated}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
)
