// Package apperr defines the error taxonomy shared by the data and task paths.
// Every error returned across a package boundary is either an *Error or is
// mapped to one before it reaches a client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and client handling.
type Kind string

const (
	NotFound         Kind = "NotFound"
	ProjectNotFound  Kind = "ProjectNotFound"
	PermissionDenied Kind = "PermissionDenied"
	InvalidArgument  Kind = "InvalidArgument"
	Conflict         Kind = "Conflict"
	Unauthenticated  Kind = "Unauthenticated"
	CompilationError Kind = "CompilationError"
	RuntimeError     Kind = "RuntimeError"
	ExecutionTimeout Kind = "ExecutionTimeout"
	Internal         Kind = "Internal"
)

var statusByKind = map[Kind]int{
	NotFound:         http.StatusNotFound,
	ProjectNotFound:  http.StatusNotFound,
	PermissionDenied: http.StatusForbidden,
	InvalidArgument:  http.StatusBadRequest,
	Conflict:         http.StatusConflict,
	Unauthenticated:  http.StatusUnauthorized,
	CompilationError: http.StatusInternalServerError,
	RuntimeError:     http.StatusInternalServerError,
	ExecutionTimeout: http.StatusInternalServerError,
	Internal:         http.StatusInternalServerError,
}

// Error is a classified error with an optional client-facing suggestion and
// structured details. Code narrows the kind, e.g. InvalidCollectionName.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Suggestion string
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int {
	return StatusFor(e.Kind)
}

// WithCode returns e with a specific error code attached.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithSuggestion returns e with an actionable hint attached.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithDetails returns e with structured details attached.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// StatusFor maps a kind to an HTTP status. Unknown kinds map to 500.
func StatusFor(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an error of the given kind.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Internalf wraps an unexpected failure. The cause is kept for logging but
// never rendered to clients.
func Internalf(err error, format string, args ...any) *Error {
	return &Error{Kind: Internal, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, Internal for unclassified errors and the
// empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
