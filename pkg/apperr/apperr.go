// Package apperr defines the error taxonomy shared by every component.
// Errors carry a kind that maps to an HTTP status at the API boundary and,
// optionally, a suggestion pointing the caller at a recovery step.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindSecurity       Kind = "security_error"
	KindNotFound       Kind = "not_found"
	KindInvalidParam   Kind = "invalid_parameter"
	KindTimeout        Kind = "timeout"
	KindSecretNotFound Kind = "secret_not_found"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal_error"
)

// Error is a kinded error. Message is safe to surface to callers.
type Error struct {
	Kind           Kind
	Message        string
	Suggestion     string
	SuggestionTool string
	wrapped        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New returns a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a kinded error wrapping cause; errors.Is/As see through it.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...) + ": " + cause.Error(),
		wrapped: cause,
	}
}

// WithSuggestion attaches a recovery hint, optionally naming the tool that
// implements it.
func (e *Error) WithSuggestion(suggestion, tool string) *Error {
	e.Suggestion = suggestion
	e.SuggestionTool = tool
	return e
}

// KindOf extracts the kind anywhere in err's chain. Plain errors are
// internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindSecurity:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidParam, KindSecretNotFound:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
