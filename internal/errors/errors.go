// Package errors provides structured, coded errors for the collabd CLI and
// configuration surface. Each code carries a message, a longer detail, and a
// fix suggestion so operators see actionable output instead of a bare string.
package errors

import "fmt"

// Category represents the type of error.
type Category string

const (
	CategoryConfig Category = "config"
	CategoryAuth   Category = "auth"
	CategoryServer Category = "server"
	CategoryCLI    Category = "cli"
)

// Error is a structured error with a stable code and a fix suggestion.
type Error struct {
	// Code is a unique error identifier (e.g., "E101").
	Code string

	// Category is the error type (config, auth, server, cli).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithDetail sets the detail text.
func (e *Error) WithDetail(d string) *Error {
	e.Detail = d
	return e
}

// WithSuggestion sets the fix suggestion.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// Wrap attaches an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.Wrapped = err
	if e.Detail == "" && err != nil {
		e.Detail = err.Error()
	}
	return e
}

// New creates an error from a registered code. Unknown codes produce a
// generic error carrying the code, so a missing registry entry is visible
// rather than fatal.
func New(code string) *Error {
	if t, ok := registry[code]; ok {
		return &Error{
			Code:       code,
			Category:   t.Category,
			Message:    t.Message,
			Detail:     t.Detail,
			Suggestion: t.Suggestion,
		}
	}
	return &Error{Code: code, Message: "unknown error"}
}

// Newf creates an unregistered error with a formatted message.
func Newf(category Category, format string, args ...any) *Error {
	return &Error{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps an arbitrary error under a registered code. A nil err
// returns nil; an err that already is an *Error is returned unchanged.
func FromError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return New(code).Wrap(err)
}
