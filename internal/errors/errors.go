// Package errors provides the structured error type used across docsearch.
// Errors carry a stable code and a kind; the HTTP layer maps kinds to
// status codes and the ingestion pipeline uses them to decide whether a
// failure is terminal.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for handling policy.
type Kind string

const (
	// KindValidation means caller-supplied input is malformed.
	KindValidation Kind = "validation"

	// KindNotFound means a document or chunk does not exist.
	KindNotFound Kind = "not_found"

	// KindExternal means a backing service (blob store, lexical index,
	// metadata store, generator) failed or is unreachable.
	KindExternal Kind = "external"

	// KindCorruption means stored or parsed data is malformed.
	KindCorruption Kind = "corruption"

	// KindInternal is the catch-all for programming errors.
	KindInternal Kind = "internal"
)

// Error is the structured error type for docsearch.
type Error struct {
	// Code is the stable error code (e.g. "ERR_DOC_NOT_FOUND").
	Code string

	// Kind is the error category used for handling policy.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works with sentinel *Error values.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new Error with the given code, kind and message.
func New(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Wrap creates an Error from an existing error. Returns nil if err is nil.
func Wrap(code string, kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Kind: kind, Message: message, Cause: err}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CodeInvalidInput, KindValidation, message)
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, KindNotFound, message)
}

// External creates an external-failure error wrapping the cause.
func External(message string, cause error) *Error {
	return Wrap(CodeExternalFailure, KindExternal, message, cause)
}

// Corruption creates a data-corruption error wrapping the cause.
func Corruption(message string, cause error) *Error {
	return Wrap(CodeDataCorruption, KindCorruption, message, cause)
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for non-Error errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the code from an error chain.
// Returns empty string for non-Error errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error to the HTTP status code the API surface should
// return for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
