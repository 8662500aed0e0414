// Package dispatcherr defines the typed error kinds surfaced to API callers.
// Internal causes are wrapped but never leaked in the HTTP response body.
package dispatcherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds from the error-handling design.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindNotFound            Kind = "NotFound"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindOfferExpired        Kind = "OfferExpired"
	KindCaptainUnavailable  Kind = "CaptainUnavailable"
	KindIdempotencyConflict Kind = "IdempotencyConflict"
	KindRateLimited         Kind = "RateLimited"
	KindDependency          Kind = "Dependency"
	KindInternal            Kind = "Internal"
)

// httpStatus maps each Kind to its HTTP status, per the error-handling table.
var httpStatus = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindInvalidTransition:   http.StatusConflict,
	KindOfferExpired:        http.StatusConflict,
	KindCaptainUnavailable:  http.StatusConflict,
	KindIdempotencyConflict: http.StatusConflict,
	KindRateLimited:         http.StatusTooManyRequests,
	KindDependency:          http.StatusBadGateway,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the typed error every component returns instead of a bare error
// string. Handlers map Kind to an HTTP status; Cause is logged but never
// serialized to the client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error carrying cause for logging while keeping the
// client-facing message generic for Dependency-kind failures.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus returns the status code for err if it is (or wraps) a
// *dispatcherr.Error, otherwise 500.
func HTTPStatus(err error) int {
	var derr *Error
	if errors.As(err, &derr) {
		if status, ok := httpStatus[derr.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ""
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
