// Package errs carries the error taxonomy shared by the relay, the replay
// manager and the transfer manager. Every error that crosses a handler
// boundary is one of these kinds so HTTP status codes and wire error codes
// can be derived mechanically.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for policy decisions: what to tell the client,
// whether to retry, which status code to answer with.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindCapacity   Kind = "capacity"
	KindIntegrity  Kind = "integrity"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindStore      Kind = "coordination_store"
	KindInternal   Kind = "internal"
)

// Error is the concrete error type for all taxonomy members. Code is a
// stable machine-readable identifier within the kind; Message is safe to
// show to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two taxonomy errors by kind and, when both set one, by code.
// This lets callers write errors.Is(err, errs.Capacity("transfer_limit", ""))
// style checks without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func Capacity(code, message string) *Error {
	return &Error{Kind: KindCapacity, Code: code, Message: message}
}

func Integrity(code, message string) *Error {
	return &Error{Kind: KindIntegrity, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

// Store wraps a coordination-store failure. Transfer operations fail closed
// on these; the relay degrades to local-only delivery.
func Store(err error) *Error {
	return &Error{Kind: KindStore, Code: "unavailable", Message: "coordination store unavailable", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: "internal error", Err: err}
}

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// MessageOf extracts the client-safe message from err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error to the response status for the REST surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindCapacity:
		return http.StatusConflict
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindStore:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
