// Package errs defines the typed rejections shared by the settlement engine.
//
// Every rejection carries a Kind (which drives HTTP mapping and retry
// decisions), an Invariant code naming the rule that failed, and a
// human-readable message.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindAuthorization
	KindState
	KindInsufficientFunds
	KindNetwork
	KindConflict
	KindNotFound
	KindRateLimited
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthorization:
		return "authorization_error"
	case KindState:
		return "state_error"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNetwork:
		return "network_error"
	case KindConflict:
		return "concurrency_conflict"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// Error is a typed rejection.
type Error struct {
	Kind      Kind
	Invariant string // e.g. "escrow_disputed", "milestone_already_released"
	Message   string
	Err       error // optional cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and Invariant, so sentinel
// values declared with New work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Invariant == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Invariant == e.Invariant
}

// New creates a typed rejection.
func New(kind Kind, invariant, message string) *Error {
	return &Error{Kind: kind, Invariant: invariant, Message: message}
}

// Newf creates a typed rejection with a formatted message.
func Newf(kind Kind, invariant, format string, args ...any) *Error {
	return &Error{Kind: kind, Invariant: invariant, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to a lower-level error.
func Wrap(kind Kind, invariant string, err error, message string) *Error {
	return &Error{Kind: kind, Invariant: invariant, Message: message, Err: err}
}

// Convenience constructors.

func Validation(invariant, message string) *Error {
	return New(KindValidation, invariant, message)
}

func Unauthorized(invariant, message string) *Error {
	return New(KindAuthorization, invariant, message)
}

func State(invariant, message string) *Error {
	return New(KindState, invariant, message)
}

func NotFound(invariant, message string) *Error {
	return New(KindNotFound, invariant, message)
}

func Conflict(invariant, message string) *Error {
	return New(KindConflict, invariant, message)
}

func Network(err error, message string) *Error {
	return Wrap(KindNetwork, "ledger_unavailable", err, message)
}

func InsufficientFunds(message string) *Error {
	return New(KindInsufficientFunds, "insufficient_balance", message)
}

// Sentinels for errors.Is matching by kind alone.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrState             = &Error{Kind: KindState}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// InvariantOf returns the invariant code of err, if any.
func InvariantOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Invariant
	}
	return ""
}

// MessageOf returns the human-readable message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Retryable reports whether the orchestration layer may retry err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindConflict:
		return true
	}
	return false
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindState, KindConflict:
		return http.StatusConflict
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
