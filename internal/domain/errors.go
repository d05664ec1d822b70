package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors so callers can recover per policy
// instead of string-matching messages.
type ErrorKind string

const (
	KindConfigInvalid       ErrorKind = "config_invalid"
	KindExchangeUnreachable ErrorKind = "exchange_unreachable"
	KindExchangeRejected    ErrorKind = "exchange_rejected"
	KindDataStale           ErrorKind = "data_stale"
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindRiskDenied          ErrorKind = "risk_denied"
	KindExecutionTimeout    ErrorKind = "execution_timeout"
	KindSlippageExceeded    ErrorKind = "slippage_exceeded"
	KindInFlight            ErrorKind = "in_flight"
	KindInternal            ErrorKind = "internal"
)

// Error is the engine's typed error carrying a kind, a reason, and an optional cause
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind, so errors.Is(err, &Error{Kind: KindRiskDenied}) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds a typed error with a formatted reason
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error wrapping a cause
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Internalf builds an Internal error; reserved for invariant violations
func Internalf(format string, args ...interface{}) *Error {
	return NewError(KindInternal, format, args...)
}

// KindOf extracts the kind from an error chain, or KindInternal for untyped errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
