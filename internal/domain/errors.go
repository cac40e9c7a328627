// Package domain holds the error taxonomy and shared contracts used
// across the deposit, swap and settlement modules.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error category. Kinds are part of
// the API contract: handlers surface them verbatim so callers can branch
// on them without parsing messages.
type Kind string

const (
	KindValidation            Kind = "VALIDATION_ERROR"
	KindSessionNotFound       Kind = "SESSION_NOT_FOUND"
	KindSessionExpired        Kind = "SESSION_EXPIRED"
	KindSessionTerminal       Kind = "SESSION_TERMINAL"
	KindOrderNotFound         Kind = "ORDER_NOT_FOUND"
	KindAmountMismatch        Kind = "AMOUNT_MISMATCH"
	KindUnsupportedPair       Kind = "UNSUPPORTED_PAIR"
	KindQuoteExpired          Kind = "QUOTE_EXPIRED"
	KindInsufficientLiquidity Kind = "INSUFFICIENT_LIQUIDITY"
	KindSlippageExceeded      Kind = "SLIPPAGE_EXCEEDED"
	KindUpstreamUnavailable   Kind = "UPSTREAM_UNAVAILABLE"
	KindSignerUnavailable     Kind = "SIGNER_UNAVAILABLE"
	KindNotYetConfirmable     Kind = "NOT_YET_CONFIRMABLE"
	KindInternal              Kind = "INTERNAL_ERROR"
)

// Error is a categorized error. Message is safe to show to end users;
// Err carries the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new categorized error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a new categorized error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Errors that were never
// categorized report KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// UserMessage returns the end-user-safe message for an error: a domain
// error's Message, or a generic fallback for uncategorized errors whose
// text may leak internals.
func UserMessage(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// Retryable reports whether the caller may retry the operation that
// produced err without any state having changed. Transient upstream
// failures and not-yet-confirmable polls qualify; everything else is
// either the caller's fault or a terminal outcome.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindNotYetConfirmable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the status code handlers respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindAmountMismatch, KindUnsupportedPair:
		return http.StatusBadRequest
	case KindSessionNotFound, KindOrderNotFound:
		return http.StatusNotFound
	case KindSessionExpired:
		return http.StatusGone
	case KindSessionTerminal, KindQuoteExpired, KindSlippageExceeded, KindInsufficientLiquidity:
		return http.StatusConflict
	case KindNotYetConfirmable:
		return http.StatusAccepted
	case KindUpstreamUnavailable, KindSignerUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
