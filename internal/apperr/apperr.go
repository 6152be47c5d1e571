// Package apperr defines the typed error taxonomy shared by every lifecycle
// service. Services return *Error values; HTTP handlers render them with
// Status().
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups codes by how the caller should react.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthorization      Kind = "authorization"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindExternalDependency Kind = "external_dependency"
	KindInvariantViolation Kind = "invariant_violation"
)

// Code is the stable machine-readable error code returned to clients.
type Code string

const (
	CodeValidation         Code = "VALIDATION_FAILED"
	CodeOfferOutOfBounds   Code = "OFFER_OUT_OF_BOUNDS"
	CodeNotAuthorized      Code = "NOT_AUTHORIZED"
	CodeNotFound           Code = "NOT_FOUND"
	CodePropertyNotFound   Code = "PROPERTY_NOT_FOUND"
	CodeDuplicateRequest   Code = "DUPLICATE_REQUEST"
	CodeConflict           Code = "CONFLICT"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeStaleOffer         Code = "STALE_OFFER"
	CodeRoundLimitExceeded Code = "ROUND_LIMIT_EXCEEDED"
	CodeCutoffPassed       Code = "CUTOFF_PASSED"
	CodeAlreadyPending     Code = "ALREADY_PENDING"
	CodeDisputeAlreadyOpen Code = "DISPUTE_ALREADY_OPEN"
	CodeHoldAlreadySettled Code = "HOLD_ALREADY_SETTLED"
	CodeEscrowAuthFailed   Code = "ESCROW_AUTH_FAILED"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeGatewayError       Code = "GATEWAY_ERROR"
	CodeLockUnavailable    Code = "LOCK_UNAVAILABLE"
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	CodeEntityFrozen       Code = "ENTITY_FROZEN"
)

var codeKinds = map[Code]Kind{
	CodeValidation:         KindValidation,
	CodeOfferOutOfBounds:   KindValidation,
	CodeNotAuthorized:      KindAuthorization,
	CodeNotFound:           KindNotFound,
	CodePropertyNotFound:   KindNotFound,
	CodeDuplicateRequest:   KindConflict,
	CodeConflict:           KindConflict,
	CodeInvalidState:       KindConflict,
	CodeStaleOffer:         KindConflict,
	CodeRoundLimitExceeded: KindConflict,
	CodeCutoffPassed:       KindConflict,
	CodeAlreadyPending:     KindConflict,
	CodeDisputeAlreadyOpen: KindConflict,
	CodeHoldAlreadySettled: KindConflict,
	CodeEscrowAuthFailed:   KindExternalDependency,
	CodeInsufficientFunds:  KindExternalDependency,
	CodeGatewayError:       KindExternalDependency,
	CodeLockUnavailable:    KindExternalDependency,
	CodeInvariantViolation: KindInvariantViolation,
	CodeEntityFrozen:       KindInvariantViolation,
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinels declared with
// New can be compared with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error for code.
func New(code Code, message string) *Error {
	return &Error{Kind: KindOf(code), Code: code, Message: message}
}

// Newf builds an error for code with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap builds an error for code that keeps err as its cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Kind: KindOf(code), Code: code, Message: message, Cause: err}
}

// KindOf returns the kind registered for code. Unknown codes are treated as
// invariant violations so they surface loudly.
func KindOf(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindInvariantViolation
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or "" when err is unclassified.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Status maps an error to its HTTP status.
func Status(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternalDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the code and message safe to show a client. Invariant
// violations and unclassified errors are replaced with a generic message.
func Public(err error) (Code, string) {
	e, ok := As(err)
	if !ok {
		return "INTERNAL_ERROR", "internal error"
	}
	switch e.Kind {
	case KindInvariantViolation:
		return e.Code, "an internal inconsistency was detected; please contact support"
	case KindExternalDependency:
		return e.Code, e.Message + "; please retry"
	}
	return e.Code, e.Message
}

// Convenience constructors for the common kinds.

func Validation(message string) *Error { return New(CodeValidation, message) }

func NotAuthorized(message string) *Error { return New(CodeNotAuthorized, message) }

func NotFound(message string) *Error { return New(CodeNotFound, message) }

func Conflict(message string) *Error { return New(CodeConflict, message) }

func InvalidState(message string) *Error { return New(CodeInvalidState, message) }

func Invariant(message string) *Error { return New(CodeInvariantViolation, message) }
