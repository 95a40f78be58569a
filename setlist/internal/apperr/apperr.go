// Package apperr defines the error taxonomy shared by the setlist core.
//
// Every error surfaced to a caller carries a stable Kind. Causes are kept for
// logging through Unwrap and are never serialized to clients.
package apperr

import (
	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
)

// Kind is a stable, client-visible error category.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindExpired          Kind = "expired"
	KindUnauthorized     Kind = "unauthorized"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	// Decisions holds the quota decisions made before the failure. For a
	// capacity error they are the ones that denied the request.
	Decisions []models.QuotaDecision
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same kind. An expired error also matches
// not-found targets.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindNotFound && e.Kind == KindExpired
}

// Sentinels for errors.Is checks.
var (
	ErrValidation       = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "not found"}
	ErrExpired          = &Error{Kind: KindExpired, Message: "expired"}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrCapacityExceeded = &Error{Kind: KindCapacityExceeded, Message: "usage limit exceeded"}
	ErrUnavailable      = &Error{Kind: KindUnavailable, Message: "service unavailable"}
)

// Validation returns a validation error with the given message.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

// NotFound returns a not-found error with the given message.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Expired returns an expired error with the given message.
func Expired(msg string) error {
	return &Error{Kind: KindExpired, Message: msg}
}

// Unauthorized returns an unauthorized error with the given message.
func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// CapacityExceeded returns a capacity error carrying the triggering decisions.
func CapacityExceeded(decisions ...models.QuotaDecision) error {
	return &Error{
		Kind:      KindCapacityExceeded,
		Message:   "usage limit exceeded",
		Decisions: decisions,
	}
}

// Unavailable wraps a transient store failure.
func Unavailable(msg string, cause error) error {
	return &Error{Kind: KindUnavailable, Message: msg, cause: cause}
}

// WithDecisions attaches the admission decisions to err. Errors that already
// carry decisions are returned unchanged. Unclassified errors become internal
// errors so the decisions can travel with them.
func WithDecisions(err error, decisions []models.QuotaDecision) error {
	if err == nil || len(decisions) == 0 {
		return err
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindInternal, Message: "internal server error", Decisions: decisions, cause: err}
	}
	if len(e.Decisions) > 0 {
		return err
	}
	c := *e
	c.Decisions = decisions
	return &c
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller should back off and retry.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// DecisionsOf returns the quota decisions attached to err, if any.
func DecisionsOf(err error) []models.QuotaDecision {
	var e *Error
	if errors.As(err, &e) {
		return e.Decisions
	}
	return nil
}

// MessageOf returns the client-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
