package rollout

import (
	"errors"
	"fmt"
)

// Kind classifies rollout errors so callers (and the UI) can tell sequencing
// problems apart from transient remote failures.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidState    Kind = "invalid_state"
	KindOrderViolation  Kind = "order_violation"
	KindValidation      Kind = "validation"
	KindAlreadyStarting Kind = "already_starting"
)

// Error is a classified rollout failure. State-machine violations are never
// retried; the kind decides the HTTP status in the server package.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) *Error {
	return errf(KindNotFound, format, args...)
}

func invalidStatef(format string, args ...any) *Error {
	return errf(KindInvalidState, format, args...)
}

func orderViolationf(format string, args ...any) *Error {
	return errf(KindOrderViolation, format, args...)
}

func validationf(format string, args ...any) *Error {
	return errf(KindValidation, format, args...)
}

func alreadyStartingf(format string, args ...any) *Error {
	return errf(KindAlreadyStarting, format, args...)
}

// KindOf returns the classification of err, or "" when err is not a rollout error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
