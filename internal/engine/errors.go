package engine

import (
	"errors"
	"fmt"

	"civicflow/internal/domain"
)

// Error kinds. Match with errors.Is against an *Error.
var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrValidationFailed       = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAlreadyTerminal        = errors.New("already terminal")
)

// Error is a named, expected failure of a complaint operation. Reason names
// the precondition that failed.
type Error struct {
	Kind   error
	Event  domain.Event
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func newError(kind error, evt domain.Event, format string, args ...any) *Error {
	return &Error{Kind: kind, Event: evt, Reason: fmt.Sprintf(format, args...)}
}

func invalidTransition(evt domain.Event, format string, args ...any) *Error {
	return newError(ErrInvalidTransition, evt, format, args...)
}

func validationFailed(evt domain.Event, format string, args ...any) *Error {
	return newError(ErrValidationFailed, evt, format, args...)
}

func unauthorized(evt domain.Event, cause error) *Error {
	return &Error{Kind: ErrUnauthorized, Event: evt, Reason: cause.Error(), Cause: cause}
}

func notFound(evt domain.Event, what, id string) *Error {
	return newError(ErrNotFound, evt, "%s %s not found", what, id)
}

func alreadyTerminal(evt domain.Event, format string, args ...any) *Error {
	return newError(ErrAlreadyTerminal, evt, format, args...)
}

func concurrentModification(evt domain.Event, id string) *Error {
	return newError(ErrConcurrentModification, evt, "complaint %s was modified by another request; reload and retry", id)
}

// KindOf returns the sentinel kind of err, or nil for infrastructure errors.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// outcome is the metrics label for an operation result.
func outcome(err error) string {
	switch KindOf(err) {
	case nil:
		if err != nil {
			return "error"
		}
		return "ok"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrValidationFailed:
		return "validation_failed"
	case ErrNotFound:
		return "not_found"
	case ErrConcurrentModification:
		return "concurrent_modification"
	case ErrAlreadyTerminal:
		return "already_terminal"
	}
	return "error"
}
