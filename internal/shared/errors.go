package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced by the permit authority.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated indicates a missing or invalid session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates the principal lacks the capability for the action.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition indicates the permit status does not allow the action.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate indicates a uniqueness conflict.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// Error carries a user-facing message together with its taxonomy kind.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" && e.Kind != nil {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Errorf builds an Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Message returns the user-facing message of err, falling back to err.Error().
func Message(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsTaxonomy reports whether err belongs to the error taxonomy rather than
// being an unexpected failure.
func IsTaxonomy(err error) bool {
	for _, kind := range []error{ErrNotFound, ErrUnauthenticated, ErrForbidden, ErrInvalidTransition, ErrValidation, ErrDuplicate, ErrInvalidCredentials, ErrCSRFTokenMissing, ErrCSRFTokenMismatch} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
