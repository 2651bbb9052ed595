package permits

import "github.com/ptw-platform/ptw/internal/shared"

// Domain errors for permits. Each wraps a kind from the shared taxonomy.
var (
	// ErrNotFound indicates the requested permit does not exist.
	ErrNotFound = &shared.Error{Kind: shared.ErrNotFound, Message: "permit not found"}
	// ErrForbidden indicates the principal may not act on the permit.
	ErrForbidden = &shared.Error{Kind: shared.ErrForbidden, Message: "not permitted"}
	// ErrInvalidTransition indicates the current status does not offer the action.
	ErrInvalidTransition = &shared.Error{Kind: shared.ErrInvalidTransition, Message: "action not allowed in current status"}
	// ErrValidation indicates malformed permit input.
	ErrValidation = &shared.Error{Kind: shared.ErrValidation, Message: "invalid permit"}
	// ErrConflict indicates the permit changed underneath an update.
	ErrConflict = &shared.Error{Kind: shared.ErrInvalidTransition, Message: "permit was modified concurrently"}
)
