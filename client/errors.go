package client

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/shared"
)

var (
	// ErrTransitionInFlight is returned when a transition on the same permit is still outstanding.
	ErrTransitionInFlight = errors.New("client: a transition for this permit is already in flight")
	// ErrTimeout is returned when a request exceeds the configured bound.
	ErrTimeout = errors.New("client: request timed out")
)

// Error is a refusal, either from the authority or from the local pre-check.
// Status is zero for local refusals. Message is the authority's text, unmodified.
type Error struct {
	Kind    error
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Kind != nil {
		return e.Kind.Error()
	}
	return http.StatusText(e.Status)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// refuse converts a local taxonomy error into an Error without a status.
func refuse(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *shared.Error
	if errors.As(err, &domainErr) {
		return &Error{Kind: domainErr.Kind, Message: domainErr.Message}
	}
	return err
}

var kindsByCode = map[string]error{
	httpx.CodeUnauthenticated:   shared.ErrUnauthenticated,
	httpx.CodeForbidden:         shared.ErrForbidden,
	httpx.CodeNotFound:          shared.ErrNotFound,
	httpx.CodeInvalidTransition: shared.ErrInvalidTransition,
	httpx.CodeValidation:        shared.ErrValidation,
	httpx.CodeDuplicate:         shared.ErrDuplicate,
}

func kindForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return shared.ErrUnauthenticated
	case http.StatusForbidden:
		return shared.ErrForbidden
	case http.StatusNotFound:
		return shared.ErrNotFound
	case http.StatusConflict:
		return shared.ErrInvalidTransition
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return shared.ErrValidation
	default:
		return nil
	}
}

// decodeProblem builds an Error from a non-2xx response body.
func decodeProblem(status int, body []byte) *Error {
	out := &Error{Status: status}
	var problem httpx.ProblemDetail
	if err := json.Unmarshal(body, &problem); err == nil {
		out.Message = problem.Detail
		if out.Message == "" {
			out.Message = problem.Title
		}
		out.Kind = kindsByCode[problem.Code]
	}
	if out.Kind == nil {
		out.Kind = kindForStatus(status)
	}
	if status == http.StatusUnauthorized {
		out.Kind = shared.ErrUnauthenticated
	}
	return out
}
