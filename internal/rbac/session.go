package rbac

import (
	"context"
	"encoding/json"
	"fmt"
)

// SessionState distinguishes a snapshot that is still loading from an anonymous one.
type SessionState int

const (
	// SessionLoading means the principal has not been fetched yet.
	SessionLoading SessionState = iota
	// SessionAnonymous means there is no signed-in principal.
	SessionAnonymous
	// SessionAuthenticated means Principal is set.
	SessionAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case SessionLoading:
		return "loading"
	case SessionAnonymous:
		return "anonymous"
	case SessionAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// MarshalJSON encodes the state name.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "loading":
		*s = SessionLoading
	case "anonymous":
		*s = SessionAnonymous
	case "authenticated":
		*s = SessionAuthenticated
	default:
		return fmt.Errorf("rbac: unknown session state %q", raw)
	}
	return nil
}

// Session is the principal snapshot an Authorizer is built from.
type Session struct {
	State     SessionState
	Principal *Principal
}

// Anonymous returns a session without a principal.
func Anonymous() Session {
	return Session{State: SessionAnonymous}
}

// Authenticated returns a session for p.
func Authenticated(p *Principal) Session {
	if p == nil {
		return Anonymous()
	}
	return Session{State: SessionAuthenticated, Principal: p}
}

// Authorizer returns the authorizer for the snapshot. Only an authenticated
// session carries a principal.
func (s Session) Authorizer() Authorizer {
	if s.State != SessionAuthenticated {
		return NewAuthorizer(nil)
	}
	return NewAuthorizer(s.Principal)
}

type sessionContextKey struct{}

// WithSession stores the principal snapshot in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFrom returns the snapshot stored in ctx. The zero value is SessionLoading.
func SessionFrom(ctx context.Context) Session {
	s, _ := ctx.Value(sessionContextKey{}).(Session)
	return s
}

// AuthorizerFrom is shorthand for SessionFrom(ctx).Authorizer().
func AuthorizerFrom(ctx context.Context) Authorizer {
	return SessionFrom(ctx).Authorizer()
}
