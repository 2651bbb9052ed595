package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/ptw-platform/ptw/internal/auth"
	"github.com/ptw-platform/ptw/internal/rbac"
)

// Session holds the principal snapshot. It starts in rbac.SessionLoading and
// denies everything until Init or Login succeeds.
type Session struct {
	mu       sync.RWMutex
	snapshot rbac.Session
	csrf     string
}

func newSession() *Session {
	return &Session{snapshot: rbac.Session{State: rbac.SessionLoading}}
}

// State reports whether the snapshot is loading, anonymous or authenticated.
func (s *Session) State() rbac.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.State
}

// Principal returns the signed-in principal, nil otherwise.
func (s *Session) Principal() *rbac.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot.State != rbac.SessionAuthenticated {
		return nil
	}
	return s.snapshot.Principal
}

// Authorizer evaluates capabilities against the current snapshot with the
// same rules the authority applies.
func (s *Session) Authorizer() rbac.Authorizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Authorizer()
}

// CSRFToken returns the token sent on mutating requests.
func (s *Session) CSRFToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.csrf
}

// Clear drops the principal and the CSRF token.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = rbac.Anonymous()
	s.csrf = ""
}

func (s *Session) apply(resp auth.SessionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.State == rbac.SessionAuthenticated && resp.Principal != nil {
		s.snapshot = rbac.Authenticated(resp.Principal)
	} else {
		s.snapshot = rbac.Anonymous()
	}
	s.csrf = resp.CSRFToken
}

// Init loads the session snapshot and CSRF token from the authority.
func (c *Client) Init(ctx context.Context) error {
	var resp auth.SessionResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/session"}, &resp); err != nil {
		return err
	}
	c.Session.apply(resp)
	return nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login signs in. Init must have run so the CSRF token is known. Held permit
// snapshots are dropped; Get a permit before acting on it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp auth.SessionResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   loginRequest{Email: email, Password: password},
	}, &resp)
	if err != nil {
		return err
	}
	c.Session.apply(resp)
	c.Permits.forget()
	return nil
}

// Logout ends the session at the authority and locally.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, request{method: http.MethodPost, path: "/api/auth/logout"}, nil)
	c.Session.Clear()
	c.Permits.forget()
	return err
}
