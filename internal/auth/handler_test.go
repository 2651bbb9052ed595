package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ptw-platform/ptw/internal/auth"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
	_ "github.com/ptw-platform/ptw/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]auth.LoginSession
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, sess auth.LoginSession) error {
	s.sessions[sess.ID] = sess
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type stubLoader map[int64]*rbac.Principal

func (s stubLoader) LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error) {
	p, ok := s[userID]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	return p, nil
}

type authEnv struct {
	router   http.Handler
	sessions *shared.SessionManager
	repo     *stubRepo
	redis    *miniredis.Miniredis
}

func newAuthEnv(t *testing.T) authEnv {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubRepo{
		user:     &auth.User{ID: 7, Email: "officer@site.test", PasswordHash: string(hashed), IsActive: true},
		sessions: map[string]auth.LoginSession{},
	}
	loader := stubLoader{7: {ID: 7, Name: "Officer", Role: rbac.ParseRole("FIREMAN"), Permissions: rbac.NewPermissionSet(), Active: true}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "ptw_session", time.Hour, false)
	rbacMW := rbac.Middleware{Loader: loader}
	h := auth.NewHandler(nil, auth.NewService(repo), sessions, shared.NewCSRFManager("csrf-secret"), validator.New(), rbacMW)

	r := chi.NewRouter()
	r.Use(sessions.Middleware(nil))
	r.Use(rbacMW.Authenticate)
	r.Route("/api", h.MountRoutes)
	return authEnv{router: r, sessions: sessions, repo: repo, redis: mr}
}

func (e authEnv) do(t *testing.T, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %s not set", name)
	return nil
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) auth.SessionResponse {
	t.Helper()
	var body auth.SessionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestSessionLifecycle(t *testing.T) {
	env := newAuthEnv(t)

	rr := env.do(t, http.MethodGet, "/api/session", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	anon := decodeSession(t, rr)
	require.Equal(t, rbac.SessionAnonymous, anon.State)
	require.Nil(t, anon.Principal)
	require.NotEmpty(t, anon.CSRFToken)
	require.False(t, anon.Capabilities[rbac.CapViewPermits])
	anonCookie := sessionCookie(t, rr, "ptw_session")

	rr = env.do(t, http.MethodPost, "/api/auth/login", `{"email":"officer@site.test","password":"wrong-password"}`, anonCookie)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/auth/login", `{"email":"officer@site.test","password":"correct-horse"}`, anonCookie)
	require.Equal(t, http.StatusOK, rr.Code)
	login := decodeSession(t, rr)
	require.Equal(t, rbac.SessionAuthenticated, login.State)
	require.Equal(t, rbac.RoleNameApprover, login.Principal.Role.Name)
	require.True(t, login.Capabilities[rbac.CapApprove])
	require.False(t, login.Capabilities[rbac.CapManageUsers])
	require.NotEqual(t, anon.CSRFToken, login.CSRFToken)

	authCookie := sessionCookie(t, rr, "ptw_session")
	require.NotEqual(t, anonCookie.Value, authCookie.Value)
	require.False(t, env.redis.Exists("ptw:session:"+anonCookie.Value))
	require.Contains(t, env.repo.sessions, authCookie.Value)

	rr = env.do(t, http.MethodGet, "/api/session", "", authCookie)
	require.Equal(t, http.StatusOK, rr.Code)
	current := decodeSession(t, rr)
	require.Equal(t, rbac.SessionAuthenticated, current.State)
	require.Equal(t, int64(7), current.Principal.ID)
	require.Equal(t, login.CSRFToken, current.CSRFToken)

	rr = env.do(t, http.MethodGet, "/api/me", "", authCookie)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/auth/logout", "", authCookie)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, -1, sessionCookie(t, rr, "ptw_session").MaxAge)
	require.Empty(t, env.repo.sessions)

	rr = env.do(t, http.MethodGet, "/api/me", "", authCookie)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLoginValidation(t *testing.T) {
	env := newAuthEnv(t)

	rr := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"not-an-email","password":"x"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, rr.Body.String(), "email must be a valid email")

	env.repo.user.IsActive = false
	rr = env.do(t, http.MethodPost, "/api/auth/login", `{"email":"officer@site.test","password":"correct-horse"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
