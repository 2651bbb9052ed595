package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubPrincipalRepo struct {
	mu         sync.Mutex
	principals map[int64]Principal
	calls      int
}

func (s *stubPrincipalRepo) FindPrincipal(ctx context.Context, userID int64) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	p, ok := s.principals[userID]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return p, nil
}

func (s *stubPrincipalRepo) set(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (c *countingObserver) ObservePrincipalCache(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[result]++
}

func newCachedService(t *testing.T, repo PrincipalRepository) (*Service, *countingObserver) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	obs := &countingObserver{results: map[string]int{}}
	return NewService(repo, ServiceConfig{Cache: client, TTL: time.Minute, Observer: obs}), obs
}

func TestLoadPrincipalCaches(t *testing.T) {
	repo := &stubPrincipalRepo{principals: map[int64]Principal{
		1: {ID: 1, Name: "Ana", Role: ParseRole("REQUESTOR"), Permissions: NewPermissionSet(PermPermitsDelete), Active: true},
	}}
	svc, obs := newCachedService(t, repo)
	ctx := context.Background()

	p, err := svc.LoadPrincipal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Ana", p.Name)
	require.True(t, p.Permissions.Has(PermPermitsDelete))

	p, err = svc.LoadPrincipal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, RoleRequestor, p.Role.System)
	require.Equal(t, 1, repo.calls)
	require.Equal(t, 1, obs.results["hit"])
	require.Equal(t, 1, obs.results["miss"])
}

func TestInvalidateRefreshesPrincipal(t *testing.T) {
	repo := &stubPrincipalRepo{principals: map[int64]Principal{
		1: {ID: 1, Role: ParseRole("REQUESTOR"), Active: true},
		2: {ID: 2, Role: ParseRole("REQUESTOR"), Active: true},
	}}
	svc, _ := newCachedService(t, repo)
	ctx := context.Background()

	_, err := svc.LoadPrincipal(ctx, 1)
	require.NoError(t, err)
	_, err = svc.LoadPrincipal(ctx, 2)
	require.NoError(t, err)

	repo.set(Principal{ID: 1, Role: ParseRole("SAFETY_OFFICER"), Active: true})
	require.NoError(t, svc.Invalidate(ctx, 1))
	p, err := svc.LoadPrincipal(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, RoleApprover, p.Role.System)

	repo.set(Principal{ID: 2, Role: ParseRole("REQUESTOR"), Permissions: NewPermissionSet(PermRolesManage), Active: true})
	p, err = svc.LoadPrincipal(ctx, 2)
	require.NoError(t, err)
	require.False(t, p.Permissions.Has(PermRolesManage), "served from cache before bump")

	require.NoError(t, svc.InvalidateAll(ctx))
	p, err = svc.LoadPrincipal(ctx, 2)
	require.NoError(t, err)
	require.True(t, p.Permissions.Has(PermRolesManage))
}

// gatedPrincipalRepo holds the first lookup until released and answers it
// with the principal as it was when the lookup started.
type gatedPrincipalRepo struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	stale   Principal
	fresh   Principal
}

func (g *gatedPrincipalRepo) FindPrincipal(ctx context.Context, userID int64) (Principal, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
		return g.stale, nil
	}
	return g.fresh, nil
}

func TestInvalidateDuringLoadDoesNotKeepStalePrincipal(t *testing.T) {
	repo := &gatedPrincipalRepo{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		stale:   Principal{ID: 1, Role: ParseRole("REQUESTOR"), Active: true},
		fresh:   Principal{ID: 1, Role: ParseRole("REQUESTOR"), Active: false},
	}
	svc, _ := newCachedService(t, repo)
	ctx := context.Background()

	type result struct {
		p   *Principal
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := svc.LoadPrincipal(ctx, 1)
		done <- result{p, err}
	}()
	<-repo.entered
	require.NoError(t, svc.Invalidate(ctx, 1))
	close(repo.release)
	first := <-done
	require.NoError(t, first.err)
	require.True(t, first.p.Active)

	p, err := svc.LoadPrincipal(ctx, 1)
	require.NoError(t, err)
	require.False(t, p.Active)
}

func TestLoadPrincipalWithoutCache(t *testing.T) {
	repo := &stubPrincipalRepo{principals: map[int64]Principal{}}
	svc := NewService(repo, ServiceConfig{})
	_, err := svc.LoadPrincipal(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, svc.Invalidate(context.Background(), 42))
	require.NoError(t, svc.InvalidateAll(context.Background()))
}

type staticLoader map[int64]*Principal

func (s staticLoader) LoadPrincipal(ctx context.Context, userID int64) (*Principal, error) {
	p, ok := s[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func TestRequireCapability(t *testing.T) {
	m := Middleware{Loader: staticLoader{}}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guarded := m.RequireCapability(CapApprove)(ok)

	serve := func(sess Session) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithSession(req.Context(), sess))
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusUnauthorized, serve(Session{}))
	require.Equal(t, http.StatusUnauthorized, serve(Anonymous()))
	require.Equal(t, http.StatusForbidden, serve(Authenticated(principal("REQUESTOR"))))
	require.Equal(t, http.StatusNoContent, serve(Authenticated(principal("FIREMAN"))))
	require.Equal(t, http.StatusNoContent, serve(Authenticated(principal("SITE_LEAD", PermApprovalsApprove))))
}

func TestAuthenticateWithoutSessionIsAnonymous(t *testing.T) {
	m := Middleware{Loader: staticLoader{}}
	var got Session
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SessionFrom(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, SessionAnonymous, got.State)
	require.Nil(t, got.Principal)
}
