package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ptw-platform/ptw/internal/auth"
	"github.com/ptw-platform/ptw/internal/permits"
	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// fakeAuthority serves a single permit and records every request it sees.
type fakeAuthority struct {
	mu        sync.Mutex
	principal *rbac.Principal
	permit    permits.Permit
	// onAction answers POST /api/permits/{id}/actions.
	onAction func(w http.ResponseWriter, r *http.Request, req permits.TransitionRequest)

	gets    atomic.Int32
	posts   atomic.Int32
	deletes atomic.Int32
	keys    []string
	csrf    []string
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/session":
		f.mu.Lock()
		resp := auth.SessionResponse{State: rbac.SessionAnonymous, CSRFToken: "token-1"}
		if f.principal != nil {
			resp.State = rbac.SessionAuthenticated
			resp.Principal = f.principal
			resp.Capabilities = rbac.NewAuthorizer(f.principal).Capabilities()
		}
		f.mu.Unlock()
		httpx.JSON(w, http.StatusOK, resp)
	case r.URL.Path == "/api/permits" && r.Method == http.MethodGet:
		f.mu.Lock()
		item := f.permit
		f.mu.Unlock()
		item.Approvals, item.Actions = nil, nil
		httpx.JSON(w, http.StatusOK, ListResult{Items: []permits.Permit{item}, Pagination: shared.NewPagination(1, 20, 1)})
	case r.URL.Path == "/api/permits/pending-count":
		httpx.JSON(w, http.StatusOK, map[string]int{"count": 3})
	case strings.HasSuffix(r.URL.Path, "/actions") && r.Method == http.MethodPost:
		f.posts.Add(1)
		f.mu.Lock()
		f.keys = append(f.keys, r.Header.Get(permits.IdempotencyHeader))
		f.csrf = append(f.csrf, r.Header.Get(shared.CSRFHeader))
		f.mu.Unlock()
		var req permits.TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.RespondError(w, shared.Errorf(shared.ErrValidation, "bad body"))
			return
		}
		f.onAction(w, r, req)
	case strings.HasPrefix(r.URL.Path, "/api/permits/") && r.Method == http.MethodGet:
		f.gets.Add(1)
		f.mu.Lock()
		p := f.permit
		f.mu.Unlock()
		httpx.JSON(w, http.StatusOK, p)
	case strings.HasPrefix(r.URL.Path, "/api/permits/") && r.Method == http.MethodDelete:
		f.deletes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func basePermit(status permits.Status) permits.Permit {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return permits.Permit{
		ID:          42,
		Number:      "PTW-000042",
		WorkType:    permits.WorkHotWork,
		Status:      status,
		Priority:    permits.PriorityHigh,
		Title:       "Weld pipe rack",
		Description: "North bay",
		Location:    "Unit 3",
		StartAt:     start,
		EndAt:       start.Add(8 * time.Hour),
		RequestedBy: 9,
		Hazards:     []string{"sparks"},
		Approvals:   []permits.ApprovalRecord{},
		Actions:     []permits.ActionRecord{},
		Version:     1,
	}
}

func officer() *rbac.Principal {
	return &rbac.Principal{ID: 7, Name: "Officer", Role: rbac.ParseRole("FIREMAN"), Permissions: rbac.NewPermissionSet(), Active: true}
}

func newTestClient(t *testing.T, f *fakeAuthority, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Timeout: timeout})
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	return c
}

func TestSessionInit(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	srv := httptest.NewServer(f)
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	require.Equal(t, rbac.SessionLoading, c.Session.State())
	require.False(t, c.Session.Authorizer().CanViewPermits())

	require.NoError(t, c.Init(context.Background()))
	require.Equal(t, rbac.SessionAuthenticated, c.Session.State())
	require.Equal(t, rbac.RoleNameApprover, c.Session.Principal().Role.Name)
	require.True(t, c.Session.Authorizer().CanApprove())
	require.Equal(t, "token-1", c.Session.CSRFToken())

	n, err := c.Permits.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestRejectWithoutCommentIsRefusedLocally(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	c := newTestClient(t, f, 0)
	ctx := context.Background()

	_, err := c.Permits.Get(ctx, 42)
	require.NoError(t, err)

	_, err = c.Permits.Reject(ctx, 42, "   ")
	require.ErrorIs(t, err, shared.ErrValidation)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Zero(t, apiErr.Status)
	require.Zero(t, f.posts.Load())
}

func TestRejectWithoutCommentNeedsNoSnapshot(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	c := newTestClient(t, f, 0)

	_, err := c.Permits.Reject(context.Background(), 42, "")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, f.gets.Load())
	require.Zero(t, f.posts.Load())
	_, ok := c.Permits.Snapshot(42)
	require.False(t, ok)
}

func TestExtensionMustBeAfterEffectiveEnd(t *testing.T) {
	p := basePermit(permits.StatusExtended)
	extended := p.EndAt.Add(2 * time.Hour)
	p.ExtendedUntil = &extended
	f := &fakeAuthority{principal: officer(), permit: p}
	c := newTestClient(t, f, 0)
	ctx := context.Background()
	_, err := c.Permits.Get(ctx, 42)
	require.NoError(t, err)

	for _, until := range []time.Time{p.EndAt.Add(time.Hour), extended} {
		_, err := c.Permits.Extend(ctx, 42, until, "")
		require.ErrorIs(t, err, shared.ErrValidation)
	}
	require.Zero(t, f.posts.Load())
	require.EqualValues(t, 1, f.gets.Load())
}

func TestLocalRefusalsSendNothing(t *testing.T) {
	requestor := &rbac.Principal{ID: 9, Role: rbac.ParseRole("REQUESTOR"), Permissions: rbac.NewPermissionSet(), Active: true}
	f := &fakeAuthority{principal: requestor, permit: basePermit(permits.StatusApproved)}
	c := newTestClient(t, f, 0)
	ctx := context.Background()

	_, err := c.Permits.Approve(ctx, 42, "", "")
	require.ErrorIs(t, err, shared.ErrForbidden)

	err = c.Permits.Delete(ctx, 42)
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = c.Permits.Create(ctx, permits.CreateInput{WorkType: permits.WorkHotWork, Priority: permits.PriorityLow})
	require.ErrorIs(t, err, shared.ErrValidation)

	require.Zero(t, f.posts.Load())
	require.Zero(t, f.deletes.Load())
	require.Empty(t, c.Permits.AvailableActions(42))

	f.mu.Lock()
	f.principal = officer()
	f.mu.Unlock()
	require.NoError(t, c.Init(ctx))
	_, err = c.Permits.Approve(ctx, 42, "", "")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.Zero(t, f.posts.Load())
}

func TestAnonymousSessionIsRefused(t *testing.T) {
	f := &fakeAuthority{permit: basePermit(permits.StatusPending)}
	c := newTestClient(t, f, 0)

	_, err := c.Permits.Approve(context.Background(), 42, "", "")
	require.ErrorIs(t, err, shared.ErrUnauthenticated)
	require.Zero(t, f.gets.Load())
	require.Zero(t, f.posts.Load())
}

func TestTransitionReplacesSnapshot(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	approvedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	returned := basePermit(permits.StatusApproved)
	returned.Description = ""
	returned.Hazards = nil
	returned.Version = 2
	returned.Approvals = []permits.ApprovalRecord{{Ref: "a-1", Decision: permits.DecisionApproved, ApproverID: 7, At: approvedAt}}
	var sent permits.Action
	f.onAction = func(w http.ResponseWriter, r *http.Request, req permits.TransitionRequest) {
		sent = req.Action
		httpx.JSON(w, http.StatusOK, returned)
	}
	c := newTestClient(t, f, 0)
	ctx := context.Background()

	got, err := c.Permits.Approve(ctx, 42, "looks safe", "sig")
	require.NoError(t, err)
	require.Equal(t, permits.ActionApprove, sent)
	snap, ok := c.Permits.Snapshot(42)
	require.True(t, ok)
	require.Equal(t, got, snap)
	require.Empty(t, snap.Description)
	require.Nil(t, snap.Hazards)
	require.Len(t, snap.Approvals, 1)

	require.Len(t, f.keys, 1)
	require.NotEmpty(t, f.keys[0])
	require.Equal(t, []string{"token-1"}, f.csrf)
	require.Equal(t, []permits.Action{permits.ActionExtend, permits.ActionRevoke, permits.ActionClose, permits.ActionRemarks}, c.Permits.AvailableActions(42))
}

func TestRefusedTransitionLeavesSnapshot(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	f.onAction = func(w http.ResponseWriter, r *http.Request, req permits.TransitionRequest) {
		httpx.RespondError(w, shared.Errorf(shared.ErrInvalidTransition, "permit PTW-000042 was already approved by Dana"))
	}
	c := newTestClient(t, f, 0)
	ctx := context.Background()
	before, err := c.Permits.Get(ctx, 42)
	require.NoError(t, err)

	_, err = c.Permits.Approve(ctx, 42, "", "")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.EqualError(t, err, "permit PTW-000042 was already approved by Dana")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)

	after, ok := c.Permits.Snapshot(42)
	require.True(t, ok)
	require.Equal(t, before, after)
}

func TestUnauthorizedClearsSession(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	f.onAction = func(w http.ResponseWriter, r *http.Request, req permits.TransitionRequest) {
		httpx.RespondError(w, shared.Errorf(shared.ErrUnauthenticated, "session expired"))
	}
	c := newTestClient(t, f, 0)

	_, err := c.Permits.Approve(context.Background(), 42, "", "")
	require.ErrorIs(t, err, shared.ErrUnauthenticated)
	require.Equal(t, rbac.SessionAnonymous, c.Session.State())
	require.Empty(t, c.Session.CSRFToken())
	_, ok := c.Permits.Snapshot(42)
	require.False(t, ok)
}

func TestSecondTransitionFailsFastWhileInFlight(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	arrived := make(chan struct{})
	release := make(chan struct{})
	f.onAction = func(w http.ResponseWriter, r *http.Request, req permits.TransitionRequest) {
		close(arrived)
		<-release
		httpx.JSON(w, http.StatusOK, basePermit(permits.StatusApproved))
	}
	c := newTestClient(t, f, 0)
	ctx := context.Background()
	_, err := c.Permits.Get(ctx, 42)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Permits.Approve(ctx, 42, "", "")
		done <- err
	}()
	<-arrived

	_, err = c.Permits.Reject(ctx, 42, "second thoughts")
	require.ErrorIs(t, err, ErrTransitionInFlight)

	close(release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, f.posts.Load())
}

func TestRequestTimeoutIsNotRetried(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusPending)}
	f.onAction = func(w http.ResponseWriter, r *http.Request, req permits.TransitionRequest) {
		<-r.Context().Done()
	}
	c := newTestClient(t, f, 100*time.Millisecond)
	ctx := context.Background()
	before, err := c.Permits.Get(ctx, 42)
	require.NoError(t, err)

	_, err = c.Permits.Approve(ctx, 42, "", "")
	require.ErrorIs(t, err, ErrTimeout)
	require.EqualValues(t, 1, f.posts.Load())
	after, _ := c.Permits.Snapshot(42)
	require.Equal(t, before, after)
}

func TestListKeepsSnapshotHistory(t *testing.T) {
	p := basePermit(permits.StatusApproved)
	p.Approvals = []permits.ApprovalRecord{{Ref: "a-1", Decision: permits.DecisionApproved, ApproverID: 7, At: p.StartAt}}
	f := &fakeAuthority{principal: officer(), permit: p}
	c := newTestClient(t, f, 0)
	ctx := context.Background()
	_, err := c.Permits.Get(ctx, 42)
	require.NoError(t, err)

	page, err := c.Permits.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Empty(t, page.Items[0].Approvals)

	snap, ok := c.Permits.Snapshot(42)
	require.True(t, ok)
	require.Len(t, snap.Approvals, 1)
}

func TestStaleSnapshotIsRefreshedBeforeRefusing(t *testing.T) {
	f := &fakeAuthority{principal: officer(), permit: basePermit(permits.StatusApproved)}
	reapproved := basePermit(permits.StatusReapproved)
	reapproved.Version = 3
	f.onAction = func(w http.ResponseWriter, r *http.Request, req permits.TransitionRequest) {
		httpx.JSON(w, http.StatusOK, reapproved)
	}
	c := newTestClient(t, f, 0)
	ctx := context.Background()
	_, err := c.Permits.Get(ctx, 42)
	require.NoError(t, err)

	f.mu.Lock()
	f.permit = basePermit(permits.StatusRevoked)
	f.mu.Unlock()

	got, err := c.Permits.Reapprove(ctx, 42, "hazard cleared", "")
	require.NoError(t, err)
	require.Equal(t, permits.StatusReapproved, got.Status)
	require.EqualValues(t, 2, f.gets.Load())
	require.EqualValues(t, 1, f.posts.Load())
}
