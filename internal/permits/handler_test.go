package permits

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/ptw-platform/ptw/internal/platform/httpx"
	"github.com/ptw-platform/ptw/internal/rbac"
)

func newTestRouter(f fixture, sess rbac.Session) http.Handler {
	h := NewHandler(nil, f.svc, validator.New(), rbac.Middleware{})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(rbac.WithSession(req.Context(), sess)))
		})
	})
	r.Route("/api/permits", h.MountRoutes)
	return r
}

func sessionFor(id int64, role string, perms ...string) rbac.Session {
	return rbac.Authenticated(&rbac.Principal{ID: id, Role: rbac.ParseRole(role), Permissions: rbac.NewPermissionSet(perms...), Active: true})
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var pd httpx.ProblemDetail
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&pd))
	return pd
}

func TestHandlerTransitionFlow(t *testing.T) {
	f := newFixture()
	p := f.repo.put(permitIn(StatusPending))
	path := "/api/permits/" + strconv.FormatInt(p.ID, 10) + "/actions"

	rr := httptest.NewRecorder()
	newTestRouter(f, rbac.Anonymous()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"action":"approve"}`)))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	newTestRouter(f, sessionFor(10, "REQUESTOR")).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"action":"approve"}`)))
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "not permitted to approve permits", decodeProblem(t, rr).Detail)

	fireman := newTestRouter(f, sessionFor(20, "FIREMAN"))
	rr = httptest.NewRecorder()
	fireman.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"action":"reject","comment":""}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	pd := decodeProblem(t, rr)
	require.Equal(t, httpx.CodeValidation, pd.Code)
	require.Equal(t, "a comment is required to reject", pd.Detail)

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"action":"APPROVE"}`))
	req.Header.Set(IdempotencyHeader, "abc")
	fireman.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var got Permit
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	require.Equal(t, StatusApproved, got.Status)
	require.Len(t, got.Approvals, 1)

	rr = httptest.NewRecorder()
	fireman.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"action":"approve"}`)))
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, httpx.CodeInvalidTransition, decodeProblem(t, rr).Code)

	rr = httptest.NewRecorder()
	fireman.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var available actionsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&available))
	require.Equal(t, []Action{ActionExtend, ActionRevoke, ActionClose, ActionRemarks}, available.Actions)
}

func TestHandlerRoutesAndErrors(t *testing.T) {
	f := newFixture()
	f.repo.put(Permit{Status: StatusPending, RequestedBy: 10})
	router := newTestRouter(f, sessionFor(10, "REQUESTOR"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/permits/pending-count", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"count":1}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/permits/stats", nil))
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/permits/999", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/permits/abc", nil))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/permits/", strings.NewReader(`{"title":"x"}`)))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Detail, "workers is required")
}
