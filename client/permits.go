package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ptw-platform/ptw/internal/permits"
	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// PermitClient proposes permit operations to the authority. Each permit's
// local snapshot is only ever replaced by a permit the authority returned.
type PermitClient struct {
	c *Client

	mu        sync.Mutex
	snapshots map[int64]permits.Permit
	inflight  map[int64]struct{}
}

func newPermitClient(c *Client) *PermitClient {
	return &PermitClient{
		c:         c,
		snapshots: make(map[int64]permits.Permit),
		inflight:  make(map[int64]struct{}),
	}
}

// Snapshot returns the last permit the authority returned for id.
func (pc *PermitClient) Snapshot(id int64) (permits.Permit, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	p, ok := pc.snapshots[id]
	return p, ok
}

// AvailableActions lists the actions the current principal may propose for
// the snapshot of id. It is empty when no snapshot is held.
func (pc *PermitClient) AvailableActions(id int64) []permits.Action {
	p, ok := pc.Snapshot(id)
	if !ok {
		return nil
	}
	return permits.AvailableActions(pc.c.Session.Authorizer(), p)
}

func (pc *PermitClient) store(p permits.Permit) {
	pc.mu.Lock()
	pc.snapshots[p.ID] = p
	pc.mu.Unlock()
}

func (pc *PermitClient) drop(id int64) {
	pc.mu.Lock()
	delete(pc.snapshots, id)
	pc.mu.Unlock()
}

func (pc *PermitClient) forget() {
	pc.mu.Lock()
	pc.snapshots = make(map[int64]permits.Permit)
	pc.mu.Unlock()
}

func (pc *PermitClient) authorizer() (rbac.Authorizer, error) {
	if pc.c.Session.State() != rbac.SessionAuthenticated {
		return rbac.Authorizer{}, &Error{Kind: shared.ErrUnauthenticated, Message: "sign in first"}
	}
	return pc.c.Session.Authorizer(), nil
}

func permitPath(id int64) string {
	return "/api/permits/" + strconv.FormatInt(id, 10)
}

// Get fetches a permit and replaces its snapshot.
func (pc *PermitClient) Get(ctx context.Context, id int64) (permits.Permit, error) {
	var p permits.Permit
	if err := pc.c.do(ctx, request{method: http.MethodGet, path: permitPath(id)}, &p); err != nil {
		return permits.Permit{}, err
	}
	pc.store(p)
	return p, nil
}

// ListOptions narrows List.
type ListOptions struct {
	Status   permits.Status
	WorkType permits.WorkType
	Page     int
	PerPage  int
}

// ListResult is one page of permits.
type ListResult struct {
	Items      []permits.Permit  `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// List fetches one page of permits visible to the principal. Items are
// summaries without approval or action history, so they never replace a
// held snapshot; use Get for the full permit.
func (pc *PermitClient) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.WorkType != "" {
		q.Set("work_type", string(opts.WorkType))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(opts.PerPage))
	}
	var out ListResult
	if err := pc.c.do(ctx, request{method: http.MethodGet, path: "/api/permits", query: q}, &out); err != nil {
		return ListResult{}, err
	}
	return out, nil
}

// PendingCount returns the number of permits awaiting a decision.
func (pc *PermitClient) PendingCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := pc.c.do(ctx, request{method: http.MethodGet, path: "/api/permits/pending-count"}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Create submits a new permit after the local submission checks pass.
func (pc *PermitClient) Create(ctx context.Context, in permits.CreateInput) (permits.Permit, error) {
	a, err := pc.authorizer()
	if err != nil {
		return permits.Permit{}, err
	}
	if !a.CanCreatePermit() {
		return permits.Permit{}, &Error{Kind: shared.ErrForbidden, Message: "not permitted to create permits"}
	}
	if err := in.Validate(); err != nil {
		return permits.Permit{}, refuse(err)
	}
	var p permits.Permit
	if err := pc.c.do(ctx, request{method: http.MethodPost, path: "/api/permits", body: in}, &p); err != nil {
		return permits.Permit{}, err
	}
	pc.store(p)
	return p, nil
}

// Delete removes a permit. The requester may delete their own pending permit;
// anyone else needs the delete capability.
func (pc *PermitClient) Delete(ctx context.Context, id int64) error {
	a, err := pc.authorizer()
	if err != nil {
		return err
	}
	p, _, err := pc.current(ctx, id)
	if err != nil {
		return err
	}
	if !permits.CanDelete(a, p) {
		return &Error{Kind: shared.ErrForbidden, Message: "not permitted to delete this permit"}
	}
	if err := pc.c.do(ctx, request{method: http.MethodDelete, path: permitPath(id)}, nil); err != nil {
		return err
	}
	pc.drop(id)
	return nil
}

// Approve moves a pending permit to APPROVED.
func (pc *PermitClient) Approve(ctx context.Context, id int64, comment, signature string) (permits.Permit, error) {
	return pc.Transition(ctx, id, permits.TransitionRequest{Action: permits.ActionApprove, Comment: comment, Signature: signature})
}

// Reject moves a pending permit to REJECTED. comment is required.
func (pc *PermitClient) Reject(ctx context.Context, id int64, comment string) (permits.Permit, error) {
	return pc.Transition(ctx, id, permits.TransitionRequest{Action: permits.ActionReject, Comment: comment})
}

// Extend pushes the effective end of an active permit to until.
func (pc *PermitClient) Extend(ctx context.Context, id int64, until time.Time, comment string) (permits.Permit, error) {
	return pc.Transition(ctx, id, permits.TransitionRequest{Action: permits.ActionExtend, Comment: comment, ExtendedUntil: &until})
}

// Revoke suspends an active permit. comment is required.
func (pc *PermitClient) Revoke(ctx context.Context, id int64, comment string) (permits.Permit, error) {
	return pc.Transition(ctx, id, permits.TransitionRequest{Action: permits.ActionRevoke, Comment: comment})
}

// Reapprove reinstates a revoked permit.
func (pc *PermitClient) Reapprove(ctx context.Context, id int64, comment, signature string) (permits.Permit, error) {
	return pc.Transition(ctx, id, permits.TransitionRequest{Action: permits.ActionReapprove, Comment: comment, Signature: signature})
}

// Close ends an active permit.
func (pc *PermitClient) Close(ctx context.Context, id int64, comment string) (permits.Permit, error) {
	return pc.Transition(ctx, id, permits.TransitionRequest{Action: permits.ActionClose, Comment: comment})
}

// AddRemarks appends a remark without changing the status.
func (pc *PermitClient) AddRemarks(ctx context.Context, id int64, comment string) (permits.Permit, error) {
	return pc.Transition(ctx, id, permits.TransitionRequest{Action: permits.ActionRemarks, Comment: comment})
}

// Transition proposes req for permit id. Checks that need no permit (the
// capability and the input the action takes) run before anything is sent;
// the status checks then run against the held snapshot, which is fetched
// first when none is held. Call Get beforehand to act on the latest status.
// One transition per permit may be outstanding. On success the snapshot is
// replaced with the authority's permit; a failed proposal leaves it untouched.
func (pc *PermitClient) Transition(ctx context.Context, id int64, req permits.TransitionRequest) (permits.Permit, error) {
	a, err := pc.authorizer()
	if err != nil {
		return permits.Permit{}, err
	}
	if _, err := permits.CheckRequest(a, req); err != nil {
		return permits.Permit{}, refuse(err)
	}
	if !pc.begin(id) {
		return permits.Permit{}, ErrTransitionInFlight
	}
	defer pc.end(id)

	p, fetched, err := pc.current(ctx, id)
	if err != nil {
		return permits.Permit{}, err
	}
	_, err = permits.Check(a, p, req)
	if errors.Is(err, shared.ErrInvalidTransition) && !fetched {
		// The held snapshot may predate another principal's action.
		if p, err = pc.Get(ctx, id); err != nil {
			return permits.Permit{}, err
		}
		_, err = permits.Check(a, p, req)
	}
	if err != nil {
		return permits.Permit{}, refuse(err)
	}

	var next permits.Permit
	err = pc.c.do(ctx, request{
		method:  http.MethodPost,
		path:    permitPath(id) + "/actions",
		body:    req,
		headers: map[string]string{permits.IdempotencyHeader: uuid.NewString()},
	}, &next)
	if err != nil {
		return permits.Permit{}, err
	}
	pc.store(next)
	return next, nil
}

// current returns the held snapshot, fetching it when there is none. fetched
// reports whether the permit came from the authority just now.
func (pc *PermitClient) current(ctx context.Context, id int64) (p permits.Permit, fetched bool, err error) {
	if p, ok := pc.Snapshot(id); ok {
		return p, false, nil
	}
	p, err = pc.Get(ctx, id)
	return p, true, err
}

func (pc *PermitClient) begin(id int64) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, busy := pc.inflight[id]; busy {
		return false
	}
	pc.inflight[id] = struct{}{}
	return true
}

func (pc *PermitClient) end(id int64) {
	pc.mu.Lock()
	delete(pc.inflight, id)
	pc.mu.Unlock()
}
