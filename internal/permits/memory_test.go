package permits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ptw-platform/ptw/internal/shared"
)

type memoryPermitRepo struct {
	mu      sync.Mutex
	permits map[int64]Permit
	keys    map[string]struct{}
	audits  []shared.AuditLog
	nextID  int64
	// onLock runs under the repository lock before a row lock is granted. A
	// non-nil error aborts the transaction like a lost Postgres race.
	onLock func(r *memoryPermitRepo, id int64) error
}

type memoryPermitTx struct {
	repo    *memoryPermitRepo
	permits map[int64]Permit
	keys    map[string]struct{}
	audits  []shared.AuditLog
}

func newMemoryPermitRepo() *memoryPermitRepo {
	return &memoryPermitRepo{permits: make(map[int64]Permit), keys: make(map[string]struct{})}
}

// WithTx serialises transactions and commits the staged state only on success.
func (r *memoryPermitRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryPermitTx{repo: r, permits: make(map[int64]Permit), keys: make(map[string]struct{})}
	for id, p := range r.permits {
		tx.permits[id] = clonePermit(p)
	}
	for k := range r.keys {
		tx.keys[k] = struct{}{}
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.permits = tx.permits
	r.keys = tx.keys
	r.audits = append(r.audits, tx.audits...)
	return nil
}

func (r *memoryPermitRepo) Get(ctx context.Context, id int64) (Permit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.permits[id]
	if !ok {
		return Permit{}, ErrNotFound
	}
	return clonePermit(p), nil
}

func (r *memoryPermitRepo) List(ctx context.Context, filter ListFilter) ([]Permit, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Permit
	for _, p := range r.permits {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.WorkType != "" && p.WorkType != filter.WorkType {
			continue
		}
		if filter.RequestedBy != 0 && p.RequestedBy != filter.RequestedBy {
			continue
		}
		// Like the Postgres repository, list rows carry no history.
		summary := clonePermit(p)
		summary.Approvals, summary.Actions = nil, nil
		matched = append(matched, summary)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	page := shared.NewPagination(filter.Page, filter.PerPage, len(matched))
	start := page.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + page.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (r *memoryPermitRepo) CountByStatus(ctx context.Context, requestedBy int64) (map[Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Status]int)
	for _, p := range r.permits {
		if requestedBy != 0 && p.RequestedBy != requestedBy {
			continue
		}
		out[p.Status]++
	}
	return out, nil
}

func (r *memoryPermitRepo) ListDueForAutoClose(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, p := range r.permits {
		if p.Status.Active() && p.EffectiveEnd().Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryPermitRepo) put(p Permit) Permit {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	if p.Version == 0 {
		p.Version = 1
	}
	r.permits[p.ID] = clonePermit(p)
	return p
}

func (t *memoryPermitTx) Insert(ctx context.Context, p Permit) (int64, error) {
	t.repo.nextID++
	p.ID = t.repo.nextID
	t.permits[p.ID] = clonePermit(p)
	return p.ID, nil
}

func (t *memoryPermitTx) Lock(ctx context.Context, id int64) (Permit, error) {
	if t.repo.onLock != nil {
		if err := t.repo.onLock(t.repo, id); err != nil {
			return Permit{}, err
		}
	}
	p, ok := t.permits[id]
	if !ok {
		return Permit{}, ErrNotFound
	}
	return clonePermit(p), nil
}

func (t *memoryPermitTx) UpdateDetails(ctx context.Context, p Permit) error {
	return t.replace(p)
}

func (t *memoryPermitTx) UpdateLifecycle(ctx context.Context, p Permit) error {
	return t.replace(p)
}

func (t *memoryPermitTx) replace(p Permit) error {
	current, ok := t.permits[p.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != p.Version-1 {
		return ErrConflict
	}
	// History is written separately through InsertApproval and InsertAction.
	p.Approvals = current.Approvals
	p.Actions = current.Actions
	t.permits[p.ID] = clonePermit(p)
	return nil
}

func (t *memoryPermitTx) Delete(ctx context.Context, id int64) error {
	if _, ok := t.permits[id]; !ok {
		return ErrNotFound
	}
	delete(t.permits, id)
	return nil
}

func (t *memoryPermitTx) InsertApproval(ctx context.Context, permitID int64, rec ApprovalRecord) error {
	p := t.permits[permitID]
	p.Approvals = append(append([]ApprovalRecord(nil), p.Approvals...), rec)
	t.permits[permitID] = p
	return nil
}

func (t *memoryPermitTx) InsertAction(ctx context.Context, permitID int64, rec ActionRecord) error {
	p := t.permits[permitID]
	p.Actions = append(append([]ActionRecord(nil), p.Actions...), rec)
	t.permits[permitID] = p
	return nil
}

func (t *memoryPermitTx) ClaimIdempotencyKey(ctx context.Context, key, scope string) error {
	k := scope + "|" + key
	if _, ok := t.keys[k]; ok {
		return shared.ErrIdempotencyConflict
	}
	t.keys[k] = struct{}{}
	return nil
}

func (t *memoryPermitTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	t.audits = append(t.audits, log)
	return nil
}

func clonePermit(p Permit) Permit {
	p.Workers = append([]Worker(nil), p.Workers...)
	p.Hazards = append([]string(nil), p.Hazards...)
	p.Precautions = append([]string(nil), p.Precautions...)
	p.Equipment = append([]Equipment(nil), p.Equipment...)
	p.Approvals = append([]ApprovalRecord{}, p.Approvals...)
	p.Actions = append([]ActionRecord{}, p.Actions...)
	return p
}
