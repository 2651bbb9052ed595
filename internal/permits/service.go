package permits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Permit, error)
	List(ctx context.Context, filter ListFilter) ([]Permit, int, error)
	CountByStatus(ctx context.Context, requestedBy int64) (map[Status]int, error)
	ListDueForAutoClose(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Insert(ctx context.Context, p Permit) (int64, error)
	Lock(ctx context.Context, id int64) (Permit, error)
	UpdateDetails(ctx context.Context, p Permit) error
	UpdateLifecycle(ctx context.Context, p Permit) error
	Delete(ctx context.Context, id int64) error
	InsertApproval(ctx context.Context, permitID int64, rec ApprovalRecord) error
	InsertAction(ctx context.Context, permitID int64, rec ActionRecord) error
	ClaimIdempotencyKey(ctx context.Context, key, scope string) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// AttachmentChecker verifies ID-proof image references.
type AttachmentChecker interface {
	Missing(ctx context.Context, keys []string) ([]string, error)
}

// Notifier is told about applied transitions. Delivery is best effort.
type Notifier interface {
	NotifyTransition(ctx context.Context, n Notification) error
}

// Metrics records lifecycle outcomes.
type Metrics interface {
	ObserveTransition(action, outcome string)
	ObserveAutoClosed(n int)
}

// Notification describes an applied transition.
type Notification struct {
	PermitID    int64  `json:"permit_id"`
	Number      string `json:"number"`
	Action      Action `json:"action"`
	FromStatus  Status `json:"from_status"`
	ToStatus    Status `json:"to_status"`
	ActorID     int64  `json:"actor_id"`
	RequestedBy int64  `json:"requested_by"`
}

// Config groups optional collaborators of Service.
type Config struct {
	Attachments AttachmentChecker
	Notifier    Notifier
	Metrics     Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service orchestrates permit flows. It is the authority for lifecycle state.
type Service struct {
	repo        RepositoryPort
	attachments AttachmentChecker
	notifier    Notifier
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the permit service.
func NewService(repo RepositoryPort, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:        repo,
		attachments: cfg.Attachments,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         now,
	}
}

// Create validates input and stores a PENDING permit requested by the principal.
func (s *Service) Create(ctx context.Context, a rbac.Authorizer, in CreateInput) (Permit, error) {
	actor := a.Principal()
	if actor == nil {
		return Permit{}, shared.ErrUnauthenticated
	}
	if !a.CanCreatePermit() {
		return Permit{}, shared.Errorf(shared.ErrForbidden, "not permitted to create permits")
	}
	if err := s.validate(ctx, in); err != nil {
		return Permit{}, err
	}

	now := s.now().UTC()
	p := Permit{
		Number:      generateNumber(now),
		Status:      StatusPending,
		RequestedBy: actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		Approvals:   []ApprovalRecord{},
		Actions:     []ActionRecord{},
	}
	applyInput(&p, in, now)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "PERMIT_CREATE",
			Entity:   "permit",
			EntityID: strconv.FormatInt(id, 10),
			Meta:     map[string]any{"number": p.Number, "work_type": p.WorkType},
			At:       now,
		})
	})
	if err != nil {
		return Permit{}, fmt.Errorf("permits: create: %w", err)
	}
	return p, nil
}

// Get returns the permit with its full approval and action history.
func (s *Service) Get(ctx context.Context, a rbac.Authorizer, id int64) (Permit, error) {
	if !a.CanViewPermits() {
		return Permit{}, shared.Errorf(shared.ErrForbidden, "not permitted to view permits")
	}
	return s.repo.Get(ctx, id)
}

// List returns a page of permits. Principals that cannot view approvals only
// see their own requests.
func (s *Service) List(ctx context.Context, a rbac.Authorizer, filter ListFilter) ([]Permit, shared.Pagination, error) {
	if !a.CanViewPermits() {
		return nil, shared.Pagination{}, shared.Errorf(shared.ErrForbidden, "not permitted to view permits")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, shared.Pagination{}, shared.Errorf(shared.ErrValidation, "unknown status %q", filter.Status)
	}
	if filter.WorkType != "" && !filter.WorkType.Valid() {
		return nil, shared.Pagination{}, shared.Errorf(shared.ErrValidation, "unknown work type %q", filter.WorkType)
	}
	filter.RequestedBy = s.scope(a, filter.RequestedBy)
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	filter.Page, filter.PerPage = page.Page, page.PerPage

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// PendingCount returns how many permits await a decision within the principal's scope.
func (s *Service) PendingCount(ctx context.Context, a rbac.Authorizer) (int, error) {
	if !a.CanViewPermits() {
		return 0, shared.Errorf(shared.ErrForbidden, "not permitted to view permits")
	}
	counts, err := s.repo.CountByStatus(ctx, s.scope(a, 0))
	if err != nil {
		return 0, err
	}
	return counts[StatusPending], nil
}

// Stats counts permits per status.
func (s *Service) Stats(ctx context.Context, a rbac.Authorizer) (Stats, error) {
	if !a.CanViewStatistics() {
		return Stats{}, shared.Errorf(shared.ErrForbidden, "not permitted to view statistics")
	}
	counts, err := s.repo.CountByStatus(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{ByStatus: make(map[Status]int, len(statuses))}
	for _, st := range statuses {
		out.ByStatus[st] = counts[st]
		out.Total += counts[st]
	}
	return out, nil
}

// Update replaces the editable fields of a PENDING permit.
func (s *Service) Update(ctx context.Context, a rbac.Authorizer, id int64, in UpdateInput) (Permit, error) {
	actor := a.Principal()
	if actor == nil {
		return Permit{}, shared.ErrUnauthenticated
	}
	if err := s.validate(ctx, in); err != nil {
		return Permit{}, err
	}
	var updated Permit
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if p.RequestedBy != actor.ID && !a.CanDeletePermits() {
			return shared.Errorf(shared.ErrForbidden, "only the requester may edit this permit")
		}
		if p.Status != StatusPending {
			return shared.Errorf(shared.ErrInvalidTransition, "cannot edit a permit in status %s", p.Status)
		}
		now := s.now().UTC()
		applyInput(&p, in, now)
		p.UpdatedAt = now
		p.Version++
		if err := tx.UpdateDetails(ctx, p); err != nil {
			return err
		}
		updated = p
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "PERMIT_UPDATE",
			Entity:   "permit",
			EntityID: strconv.FormatInt(id, 10),
			At:       now,
		})
	})
	if err != nil {
		return Permit{}, err
	}
	return updated, nil
}

// CanDelete reports whether a may delete p: holders of the delete capability
// always may, the requester only while the permit is PENDING.
func CanDelete(a rbac.Authorizer, p Permit) bool {
	if a.CanDeletePermits() {
		return true
	}
	actor := a.Principal()
	return actor != nil && p.RequestedBy == actor.ID && p.Status == StatusPending
}

// Delete removes a permit and its history.
func (s *Service) Delete(ctx context.Context, a rbac.Authorizer, id int64) error {
	actor := a.Principal()
	if actor == nil {
		return shared.ErrUnauthenticated
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !CanDelete(a, p) {
			return shared.Errorf(shared.ErrForbidden, "not permitted to delete this permit")
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "PERMIT_DELETE",
			Entity:   "permit",
			EntityID: strconv.FormatInt(id, 10),
			Meta:     map[string]any{"number": p.Number, "status": p.Status},
			At:       s.now().UTC(),
		})
	})
}

// AvailableActions returns the permit together with the actions a may perform on it.
func (s *Service) AvailableActions(ctx context.Context, a rbac.Authorizer, id int64) (Permit, []Action, error) {
	p, err := s.Get(ctx, a, id)
	if err != nil {
		return Permit{}, nil, err
	}
	return p, AvailableActions(a, p), nil
}

var errReplayed = errors.New("permits: idempotency key replayed")

// Transition applies a workflow action. The request is checked against the
// lifecycle table before and after the row lock, so concurrent attempts on the
// same permit serialise and the later one sees the fresh status. A non-empty
// idempotencyKey makes a retried request return the current permit without
// applying the action twice.
func (s *Service) Transition(ctx context.Context, a rbac.Authorizer, id int64, req TransitionRequest, idempotencyKey string) (Permit, error) {
	actor := a.Principal()
	if actor == nil {
		return Permit{}, shared.ErrUnauthenticated
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Permit{}, err
	}
	if _, err := Check(a, current, req); err != nil {
		s.observe(req.Action, outcomeOf(err))
		return Permit{}, err
	}

	var (
		updated Permit
		note    Notification
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if idempotencyKey != "" {
			scope := "permit:" + strconv.FormatInt(id, 10)
			if err := tx.ClaimIdempotencyKey(ctx, idempotencyKey, scope); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					return errReplayed
				}
				return err
			}
		}
		p, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		rule, err := Check(a, p, req)
		if err != nil {
			return err
		}
		from := p.Status
		now := s.now().UTC()
		if err := s.persist(ctx, tx, &p, rule, req, actor.ID, now); err != nil {
			return err
		}
		updated = p
		note = Notification{PermitID: p.ID, Number: p.Number, Action: rule.Action, FromStatus: from, ToStatus: p.Status, ActorID: actor.ID, RequestedBy: p.RequestedBy}
		return nil
	})
	if errors.Is(err, errReplayed) {
		s.observe(req.Action, "replayed")
		return s.repo.Get(ctx, id)
	}
	if errors.Is(err, ErrConflict) {
		err = s.recheck(ctx, a, id, req)
	}
	if err != nil {
		s.observe(req.Action, outcomeOf(err))
		return Permit{}, err
	}
	s.observe(req.Action, "applied")
	s.logger.Info("permit transition",
		slog.Int64("permit_id", id),
		slog.String("action", string(req.Action)),
		slog.String("from", string(note.FromStatus)),
		slog.String("to", string(note.ToStatus)),
		slog.Int64("actor_id", actor.ID))
	s.notify(ctx, note)
	return updated, nil
}

// AutoCloseDue closes every active permit whose effective end is before now.
// No approval record is written. It returns the number of permits closed.
func (s *Service) AutoCloseDue(ctx context.Context, now time.Time) (int, error) {
	rule, _ := RuleFor(ActionAutoClose)
	closed := 0
	for {
		ids, err := s.repo.ListDueForAutoClose(ctx, now, autoCloseBatch)
		if err != nil {
			return closed, err
		}
		n := 0
		for _, id := range ids {
			var note Notification
			err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				p, err := tx.Lock(ctx, id)
				if err != nil {
					return err
				}
				if !rule.Allows(p.Status) || !p.EffectiveEnd().Before(now) {
					return errSkip
				}
				from := p.Status
				if err := s.persist(ctx, tx, &p, rule, TransitionRequest{Action: ActionAutoClose}, 0, now.UTC()); err != nil {
					return err
				}
				note = Notification{PermitID: p.ID, Number: p.Number, Action: ActionAutoClose, FromStatus: from, ToStatus: p.Status, RequestedBy: p.RequestedBy}
				return nil
			})
			switch {
			case errors.Is(err, errSkip), errors.Is(err, ErrNotFound):
				continue
			case errors.Is(err, ErrConflict):
				s.logger.Warn("permit auto close lost to concurrent action", slog.Int64("permit_id", id))
				continue
			case err != nil:
				s.metricsAutoClosed(closed)
				return closed, fmt.Errorf("permits: auto close %d: %w", id, err)
			}
			n++
			closed++
			s.notify(ctx, note)
		}
		if len(ids) < autoCloseBatch || n == 0 {
			break
		}
	}
	s.metricsAutoClosed(closed)
	if closed > 0 {
		s.logger.Info("permits auto closed", slog.Int("count", closed))
	}
	return closed, nil
}

const autoCloseBatch = 100

// recheck explains a transition that lost a race on the permit row: the
// lifecycle table is evaluated again against the committed permit so the
// caller gets the reason the winner left behind.
func (s *Service) recheck(ctx context.Context, a rbac.Authorizer, id int64, req TransitionRequest) error {
	fresh, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := Check(a, fresh, req); err != nil {
		return err
	}
	return ErrConflict
}

var errSkip = errors.New("permits: skip")

func (s *Service) persist(ctx context.Context, tx TxRepository, p *Permit, rule Rule, req TransitionRequest, actorID int64, now time.Time) error {
	approval, action := Apply(p, rule, req, actorID, now)
	if err := tx.UpdateLifecycle(ctx, *p); err != nil {
		return err
	}
	if approval != nil {
		if err := tx.InsertApproval(ctx, p.ID, *approval); err != nil {
			return err
		}
	}
	if err := tx.InsertAction(ctx, p.ID, action); err != nil {
		return err
	}
	meta := map[string]any{"from": action.FromStatus, "to": action.ToStatus}
	if action.ExtendedUntil != nil {
		meta["extended_until"] = action.ExtendedUntil.Format(time.RFC3339)
	}
	return tx.RecordAudit(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "PERMIT_" + strings.ToUpper(string(rule.Action)),
		Entity:   "permit",
		EntityID: strconv.FormatInt(p.ID, 10),
		Meta:     meta,
		At:       now,
	})
}

func (s *Service) validate(ctx context.Context, in CreateInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if s.attachments == nil {
		return nil
	}
	missing, err := s.attachments.Missing(ctx, in.IDProofKeys())
	if err != nil {
		return fmt.Errorf("permits: check attachments: %w", err)
	}
	if len(missing) > 0 {
		return shared.Errorf(shared.ErrValidation, "ID proof images not uploaded: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *Service) scope(a rbac.Authorizer, requested int64) int64 {
	if a.CanViewApprovals() {
		return requested
	}
	if p := a.Principal(); p != nil {
		return p.ID
	}
	return requested
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTransition(ctx, n); err != nil {
		s.logger.Warn("permit notify", slog.Int64("permit_id", n.PermitID), slog.Any("error", err))
	}
}

func (s *Service) observe(action Action, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(action), outcome)
	}
}

func (s *Service) metricsAutoClosed(n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.ObserveAutoClosed(n)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, shared.ErrForbidden):
		return "forbidden"
	case errors.Is(err, shared.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, shared.ErrValidation):
		return "validation_failed"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func applyInput(p *Permit, in CreateInput, now time.Time) {
	p.WorkType = in.WorkType
	p.Priority = in.Priority
	p.Title = strings.TrimSpace(in.Title)
	p.Description = strings.TrimSpace(in.Description)
	p.Location = strings.TrimSpace(in.Location)
	p.StartAt = in.StartAt.UTC()
	p.EndAt = in.EndAt.UTC()
	p.Workers = append([]Worker(nil), in.Workers...)
	p.Hazards = nonNil(in.Hazards)
	p.Precautions = nonNil(in.Precautions)
	p.Equipment = append([]Equipment{}, in.Equipment...)
	p.Declaration = in.Declaration
	if p.Declaration.AcceptedAt == nil {
		p.Declaration.AcceptedAt = &now
	}
}

func nonNil(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func generateNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("PTW-%s-%s", now.Format("20060102"), suffix)
}
