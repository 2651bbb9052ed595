package roles

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// ErrNotFound is returned for unknown role IDs.
var ErrNotFound = &shared.Error{Kind: shared.ErrNotFound, Message: "role not found"}

func errDuplicateName(name string) error {
	return shared.Errorf(shared.ErrDuplicate, "role %s already exists", name)
}

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	List(ctx context.Context) ([]Role, error)
	Get(ctx context.Context, id int64) (Role, error)
}

// TxRepository exposes transactional role operations.
type TxRepository interface {
	Lock(ctx context.Context, id int64) (Role, error)
	Insert(ctx context.Context, role Role) (int64, error)
	Update(ctx context.Context, role Role) error
	Delete(ctx context.Context, id int64) error
	CountAssignments(ctx context.Context, name string) (int, error)
	RenameAssignments(ctx context.Context, from, to string) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// CacheInvalidator drops cached principals after a role bundle changes.
type CacheInvalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Service handles role business logic.
type Service struct {
	repo   RepositoryPort
	cache  CacheInvalidator
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service instance. cache may be nil.
func NewService(repo RepositoryPort, cache CacheInvalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// List returns all roles.
func (s *Service) List(ctx context.Context, a rbac.Authorizer) ([]Role, error) {
	if err := requireManage(a); err != nil {
		return nil, err
	}
	return s.repo.List(ctx)
}

// Get returns one role.
func (s *Service) Get(ctx context.Context, a rbac.Authorizer, id int64) (Role, error) {
	if err := requireManage(a); err != nil {
		return Role{}, err
	}
	return s.repo.Get(ctx, id)
}

// Create stores a custom role.
func (s *Service) Create(ctx context.Context, a rbac.Authorizer, in Input) (Role, error) {
	if err := requireManage(a); err != nil {
		return Role{}, err
	}
	role, err := normalize(in)
	if err != nil {
		return Role{}, err
	}
	if rbac.IsSystemRoleName(role.Name) {
		return Role{}, shared.Errorf(shared.ErrDuplicate, "role name %s is reserved", role.Name)
	}
	if err := guardGrant(a, nil, role.Permissions); err != nil {
		return Role{}, err
	}
	now := s.now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, role)
		if err != nil {
			return err
		}
		role.ID = id
		return tx.RecordAudit(ctx, audit(a, "ROLE_CREATE", role, now))
	})
	if err != nil {
		return Role{}, fmt.Errorf("roles: create: %w", err)
	}
	return role, nil
}

// Update edits a role. System roles keep their name and permission bundle.
func (s *Service) Update(ctx context.Context, a rbac.Authorizer, id int64, in Input) (Role, error) {
	if err := requireManage(a); err != nil {
		return Role{}, err
	}
	next, err := normalize(in)
	if err != nil {
		return Role{}, err
	}
	now := s.now().UTC()

	var updated Role
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if current.IsSystem {
			if next.Name != current.Name {
				return shared.Errorf(shared.ErrForbidden, "system role %s cannot be renamed", current.Name)
			}
			if !slices.Equal(next.Permissions, sortedKeys(current.Permissions)) {
				return shared.Errorf(shared.ErrForbidden, "permissions of system role %s cannot be edited", current.Name)
			}
		} else if rbac.IsSystemRoleName(next.Name) {
			return shared.Errorf(shared.ErrDuplicate, "role name %s is reserved", next.Name)
		}
		if err := guardGrant(a, current.Permissions, next.Permissions); err != nil {
			return err
		}

		next.ID = current.ID
		next.IsSystem = current.IsSystem
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = now
		if err := tx.Update(ctx, next); err != nil {
			return err
		}
		if next.Name != current.Name {
			if err := tx.RenameAssignments(ctx, current.Name, next.Name); err != nil {
				return err
			}
		}
		updated = next
		return tx.RecordAudit(ctx, audit(a, "ROLE_UPDATE", next, now))
	})
	if err != nil {
		return Role{}, fmt.Errorf("roles: update: %w", err)
	}
	s.invalidate(ctx)
	return updated, nil
}

// Delete removes a custom role that no user holds.
func (s *Service) Delete(ctx context.Context, a rbac.Authorizer, id int64) error {
	if err := requireManage(a); err != nil {
		return err
	}
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystem {
			return shared.Errorf(shared.ErrForbidden, "system role %s cannot be deleted", role.Name)
		}
		n, err := tx.CountAssignments(ctx, role.Name)
		if err != nil {
			return err
		}
		if n > 0 {
			return shared.Errorf(shared.ErrValidation, "role %s is assigned to %d users", role.Name, n)
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, audit(a, "ROLE_DELETE", role, now))
	})
	if err != nil {
		return fmt.Errorf("roles: delete: %w", err)
	}
	s.invalidate(ctx)
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.Warn("invalidate principal cache", slog.Any("error", err))
	}
}

func requireManage(a rbac.Authorizer) error {
	if a.Principal() == nil {
		return shared.ErrUnauthenticated
	}
	if !a.CanManageRoles() {
		return shared.Errorf(shared.ErrForbidden, "not permitted to manage roles")
	}
	return nil
}

// guardGrant refuses privileged keys in next that held does not already
// carry unless a is an administrator.
func guardGrant(a rbac.Authorizer, held, next []string) error {
	had := rbac.NewPermissionSet(held...)
	for _, k := range next {
		if !had.Has(k) && !a.CanGrant(k) {
			return shared.Errorf(shared.ErrForbidden, "only an administrator can grant %s", k)
		}
	}
	return nil
}

func normalize(in Input) (Role, error) {
	name := rbac.NormalizeRoleName(in.Name)
	if name == "" {
		return Role{}, shared.Errorf(shared.ErrValidation, "name is required")
	}
	var unknown []string
	for _, k := range in.Permissions {
		if !rbac.IsKnownPermission(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return Role{}, shared.Errorf(shared.ErrValidation, "unknown permissions: %s", strings.Join(unknown, ", "))
	}
	return Role{
		Name:        name,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Description: strings.TrimSpace(in.Description),
		Permissions: sortedKeys(in.Permissions),
		UIConfig:    in.UIConfig,
	}, nil
}

func sortedKeys(keys []string) []string {
	return rbac.NewPermissionSet(keys...).Keys()
}

func audit(a rbac.Authorizer, action string, role Role, at time.Time) shared.AuditLog {
	return shared.AuditLog{
		ActorID:  a.Principal().ID,
		Action:   action,
		Entity:   "role",
		EntityID: strconv.FormatInt(role.ID, 10),
		Meta:     map[string]any{"name": role.Name, "permissions": role.Permissions},
		At:       at,
	}
}
