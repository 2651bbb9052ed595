package users

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// ErrNotFound is returned for unknown user IDs.
var ErrNotFound = &shared.Error{Kind: shared.ErrNotFound, Message: "user not found"}

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]User, int, error)
	Get(ctx context.Context, id int64) (User, error)
	Insert(ctx context.Context, u User, passwordHash string) (int64, error)
	// RolePermissions returns the bundle of a defined role; ok is false when
	// no role has that name.
	RolePermissions(ctx context.Context, name string) (keys []string, ok bool, err error)
}

// TxRepository exposes transactional user operations.
type TxRepository interface {
	Lock(ctx context.Context, id int64) (User, error)
	Save(ctx context.Context, u User) error
}

// PrincipalInvalidator drops the cached principal of a user.
type PrincipalInvalidator interface {
	Invalidate(ctx context.Context, userID int64) error
}

// AuditRecorder writes audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service handles user business logic.
type Service struct {
	repo   RepositoryPort
	cache  PrincipalInvalidator
	audit  AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service instance. cache and audit may be nil.
func NewService(repo RepositoryPort, cache PrincipalInvalidator, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: audit, logger: logger, now: time.Now}
}

// List returns a page of users.
func (s *Service) List(ctx context.Context, a rbac.Authorizer, filter ListFilter) ([]User, shared.Pagination, error) {
	if err := requireManage(a); err != nil {
		return nil, shared.Pagination{}, err
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, 0)
	items, total, err := s.repo.List(ctx, filter, page.PerPage, page.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(page.Page, page.PerPage, total), nil
}

// Get returns one user.
func (s *Service) Get(ctx context.Context, a rbac.Authorizer, id int64) (User, error) {
	if err := requireManage(a); err != nil {
		return User{}, err
	}
	return s.repo.Get(ctx, id)
}

// Create registers an active account.
func (s *Service) Create(ctx context.Context, a rbac.Authorizer, in CreateInput) (User, error) {
	if err := requireManage(a); err != nil {
		return User{}, err
	}
	role, err := s.resolveRole(ctx, a, in.Role)
	if err != nil {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	now := s.now().UTC()
	u := User{
		Email:       strings.ToLower(strings.TrimSpace(in.Email)),
		Name:        strings.TrimSpace(in.Name),
		Role:        role,
		Permissions: []string{},
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := s.repo.Insert(ctx, u, string(hash))
	if err != nil {
		return User{}, fmt.Errorf("users: create: %w", err)
	}
	u.ID = id
	s.record(ctx, a, "USER_CREATE", u)
	return u, nil
}

// SetActive enables or disables an account.
func (s *Service) SetActive(ctx context.Context, a rbac.Authorizer, id int64, active bool) (User, error) {
	if err := requireManage(a); err != nil {
		return User{}, err
	}
	if !active && a.Principal().ID == id {
		return User{}, shared.Errorf(shared.ErrValidation, "you cannot deactivate your own account")
	}
	return s.mutate(ctx, a, id, "USER_SET_ACTIVE", func(u *User) error {
		u.IsActive = active
		return nil
	})
}

// AssignRole sets the system or custom role of an account.
func (s *Service) AssignRole(ctx context.Context, a rbac.Authorizer, id int64, role string) (User, error) {
	if err := requireManage(a); err != nil {
		return User{}, err
	}
	name, err := s.resolveRole(ctx, a, role)
	if err != nil {
		return User{}, err
	}
	return s.mutate(ctx, a, id, "USER_ASSIGN_ROLE", func(u *User) error {
		u.Role = name
		return nil
	})
}

// SetPermissions replaces the explicit permission keys of an account.
func (s *Service) SetPermissions(ctx context.Context, a rbac.Authorizer, id int64, keys []string) (User, error) {
	if err := requireManage(a); err != nil {
		return User{}, err
	}
	var unknown []string
	for _, k := range keys {
		if !rbac.IsKnownPermission(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return User{}, shared.Errorf(shared.ErrValidation, "unknown permissions: %s", strings.Join(unknown, ", "))
	}
	return s.mutate(ctx, a, id, "USER_SET_PERMISSIONS", func(u *User) error {
		held := rbac.NewPermissionSet(u.Permissions...)
		for _, k := range keys {
			if !held.Has(k) && !a.CanGrant(k) {
				return shared.Errorf(shared.ErrForbidden, "only an administrator can grant %s", k)
			}
		}
		u.Permissions = rbac.NewPermissionSet(keys...).Keys()
		return nil
	})
}

// mutate applies change to the locked account row so concurrent edits of
// the same user apply one after the other.
func (s *Service) mutate(ctx context.Context, a rbac.Authorizer, id int64, action string, change func(*User) error) (User, error) {
	var u User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if u, err = tx.Lock(ctx, id); err != nil {
			return err
		}
		if rbac.ParseRole(u.Role).System == rbac.RoleAdministrator && !a.IsAdministrator() {
			return shared.Errorf(shared.ErrForbidden, "only an administrator can change an administrator account")
		}
		if err := change(&u); err != nil {
			return err
		}
		u.UpdatedAt = s.now().UTC()
		return tx.Save(ctx, u)
	})
	if err != nil {
		return User{}, fmt.Errorf("users: update %d: %w", id, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.Warn("invalidate principal", slog.Int64("user_id", id), slog.Any("error", err))
		}
	}
	s.record(ctx, a, action, u)
	return u, nil
}

// resolveRole folds system role aliases, checks custom roles exist and that
// a may hand the role out. The administrator role, and custom roles bundling
// privileged keys, are assigned by administrators only.
func (s *Service) resolveRole(ctx context.Context, a rbac.Authorizer, raw string) (string, error) {
	role := rbac.ParseRole(raw)
	if role.Name == "" {
		return "", shared.Errorf(shared.ErrValidation, "role is required")
	}
	if role.System == rbac.RoleAdministrator && !a.IsAdministrator() {
		return "", shared.Errorf(shared.ErrForbidden, "only an administrator can assign the %s role", role.Name)
	}
	if role.IsSystem() {
		return role.Name, nil
	}
	keys, ok, err := s.repo.RolePermissions(ctx, role.Name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", shared.Errorf(shared.ErrValidation, "role %s does not exist", role.Name)
	}
	for _, k := range keys {
		if !a.CanGrant(k) {
			return "", shared.Errorf(shared.ErrForbidden, "only an administrator can assign role %s, it grants %s", role.Name, k)
		}
	}
	return role.Name, nil
}

func (s *Service) record(ctx context.Context, a rbac.Authorizer, action string, u User) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  a.Principal().ID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(u.ID, 10),
		Meta:     map[string]any{"role": u.Role, "active": u.IsActive, "permissions": u.Permissions},
	})
	if err != nil {
		s.logger.Warn("audit user change", slog.String("action", action), slog.Any("error", err))
	}
}

func requireManage(a rbac.Authorizer) error {
	if a.Principal() == nil {
		return shared.ErrUnauthenticated
	}
	if !a.CanManageUsers() {
		return shared.Errorf(shared.ErrForbidden, "not permitted to manage users")
	}
	return nil
}
