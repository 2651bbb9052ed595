package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads principals from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindPrincipal loads the user row and merges the bundle of its role. Legacy
// role spellings are folded before the role lookup.
func (r *Repository) FindPrincipal(ctx context.Context, userID int64) (Principal, error) {
	var (
		p        Principal
		rawRole  string
		explicit []string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, name, email, role, permissions, is_active
FROM users WHERE id = $1`, userID).Scan(&p.ID, &p.Name, &p.Email, &rawRole, &explicit, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, err
	}
	p.Role = ParseRole(rawRole)
	p.Permissions = NewPermissionSet(explicit...)

	var bundle []string
	err = r.pool.QueryRow(ctx, `SELECT permissions FROM roles WHERE name = $1`, p.Role.Name).Scan(&bundle)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, err
	}
	p.Permissions.Add(bundle...)
	return p, nil
}

var _ PrincipalRepository = (*Repository)(nil)
