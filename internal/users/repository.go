package users

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ptw-platform/ptw/internal/platform/db"
	"github.com/ptw-platform/ptw/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, role, permissions, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Permissions, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if u.Permissions == nil {
		u.Permissions = []string{}
	}
	return u, err
}

// List returns a page of users ordered by name and the total match count.
func (r *Repository) List(ctx context.Context, filter ListFilter, limit, offset int) ([]User, int, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(filter.Query)) + "%"
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE lower(name) LIKE $1 OR lower(email) LIKE $1`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users
WHERE lower(name) LIKE $1 OR lower(email) LIKE $1 ORDER BY name, id LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// Get returns one user.
func (r *Repository) Get(ctx context.Context, id int64) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// Insert stores a new account.
func (r *Repository) Insert(ctx context.Context, u User, passwordHash string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO users (email, name, password_hash, role, permissions, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		u.Email, u.Name, passwordHash, u.Role, u.Permissions, u.IsActive, u.CreatedAt).Scan(&id)
	if shared.IsUniqueViolation(err) {
		return 0, shared.Errorf(shared.ErrDuplicate, "email %s is already registered", u.Email)
	}
	return id, err
}

// RolePermissions returns the permission bundle of the named role.
func (r *Repository) RolePermissions(ctx context.Context, name string) ([]string, bool, error) {
	var keys []string
	err := r.pool.QueryRow(ctx, `SELECT permissions FROM roles WHERE name = $1`, name).Scan(&keys)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return keys, true, nil
}

// WithTx runs fn inside a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type txRepo struct {
	tx pgx.Tx
}

// Lock loads the account and holds its row until the transaction ends.
func (t *txRepo) Lock(ctx context.Context, id int64) (User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

// Save writes role, permissions and active flag.
func (t *txRepo) Save(ctx context.Context, u User) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET role = $2, permissions = $3, is_active = $4, updated_at = $5 WHERE id = $1`,
		u.ID, u.Role, u.Permissions, u.IsActive, u.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)
