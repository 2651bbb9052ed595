package roles

import (
	"context"
	"errors"

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

// WithTx runs fn inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const roleColumns = `id, name, display_name, description, permissions, ui_config, is_system, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.Permissions,
		&role.UIConfig, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	return role, err
}

// List returns every role, system roles first.
func (r *Repository) List(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY is_system DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// Get returns one role.
func (r *Repository) Get(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) Lock(ctx context.Context, id int64) (Role, error) {
	return scanRole(t.tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) Insert(ctx context.Context, role Role) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO roles (name, display_name, description, permissions, ui_config, is_system, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, FALSE, $6, $6) RETURNING id`,
		role.Name, role.DisplayName, role.Description, role.Permissions, role.UIConfig, role.CreatedAt).Scan(&id)
	if shared.IsUniqueViolation(err) {
		return 0, errDuplicateName(role.Name)
	}
	return id, err
}

func (t *txRepo) Update(ctx context.Context, role Role) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET name = $2, display_name = $3, description = $4, permissions = $5,
ui_config = $6, updated_at = $7 WHERE id = $1`,
		role.ID, role.Name, role.DisplayName, role.Description, role.Permissions, role.UIConfig, role.UpdatedAt)
	if shared.IsUniqueViolation(err) {
		return errDuplicateName(role.Name)
	}
	return err
}

func (t *txRepo) Delete(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	return err
}

func (t *txRepo) CountAssignments(ctx context.Context, name string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, name).Scan(&n)
	return n, err
}

func (t *txRepo) RenameAssignments(ctx context.Context, from, to string) error {
	_, err := t.tx.Exec(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE role = $1`, from, to)
	return err
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.RecordAudit(ctx, t.tx, log)
}

var _ RepositoryPort = (*Repository)(nil)
