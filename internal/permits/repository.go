package permits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ptw-platform/ptw/internal/platform/db"
	"github.com/ptw-platform/ptw/internal/shared"
)

// Repository provides PostgreSQL backed persistence for permits.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn inside a read-committed transaction. A transaction that
// Postgres aborts because a concurrent writer won surfaces as ErrConflict.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return txError(db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	}))
}

func txError(err error) error {
	if db.IsSerializationFailure(err) {
		return ErrConflict
	}
	return err
}

const permitColumns = `id, number, work_type, status, priority, title, description, location,
	start_at, end_at, extended_until, auto_closed_at, closed_at, requested_by,
	workers, hazards, precautions, equipment, declaration, created_at, updated_at, version`

func scanPermit(row pgx.Row) (Permit, error) {
	var p Permit
	err := row.Scan(&p.ID, &p.Number, &p.WorkType, &p.Status, &p.Priority, &p.Title, &p.Description, &p.Location,
		&p.StartAt, &p.EndAt, &p.ExtendedUntil, &p.AutoClosedAt, &p.ClosedAt, &p.RequestedBy,
		&p.Workers, &p.Hazards, &p.Precautions, &p.Equipment, &p.Declaration, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permit{}, ErrNotFound
		}
		return Permit{}, err
	}
	return p, nil
}

// Get loads a permit and its history.
func (r *Repository) Get(ctx context.Context, id int64) (Permit, error) {
	return loadPermit(ctx, r.pool, id, false)
}

func loadPermit(ctx context.Context, q querier, id int64, forUpdate bool) (Permit, error) {
	sql := `SELECT ` + permitColumns + ` FROM permits WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	p, err := scanPermit(q.QueryRow(ctx, sql, id))
	if err != nil {
		return Permit{}, err
	}
	if p.Approvals, err = loadApprovals(ctx, q, id); err != nil {
		return Permit{}, err
	}
	if p.Actions, err = loadActions(ctx, q, id); err != nil {
		return Permit{}, err
	}
	return p, nil
}

func loadApprovals(ctx context.Context, q querier, permitID int64) ([]ApprovalRecord, error) {
	rows, err := q.Query(ctx, `SELECT ref, decision, approver_id, comment, signature, decided_at
FROM permit_approvals WHERE permit_id = $1 ORDER BY id`, permitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ApprovalRecord{}
	for rows.Next() {
		var rec ApprovalRecord
		if err := rows.Scan(&rec.Ref, &rec.Decision, &rec.ApproverID, &rec.Comment, &rec.Signature, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func loadActions(ctx context.Context, q querier, permitID int64) ([]ActionRecord, error) {
	rows, err := q.Query(ctx, `SELECT action, actor_id, from_status, to_status, comment, extended_until, occurred_at
FROM permit_actions WHERE permit_id = $1 ORDER BY id`, permitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ActionRecord{}
	for rows.Next() {
		var rec ActionRecord
		if err := rows.Scan(&rec.Action, &rec.ActorID, &rec.FromStatus, &rec.ToStatus, &rec.Comment, &rec.ExtendedUntil, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// List returns a page of permits without history, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Permit, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.WorkType != "" {
		add("work_type = $%d", filter.WorkType)
	}
	if filter.RequestedBy != 0 {
		add("requested_by = $%d", filter.RequestedBy)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permits`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	sql := fmt.Sprintf(`SELECT %s FROM permits%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		permitColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []Permit{}
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// CountByStatus counts permits per status. A non-zero requestedBy narrows the count.
func (r *Repository) CountByStatus(ctx context.Context, requestedBy int64) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM permits
WHERE ($1::bigint = 0 OR requested_by = $1) GROUP BY status`, requestedBy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// ListDueForAutoClose returns active permits whose effective end is before now.
func (r *Repository) ListDueForAutoClose(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM permits
WHERE status IN ('APPROVED', 'EXTENDED', 'REAPPROVED')
  AND GREATEST(end_at, COALESCE(extended_until, end_at)) < $1
ORDER BY id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *txRepo) Insert(ctx context.Context, p Permit) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO permits (number, work_type, status, priority, title, description, location,
	start_at, end_at, requested_by, workers, hazards, precautions, equipment, declaration, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16, $17)
RETURNING id`,
		p.Number, p.WorkType, p.Status, p.Priority, p.Title, p.Description, p.Location,
		p.StartAt, p.EndAt, p.RequestedBy, p.Workers, p.Hazards, p.Precautions, p.Equipment, p.Declaration,
		p.CreatedAt, p.Version).Scan(&id)
	return id, err
}

func (t *txRepo) Lock(ctx context.Context, id int64) (Permit, error) {
	return loadPermit(ctx, t.tx, id, true)
}

func (t *txRepo) UpdateDetails(ctx context.Context, p Permit) error {
	tag, err := t.tx.Exec(ctx, `UPDATE permits SET work_type = $2, priority = $3, title = $4, description = $5, location = $6,
	start_at = $7, end_at = $8, workers = $9, hazards = $10, precautions = $11, equipment = $12, declaration = $13,
	updated_at = $14, version = $15
WHERE id = $1 AND version = $15 - 1`,
		p.ID, p.WorkType, p.Priority, p.Title, p.Description, p.Location,
		p.StartAt, p.EndAt, p.Workers, p.Hazards, p.Precautions, p.Equipment, p.Declaration,
		p.UpdatedAt, p.Version)
	return versionCheck(tag, err)
}

func (t *txRepo) UpdateLifecycle(ctx context.Context, p Permit) error {
	tag, err := t.tx.Exec(ctx, `UPDATE permits SET status = $2, extended_until = $3, closed_at = $4, auto_closed_at = $5,
	updated_at = $6, version = $7
WHERE id = $1 AND version = $7 - 1`,
		p.ID, p.Status, p.ExtendedUntil, p.ClosedAt, p.AutoClosedAt, p.UpdatedAt, p.Version)
	return versionCheck(tag, err)
}

func versionCheck(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *txRepo) Delete(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM permits WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) InsertApproval(ctx context.Context, permitID int64, rec ApprovalRecord) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO permit_approvals (permit_id, ref, decision, approver_id, comment, signature, decided_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, permitID, rec.Ref, rec.Decision, rec.ApproverID, rec.Comment, rec.Signature, rec.At)
	return err
}

func (t *txRepo) InsertAction(ctx context.Context, permitID int64, rec ActionRecord) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO permit_actions (permit_id, action, actor_id, from_status, to_status, comment, extended_until, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, permitID, rec.Action, rec.ActorID, rec.FromStatus, rec.ToStatus, rec.Comment, rec.ExtendedUntil, rec.At)
	return err
}

func (t *txRepo) ClaimIdempotencyKey(ctx context.Context, key, scope string) error {
	return shared.ClaimIdempotencyKey(ctx, t.tx, key, scope)
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.RecordAudit(ctx, t.tx, log)
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)
