package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// AuditRepository writes and reads the append-only audit log. Writes
// accept a Querier so the entry commits with the mutation it records.
type AuditRepository interface {
	Insert(ctx context.Context, q Querier, entry *models.AuditLog) error
	List(ctx context.Context, workspaceID uuid.UUID, event *models.AuditEvent, limit int) ([]*models.AuditLog, error)
	Pool() *pgxpool.Pool
}

type auditRepo struct {
	pool *pgxpool.Pool
}

var _ AuditRepository = (*auditRepo)(nil)

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepo{pool: pool}
}

func (r *auditRepo) Pool() *pgxpool.Pool {
	return r.pool
}

// Insert appends an audit entry within the caller's transaction.
func (r *auditRepo) Insert(ctx context.Context, q Querier, entry *models.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
		INSERT INTO audit_log (id, workspace_id, event, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`
	return q.QueryRow(ctx, query,
		entry.ID, entry.WorkspaceID, entry.Event, entry.ActorID, entry.Payload,
	).Scan(&entry.CreatedAt)
}

// List retrieves audit entries newest first, optionally filtered by
// event name. The limit is clamped to 100.
func (r *auditRepo) List(ctx context.Context, workspaceID uuid.UUID, event *models.AuditEvent, limit int) ([]*models.AuditLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `
		SELECT id, workspace_id, event, actor_id, payload, created_at
		FROM audit_log WHERE workspace_id = $1`
	args := []any{workspaceID}
	if event != nil {
		query += ` AND event = $2`
		args = append(args, *event)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		var e models.AuditLog
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Event, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
