package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// PromptPackRepository defines data operations for versioned prompt
// suites. Rows are immutable except for the monotone published flag.
type PromptPackRepository interface {
	Create(ctx context.Context, q Querier, pack *models.PromptPack) error
	GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.PromptPack, error)
	GetByVersion(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*models.PromptPack, error)
	List(ctx context.Context, workspaceID uuid.UUID, logicalID string) ([]*models.PromptPack, error)
	Publish(ctx context.Context, q Querier, id uuid.UUID) error
	DeleteUnpublished(ctx context.Context, q Querier, id uuid.UUID) (bool, error)
	Pool() *pgxpool.Pool
}

type promptPackRepo struct {
	pool *pgxpool.Pool
}

var _ PromptPackRepository = (*promptPackRepo)(nil)

// NewPromptPackRepository creates a new promptpack repository.
func NewPromptPackRepository(pool *pgxpool.Pool) PromptPackRepository {
	return &promptPackRepo{pool: pool}
}

func (r *promptPackRepo) Pool() *pgxpool.Pool {
	return r.pool
}

const promptPackColumns = `id, workspace_id, logical_id, version, sha256, content, published, created_at`

// Create inserts a pack version within the caller's transaction.
func (r *promptPackRepo) Create(ctx context.Context, q Querier, pack *models.PromptPack) error {
	if pack.ID == uuid.Nil {
		pack.ID = uuid.New()
	}
	query := `
		INSERT INTO promptpacks (id, workspace_id, logical_id, version, sha256, content, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	return q.QueryRow(ctx, query,
		pack.ID, pack.WorkspaceID, pack.LogicalID, pack.Version,
		pack.SHA256, pack.Content, pack.Published,
	).Scan(&pack.CreatedAt)
}

// GetByID retrieves a pack version scoped to a workspace.
func (r *promptPackRepo) GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.PromptPack, error) {
	query := `SELECT ` + promptPackColumns + ` FROM promptpacks WHERE workspace_id = $1 AND id = $2`
	return r.scanOne(r.pool.QueryRow(ctx, query, workspaceID, id))
}

// GetByVersion retrieves a pack by logical id and version.
func (r *promptPackRepo) GetByVersion(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*models.PromptPack, error) {
	query := `SELECT ` + promptPackColumns + ` FROM promptpacks WHERE workspace_id = $1 AND logical_id = $2 AND version = $3`
	return r.scanOne(r.pool.QueryRow(ctx, query, workspaceID, logicalID, version))
}

func (r *promptPackRepo) scanOne(row pgx.Row) (*models.PromptPack, error) {
	var p models.PromptPack
	err := row.Scan(
		&p.ID, &p.WorkspaceID, &p.LogicalID, &p.Version,
		&p.SHA256, &p.Content, &p.Published, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// List retrieves pack versions newest first, optionally filtered by
// logical id.
func (r *promptPackRepo) List(ctx context.Context, workspaceID uuid.UUID, logicalID string) ([]*models.PromptPack, error) {
	query := `SELECT ` + promptPackColumns + ` FROM promptpacks WHERE workspace_id = $1`
	args := []any{workspaceID}
	if logicalID != "" {
		query += ` AND logical_id = $2`
		args = append(args, logicalID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packs []*models.PromptPack
	for rows.Next() {
		var p models.PromptPack
		if err := rows.Scan(
			&p.ID, &p.WorkspaceID, &p.LogicalID, &p.Version,
			&p.SHA256, &p.Content, &p.Published, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		packs = append(packs, &p)
	}
	return packs, rows.Err()
}

// Publish flips the published flag; it never flips back.
func (r *promptPackRepo) Publish(ctx context.Context, q Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx,
		`UPDATE promptpacks SET published = true WHERE id = $1`, id)
	return err
}

// DeleteUnpublished removes a pack version only while unpublished.
// Returns false when nothing was deleted.
func (r *promptPackRepo) DeleteUnpublished(ctx context.Context, q Querier, id uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM promptpacks WHERE id = $1 AND published = false`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
