package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// ArtifactRepository defines data operations for content-addressed
// artifacts.
type ArtifactRepository interface {
	Create(ctx context.Context, q Querier, artifact *models.Artifact) error
	GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.Artifact, error)
	GetBySHA256(ctx context.Context, workspaceID uuid.UUID, sha256 string) (*models.Artifact, error)
	List(ctx context.Context, workspaceID uuid.UUID, kind *models.ArtifactKind) ([]*models.Artifact, error)
	Pool() *pgxpool.Pool
}

type artifactRepo struct {
	pool *pgxpool.Pool
}

var _ ArtifactRepository = (*artifactRepo)(nil)

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(pool *pgxpool.Pool) ArtifactRepository {
	return &artifactRepo{pool: pool}
}

func (r *artifactRepo) Pool() *pgxpool.Pool {
	return r.pool
}

const artifactColumns = `id, workspace_id, kind, storage_url, sha256, size_bytes, original_filename, created_at, expires_at`

// Create inserts an artifact row within the caller's transaction so the
// audit event lands atomically with it.
func (r *artifactRepo) Create(ctx context.Context, q Querier, artifact *models.Artifact) error {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	query := `
		INSERT INTO artifacts (id, workspace_id, kind, storage_url, sha256, size_bytes, original_filename, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`
	return q.QueryRow(ctx, query,
		artifact.ID,
		artifact.WorkspaceID,
		artifact.Kind,
		artifact.StorageURL,
		artifact.SHA256,
		artifact.SizeBytes,
		artifact.OriginalFilename,
		artifact.ExpiresAt,
	).Scan(&artifact.CreatedAt)
}

// GetByID retrieves an artifact scoped to a workspace.
func (r *artifactRepo) GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE workspace_id = $1 AND id = $2`
	return r.scanOne(r.pool.QueryRow(ctx, query, workspaceID, id))
}

// GetBySHA256 retrieves an artifact by content hash within a workspace.
func (r *artifactRepo) GetBySHA256(ctx context.Context, workspaceID uuid.UUID, sha256 string) (*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE workspace_id = $1 AND sha256 = $2`
	return r.scanOne(r.pool.QueryRow(ctx, query, workspaceID, sha256))
}

func (r *artifactRepo) scanOne(row pgx.Row) (*models.Artifact, error) {
	var a models.Artifact
	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.Kind, &a.StorageURL, &a.SHA256,
		&a.SizeBytes, &a.OriginalFilename, &a.CreatedAt, &a.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List retrieves artifacts newest first, optionally filtered by kind.
func (r *artifactRepo) List(ctx context.Context, workspaceID uuid.UUID, kind *models.ArtifactKind) ([]*models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE workspace_id = $1`
	args := []any{workspaceID}
	if kind != nil {
		query += ` AND kind = $2`
		args = append(args, *kind)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(
			&a.ID, &a.WorkspaceID, &a.Kind, &a.StorageURL, &a.SHA256,
			&a.SizeBytes, &a.OriginalFilename, &a.CreatedAt, &a.ExpiresAt,
		); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
