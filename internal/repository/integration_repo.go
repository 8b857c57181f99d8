package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// IntegrationRepository defines data operations for device-cloud
// credentials. One row per (workspace, provider).
type IntegrationRepository interface {
	Create(ctx context.Context, q Querier, in *models.Integration) error
	GetByProvider(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider) (*models.Integration, error)
	List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Integration, error)
	UpdateToken(ctx context.Context, q Querier, id uuid.UUID, wrapped []byte, last4 string) error
	SetStatus(ctx context.Context, q Querier, id uuid.UUID, status models.IntegrationStatus) error
	Delete(ctx context.Context, q Querier, id uuid.UUID) error
	Pool() *pgxpool.Pool
}

type integrationRepo struct {
	pool *pgxpool.Pool
}

var _ IntegrationRepository = (*integrationRepo)(nil)

// NewIntegrationRepository creates a new integration repository.
func NewIntegrationRepository(pool *pgxpool.Pool) IntegrationRepository {
	return &integrationRepo{pool: pool}
}

func (r *integrationRepo) Pool() *pgxpool.Pool {
	return r.pool
}

const integrationColumns = `id, workspace_id, provider, status, wrapped_token, token_last4, created_by, created_at, updated_at`

// Create inserts a credential row within the caller's transaction.
func (r *integrationRepo) Create(ctx context.Context, q Querier, in *models.Integration) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO integrations (id, workspace_id, provider, status, wrapped_token, token_last4, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	return q.QueryRow(ctx, query,
		in.ID, in.WorkspaceID, in.Provider, in.Status, in.WrappedToken, in.TokenLast4, in.CreatedBy,
	).Scan(&in.CreatedAt, &in.UpdatedAt)
}

// GetByProvider retrieves the workspace's credential for a provider.
func (r *integrationRepo) GetByProvider(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE workspace_id = $1 AND provider = $2`

	var in models.Integration
	err := r.pool.QueryRow(ctx, query, workspaceID, provider).Scan(
		&in.ID, &in.WorkspaceID, &in.Provider, &in.Status, &in.WrappedToken,
		&in.TokenLast4, &in.CreatedBy, &in.CreatedAt, &in.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// List retrieves all credentials for a workspace.
func (r *integrationRepo) List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE workspace_id = $1 ORDER BY provider`

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var integrations []*models.Integration
	for rows.Next() {
		var in models.Integration
		if err := rows.Scan(
			&in.ID, &in.WorkspaceID, &in.Provider, &in.Status, &in.WrappedToken,
			&in.TokenLast4, &in.CreatedBy, &in.CreatedAt, &in.UpdatedAt,
		); err != nil {
			return nil, err
		}
		integrations = append(integrations, &in)
	}
	return integrations, rows.Err()
}

// UpdateToken replaces the wrapped token after a rotation.
func (r *integrationRepo) UpdateToken(ctx context.Context, q Querier, id uuid.UUID, wrapped []byte, last4 string) error {
	_, err := q.Exec(ctx, `
		UPDATE integrations
		SET wrapped_token = $2, token_last4 = $3, updated_at = now()
		WHERE id = $1`, id, wrapped, last4)
	return err
}

// SetStatus enables or disables a credential.
func (r *integrationRepo) SetStatus(ctx context.Context, q Querier, id uuid.UUID, status models.IntegrationStatus) error {
	_, err := q.Exec(ctx, `
		UPDATE integrations SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

// Delete removes a credential row.
func (r *integrationRepo) Delete(ctx context.Context, q Querier, id uuid.UUID) error {
	_, err := q.Exec(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	return err
}
