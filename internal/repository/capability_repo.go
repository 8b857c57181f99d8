package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// CapabilityRepository stores the latest device-cloud probe result per
// workspace.
type CapabilityRepository interface {
	Upsert(ctx context.Context, q Querier, cap *models.WorkspaceCapability) error
	Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceCapability, error)
}

type capabilityRepo struct {
	pool *pgxpool.Pool
}

var _ CapabilityRepository = (*capabilityRepo)(nil)

// NewCapabilityRepository creates a new capability repository.
func NewCapabilityRepository(pool *pgxpool.Pool) CapabilityRepository {
	return &capabilityRepo{pool: pool}
}

// Upsert replaces the workspace's probe record.
func (r *capabilityRepo) Upsert(ctx context.Context, q Querier, cap *models.WorkspaceCapability) error {
	query := `
		INSERT INTO workspace_capabilities (workspace_id, capabilities_artifact_id, metric_mapping_artifact_id, device_count, probed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id) DO UPDATE SET
			capabilities_artifact_id = EXCLUDED.capabilities_artifact_id,
			metric_mapping_artifact_id = EXCLUDED.metric_mapping_artifact_id,
			device_count = EXCLUDED.device_count,
			probed_at = EXCLUDED.probed_at`
	_, err := q.Exec(ctx, query,
		cap.WorkspaceID, cap.CapabilitiesArtifactID, cap.MetricMappingArtifactID,
		cap.DeviceCount, cap.ProbedAt)
	return err
}

// Get retrieves the workspace's latest probe record.
func (r *capabilityRepo) Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceCapability, error) {
	query := `
		SELECT workspace_id, capabilities_artifact_id, metric_mapping_artifact_id, device_count, probed_at
		FROM workspace_capabilities WHERE workspace_id = $1`

	var c models.WorkspaceCapability
	err := r.pool.QueryRow(ctx, query, workspaceID).Scan(
		&c.WorkspaceID, &c.CapabilitiesArtifactID, &c.MetricMappingArtifactID,
		&c.DeviceCount, &c.ProbedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
