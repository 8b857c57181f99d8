package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// PipelineRepository defines data operations for pipelines. The four
// config objects are stored as JSONB and round-tripped through their
// model types.
type PipelineRepository interface {
	Create(ctx context.Context, q Querier, p *models.Pipeline) error
	GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.Pipeline, error)
	List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Pipeline, error)
	Update(ctx context.Context, q Querier, p *models.Pipeline) error
	Delete(ctx context.Context, q Querier, workspaceID, id uuid.UUID) (bool, error)
	Pool() *pgxpool.Pool
}

type pipelineRepo struct {
	pool *pgxpool.Pool
}

var _ PipelineRepository = (*pipelineRepo)(nil)

// NewPipelineRepository creates a new pipeline repository.
func NewPipelineRepository(pool *pgxpool.Pool) PipelineRepository {
	return &pipelineRepo{pool: pool}
}

func (r *pipelineRepo) Pool() *pgxpool.Pool {
	return r.pool
}

type pipelineConfig struct {
	deviceMatrix  []byte
	promptPackRef []byte
	gates         []byte
	runPolicy     []byte
}

func encodePipelineConfig(p *models.Pipeline) (pipelineConfig, error) {
	var cfg pipelineConfig
	var err error
	if cfg.deviceMatrix, err = json.Marshal(p.DeviceMatrix); err != nil {
		return cfg, fmt.Errorf("marshal device_matrix: %w", err)
	}
	if cfg.promptPackRef, err = json.Marshal(p.PromptPackRef); err != nil {
		return cfg, fmt.Errorf("marshal promptpack_ref: %w", err)
	}
	if cfg.gates, err = json.Marshal(p.Gates); err != nil {
		return cfg, fmt.Errorf("marshal gates: %w", err)
	}
	if cfg.runPolicy, err = json.Marshal(p.RunPolicy); err != nil {
		return cfg, fmt.Errorf("marshal run_policy: %w", err)
	}
	return cfg, nil
}

func scanPipeline(row pgx.Row) (*models.Pipeline, error) {
	var p models.Pipeline
	var deviceMatrix, promptPackRef, gates, runPolicy []byte
	err := row.Scan(
		&p.ID, &p.WorkspaceID, &p.Name,
		&deviceMatrix, &promptPackRef, &gates, &runPolicy,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(deviceMatrix, &p.DeviceMatrix); err != nil {
		return nil, fmt.Errorf("unmarshal device_matrix: %w", err)
	}
	if err := json.Unmarshal(promptPackRef, &p.PromptPackRef); err != nil {
		return nil, fmt.Errorf("unmarshal promptpack_ref: %w", err)
	}
	if err := json.Unmarshal(gates, &p.Gates); err != nil {
		return nil, fmt.Errorf("unmarshal gates: %w", err)
	}
	if err := json.Unmarshal(runPolicy, &p.RunPolicy); err != nil {
		return nil, fmt.Errorf("unmarshal run_policy: %w", err)
	}
	return &p, nil
}

const pipelineColumns = `id, workspace_id, name, device_matrix, promptpack_ref, gates, run_policy, created_at, updated_at`

// Create inserts a pipeline within the caller's transaction.
func (r *pipelineRepo) Create(ctx context.Context, q Querier, p *models.Pipeline) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cfg, err := encodePipelineConfig(p)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO pipelines (id, workspace_id, name, device_matrix, promptpack_ref, gates, run_policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	return q.QueryRow(ctx, query,
		p.ID, p.WorkspaceID, p.Name,
		cfg.deviceMatrix, cfg.promptPackRef, cfg.gates, cfg.runPolicy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetByID retrieves a pipeline scoped to a workspace.
func (r *pipelineRepo) GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE workspace_id = $1 AND id = $2`
	return scanPipeline(r.pool.QueryRow(ctx, query, workspaceID, id))
}

// List retrieves pipelines newest first.
func (r *pipelineRepo) List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE workspace_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// Update replaces the name and all four config objects.
func (r *pipelineRepo) Update(ctx context.Context, q Querier, p *models.Pipeline) error {
	cfg, err := encodePipelineConfig(p)
	if err != nil {
		return err
	}
	query := `
		UPDATE pipelines
		SET name = $3, device_matrix = $4, promptpack_ref = $5, gates = $6, run_policy = $7, updated_at = now()
		WHERE workspace_id = $1 AND id = $2
		RETURNING updated_at`
	return q.QueryRow(ctx, query,
		p.WorkspaceID, p.ID, p.Name,
		cfg.deviceMatrix, cfg.promptPackRef, cfg.gates, cfg.runPolicy,
	).Scan(&p.UpdatedAt)
}

// Delete removes a pipeline. Returns false when no row matched.
func (r *pipelineRepo) Delete(ctx context.Context, q Querier, workspaceID, id uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx,
		`DELETE FROM pipelines WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
