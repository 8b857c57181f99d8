package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgegate/edgegate/internal/models"
)

// RunUpdate carries optional field updates applied atomically with a
// state transition. Nil fields are left untouched.
type RunUpdate struct {
	NormalizedMetrics json.RawMessage
	GatesEval         json.RawMessage
	JobIDs            json.RawMessage
	BundleArtifactID  *uuid.UUID
	ErrorCode         *string
	ErrorDetail       *string
}

// RunRepository defines data operations for runs, including the
// transactional state machine.
type RunRepository interface {
	Create(ctx context.Context, q Querier, run *models.Run) error
	GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.Run, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Run, error)
	List(ctx context.Context, workspaceID uuid.UUID, pipelineID *uuid.UUID, limit int) ([]*models.Run, error)
	Transition(ctx context.Context, id uuid.UUID, target models.RunStatus, update *RunUpdate) (*models.Run, error)
	Admit(ctx context.Context, id uuid.UUID, maxActive int) (*models.Run, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error)
	Pool() *pgxpool.Pool
}

type runRepo struct {
	pool *pgxpool.Pool
}

var _ RunRepository = (*runRepo)(nil)

// NewRunRepository creates a new run repository.
func NewRunRepository(pool *pgxpool.Pool) RunRepository {
	return &runRepo{pool: pool}
}

func (r *runRepo) Pool() *pgxpool.Pool {
	return r.pool
}

const runColumns = `id, workspace_id, pipeline_id, model_artifact_id, trigger, status,
	normalized_metrics, gates_eval, job_ids, bundle_artifact_id,
	error_code, error_detail, created_at, updated_at`

// Create inserts a queued run within the caller's transaction.
func (r *runRepo) Create(ctx context.Context, q Querier, run *models.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunQueued
	}
	query := `
		INSERT INTO runs (id, workspace_id, pipeline_id, model_artifact_id, trigger, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	return q.QueryRow(ctx, query,
		run.ID, run.WorkspaceID, run.PipelineID, run.ModelArtifactID, run.Trigger, run.Status,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
}

// GetByID retrieves a run scoped to a workspace.
func (r *runRepo) GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE workspace_id = $1 AND id = $2`
	return scanRun(r.pool.QueryRow(ctx, query, workspaceID, id))
}

// Get retrieves a run by id without workspace scoping; the orchestrator
// uses it when draining the queue.
func (r *runRepo) Get(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.ID, &run.WorkspaceID, &run.PipelineID, &run.ModelArtifactID,
		&run.Trigger, &run.Status,
		&run.NormalizedMetrics, &run.GatesEval, &run.JobIDs, &run.BundleArtifactID,
		&run.ErrorCode, &run.ErrorDetail, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// List retrieves runs newest first, optionally scoped to a pipeline.
func (r *runRepo) List(ctx context.Context, workspaceID uuid.UUID, pipelineID *uuid.UUID, limit int) ([]*models.Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE workspace_id = $1`
	args := []any{workspaceID}
	if pipelineID != nil {
		query += ` AND pipeline_id = $2`
		args = append(args, *pipelineID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Transition moves a run to the target status inside a transaction.
// The current row is locked, the move is checked against the
// permitted-transitions table, and optional field updates land
// atomically with the status change. Terminal rows never change;
// ErrInvalidStateTransition is returned without touching the row.
func (r *runRepo) Transition(ctx context.Context, id uuid.UUID, target models.RunStatus, update *RunUpdate) (*models.Run, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var current models.RunStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !current.CanTransition(target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, current, target)
	}

	query := `UPDATE runs SET status = $2, updated_at = now()`
	args := []any{id, target}
	add := func(column string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(`, %s = $%d`, column, len(args))
	}
	if update != nil {
		if update.NormalizedMetrics != nil {
			add("normalized_metrics", update.NormalizedMetrics)
		}
		if update.GatesEval != nil {
			add("gates_eval", update.GatesEval)
		}
		if update.JobIDs != nil {
			add("job_ids", update.JobIDs)
		}
		if update.BundleArtifactID != nil {
			add("bundle_artifact_id", *update.BundleArtifactID)
		}
		if update.ErrorCode != nil {
			add("error_code", *update.ErrorCode)
		}
		if update.ErrorDetail != nil {
			add("error_detail", *update.ErrorDetail)
		}
	}
	query += ` WHERE id = $1 RETURNING ` + runColumns

	run, err := scanRun(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return run, nil
}

// Admit atomically claims a queued run for execution. A per-workspace
// advisory lock serializes admission across workers and processes: the
// active-run count and the queued → preparing move commit together, so
// two workers can never both admit runs of one workspace past its
// budget. Returns nil when the run is gone or no longer queued, and
// ErrWorkspaceBusy when the workspace is at its budget (the run stays
// queued). Queued rows do not count toward the budget.
func (r *runRepo) Admit(ctx context.Context, id uuid.UUID, maxActive int) (*models.Run, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var workspaceID uuid.UUID
	var status models.RunStatus
	err = tx.QueryRow(ctx,
		`SELECT workspace_id, status FROM runs WHERE id = $1 FOR UPDATE`, id).
		Scan(&workspaceID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if status != models.RunQueued {
		return nil, nil
	}

	// Held until commit or rollback.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1::text))`, workspaceID); err != nil {
		return nil, err
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE workspace_id = $1
		  AND status IN ('preparing', 'submitting', 'running', 'collecting', 'evaluating', 'reporting')`,
		workspaceID).Scan(&active)
	if err != nil {
		return nil, err
	}
	if active >= maxActive {
		return nil, ErrWorkspaceBusy
	}

	run, err := scanRun(tx.QueryRow(ctx,
		`UPDATE runs SET status = $2, updated_at = now() WHERE id = $1 RETURNING `+runColumns,
		id, models.RunPreparing))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return run, nil
}

// ListStale retrieves in-flight runs whose last update precedes the
// cutoff. Queued runs are not stale: they are still waiting for a
// worker, and terminal runs never change.
func (r *runRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status NOT IN ('queued', 'passed', 'failed', 'error') AND updated_at < $1
		ORDER BY updated_at`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
