package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/queue"
	"github.com/edgegate/edgegate/internal/repository"
)

// RunService creates and reads runs. Execution happens in the worker;
// this service only admits work onto the durable queue.
type RunService interface {
	Create(ctx context.Context, req CreateRunRequest) (*models.Run, error)
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.Run, error)
	List(ctx context.Context, workspaceID uuid.UUID, pipelineID *uuid.UUID, limit int) ([]*models.Run, error)
}

// CreateRunRequest is the request for starting a run.
type CreateRunRequest struct {
	WorkspaceID     uuid.UUID
	PipelineID      uuid.UUID
	ModelArtifactID *uuid.UUID
	Trigger         models.RunTrigger
	ActorID         *uuid.UUID
}

type runService struct {
	runs      repository.RunRepository
	pipelines repository.PipelineRepository
	artifacts repository.ArtifactRepository
	audit     repository.AuditRepository
	queue     *queue.Queue
	logger    *slog.Logger
}

var _ RunService = (*runService)(nil)

// NewRunService creates a new run service.
func NewRunService(
	runs repository.RunRepository,
	pipelines repository.PipelineRepository,
	artifacts repository.ArtifactRepository,
	audit repository.AuditRepository,
	q *queue.Queue,
	logger *slog.Logger,
) RunService {
	return &runService{
		runs:      runs,
		pipelines: pipelines,
		artifacts: artifacts,
		audit:     audit,
		queue:     q,
		logger:    logger,
	}
}

// Create validates the references, inserts a queued run with its audit
// entry, and enqueues it. Admission is first-come; the per-workspace
// concurrency budget is enforced by the worker at scheduling time.
func (s *runService) Create(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	if !req.Trigger.Valid() {
		return nil, apierrors.NewValidationError("trigger", "unknown trigger")
	}
	pipeline, err := s.pipelines.GetByID(ctx, req.WorkspaceID, req.PipelineID)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, apierrors.NewNotFoundError("Pipeline")
	}
	if req.ModelArtifactID != nil {
		artifact, err := s.artifacts.GetByID(ctx, req.WorkspaceID, *req.ModelArtifactID)
		if err != nil {
			return nil, err
		}
		if artifact == nil {
			return nil, apierrors.NewNotFoundError("Model artifact")
		}
		if artifact.Kind != models.ArtifactKindModel {
			return nil, apierrors.NewValidationError("model_artifact_id", "artifact is not a model")
		}
	}

	tx, err := s.runs.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	run := &models.Run{
		WorkspaceID:     req.WorkspaceID,
		PipelineID:      req.PipelineID,
		ModelArtifactID: req.ModelArtifactID,
		Trigger:         req.Trigger,
		Status:          models.RunQueued,
	}
	if err := s.runs.Create(ctx, tx, run); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: req.WorkspaceID,
		Event:       models.AuditRunCreated,
		ActorID:     req.ActorID,
		Payload: auditPayload(map[string]any{
			"run_id":      run.ID,
			"pipeline_id": req.PipelineID,
			"trigger":     req.Trigger,
		}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, run.ID, run.WorkspaceID); err != nil {
		// The row exists; the stale sweeper will eventually error it out
		// if no worker ever picks it up. Surface the enqueue failure.
		s.logger.Error("failed to enqueue run",
			slog.String("run_id", run.ID.String()), slog.Any("error", err))
		return nil, err
	}
	return run, nil
}

// Get retrieves a run.
func (s *runService) Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.Run, error) {
	run, err := s.runs.GetByID(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apierrors.NewNotFoundError("Run")
	}
	return run, nil
}

// List retrieves runs newest first.
func (s *runService) List(ctx context.Context, workspaceID uuid.UUID, pipelineID *uuid.UUID, limit int) ([]*models.Run, error) {
	return s.runs.List(ctx, workspaceID, pipelineID, limit)
}
