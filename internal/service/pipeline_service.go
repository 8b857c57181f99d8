package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
)

// PipelineService manages declarative run configurations.
type PipelineService interface {
	Create(ctx context.Context, req PipelineRequest) (*models.Pipeline, error)
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.Pipeline, error)
	List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Pipeline, error)
	Update(ctx context.Context, id uuid.UUID, req PipelineRequest) (*models.Pipeline, error)
	Delete(ctx context.Context, workspaceID, id uuid.UUID, actorID uuid.UUID) error
}

// PipelineRequest carries the full pipeline configuration for create
// and update.
type PipelineRequest struct {
	WorkspaceID   uuid.UUID
	Name          string `validate:"required,min=1,max=255"`
	DeviceMatrix  []models.DeviceEntry
	PromptPackRef models.PromptPackRef
	Gates         []models.Gate
	RunPolicy     models.RunPolicy
	ActorID       uuid.UUID
}

type pipelineService struct {
	pipelines repository.PipelineRepository
	packs     repository.PromptPackRepository
	audit     repository.AuditRepository
	limits    *limits.Enforcer
	logger    *slog.Logger
}

var _ PipelineService = (*pipelineService)(nil)

// NewPipelineService creates a new pipeline service.
func NewPipelineService(
	pipelines repository.PipelineRepository,
	packs repository.PromptPackRepository,
	audit repository.AuditRepository,
	enforcer *limits.Enforcer,
	logger *slog.Logger,
) PipelineService {
	return &pipelineService{
		pipelines: pipelines,
		packs:     packs,
		audit:     audit,
		limits:    enforcer,
		logger:    logger,
	}
}

// validate applies defaults and checks the full configuration: device
// matrix shape, gate metrics and operators, policy caps, and that the
// referenced promptpack version exists and is published.
func (s *pipelineService) validate(ctx context.Context, req *PipelineRequest) error {
	if err := s.limits.CheckDeviceMatrix(req.DeviceMatrix); err != nil {
		return err
	}
	for i, g := range req.Gates {
		if !models.KnownMetrics[g.Metric] {
			return apierrors.NewValidationError(
				fmt.Sprintf("gates[%d].metric", i), fmt.Sprintf("unknown metric %q", g.Metric))
		}
		if !g.Operator.Valid() {
			return apierrors.NewValidationError(
				fmt.Sprintf("gates[%d].operator", i), fmt.Sprintf("unknown operator %q", g.Operator))
		}
	}

	defaults := models.DefaultRunPolicy()
	if req.RunPolicy.WarmupRuns == 0 {
		req.RunPolicy.WarmupRuns = defaults.WarmupRuns
	}
	if req.RunPolicy.MeasurementRepeats == 0 {
		req.RunPolicy.MeasurementRepeats = defaults.MeasurementRepeats
	}
	if req.RunPolicy.MaxNewTokens == 0 {
		req.RunPolicy.MaxNewTokens = defaults.MaxNewTokens
	}
	if req.RunPolicy.TimeoutMinutes == 0 {
		req.RunPolicy.TimeoutMinutes = defaults.TimeoutMinutes
	}
	if err := s.limits.CheckRunPolicy(req.RunPolicy); err != nil {
		return err
	}

	if req.PromptPackRef.ID == "" || req.PromptPackRef.Version == "" {
		return apierrors.NewValidationError("promptpack_ref", "id and version are required")
	}
	pack, err := s.packs.GetByVersion(ctx, req.WorkspaceID, req.PromptPackRef.ID, req.PromptPackRef.Version)
	if err != nil {
		return err
	}
	if pack == nil {
		return apierrors.NewValidationError("promptpack_ref", "referenced promptpack version does not exist")
	}
	if !pack.Published {
		return apierrors.NewValidationError("promptpack_ref", "referenced promptpack version is not published")
	}
	return nil
}

// Create validates and inserts a pipeline with its audit entry.
func (s *pipelineService) Create(ctx context.Context, req PipelineRequest) (*models.Pipeline, error) {
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	tx, err := s.pipelines.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p := &models.Pipeline{
		WorkspaceID:   req.WorkspaceID,
		Name:          req.Name,
		DeviceMatrix:  req.DeviceMatrix,
		PromptPackRef: req.PromptPackRef,
		Gates:         req.Gates,
		RunPolicy:     req.RunPolicy,
	}
	if p.Gates == nil {
		p.Gates = []models.Gate{}
	}
	if err := s.pipelines.Create(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: req.WorkspaceID,
		Event:       models.AuditPipelineCreated,
		ActorID:     &req.ActorID,
		Payload:     auditPayload(map[string]any{"pipeline_id": p.ID, "name": p.Name}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Get retrieves a pipeline.
func (s *pipelineService) Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.Pipeline, error) {
	p, err := s.pipelines.GetByID(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apierrors.NewNotFoundError("Pipeline")
	}
	return p, nil
}

// List retrieves pipelines newest first.
func (s *pipelineService) List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Pipeline, error) {
	return s.pipelines.List(ctx, workspaceID)
}

// Update validates and replaces the configuration.
func (s *pipelineService) Update(ctx context.Context, id uuid.UUID, req PipelineRequest) (*models.Pipeline, error) {
	if _, err := s.Get(ctx, req.WorkspaceID, id); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	tx, err := s.pipelines.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p := &models.Pipeline{
		ID:            id,
		WorkspaceID:   req.WorkspaceID,
		Name:          req.Name,
		DeviceMatrix:  req.DeviceMatrix,
		PromptPackRef: req.PromptPackRef,
		Gates:         req.Gates,
		RunPolicy:     req.RunPolicy,
	}
	if p.Gates == nil {
		p.Gates = []models.Gate{}
	}
	if err := s.pipelines.Update(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: req.WorkspaceID,
		Event:       models.AuditPipelineUpdated,
		ActorID:     &req.ActorID,
		Payload:     auditPayload(map[string]any{"pipeline_id": id, "name": p.Name}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a pipeline; runs referencing it cascade.
func (s *pipelineService) Delete(ctx context.Context, workspaceID, id uuid.UUID, actorID uuid.UUID) error {
	tx, err := s.pipelines.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	deleted, err := s.pipelines.Delete(ctx, tx, workspaceID, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apierrors.NewNotFoundError("Pipeline")
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditPipelineDeleted,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"pipeline_id": id}),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
