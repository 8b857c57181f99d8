package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/canonical"
	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
)

// PromptPackService manages immutable versioned prompt suites. Content
// is canonicalized before hashing so that byte-level formatting
// differences never produce distinct versions of the same suite.
type PromptPackService interface {
	Create(ctx context.Context, req CreatePromptPackRequest) (*models.PromptPack, error)
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.PromptPack, error)
	GetByVersion(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*models.PromptPack, error)
	List(ctx context.Context, workspaceID uuid.UUID, logicalID string) ([]*models.PromptPack, error)
	Publish(ctx context.Context, workspaceID, id uuid.UUID, actorID uuid.UUID) error
	Delete(ctx context.Context, workspaceID, id uuid.UUID, actorID uuid.UUID) error
}

// CreatePromptPackRequest is the request for registering a pack version.
type CreatePromptPackRequest struct {
	WorkspaceID uuid.UUID
	LogicalID   string `validate:"required,min=1,max=255"`
	Version     string `validate:"required,min=1,max=64"`
	Content     json.RawMessage
	ActorID     uuid.UUID
}

type promptPackService struct {
	packs  repository.PromptPackRepository
	audit  repository.AuditRepository
	limits *limits.Enforcer
	logger *slog.Logger
}

var _ PromptPackService = (*promptPackService)(nil)

// NewPromptPackService creates a new promptpack service.
func NewPromptPackService(
	packs repository.PromptPackRepository,
	audit repository.AuditRepository,
	enforcer *limits.Enforcer,
	logger *slog.Logger,
) PromptPackService {
	return &promptPackService{packs: packs, audit: audit, limits: enforcer, logger: logger}
}

// Create canonicalizes the content, hashes it, checks the case cap,
// and inserts the version. (workspace, logical_id, version) is unique;
// an existing identical version is returned as-is, a conflicting one
// is refused.
func (s *promptPackService) Create(ctx context.Context, req CreatePromptPackRequest) (*models.PromptPack, error) {
	var content models.PromptPackContent
	if err := json.Unmarshal(req.Content, &content); err != nil {
		return nil, apierrors.NewValidationError("content", "content is not a valid promptpack document")
	}
	if len(content.Cases) == 0 {
		return nil, apierrors.NewValidationError("content.cases", "at least one case is required")
	}
	if err := s.limits.CheckPromptPackCases(len(content.Cases)); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(content.Cases))
	for i, c := range content.Cases {
		if c.ID == "" || c.Prompt == "" {
			return nil, apierrors.NewValidationError(
				fmt.Sprintf("content.cases[%d]", i), "case id and prompt are required")
		}
		if seen[c.ID] {
			return nil, apierrors.NewValidationError(
				fmt.Sprintf("content.cases[%d].id", i), "case ids must be unique")
		}
		seen[c.ID] = true
	}

	decoded, err := canonical.Decode(req.Content)
	if err != nil {
		return nil, apierrors.NewValidationError("content", "content is not valid JSON")
	}
	canonicalBytes, err := canonical.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("canonicalize content: %w", err)
	}
	sum := canonical.SHA256Hex(canonicalBytes)

	existing, err := s.packs.GetByVersion(ctx, req.WorkspaceID, req.LogicalID, req.Version)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.SHA256 == sum {
			return existing, nil
		}
		return nil, apierrors.NewConflictError("This version already exists with different content")
	}

	tx, err := s.packs.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pack := &models.PromptPack{
		WorkspaceID: req.WorkspaceID,
		LogicalID:   req.LogicalID,
		Version:     req.Version,
		SHA256:      sum,
		Content:     canonicalBytes,
	}
	if err := s.packs.Create(ctx, tx, pack); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: req.WorkspaceID,
		Event:       models.AuditPromptPackCreated,
		ActorID:     &req.ActorID,
		Payload: auditPayload(map[string]any{
			"promptpack_id": pack.ID,
			"logical_id":    pack.LogicalID,
			"version":       pack.Version,
			"sha256":        pack.SHA256,
		}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return pack, nil
}

// Get retrieves a pack version.
func (s *promptPackService) Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.PromptPack, error) {
	pack, err := s.packs.GetByID(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, apierrors.NewNotFoundError("PromptPack")
	}
	return pack, nil
}

// GetByVersion retrieves a pack by logical id and version.
func (s *promptPackService) GetByVersion(ctx context.Context, workspaceID uuid.UUID, logicalID, version string) (*models.PromptPack, error) {
	pack, err := s.packs.GetByVersion(ctx, workspaceID, logicalID, version)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, apierrors.NewNotFoundError("PromptPack")
	}
	return pack, nil
}

// List retrieves pack versions newest first.
func (s *promptPackService) List(ctx context.Context, workspaceID uuid.UUID, logicalID string) ([]*models.PromptPack, error) {
	return s.packs.List(ctx, workspaceID, logicalID)
}

// Publish flips the published flag; the flag is monotone and
// publishing twice is a no-op.
func (s *promptPackService) Publish(ctx context.Context, workspaceID, id uuid.UUID, actorID uuid.UUID) error {
	pack, err := s.Get(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if pack.Published {
		return nil
	}

	tx, err := s.packs.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.packs.Publish(ctx, tx, id); err != nil {
		return err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditPromptPackPublished,
		ActorID:     &actorID,
		Payload: auditPayload(map[string]any{
			"promptpack_id": id,
			"logical_id":    pack.LogicalID,
			"version":       pack.Version,
		}),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes an unpublished version. Published versions are
// permanent.
func (s *promptPackService) Delete(ctx context.Context, workspaceID, id uuid.UUID, actorID uuid.UUID) error {
	pack, err := s.Get(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if pack.Published {
		return apierrors.NewConflictError("Published promptpack versions cannot be deleted")
	}

	tx, err := s.packs.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	deleted, err := s.packs.DeleteUnpublished(ctx, tx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apierrors.NewConflictError("Published promptpack versions cannot be deleted")
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditPromptPackDeleted,
		ActorID:     &actorID,
		Payload: auditPayload(map[string]any{
			"promptpack_id": id,
			"logical_id":    pack.LogicalID,
			"version":       pack.Version,
		}),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
