package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/canonical"
	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/storage"
)

// ArtifactService is the content-addressed artifact store. Blobs are
// keyed by SHA-256; re-uploading identical bytes within a workspace
// returns the existing row.
type ArtifactService interface {
	Put(ctx context.Context, req PutArtifactRequest) (*models.Artifact, error)
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.Artifact, error)
	GetByHash(ctx context.Context, workspaceID uuid.UUID, sha256 string) (*models.Artifact, error)
	List(ctx context.Context, workspaceID uuid.UUID, kind *models.ArtifactKind) ([]*models.Artifact, error)
	ReadBytes(ctx context.Context, workspaceID, id uuid.UUID) ([]byte, *models.Artifact, error)
}

// PutArtifactRequest is the request for storing a blob.
type PutArtifactRequest struct {
	WorkspaceID uuid.UUID
	Kind        models.ArtifactKind
	Data        []byte
	Filename    string
	ActorID     *uuid.UUID
}

type artifactService struct {
	artifacts repository.ArtifactRepository
	audit     repository.AuditRepository
	backend   storage.Backend
	limits    *limits.Enforcer
	logger    *slog.Logger
}

var _ ArtifactService = (*artifactService)(nil)

// NewArtifactService creates a new artifact service.
func NewArtifactService(
	artifacts repository.ArtifactRepository,
	audit repository.AuditRepository,
	backend storage.Backend,
	enforcer *limits.Enforcer,
	logger *slog.Logger,
) ArtifactService {
	return &artifactService{
		artifacts: artifacts,
		audit:     audit,
		backend:   backend,
		limits:    enforcer,
		logger:    logger,
	}
}

// Put stores a blob. The kind's size cap is enforced first; then the
// hash is checked for dedup; then the bytes go to the backend and the
// row plus its audit entry commit together.
func (s *artifactService) Put(ctx context.Context, req PutArtifactRequest) (*models.Artifact, error) {
	if !req.Kind.Valid() {
		return nil, apierrors.NewValidationError("kind", "unknown artifact kind")
	}
	if err := s.limits.CheckUploadSize(req.Kind, int64(len(req.Data))); err != nil {
		return nil, err
	}

	sum := canonical.SHA256Hex(req.Data)
	existing, err := s.artifacts.GetBySHA256(ctx, req.WorkspaceID, sum)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	storageURL, err := s.backend.Put(ctx, sum, req.Data)
	if err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}

	tx, err := s.artifacts.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	artifact := &models.Artifact{
		WorkspaceID: req.WorkspaceID,
		Kind:        req.Kind,
		StorageURL:  storageURL,
		SHA256:      sum,
		SizeBytes:   int64(len(req.Data)),
	}
	if req.Filename != "" {
		artifact.OriginalFilename = &req.Filename
	}
	if err := s.artifacts.Create(ctx, tx, artifact); err != nil {
		return s.recoverDuplicate(ctx, req.WorkspaceID, sum, err)
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: req.WorkspaceID,
		Event:       models.AuditArtifactCreated,
		ActorID:     req.ActorID,
		Payload: auditPayload(map[string]any{
			"artifact_id": artifact.ID,
			"kind":        artifact.Kind,
			"sha256":      artifact.SHA256,
			"size_bytes":  artifact.SizeBytes,
		}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return artifact, nil
}

// recoverDuplicate resolves the race where two concurrent uploads of
// identical bytes both pass the dedup read: the loser's insert hits the
// (workspace_id, sha256) unique constraint, and the caller gets the
// winner's row instead of an error.
func (s *artifactService) recoverDuplicate(ctx context.Context, workspaceID uuid.UUID, sum string, insertErr error) (*models.Artifact, error) {
	if !repository.IsUniqueViolation(insertErr) {
		return nil, insertErr
	}
	existing, err := s.artifacts.GetBySHA256(ctx, workspaceID, sum)
	if err != nil {
		return nil, insertErr
	}
	if existing == nil {
		return nil, insertErr
	}
	return existing, nil
}

// Get retrieves artifact metadata.
func (s *artifactService) Get(ctx context.Context, workspaceID, id uuid.UUID) (*models.Artifact, error) {
	artifact, err := s.artifacts.GetByID(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, apierrors.NewNotFoundError("Artifact")
	}
	return artifact, nil
}

// GetByHash retrieves artifact metadata by content hash, nil when absent.
func (s *artifactService) GetByHash(ctx context.Context, workspaceID uuid.UUID, sha256 string) (*models.Artifact, error) {
	return s.artifacts.GetBySHA256(ctx, workspaceID, sha256)
}

// List retrieves artifacts newest first.
func (s *artifactService) List(ctx context.Context, workspaceID uuid.UUID, kind *models.ArtifactKind) ([]*models.Artifact, error) {
	return s.artifacts.List(ctx, workspaceID, kind)
}

// ReadBytes resolves the blob behind an artifact row. A missing blob
// with a live row is operator-visible corruption and surfaces as
// NotFound after a loud log line.
func (s *artifactService) ReadBytes(ctx context.Context, workspaceID, id uuid.UUID) ([]byte, *models.Artifact, error) {
	artifact, err := s.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.backend.Get(ctx, artifact.StorageURL)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			s.logger.Error("artifact row present but blob missing",
				slog.String("artifact_id", artifact.ID.String()),
				slog.String("storage_url", artifact.StorageURL))
			return nil, nil, apierrors.NewNotFoundError("Artifact blob")
		}
		return nil, nil, fmt.Errorf("read blob: %w", err)
	}
	return data, artifact, nil
}
