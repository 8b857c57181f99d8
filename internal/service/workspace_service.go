package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
)

// WorkspaceService manages tenants, their memberships, and the CI
// signing secret.
type WorkspaceService interface {
	Create(ctx context.Context, name string, ownerID uuid.UUID) (*models.Workspace, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Workspace, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Workspace, error)
	UpdateName(ctx context.Context, id uuid.UUID, name string, actorID uuid.UUID) (*models.Workspace, error)
	Delete(ctx context.Context, id uuid.UUID) error

	Member(ctx context.Context, workspaceID, userID uuid.UUID) (*models.WorkspaceMember, error)
	ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]*models.WorkspaceMember, error)
	AddMember(ctx context.Context, workspaceID, userID uuid.UUID, role models.Role, actorID uuid.UUID) (*models.WorkspaceMember, error)
	UpdateMemberRole(ctx context.Context, workspaceID, userID uuid.UUID, role models.Role, actorID uuid.UUID) error
	RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID, actorID uuid.UUID) error

	// RotateCISecret mints a fresh CI signing secret, stores it envelope
	// encrypted, and returns the plaintext exactly once.
	RotateCISecret(ctx context.Context, workspaceID uuid.UUID, actorID uuid.UUID) (string, error)
}

type workspaceService struct {
	workspaces repository.WorkspaceRepository
	audit      repository.AuditRepository
	kms        *kms.KMS
	clock      clockwork.Clock
	logger     *slog.Logger
}

var _ WorkspaceService = (*workspaceService)(nil)

// NewWorkspaceService creates a new workspace service.
func NewWorkspaceService(
	workspaces repository.WorkspaceRepository,
	audit repository.AuditRepository,
	k *kms.KMS,
	clock clockwork.Clock,
	logger *slog.Logger,
) WorkspaceService {
	return &workspaceService{
		workspaces: workspaces,
		audit:      audit,
		kms:        k,
		clock:      clock,
		logger:     logger,
	}
}

// Create inserts the workspace, its owner membership, and the audit
// entry in one transaction.
func (s *workspaceService) Create(ctx context.Context, name string, ownerID uuid.UUID) (*models.Workspace, error) {
	tx, err := s.workspaces.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ws := &models.Workspace{Name: name}
	if err := s.workspaces.Create(ctx, tx, ws); err != nil {
		return nil, err
	}
	member := &models.WorkspaceMember{
		WorkspaceID: ws.ID,
		UserID:      ownerID,
		Role:        models.RoleOwner,
	}
	if err := s.workspaces.AddMember(ctx, tx, member); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: ws.ID,
		Event:       models.AuditWorkspaceCreated,
		ActorID:     &ownerID,
		Payload:     auditPayload(map[string]any{"name": name}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}

// Get retrieves a workspace.
func (s *workspaceService) Get(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	ws, err := s.workspaces.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, apierrors.NewNotFoundError("Workspace")
	}
	return ws, nil
}

// ListForUser retrieves the user's workspaces.
func (s *workspaceService) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Workspace, error) {
	return s.workspaces.ListForUser(ctx, userID)
}

// UpdateName renames a workspace and records the change.
func (s *workspaceService) UpdateName(ctx context.Context, id uuid.UUID, name string, actorID uuid.UUID) (*models.Workspace, error) {
	ws, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.workspaces.UpdateName(ctx, id, name); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, s.audit.Pool(), &models.AuditLog{
		WorkspaceID: id,
		Event:       models.AuditWorkspaceUpdated,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"name": name, "previous": ws.Name}),
	}); err != nil {
		return nil, err
	}
	ws.Name = name
	return ws, nil
}

// Delete removes a workspace; the database cascades to owned rows.
func (s *workspaceService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.workspaces.Delete(ctx, id)
}

// Member retrieves a membership row, nil when absent.
func (s *workspaceService) Member(ctx context.Context, workspaceID, userID uuid.UUID) (*models.WorkspaceMember, error) {
	return s.workspaces.GetMember(ctx, workspaceID, userID)
}

// ListMembers retrieves the workspace's members.
func (s *workspaceService) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]*models.WorkspaceMember, error) {
	return s.workspaces.ListMembers(ctx, workspaceID)
}

// AddMember inserts a membership with its audit entry.
func (s *workspaceService) AddMember(ctx context.Context, workspaceID, userID uuid.UUID, role models.Role, actorID uuid.UUID) (*models.WorkspaceMember, error) {
	if !role.Valid() {
		return nil, apierrors.NewValidationError("role", "unknown role")
	}
	existing, err := s.workspaces.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apierrors.NewConflictError("User is already a member of this workspace")
	}

	tx, err := s.workspaces.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	member := &models.WorkspaceMember{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Role:        role,
	}
	if err := s.workspaces.AddMember(ctx, tx, member); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditMemberAdded,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"user_id": userID, "role": role}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return member, nil
}

// UpdateMemberRole changes a member's role. Demoting the last owner is
// refused.
func (s *workspaceService) UpdateMemberRole(ctx context.Context, workspaceID, userID uuid.UUID, role models.Role, actorID uuid.UUID) error {
	if !role.Valid() {
		return apierrors.NewValidationError("role", "unknown role")
	}
	member, err := s.workspaces.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if member == nil {
		return apierrors.NewNotFoundError("Member")
	}
	if member.Role == models.RoleOwner && role != models.RoleOwner {
		owners, err := s.workspaces.CountOwners(ctx, workspaceID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return apierrors.NewConflictError("Cannot demote the last owner")
		}
	}
	if err := s.workspaces.UpdateMemberRole(ctx, workspaceID, userID, role); err != nil {
		return err
	}
	return s.audit.Insert(ctx, s.audit.Pool(), &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditMemberUpdated,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"user_id": userID, "role": role}),
	})
}

// RemoveMember deletes a membership. Removing the last owner is refused.
func (s *workspaceService) RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID, actorID uuid.UUID) error {
	member, err := s.workspaces.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if member == nil {
		return apierrors.NewNotFoundError("Member")
	}
	if member.Role == models.RoleOwner {
		owners, err := s.workspaces.CountOwners(ctx, workspaceID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return apierrors.NewConflictError("Cannot remove the last owner")
		}
	}
	if err := s.workspaces.RemoveMember(ctx, workspaceID, userID); err != nil {
		return err
	}
	return s.audit.Insert(ctx, s.audit.Pool(), &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditMemberRemoved,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"user_id": userID}),
	})
}

// RotateCISecret replaces the workspace's CI signing secret. The new
// secret is stored envelope encrypted and the hex plaintext is
// returned once; it is never logged.
func (s *workspaceService) RotateCISecret(ctx context.Context, workspaceID uuid.UUID, actorID uuid.UUID) (string, error) {
	if _, err := s.Get(ctx, workspaceID); err != nil {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate ci secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	enc, err := s.kms.EnvelopeEncrypt([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("encrypt ci secret: %w", err)
	}

	tx, err := s.workspaces.Pool().Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	now := s.clock.Now().UTC()
	if err := s.workspaces.SetCISecret(ctx, tx, workspaceID, enc, now); err != nil {
		return "", err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditCISecretRotated,
		ActorID:     &actorID,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return secret, nil
}

// auditPayload marshals an audit payload; marshal failures collapse to
// an empty payload rather than failing the mutation.
func auditPayload(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
