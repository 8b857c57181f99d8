package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
)

// ErrNoActiveToken is returned when a workspace has no usable
// device-cloud credential. The orchestrator maps it to NO_TOKEN.
var ErrNoActiveToken = fmt.Errorf("no active device-cloud credential")

// IntegrationService manages envelope-encrypted device-cloud
// credentials. Plaintext tokens exist only on the stack of the caller
// that needs them.
type IntegrationService interface {
	Connect(ctx context.Context, req ConnectIntegrationRequest) (*models.Integration, error)
	List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Integration, error)
	Rotate(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider, token string, actorID uuid.UUID) (*models.Integration, error)
	SetStatus(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider, status models.IntegrationStatus, actorID uuid.UUID) error
	Delete(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider, actorID uuid.UUID) error

	// Token unwraps the workspace's active credential. Returns
	// ErrNoActiveToken when the row is absent or disabled.
	Token(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider) (string, error)
}

// ConnectIntegrationRequest is the request for storing a credential.
type ConnectIntegrationRequest struct {
	WorkspaceID uuid.UUID
	Provider    models.IntegrationProvider
	Token       string `validate:"required,min=8"`
	ActorID     uuid.UUID
}

type integrationService struct {
	integrations repository.IntegrationRepository
	audit        repository.AuditRepository
	kms          *kms.KMS
	logger       *slog.Logger
}

var _ IntegrationService = (*integrationService)(nil)

// NewIntegrationService creates a new integration service.
func NewIntegrationService(
	integrations repository.IntegrationRepository,
	audit repository.AuditRepository,
	k *kms.KMS,
	logger *slog.Logger,
) IntegrationService {
	return &integrationService{
		integrations: integrations,
		audit:        audit,
		kms:          k,
		logger:       logger,
	}
}

func tokenLast4(token string) string {
	if len(token) < 4 {
		return token
	}
	return token[len(token)-4:]
}

// Connect stores a new credential for the provider. One credential per
// (workspace, provider); reconnecting requires Rotate or Delete first.
func (s *integrationService) Connect(ctx context.Context, req ConnectIntegrationRequest) (*models.Integration, error) {
	if !req.Provider.Valid() {
		return nil, apierrors.NewValidationError("provider", "unknown provider")
	}
	existing, err := s.integrations.GetByProvider(ctx, req.WorkspaceID, req.Provider)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apierrors.NewConflictError("A credential for this provider already exists")
	}

	wrapped, err := s.kms.EnvelopeEncrypt([]byte(req.Token))
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}

	tx, err := s.integrations.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	in := &models.Integration{
		WorkspaceID:  req.WorkspaceID,
		Provider:     req.Provider,
		Status:       models.IntegrationActive,
		WrappedToken: wrapped,
		TokenLast4:   tokenLast4(req.Token),
		CreatedBy:    &req.ActorID,
	}
	if err := s.integrations.Create(ctx, tx, in); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: req.WorkspaceID,
		Event:       models.AuditIntegrationConnected,
		ActorID:     &req.ActorID,
		Payload:     auditPayload(map[string]any{"provider": req.Provider, "token_last4": in.TokenLast4}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

// List retrieves the workspace's credentials (metadata only).
func (s *integrationService) List(ctx context.Context, workspaceID uuid.UUID) ([]*models.Integration, error) {
	return s.integrations.List(ctx, workspaceID)
}

func (s *integrationService) getOrNotFound(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider) (*models.Integration, error) {
	in, err := s.integrations.GetByProvider(ctx, workspaceID, provider)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, apierrors.NewNotFoundError("Integration")
	}
	return in, nil
}

// Rotate replaces the credential's token in place.
func (s *integrationService) Rotate(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider, token string, actorID uuid.UUID) (*models.Integration, error) {
	in, err := s.getOrNotFound(ctx, workspaceID, provider)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.kms.EnvelopeEncrypt([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}

	tx, err := s.integrations.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	last4 := tokenLast4(token)
	if err := s.integrations.UpdateToken(ctx, tx, in.ID, wrapped, last4); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditIntegrationRotated,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"provider": provider, "token_last4": last4}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	in.WrappedToken = wrapped
	in.TokenLast4 = last4
	return in, nil
}

// SetStatus enables or disables a credential.
func (s *integrationService) SetStatus(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider, status models.IntegrationStatus, actorID uuid.UUID) error {
	in, err := s.getOrNotFound(ctx, workspaceID, provider)
	if err != nil {
		return err
	}
	event := models.AuditIntegrationEnabled
	if status == models.IntegrationDisabled {
		event = models.AuditIntegrationDisabled
	}

	tx, err := s.integrations.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.integrations.SetStatus(ctx, tx, in.ID, status); err != nil {
		return err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       event,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"provider": provider}),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes a credential.
func (s *integrationService) Delete(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider, actorID uuid.UUID) error {
	in, err := s.getOrNotFound(ctx, workspaceID, provider)
	if err != nil {
		return err
	}

	tx, err := s.integrations.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.integrations.Delete(ctx, tx, in.ID); err != nil {
		return err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditIntegrationDeleted,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"provider": provider}),
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Token unwraps the active credential for a provider. The plaintext is
// returned to the caller and nowhere else; it is never logged.
func (s *integrationService) Token(ctx context.Context, workspaceID uuid.UUID, provider models.IntegrationProvider) (string, error) {
	in, err := s.integrations.GetByProvider(ctx, workspaceID, provider)
	if err != nil {
		return "", err
	}
	if in == nil || in.Status != models.IntegrationActive {
		return "", ErrNoActiveToken
	}
	token, err := s.kms.EnvelopeDecrypt(in.WrappedToken)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(token), nil
}
