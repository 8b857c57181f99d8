package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/repository"
)

// AuditService exposes the append-only audit log for reading. Writes
// happen inside the mutating services' transactions, never here.
type AuditService interface {
	List(ctx context.Context, workspaceID uuid.UUID, event string, limit int) ([]*models.AuditLog, error)
}

type auditService struct {
	audit repository.AuditRepository
}

var _ AuditService = (*auditService)(nil)

// NewAuditService creates a new audit service.
func NewAuditService(audit repository.AuditRepository) AuditService {
	return &auditService{audit: audit}
}

// List retrieves audit entries newest first, optionally filtered by
// event name.
func (s *auditService) List(ctx context.Context, workspaceID uuid.UUID, event string, limit int) ([]*models.AuditLog, error) {
	var filter *models.AuditEvent
	if event != "" {
		e := models.AuditEvent(event)
		filter = &e
	}
	return s.audit.List(ctx, workspaceID, filter, limit)
}
