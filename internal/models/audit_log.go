package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEvent names an externally requested action on a workspace.
type AuditEvent string

const (
	AuditWorkspaceCreated      AuditEvent = "workspace.created"
	AuditWorkspaceUpdated      AuditEvent = "workspace.updated"
	AuditWorkspaceDeleted      AuditEvent = "workspace.deleted"
	AuditMemberAdded           AuditEvent = "member.added"
	AuditMemberRemoved         AuditEvent = "member.removed"
	AuditMemberUpdated         AuditEvent = "member.updated"
	AuditArtifactCreated       AuditEvent = "artifact.created"
	AuditIntegrationConnected  AuditEvent = "integration.connected"
	AuditIntegrationRotated    AuditEvent = "integration.rotated"
	AuditIntegrationDisabled   AuditEvent = "integration.disabled"
	AuditIntegrationEnabled    AuditEvent = "integration.enabled"
	AuditIntegrationDeleted    AuditEvent = "integration.deleted"
	AuditPromptPackCreated     AuditEvent = "promptpack.created"
	AuditPromptPackPublished   AuditEvent = "promptpack.published"
	AuditPromptPackDeleted     AuditEvent = "promptpack.deleted"
	AuditPipelineCreated       AuditEvent = "pipeline.created"
	AuditPipelineUpdated       AuditEvent = "pipeline.updated"
	AuditPipelineDeleted       AuditEvent = "pipeline.deleted"
	AuditRunCreated            AuditEvent = "run.created"
	AuditRunRetried            AuditEvent = "run.stage_retried"
	AuditCapabilitiesProbed    AuditEvent = "capabilities.probed"
	AuditCISecretRotated       AuditEvent = "ci_secret.rotated"
	AuditCIAuthenticationError AuditEvent = "ci.auth_failed"
)

// AuditLog is an append-only record of an action, written in the same
// transaction as the mutation it describes.
type AuditLog struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	WorkspaceID uuid.UUID       `json:"workspace_id" db:"workspace_id"`
	Event       AuditEvent      `json:"event" db:"event"`
	ActorID     *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
