package models

import (
	"time"

	"github.com/google/uuid"
)

// IntegrationProvider tags which device cloud a credential belongs to.
type IntegrationProvider string

// ProviderQAIHub is the only provider shipped today.
const ProviderQAIHub IntegrationProvider = "qaihub"

// Valid returns true if the provider is known.
func (p IntegrationProvider) Valid() bool {
	return p == ProviderQAIHub
}

// IntegrationStatus is the lifecycle state of a credential.
type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationDisabled IntegrationStatus = "disabled"
)

// Integration is an encrypted per-tenant device-cloud credential.
// The plaintext token never leaves the unwrap call; rows carry only the
// envelope-encrypted form plus the last four characters for display.
type Integration struct {
	ID           uuid.UUID           `json:"id" db:"id"`
	WorkspaceID  uuid.UUID           `json:"workspace_id" db:"workspace_id"`
	Provider     IntegrationProvider `json:"provider" db:"provider"`
	Status       IntegrationStatus   `json:"status" db:"status"`
	WrappedToken []byte              `json:"-" db:"wrapped_token"`
	TokenLast4   string              `json:"token_last4" db:"token_last4"`
	CreatedBy    *uuid.UUID          `json:"created_by,omitempty" db:"created_by"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at" db:"updated_at"`
}
