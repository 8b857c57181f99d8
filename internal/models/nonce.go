package models

import (
	"time"

	"github.com/google/uuid"
)

// CINonce is a single-use authentication token for CI requests. A nonce
// value is accepted at most once per workspace; rows outlive their use
// until expiry so that replays within the window still hit the row.
type CINonce struct {
	Nonce       string    `json:"nonce" db:"nonce"`
	WorkspaceID uuid.UUID `json:"workspace_id" db:"workspace_id"`
	Used        bool      `json:"used" db:"used"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}
