// Package models defines the persisted entities of the control plane.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant boundary. Every other entity is scoped to
// exactly one workspace; the engine refuses any operation whose
// workspace id does not match the authenticated principal's.
type Workspace struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	Name              string     `json:"name" db:"name"`
	CISecretEnc       []byte     `json:"-" db:"ci_secret_enc"` // envelope-encrypted CI signing secret
	CISecretCreatedAt *time.Time `json:"ci_secret_created_at,omitempty" db:"ci_secret_created_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// Role represents a member's role within a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// Valid returns true if the role is known.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// AtLeast reports whether the role grants at least the given role's
// privileges (owner > admin > viewer).
func (r Role) AtLeast(min Role) bool {
	rank := map[Role]int{RoleViewer: 1, RoleAdmin: 2, RoleOwner: 3}
	return rank[r] >= rank[min]
}

// WorkspaceMember links a user to a workspace with a role.
type WorkspaceMember struct {
	WorkspaceID uuid.UUID `json:"workspace_id" db:"workspace_id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Role        Role      `json:"role" db:"role"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
