package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PromptPack is an immutable versioned prompt suite. The sha256 covers
// the canonicalized content; the published flag is monotone and only
// unpublished versions may be deleted.
type PromptPack struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	WorkspaceID uuid.UUID       `json:"workspace_id" db:"workspace_id"`
	LogicalID   string          `json:"logical_id" db:"logical_id"`
	Version     string          `json:"version" db:"version"`
	SHA256      string          `json:"sha256" db:"sha256"`
	Content     json.RawMessage `json:"content" db:"content"`
	Published   bool            `json:"published" db:"published"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PromptCase is one prompt in a pack's content.
type PromptCase struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// PromptPackContent is the decoded shape of a pack's content document.
type PromptPackContent struct {
	Version string       `json:"version"`
	Cases   []PromptCase `json:"cases"`
}
