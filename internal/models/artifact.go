package models

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactKind classifies an artifact. A blob keeps its kind forever.
type ArtifactKind string

const (
	ArtifactKindModel         ArtifactKind = "model"
	ArtifactKindBundle        ArtifactKind = "bundle"
	ArtifactKindProbeRaw      ArtifactKind = "probe_raw"
	ArtifactKindCapabilities  ArtifactKind = "capabilities"
	ArtifactKindMetricMapping ArtifactKind = "metric_mapping"
	ArtifactKindPromptPack    ArtifactKind = "promptpack"
	ArtifactKindOther         ArtifactKind = "other"
)

// Valid returns true if the kind is known.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactKindModel, ArtifactKindBundle, ArtifactKindProbeRaw,
		ArtifactKindCapabilities, ArtifactKindMetricMapping,
		ArtifactKindPromptPack, ArtifactKindOther:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (k ArtifactKind) String() string {
	return string(k)
}

// Artifact is an immutable content-addressed blob owned by a workspace.
// (workspace_id, sha256) is unique: re-uploading the same bytes yields
// the existing row.
type Artifact struct {
	ID               uuid.UUID    `json:"id" db:"id"`
	WorkspaceID      uuid.UUID    `json:"workspace_id" db:"workspace_id"`
	Kind             ArtifactKind `json:"kind" db:"kind"`
	StorageURL       string       `json:"storage_url" db:"storage_url"`
	SHA256           string       `json:"sha256" db:"sha256"`
	SizeBytes        int64        `json:"size_bytes" db:"size_bytes"`
	OriginalFilename *string      `json:"original_filename,omitempty" db:"original_filename"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
}
