package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkspaceCapability records the result of the most recent device-cloud
// capability probe for a workspace.
type WorkspaceCapability struct {
	WorkspaceID             uuid.UUID  `json:"workspace_id" db:"workspace_id"`
	CapabilitiesArtifactID  *uuid.UUID `json:"capabilities_artifact_id,omitempty" db:"capabilities_artifact_id"`
	MetricMappingArtifactID *uuid.UUID `json:"metric_mapping_artifact_id,omitempty" db:"metric_mapping_artifact_id"`
	DeviceCount             int        `json:"device_count" db:"device_count"`
	ProbedAt                time.Time  `json:"probed_at" db:"probed_at"`
}
