package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgegate/edgegate/internal/devicecloud"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/repository"
)

// CapabilityService probes the device cloud for a workspace: validates
// the credential, lists devices, and stores the raw probe output plus
// a metric-name mapping as artifacts for later inspection.
type CapabilityService interface {
	Probe(ctx context.Context, workspaceID uuid.UUID, actorID uuid.UUID) (*models.WorkspaceCapability, error)
	Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceCapability, error)
}

type capabilityService struct {
	capabilities repository.CapabilityRepository
	audit        repository.AuditRepository
	integrations IntegrationService
	artifacts    ArtifactService
	cloud        devicecloud.Factory
	clock        clockwork.Clock
	logger       *slog.Logger
}

var _ CapabilityService = (*capabilityService)(nil)

// NewCapabilityService creates a new capability service.
func NewCapabilityService(
	capabilities repository.CapabilityRepository,
	audit repository.AuditRepository,
	integrations IntegrationService,
	artifacts ArtifactService,
	cloud devicecloud.Factory,
	clock clockwork.Clock,
	logger *slog.Logger,
) CapabilityService {
	return &capabilityService{
		capabilities: capabilities,
		audit:        audit,
		integrations: integrations,
		artifacts:    artifacts,
		cloud:        cloud,
		clock:        clock,
		logger:       logger,
	}
}

// metricMapping translates provider metric names to the gate metric
// vocabulary. The probe stores it alongside the raw device list so
// that bundles can be interpreted without provider documentation.
var metricMapping = map[string]string{
	"estimated_inference_time_us": "inference_time_ms",
	"estimated_peak_memory_kb":    "peak_memory_mb",
	"npu_percent":                 "npu_compute_percent",
	"gpu_percent":                 "gpu_compute_percent",
	"cpu_percent":                 "cpu_compute_percent",
	"time_to_first_token_us":      "ttft_ms",
	"tokens_per_second":           "tps",
}

// Probe queries the provider and records the result.
func (s *capabilityService) Probe(ctx context.Context, workspaceID uuid.UUID, actorID uuid.UUID) (*models.WorkspaceCapability, error) {
	token, err := s.integrations.Token(ctx, workspaceID, models.ProviderQAIHub)
	if err != nil {
		if errors.Is(err, ErrNoActiveToken) {
			return nil, apierrors.NewValidationError("integration", "no active device-cloud credential")
		}
		return nil, err
	}
	client := s.cloud(token)

	valid, err := client.ValidateToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !valid {
		return nil, apierrors.NewValidationError("integration", "device-cloud credential was rejected")
	}

	devices, err := client.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	rawBlob, err := json.Marshal(map[string]any{"devices": devices})
	if err != nil {
		return nil, err
	}
	capArtifact, err := s.artifacts.Put(ctx, PutArtifactRequest{
		WorkspaceID: workspaceID,
		Kind:        models.ArtifactKindCapabilities,
		Data:        rawBlob,
		ActorID:     &actorID,
	})
	if err != nil {
		return nil, err
	}

	mappingBlob, err := json.Marshal(metricMapping)
	if err != nil {
		return nil, err
	}
	mappingArtifact, err := s.artifacts.Put(ctx, PutArtifactRequest{
		WorkspaceID: workspaceID,
		Kind:        models.ArtifactKindMetricMapping,
		Data:        mappingBlob,
		ActorID:     &actorID,
	})
	if err != nil {
		return nil, err
	}

	record := &models.WorkspaceCapability{
		WorkspaceID:             workspaceID,
		CapabilitiesArtifactID:  &capArtifact.ID,
		MetricMappingArtifactID: &mappingArtifact.ID,
		DeviceCount:             len(devices),
		ProbedAt:                s.clock.Now().UTC(),
	}

	tx, err := s.audit.Pool().Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.capabilities.Upsert(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, tx, &models.AuditLog{
		WorkspaceID: workspaceID,
		Event:       models.AuditCapabilitiesProbed,
		ActorID:     &actorID,
		Payload:     auditPayload(map[string]any{"device_count": len(devices)}),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// Get retrieves the latest probe record.
func (s *capabilityService) Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceCapability, error) {
	record, err := s.capabilities.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apierrors.NewNotFoundError("Capability record")
	}
	return record, nil
}
