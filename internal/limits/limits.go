// Package limits enforces the hard caps on run policies, device
// matrices, promptpacks, and upload sizes.
package limits

import (
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
)

// Enforcer validates values against the configured caps. The caps are
// read once at construction; they do not change at runtime.
type Enforcer struct {
	cfg config.LimitsConfig
}

// NewEnforcer creates an enforcer from the limits configuration.
func NewEnforcer(cfg config.LimitsConfig) *Enforcer {
	return &Enforcer{cfg: cfg}
}

// CheckRunPolicy validates every run-policy field against its cap.
func (e *Enforcer) CheckRunPolicy(p models.RunPolicy) error {
	if p.WarmupRuns > e.cfg.WarmupRunsMax {
		return apierrors.NewLimitError("warmup_runs", p.WarmupRuns, e.cfg.WarmupRunsMax)
	}
	if p.MeasurementRepeats > e.cfg.RepeatsMax {
		return apierrors.NewLimitError("measurement_repeats", p.MeasurementRepeats, e.cfg.RepeatsMax)
	}
	if p.MaxNewTokens > e.cfg.MaxNewTokensMax {
		return apierrors.NewLimitError("max_new_tokens", p.MaxNewTokens, e.cfg.MaxNewTokensMax)
	}
	if p.TimeoutMinutes > e.cfg.TimeoutMinutesMax {
		return apierrors.NewLimitError("timeout_minutes", p.TimeoutMinutes, e.cfg.TimeoutMinutesMax)
	}
	return nil
}

// CheckDeviceMatrix validates the enabled-device count.
func (e *Enforcer) CheckDeviceMatrix(matrix []models.DeviceEntry) error {
	enabled := 0
	for _, d := range matrix {
		if d.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return apierrors.NewValidationError("device_matrix", "at least one device must be enabled")
	}
	if enabled > e.cfg.DevicesPerRun {
		return apierrors.NewLimitError("devices_per_run", enabled, e.cfg.DevicesPerRun)
	}
	return nil
}

// CheckPromptPackCases validates the case count of a pack.
func (e *Enforcer) CheckPromptPackCases(count int) error {
	if count > e.cfg.PromptPackCases {
		return apierrors.NewLimitError("promptpack_cases", count, e.cfg.PromptPackCases)
	}
	return nil
}

// CheckUploadSize validates a blob size against the per-kind cap.
// Kinds without a cap always pass.
func (e *Enforcer) CheckUploadSize(kind models.ArtifactKind, size int64) error {
	var max int64
	switch kind {
	case models.ArtifactKindModel:
		max = e.cfg.ModelUploadBytes
	case models.ArtifactKindBundle:
		max = e.cfg.BundleBytes
	default:
		return nil
	}
	if size > max {
		return apierrors.NewSizeLimitError(string(kind), size, max)
	}
	return nil
}

// WorkspaceConcurrency returns the per-workspace active-run budget.
func (e *Enforcer) WorkspaceConcurrency() int {
	return e.cfg.WorkspaceConcurrent
}
