package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
)

func testEnforcer() *Enforcer {
	return NewEnforcer(config.LimitsConfig{
		WarmupRunsMax:       1,
		RepeatsMax:          5,
		MaxNewTokensMax:     256,
		TimeoutMinutesMax:   45,
		DevicesPerRun:       5,
		PromptPackCases:     50,
		ModelUploadBytes:    500 << 20,
		BundleBytes:         10 << 20,
		WorkspaceConcurrent: 1,
	})
}

func TestCheckRunPolicy(t *testing.T) {
	e := testEnforcer()

	assert.NoError(t, e.CheckRunPolicy(models.RunPolicy{
		WarmupRuns: 1, MeasurementRepeats: 5, MaxNewTokens: 256, TimeoutMinutes: 45,
	}))

	tests := []struct {
		name   string
		policy models.RunPolicy
	}{
		{"warmup over cap", models.RunPolicy{WarmupRuns: 2}},
		{"repeats over cap", models.RunPolicy{MeasurementRepeats: 6}},
		{"tokens over cap", models.RunPolicy{MaxNewTokens: 257}},
		{"timeout over cap", models.RunPolicy{TimeoutMinutes: 46}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckRunPolicy(tt.policy)
			require.Error(t, err)
			apiErr := apierrors.AsAPIError(err)
			assert.Equal(t, 422, apiErr.StatusCode)
		})
	}
}

func TestCheckDeviceMatrix(t *testing.T) {
	e := testEnforcer()

	matrix := []models.DeviceEntry{
		{Name: "sm8650", Enabled: true},
		{Name: "sm8550", Enabled: false},
	}
	assert.NoError(t, e.CheckDeviceMatrix(matrix))

	// Zero enabled devices is a validation error, not a limit error.
	err := e.CheckDeviceMatrix([]models.DeviceEntry{{Name: "sm8650", Enabled: false}})
	require.Error(t, err)
	assert.Equal(t, 400, apierrors.AsAPIError(err).StatusCode)

	// Disabled entries do not count against the cap.
	over := make([]models.DeviceEntry, 6)
	for i := range over {
		over[i] = models.DeviceEntry{Name: "d", Enabled: true}
	}
	require.Error(t, e.CheckDeviceMatrix(over))
	assert.NoError(t, e.CheckDeviceMatrix(append(over[:5], models.DeviceEntry{Name: "x", Enabled: false})))
}

func TestCheckPromptPackCases(t *testing.T) {
	e := testEnforcer()
	assert.NoError(t, e.CheckPromptPackCases(50))
	assert.Error(t, e.CheckPromptPackCases(51))
}

func TestCheckUploadSize(t *testing.T) {
	e := testEnforcer()

	assert.NoError(t, e.CheckUploadSize(models.ArtifactKindModel, 500<<20))
	assert.Error(t, e.CheckUploadSize(models.ArtifactKindModel, (500<<20)+1))
	assert.NoError(t, e.CheckUploadSize(models.ArtifactKindBundle, 10<<20))
	assert.Error(t, e.CheckUploadSize(models.ArtifactKindBundle, (10<<20)+1))
	// Uncapped kinds always pass.
	assert.NoError(t, e.CheckUploadSize(models.ArtifactKindCapabilities, 1<<40))
}

func TestWorkspaceConcurrency(t *testing.T) {
	assert.Equal(t, 1, testEnforcer().WorkspaceConcurrency())
}
