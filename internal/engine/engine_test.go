package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/devicecloud"
	"github.com/edgegate/edgegate/internal/evidence"
	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/service"
)

// fakeRunStore is a map-backed RunRepository enforcing the same
// transition table as the real one.
type fakeRunStore struct {
	repository.RunRepository
	mu      sync.Mutex
	runs    map[uuid.UUID]*models.Run
	history []models.RunStatus

	// Scripted answer for the sweeper.
	stale []*models.Run
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[uuid.UUID]*models.Run)}
}

func (f *fakeRunStore) Get(_ context.Context, id uuid.UUID) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunStore) Transition(_ context.Context, id uuid.UUID, target models.RunStatus, update *repository.RunUpdate) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	if !run.Status.CanTransition(target) {
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidStateTransition, run.Status, target)
	}
	run.Status = target
	if update != nil {
		if update.NormalizedMetrics != nil {
			run.NormalizedMetrics = update.NormalizedMetrics
		}
		if update.GatesEval != nil {
			run.GatesEval = update.GatesEval
		}
		if update.JobIDs != nil {
			run.JobIDs = update.JobIDs
		}
		if update.BundleArtifactID != nil {
			run.BundleArtifactID = update.BundleArtifactID
		}
		if update.ErrorCode != nil {
			run.ErrorCode = update.ErrorCode
		}
		if update.ErrorDetail != nil {
			run.ErrorDetail = update.ErrorDetail
		}
	}
	f.history = append(f.history, target)
	cp := *run
	return &cp, nil
}

type fakePipelineStore struct {
	repository.PipelineRepository
	pipelines map[uuid.UUID]*models.Pipeline
}

func (f *fakePipelineStore) GetByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*models.Pipeline, error) {
	return f.pipelines[id], nil
}

type fakePackStore struct {
	repository.PromptPackRepository
	packs map[string]*models.PromptPack // logical_id@version
}

func (f *fakePackStore) GetByVersion(_ context.Context, _ uuid.UUID, logicalID, version string) (*models.PromptPack, error) {
	return f.packs[logicalID+"@"+version], nil
}

type fakeAuditStore struct {
	repository.AuditRepository
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (f *fakeAuditStore) Insert(_ context.Context, _ repository.Querier, entry *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditStore) Pool() *pgxpool.Pool { return nil }

// fakeArtifactStore keeps blobs in memory and records what Put stored.
type fakeArtifactStore struct {
	service.ArtifactService
	mu    sync.Mutex
	blobs map[uuid.UUID][]byte
	rows  map[uuid.UUID]*models.Artifact
	puts  []service.PutArtifactRequest
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{
		blobs: make(map[uuid.UUID][]byte),
		rows:  make(map[uuid.UUID]*models.Artifact),
	}
}

func (f *fakeArtifactStore) add(workspaceID uuid.UUID, kind models.ArtifactKind, data []byte) *models.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifact := &models.Artifact{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Kind:        kind,
		StorageURL:  "mem://" + uuid.NewString(),
		SHA256:      strings.Repeat("ab", 32),
		SizeBytes:   int64(len(data)),
	}
	f.blobs[artifact.ID] = data
	f.rows[artifact.ID] = artifact
	return artifact
}

func (f *fakeArtifactStore) Put(_ context.Context, req service.PutArtifactRequest) (*models.Artifact, error) {
	f.mu.Lock()
	f.puts = append(f.puts, req)
	f.mu.Unlock()
	return f.add(req.WorkspaceID, req.Kind, req.Data), nil
}

func (f *fakeArtifactStore) ReadBytes(_ context.Context, _ uuid.UUID, id uuid.UUID) ([]byte, *models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("artifact %s not found", id)
	}
	return data, f.rows[id], nil
}

type fakeIntegrations struct {
	service.IntegrationService
	token string
	err   error
}

func (f *fakeIntegrations) Token(context.Context, uuid.UUID, models.IntegrationProvider) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type orchFixture struct {
	orch      *Orchestrator
	runs      *fakeRunStore
	artifacts *fakeArtifactStore
	audit     *fakeAuditStore
	mock      *devicecloud.Mock
	kms       *kms.KMS

	workspaceID uuid.UUID
	pipeline    *models.Pipeline
	run         *models.Run
}

const testDevice = "sm8650"

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newOrchFixture wires an orchestrator around a single-device pipeline
// gated on inference_time_ms < 100, with measurements that pass it.
func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()

	clock := clockwork.NewFakeClock()
	k, err := kms.New(bytes.Repeat([]byte{0x42}, 32), t.TempDir(), clock)
	require.NoError(t, err)

	workspaceID := uuid.New()
	pipeline := &models.Pipeline{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		Name:          "nightly-regression",
		DeviceMatrix:  []models.DeviceEntry{{Name: testDevice, Enabled: true}},
		PromptPackRef: models.PromptPackRef{ID: "smoke", Version: "1.0.0"},
		Gates: []models.Gate{
			{Metric: "inference_time_ms", Operator: models.OpLT, Threshold: 100},
		},
		RunPolicy: models.RunPolicy{
			WarmupRuns:         1,
			MeasurementRepeats: 3,
			MaxNewTokens:       128,
			TimeoutMinutes:     20,
		},
	}
	pack := &models.PromptPack{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		LogicalID:   "smoke",
		Version:     "1.0.0",
		SHA256:      strings.Repeat("cd", 32),
		Published:   true,
	}
	run := &models.Run{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		PipelineID:  pipeline.ID,
		Trigger:     models.TriggerManual,
		Status:      models.RunQueued,
		CreatedAt:   clock.Now(),
	}

	mock := devicecloud.NewMock()
	mock.ProfileMeasurements[testDevice] = []map[string]float64{
		{"inference_time_ms": 120, "peak_memory_mb": 512}, // warmup, dropped
		{"inference_time_ms": 52, "peak_memory_mb": 512},
		{"inference_time_ms": 50, "peak_memory_mb": 512},
		{"inference_time_ms": 48, "peak_memory_mb": 512},
	}

	f := &orchFixture{
		runs:        newFakeRunStore(),
		artifacts:   newFakeArtifactStore(),
		audit:       &fakeAuditStore{},
		mock:        mock,
		kms:         k,
		workspaceID: workspaceID,
		pipeline:    pipeline,
		run:         run,
	}
	f.runs.runs[run.ID] = run

	pipelines := &fakePipelineStore{pipelines: map[uuid.UUID]*models.Pipeline{pipeline.ID: pipeline}}
	packs := &fakePackStore{packs: map[string]*models.PromptPack{"smoke@1.0.0": pack}}
	integrations := &fakeIntegrations{token: "mock-token"}
	logger := discardTestLogger()

	f.orch = NewOrchestrator(
		f.runs, pipelines, packs, f.audit,
		f.artifacts, integrations, k,
		func(string) devicecloud.Client { return mock },
		clock, logger)
	return f
}

func (f *orchFixture) integrations() *fakeIntegrations {
	return f.orch.integrations.(*fakeIntegrations)
}

func (f *orchFixture) current(t *testing.T) *models.Run {
	t.Helper()
	run, err := f.runs.Get(context.Background(), f.run.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func TestOrchestratorHappyPath(t *testing.T) {
	f := newOrchFixture(t)

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunPassed, run.Status)
	assert.Nil(t, run.ErrorCode)
	require.NotNil(t, run.BundleArtifactID)
	assert.NotNil(t, run.NormalizedMetrics)
	assert.NotNil(t, run.GatesEval)
	assert.NotNil(t, run.JobIDs)

	assert.Equal(t, []models.RunStatus{
		models.RunPreparing, models.RunSubmitting, models.RunRunning,
		models.RunCollecting, models.RunEvaluating, models.RunReporting,
		models.RunPassed,
	}, f.runs.history)

	// The stored bundle verifies offline against the signing key.
	data, artifact, err := f.artifacts.ReadBytes(context.Background(), f.workspaceID, *run.BundleArtifactID)
	require.NoError(t, err)
	assert.Equal(t, models.ArtifactKindBundle, artifact.Kind)

	bundle, err := evidence.Parse(data)
	require.NoError(t, err)
	ok, err := evidence.Verify(bundle, f.kms.PublicKey(bundle.SignedSummary.KeyID))
	require.NoError(t, err)
	assert.True(t, ok)

	summary := bundle.SignedSummary.Summary
	assert.Equal(t, f.run.ID.String(), summary.RunID)
	assert.Equal(t, string(models.RunPassed), summary.Status)
	assert.Equal(t, []string{testDevice}, summary.DevicesTested)
	assert.Equal(t, "smoke", summary.PromptPackID)
	assert.True(t, summary.GatesPassed)
	assert.Empty(t, summary.GatesFailed)

	// Warmup dropped, median of 52/50/48.
	assert.InDelta(t, 50, bundle.NormalizedMetrics["inference_time_ms"], 1e-9)
}

func TestOrchestratorGateFailure(t *testing.T) {
	f := newOrchFixture(t)
	f.pipeline.Gates[0].Threshold = 40 // median 50 fails lt 40

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Nil(t, run.ErrorCode)
	require.NotNil(t, run.BundleArtifactID)

	data, _, err := f.artifacts.ReadBytes(context.Background(), f.workspaceID, *run.BundleArtifactID)
	require.NoError(t, err)
	bundle, err := evidence.Parse(data)
	require.NoError(t, err)
	assert.False(t, bundle.SignedSummary.Summary.GatesPassed)
	assert.Equal(t, []string{"inference_time_ms"}, bundle.SignedSummary.Summary.GatesFailed)
}

func TestOrchestratorMissingMetricGateEndsFailed(t *testing.T) {
	// A gate over a metric the devices never reported must land the
	// run on failed with a stored bundle, not on error: the null
	// actual has to survive the JSON round trip into the run row.
	f := newOrchFixture(t)
	f.pipeline.Gates = append(f.pipeline.Gates,
		models.Gate{Metric: "ttft_ms", Operator: models.OpLT, Threshold: 200})

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Nil(t, run.ErrorCode)
	require.NotNil(t, run.BundleArtifactID)

	data, _, err := f.artifacts.ReadBytes(context.Background(), f.workspaceID, *run.BundleArtifactID)
	require.NoError(t, err)
	bundle, err := evidence.Parse(data)
	require.NoError(t, err)
	ok, err := evidence.Verify(bundle, f.kms.PublicKey(bundle.SignedSummary.KeyID))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, bundle.SignedSummary.Summary.GatesFailed, "ttft_ms")
	require.Len(t, bundle.GatesEval.Gates, 2)
	missing := bundle.GatesEval.Gates[1]
	assert.Equal(t, "ttft_ms", missing.Metric)
	assert.Nil(t, missing.Actual)
	assert.False(t, missing.Passed)
	assert.NotEmpty(t, missing.Explanation)
}

func TestOrchestratorNoToken(t *testing.T) {
	f := newOrchFixture(t)
	f.integrations().err = service.ErrNoActiveToken

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeNoToken, *run.ErrorCode)
	assert.Nil(t, run.BundleArtifactID)
}

func TestOrchestratorMissingPipeline(t *testing.T) {
	f := newOrchFixture(t)
	f.run.PipelineID = uuid.New()

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeMissingInput, *run.ErrorCode)
}

func TestOrchestratorMissingPromptPack(t *testing.T) {
	f := newOrchFixture(t)
	f.pipeline.PromptPackRef.Version = "9.9.9"

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeMissingInput, *run.ErrorCode)
}

func TestOrchestratorUnreadableModel(t *testing.T) {
	f := newOrchFixture(t)
	missing := uuid.New()
	f.run.ModelArtifactID = &missing

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeMissingInput, *run.ErrorCode)
}

func TestOrchestratorModelRecordedInSummary(t *testing.T) {
	f := newOrchFixture(t)
	model := f.artifacts.add(f.workspaceID, models.ArtifactKindModel, []byte("onnx-bytes"))
	f.run.ModelArtifactID = &model.ID

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	require.Equal(t, models.RunPassed, run.Status)
	data, _, err := f.artifacts.ReadBytes(context.Background(), f.workspaceID, *run.BundleArtifactID)
	require.NoError(t, err)
	bundle, err := evidence.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, model.ID.String(), bundle.SignedSummary.Summary.ModelArtifactID)
	assert.Equal(t, model.SHA256, bundle.SignedSummary.Summary.ModelSHA256)
}

func TestOrchestratorCompileFailed(t *testing.T) {
	f := newOrchFixture(t)
	f.mock.FailCompile[testDevice] = "unsupported op: ScatterND"

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeCompileFailed, *run.ErrorCode)
	require.NotNil(t, run.ErrorDetail)
	assert.Contains(t, *run.ErrorDetail, "ScatterND")
}

func TestOrchestratorProfileTimeout(t *testing.T) {
	f := newOrchFixture(t)
	// The single device submits compile-1 then profile-2.
	f.mock.TimeoutJobs["profile-2"] = true

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeTimeout, *run.ErrorCode)
}

func TestOrchestratorRetriesTransientSubmitOnce(t *testing.T) {
	f := newOrchFixture(t)
	f.mock.TransientSubmitFailures = 1

	f.orch.Execute(context.Background(), f.run.ID)

	// One 503 is absorbed by the retry and the run still completes.
	run := f.current(t)
	assert.Equal(t, models.RunPassed, run.Status)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.AuditRunRetried, f.audit.entries[0].Event)
	assert.Equal(t, f.workspaceID, f.audit.entries[0].WorkspaceID)
}

func TestOrchestratorTransientFailureTwiceErrors(t *testing.T) {
	f := newOrchFixture(t)
	f.mock.TransientSubmitFailures = 2

	f.orch.Execute(context.Background(), f.run.ID)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeSubmitFailed, *run.ErrorCode)
}

func TestOrchestratorSkipsNonQueuedRun(t *testing.T) {
	f := newOrchFixture(t)
	f.run.Status = models.RunRunning

	f.orch.Execute(context.Background(), f.run.ID)

	assert.Empty(t, f.runs.history)
	assert.Equal(t, models.RunRunning, f.current(t).Status)
}

func TestOrchestratorSkipsVanishedRun(t *testing.T) {
	f := newOrchFixture(t)

	f.orch.Execute(context.Background(), uuid.New())
	assert.Empty(t, f.runs.history)
}
