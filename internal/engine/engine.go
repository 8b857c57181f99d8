// Package engine executes runs: it drives the state machine through
// its stages against the device cloud, aggregates measurements,
// evaluates gates, and emits the signed evidence bundle.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgegate/edgegate/internal/devicecloud"
	"github.com/edgegate/edgegate/internal/evidence"
	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/service"
)

// Orchestrator advances one run at a time through its pipeline stages.
// It is the only writer of status = error.
type Orchestrator struct {
	runs         repository.RunRepository
	pipelines    repository.PipelineRepository
	packs        repository.PromptPackRepository
	audit        repository.AuditRepository
	artifacts    service.ArtifactService
	integrations service.IntegrationService
	kms          *kms.KMS
	cloud        devicecloud.Factory
	clock        clockwork.Clock
	logger       *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	runs repository.RunRepository,
	pipelines repository.PipelineRepository,
	packs repository.PromptPackRepository,
	audit repository.AuditRepository,
	artifacts service.ArtifactService,
	integrations service.IntegrationService,
	k *kms.KMS,
	cloud devicecloud.Factory,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		runs:         runs,
		pipelines:    pipelines,
		packs:        packs,
		audit:        audit,
		artifacts:    artifacts,
		integrations: integrations,
		kms:          k,
		cloud:        cloud,
		clock:        clock,
		logger:       logger,
	}
}

// jobSpec is the assembled input for the device-cloud stages.
type jobSpec struct {
	run      *models.Run
	pipeline *models.Pipeline
	pack     *models.PromptPack
	model    *models.Artifact
	devices  []string
	timeout  time.Duration
}

// stageFailure carries the error-code classification for a failed stage.
type stageFailure struct {
	code   string
	detail string
}

func (f *stageFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.code, f.detail)
}

func fail(code, format string, args ...any) *stageFailure {
	return &stageFailure{code: code, detail: fmt.Sprintf(format, args...)}
}

// Execute drives a run to a terminal state, starting from queued or
// from a preparing row the worker's admission already claimed. It is
// safe to call with ids of runs that no longer exist or have advanced
// further; those are logged and skipped.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID) {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		o.logger.Error("load run", slog.String("run_id", runID.String()), slog.Any("error", err))
		return
	}
	if run == nil {
		o.logger.Warn("run vanished before execution", slog.String("run_id", runID.String()))
		return
	}
	if run.Status != models.RunQueued && run.Status != models.RunPreparing {
		o.logger.Warn("run already advanced, skipping",
			slog.String("run_id", runID.String()), slog.String("status", string(run.Status)))
		return
	}

	logger := o.logger.With(
		slog.String("run_id", run.ID.String()),
		slog.String("workspace_id", run.WorkspaceID.String()))

	spec, sf := o.prepare(ctx, run, logger)
	if sf != nil {
		o.errorOut(ctx, run.ID, sf, logger)
		return
	}

	profileJobs, sf := o.submit(ctx, spec, logger)
	if sf != nil {
		o.errorOut(ctx, run.ID, sf, logger)
		return
	}

	sf = o.awaitProfiles(ctx, spec, profileJobs, logger)
	if sf != nil {
		o.errorOut(ctx, run.ID, sf, logger)
		return
	}

	perDevice, sf := o.collect(ctx, spec, profileJobs, logger)
	if sf != nil {
		o.errorOut(ctx, run.ID, sf, logger)
		return
	}

	metrics, eval, deviceResults, sf := o.evaluate(ctx, spec, perDevice, logger)
	if sf != nil {
		o.errorOut(ctx, run.ID, sf, logger)
		return
	}

	sf = o.report(ctx, spec, metrics, eval, deviceResults, logger)
	if sf != nil {
		o.errorOut(ctx, run.ID, sf, logger)
	}
}

// prepare resolves the run's inputs. A run the admission path already
// moved to preparing is resumed as-is; a queued run is moved here.
func (o *Orchestrator) prepare(ctx context.Context, run *models.Run, logger *slog.Logger) (*jobSpec, *stageFailure) {
	done := o.stageTimer("preparing")
	defer done()

	if run.Status == models.RunQueued {
		if _, err := o.runs.Transition(ctx, run.ID, models.RunPreparing, nil); err != nil {
			return nil, fail(models.ErrCodeInternal, "transition to preparing: %v", err)
		}
	}

	pipeline, err := o.pipelines.GetByID(ctx, run.WorkspaceID, run.PipelineID)
	if err != nil {
		return nil, fail(models.ErrCodeInternal, "load pipeline: %v", err)
	}
	if pipeline == nil {
		return nil, fail(models.ErrCodeMissingInput, "pipeline %s not found", run.PipelineID)
	}

	pack, err := o.packs.GetByVersion(ctx, run.WorkspaceID, pipeline.PromptPackRef.ID, pipeline.PromptPackRef.Version)
	if err != nil {
		return nil, fail(models.ErrCodeInternal, "load promptpack: %v", err)
	}
	if pack == nil {
		return nil, fail(models.ErrCodeMissingInput, "promptpack %s@%s not found",
			pipeline.PromptPackRef.ID, pipeline.PromptPackRef.Version)
	}

	var model *models.Artifact
	if run.ModelArtifactID != nil {
		if _, model, err = o.readModel(ctx, run); err != nil {
			return nil, fail(models.ErrCodeMissingInput, "model artifact unreadable: %v", err)
		}
	}

	devices := pipeline.EnabledDevices()
	if len(devices) == 0 {
		return nil, fail(models.ErrCodeMissingInput, "pipeline has no enabled devices")
	}

	policy := pipeline.RunPolicy
	logger.Info("run prepared",
		slog.String("pipeline", pipeline.Name),
		slog.Int("devices", len(devices)),
		slog.Int("repeats", policy.MeasurementRepeats))

	return &jobSpec{
		run:      run,
		pipeline: pipeline,
		pack:     pack,
		model:    model,
		devices:  devices,
		timeout:  time.Duration(policy.TimeoutMinutes) * time.Minute,
	}, nil
}

// readModel checks the artifact row exists and the blob behind it is
// readable before any device-cloud spend happens.
func (o *Orchestrator) readModel(ctx context.Context, run *models.Run) ([]byte, *models.Artifact, error) {
	data, artifact, err := o.artifacts.ReadBytes(ctx, run.WorkspaceID, *run.ModelArtifactID)
	if err != nil {
		return nil, nil, err
	}
	return data, artifact, nil
}

// submit moves preparing → submitting, compiles the model per device,
// and launches the profile jobs. Returns device → profile job id.
func (o *Orchestrator) submit(ctx context.Context, spec *jobSpec, logger *slog.Logger) (map[string]string, *stageFailure) {
	done := o.stageTimer("submitting")
	defer done()

	if _, err := o.runs.Transition(ctx, spec.run.ID, models.RunSubmitting, nil); err != nil {
		return nil, fail(models.ErrCodeInternal, "transition to submitting: %v", err)
	}

	token, err := o.integrations.Token(ctx, spec.run.WorkspaceID, models.ProviderQAIHub)
	if err != nil {
		if errors.Is(err, service.ErrNoActiveToken) {
			return nil, fail(models.ErrCodeNoToken, "workspace has no active device-cloud credential")
		}
		return nil, fail(models.ErrCodeInternal, "resolve device-cloud token: %v", err)
	}
	client := o.cloud(token)

	modelURL := ""
	if spec.model != nil {
		modelURL = spec.model.StorageURL
	}

	profileJobs := make(map[string]string, len(spec.devices))
	jobIDs := make(map[string][]string, len(spec.devices))
	for _, device := range spec.devices {
		compileID, err := o.withRetry(ctx, spec.run, "submit compile", logger, func() (string, error) {
			return client.SubmitCompile(ctx, devicecloud.CompileSpec{
				ModelURL:     modelURL,
				Device:       device,
				MaxNewTokens: spec.pipeline.RunPolicy.MaxNewTokens,
			})
		})
		if err != nil {
			deviceJobsTotal.WithLabelValues("compile", "submit_failed").Inc()
			return nil, fail(models.ErrCodeSubmitFailed, "submit compile for %s: %v", device, err)
		}

		job, err := client.WaitForJob(ctx, compileID, spec.timeout)
		if err != nil {
			return nil, fail(models.ErrCodeSubmitFailed, "wait for compile on %s: %v", device, err)
		}
		switch job.Status {
		case devicecloud.JobCompleted:
			deviceJobsTotal.WithLabelValues("compile", "completed").Inc()
		case devicecloud.JobTimedOut:
			deviceJobsTotal.WithLabelValues("compile", "timed_out").Inc()
			return nil, fail(models.ErrCodeTimeout, "compile on %s timed out after %s", device, spec.timeout)
		default:
			deviceJobsTotal.WithLabelValues("compile", string(job.Status)).Inc()
			return nil, fail(models.ErrCodeCompileFailed, "compile on %s ended %s: %s", device, job.Status, job.ErrorMessage)
		}

		profileID, err := o.withRetry(ctx, spec.run, "submit profile", logger, func() (string, error) {
			return client.SubmitProfile(ctx, devicecloud.ProfileSpec{
				CompiledModelURL: job.ResultURL,
				Device:           device,
				WarmupRuns:       spec.pipeline.RunPolicy.WarmupRuns,
				Repeats:          spec.pipeline.RunPolicy.MeasurementRepeats,
			})
		})
		if err != nil {
			deviceJobsTotal.WithLabelValues("profile", "submit_failed").Inc()
			return nil, fail(models.ErrCodeSubmitFailed, "submit profile for %s: %v", device, err)
		}
		profileJobs[device] = profileID
		jobIDs[device] = []string{compileID, profileID}
	}

	raw, err := json.Marshal(jobIDs)
	if err != nil {
		return nil, fail(models.ErrCodeInternal, "marshal job ids: %v", err)
	}
	if _, err := o.runs.Transition(ctx, spec.run.ID, models.RunRunning, &repository.RunUpdate{JobIDs: raw}); err != nil {
		return nil, fail(models.ErrCodeInternal, "transition to running: %v", err)
	}
	return profileJobs, nil
}

// awaitProfiles waits out the profile jobs while the run sits in
// running.
func (o *Orchestrator) awaitProfiles(ctx context.Context, spec *jobSpec, profileJobs map[string]string, logger *slog.Logger) *stageFailure {
	done := o.stageTimer("running")
	defer done()

	token, err := o.integrations.Token(ctx, spec.run.WorkspaceID, models.ProviderQAIHub)
	if err != nil {
		return fail(models.ErrCodeNoToken, "resolve device-cloud token: %v", err)
	}
	client := o.cloud(token)

	for _, device := range spec.devices {
		job, err := client.WaitForJob(ctx, profileJobs[device], spec.timeout)
		if err != nil {
			return fail(models.ErrCodeProfileFailed, "wait for profile on %s: %v", device, err)
		}
		switch job.Status {
		case devicecloud.JobCompleted:
			deviceJobsTotal.WithLabelValues("profile", "completed").Inc()
		case devicecloud.JobTimedOut:
			deviceJobsTotal.WithLabelValues("profile", "timed_out").Inc()
			return fail(models.ErrCodeTimeout, "profile on %s timed out after %s", device, spec.timeout)
		default:
			deviceJobsTotal.WithLabelValues("profile", string(job.Status)).Inc()
			return fail(models.ErrCodeProfileFailed, "profile on %s ended %s: %s", device, job.Status, job.ErrorMessage)
		}
	}

	if _, err := o.runs.Transition(ctx, spec.run.ID, models.RunCollecting, nil); err != nil {
		return fail(models.ErrCodeInternal, "transition to collecting: %v", err)
	}
	return nil
}

// collect downloads per-device profile payloads and normalizes them to
// measurement lists.
func (o *Orchestrator) collect(ctx context.Context, spec *jobSpec, profileJobs map[string]string, logger *slog.Logger) (map[string][]map[string]float64, *stageFailure) {
	done := o.stageTimer("collecting")
	defer done()

	token, err := o.integrations.Token(ctx, spec.run.WorkspaceID, models.ProviderQAIHub)
	if err != nil {
		return nil, fail(models.ErrCodeNoToken, "resolve device-cloud token: %v", err)
	}
	client := o.cloud(token)

	perDevice := make(map[string][]map[string]float64, len(spec.devices))
	for _, device := range spec.devices {
		var result *devicecloud.ProfileResult
		_, err := o.withRetry(ctx, spec.run, "fetch profile results", logger, func() (string, error) {
			var ferr error
			result, ferr = client.GetProfileResults(ctx, profileJobs[device])
			return "", ferr
		})
		if err != nil {
			return nil, fail(models.ErrCodeCollectFailed, "fetch results for %s: %v", device, err)
		}
		if result.Status != devicecloud.JobCompleted {
			return nil, fail(models.ErrCodeCollectFailed, "results for %s unavailable: %s", device, result.Error)
		}
		perDevice[device] = result.Measurements
	}

	if _, err := o.runs.Transition(ctx, spec.run.ID, models.RunEvaluating, nil); err != nil {
		return nil, fail(models.ErrCodeInternal, "transition to evaluating: %v", err)
	}
	return perDevice, nil
}

// evaluate aggregates measurements and evaluates gates, persisting
// both onto the run row with the move to reporting.
func (o *Orchestrator) evaluate(ctx context.Context, spec *jobSpec, perDevice map[string][]map[string]float64, logger *slog.Logger) (map[string]float64, evidence.GatesEval, map[string]map[string]float64, *stageFailure) {
	done := o.stageTimer("evaluating")
	defer done()

	metrics, deviceAggs := Aggregate(perDevice, spec.pipeline.RunPolicy.WarmupRuns)

	flaky := make(map[string]bool)
	deviceResults := make(map[string]map[string]float64, len(deviceAggs))
	for device, agg := range deviceAggs {
		deviceResults[device] = agg.Medians
		for metric := range agg.Flaky {
			flaky[metric] = true
		}
	}
	eval := Evaluate(spec.pipeline.Gates, metrics, flaky)

	metricsRaw, err := json.Marshal(metrics)
	if err != nil {
		return nil, eval, nil, fail(models.ErrCodeInternal, "marshal metrics: %v", err)
	}
	evalRaw, err := json.Marshal(eval)
	if err != nil {
		return nil, eval, nil, fail(models.ErrCodeInternal, "marshal gate evaluation: %v", err)
	}
	if _, err := o.runs.Transition(ctx, spec.run.ID, models.RunReporting, &repository.RunUpdate{
		NormalizedMetrics: metricsRaw,
		GatesEval:         evalRaw,
	}); err != nil {
		return nil, eval, nil, fail(models.ErrCodeInternal, "transition to reporting: %v", err)
	}

	logger.Info("gates evaluated",
		slog.Bool("passed", eval.Passed),
		slog.Int("gates", len(eval.Gates)))
	return metrics, eval, deviceResults, nil
}

// report builds and stores the signed bundle, then lands the run on
// passed or failed.
func (o *Orchestrator) report(ctx context.Context, spec *jobSpec, metrics map[string]float64, eval evidence.GatesEval, deviceResults map[string]map[string]float64, logger *slog.Logger) *stageFailure {
	done := o.stageTimer("reporting")
	defer done()

	terminal := models.RunFailed
	if eval.Passed {
		terminal = models.RunPassed
	}

	summary := evidence.Summary{
		RunID:             spec.run.ID.String(),
		WorkspaceID:       spec.run.WorkspaceID.String(),
		PipelineID:        spec.pipeline.ID.String(),
		PipelineName:      spec.pipeline.Name,
		Status:            string(terminal),
		Trigger:           string(spec.run.Trigger),
		CreatedAt:         spec.run.CreatedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:       o.clock.Now().UTC().Format(time.RFC3339Nano),
		GatesPassed:       eval.Passed,
		GateCount:         len(spec.pipeline.Gates),
		GatesEvaluated:    len(eval.Gates),
		GatesFailed:       FailedMetrics(eval),
		DevicesTested:     spec.devices,
		PromptPackID:      spec.pack.LogicalID,
		PromptPackVersion: spec.pack.Version,
		PromptPackSHA256:  spec.pack.SHA256,
	}
	if spec.model != nil {
		summary.ModelArtifactID = spec.model.ID.String()
		summary.ModelSHA256 = spec.model.SHA256
	}

	_, bundleBytes, err := evidence.Build(o.kms, summary, metrics, eval, deviceResults)
	if err != nil {
		return fail(models.ErrCodeReportFailed, "build bundle: %v", err)
	}

	artifact, err := o.artifacts.Put(ctx, service.PutArtifactRequest{
		WorkspaceID: spec.run.WorkspaceID,
		Kind:        models.ArtifactKindBundle,
		Data:        bundleBytes,
	})
	if err != nil {
		return fail(models.ErrCodeReportFailed, "store bundle: %v", err)
	}

	if _, err := o.runs.Transition(ctx, spec.run.ID, terminal, &repository.RunUpdate{
		BundleArtifactID: &artifact.ID,
	}); err != nil {
		return fail(models.ErrCodeInternal, "transition to %s: %v", terminal, err)
	}
	runsTotal.WithLabelValues(string(terminal)).Inc()
	logger.Info("run finished",
		slog.String("status", string(terminal)),
		slog.String("bundle_artifact_id", artifact.ID.String()))
	return nil
}

// errorOut transitions the run to error with its classification. A
// terminal row swallows the update: nothing overwrites a finished run.
func (o *Orchestrator) errorOut(ctx context.Context, runID uuid.UUID, sf *stageFailure, logger *slog.Logger) {
	logger.Error("run errored", slog.String("code", sf.code), slog.String("detail", sf.detail))
	_, err := o.runs.Transition(ctx, runID, models.RunError, &repository.RunUpdate{
		ErrorCode:   &sf.code,
		ErrorDetail: &sf.detail,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidStateTransition) {
			logger.Warn("run already terminal, error not recorded")
			return
		}
		logger.Error("failed to record run error", slog.Any("error", err))
		return
	}
	runsTotal.WithLabelValues(string(models.RunError)).Inc()
}

// withRetry runs a device-cloud call, retrying exactly once when the
// failure is transient. The retry lands an audit row so that operators
// can see flapping upstreams per workspace.
func (o *Orchestrator) withRetry(ctx context.Context, run *models.Run, op string, logger *slog.Logger, fn func() (string, error)) (string, error) {
	out, err := fn()
	if err == nil {
		return out, nil
	}
	var apiErr *devicecloud.APIError
	if !errors.As(err, &apiErr) || !apiErr.Transient() {
		return "", err
	}
	logger.Warn("transient device-cloud failure, retrying once",
		slog.String("op", op), slog.Any("error", err))
	if auditErr := o.audit.Insert(ctx, o.audit.Pool(), &models.AuditLog{
		WorkspaceID: run.WorkspaceID,
		Event:       models.AuditRunRetried,
		Payload:     json.RawMessage(fmt.Sprintf(`{"run_id":%q,"op":%q}`, run.ID, op)),
	}); auditErr != nil {
		logger.Error("failed to record retry audit entry", slog.Any("error", auditErr))
	}
	return fn()
}

func (o *Orchestrator) stageTimer(stage string) func() {
	start := o.clock.Now()
	return func() {
		stageDuration.WithLabelValues(stage).Observe(o.clock.Since(start).Seconds())
	}
}
