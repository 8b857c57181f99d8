package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is a state of the run state machine.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunPreparing  RunStatus = "preparing"
	RunSubmitting RunStatus = "submitting"
	RunRunning    RunStatus = "running"
	RunCollecting RunStatus = "collecting"
	RunEvaluating RunStatus = "evaluating"
	RunReporting  RunStatus = "reporting"
	RunPassed     RunStatus = "passed"
	RunFailed     RunStatus = "failed"
	RunError      RunStatus = "error"
)

// runTransitions is the permitted-transitions table. Terminal states
// have no successors.
var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:     {RunPreparing, RunError},
	RunPreparing:  {RunSubmitting, RunError},
	RunSubmitting: {RunRunning, RunError},
	RunRunning:    {RunCollecting, RunError},
	RunCollecting: {RunEvaluating, RunError},
	RunEvaluating: {RunReporting, RunError},
	RunReporting:  {RunPassed, RunFailed, RunError},
	RunPassed:     {},
	RunFailed:     {},
	RunError:      {},
}

// CanTransition reports whether current → target is a permitted move.
func (s RunStatus) CanTransition(target RunStatus) bool {
	for _, t := range runTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunPassed || s == RunFailed || s == RunError
}

// Valid returns true if the status is known.
func (s RunStatus) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

// RunTrigger records how a run was requested.
type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerCI        RunTrigger = "ci"
	TriggerScheduled RunTrigger = "scheduled"
)

// Valid returns true if the trigger is known.
func (t RunTrigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerCI, TriggerScheduled:
		return true
	default:
		return false
	}
}

// Run error codes written by the orchestrator. Nothing else writes
// status = error.
const (
	ErrCodeRunNotFound   = "RUN_NOT_FOUND"
	ErrCodeMissingInput  = "MISSING_INPUT"
	ErrCodeNoToken       = "NO_TOKEN"
	ErrCodeCompileFailed = "COMPILE_FAILED"
	ErrCodeSubmitFailed  = "SUBMIT_FAILED"
	ErrCodeProfileFailed = "PROFILE_FAILED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeCollectFailed = "COLLECT_FAILED"
	ErrCodeReportFailed  = "REPORT_FAILED"
	ErrCodeStale         = "STALE"
	ErrCodeInternal      = "INTERNAL"
)

// Run is one execution of a pipeline against a model artifact.
type Run struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	WorkspaceID       uuid.UUID       `json:"workspace_id" db:"workspace_id"`
	PipelineID        uuid.UUID       `json:"pipeline_id" db:"pipeline_id"`
	ModelArtifactID   *uuid.UUID      `json:"model_artifact_id,omitempty" db:"model_artifact_id"`
	Trigger           RunTrigger      `json:"trigger" db:"trigger"`
	Status            RunStatus       `json:"status" db:"status"`
	NormalizedMetrics json.RawMessage `json:"normalized_metrics,omitempty" db:"normalized_metrics"`
	GatesEval         json.RawMessage `json:"gates_eval,omitempty" db:"gates_eval"`
	JobIDs            json.RawMessage `json:"job_ids,omitempty" db:"job_ids"`
	BundleArtifactID  *uuid.UUID      `json:"bundle_artifact_id,omitempty" db:"bundle_artifact_id"`
	ErrorCode         *string         `json:"error_code,omitempty" db:"error_code"`
	ErrorDetail       *string         `json:"error_detail,omitempty" db:"error_detail"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}
