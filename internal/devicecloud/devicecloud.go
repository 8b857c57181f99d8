// Package devicecloud abstracts the remote device-cloud provider that
// compiles, profiles, and runs models on physical hardware. The engine
// only ever sees the Client interface; one implementation talks HTTP to
// the provider, the other is a deterministic in-process mock for tests.
package devicecloud

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a device-cloud job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	// JobTimedOut is the distinguished outcome WaitForJob returns when
	// its deadline elapses. It is data, not an error: the orchestrator
	// branches on it.
	JobTimedOut JobStatus = "timed_out"
)

// Terminal reports whether the status is final on the provider side.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Device describes one hardware target offered by the provider.
type Device struct {
	Name       string            `json:"name"`
	DeviceID   string            `json:"device_id"`
	Chipset    string            `json:"chipset"`
	OS         string            `json:"os"`
	FormFactor string            `json:"form_factor"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Job is the provider's view of a submitted job.
type Job struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"` // compile, profile, inference
	Status       JobStatus  `json:"status"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultURL    string     `json:"result_url,omitempty"`
}

// CompileSpec describes a compile job submission.
type CompileSpec struct {
	ModelURL     string `json:"model_url"`
	Device       string `json:"device"`
	MaxNewTokens int    `json:"max_new_tokens"`
}

// ProfileSpec describes a profile job submission.
type ProfileSpec struct {
	CompiledModelURL string `json:"compiled_model_url"`
	Device           string `json:"device"`
	WarmupRuns       int    `json:"warmup_runs"`
	Repeats          int    `json:"repeats"`
}

// InferenceSpec describes an inference job submission.
type InferenceSpec struct {
	CompiledModelURL string            `json:"compiled_model_url"`
	Device           string            `json:"device"`
	Inputs           map[string]string `json:"inputs"`
}

// ProfileResult carries per-repeat measurements for one device. A
// failure inside the device cloud is represented in Status and Error,
// never as a client error.
type ProfileResult struct {
	JobID        string               `json:"job_id"`
	Status       JobStatus            `json:"status"`
	Measurements []map[string]float64 `json:"measurements,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// InferenceResult carries inference outputs for one device.
type InferenceResult struct {
	JobID   string            `json:"job_id"`
	Status  JobStatus         `json:"status"`
	Outputs map[string]string `json:"outputs,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Client is the capability set the engine depends on. Implementations
// must honor context cancellation on every call.
type Client interface {
	ValidateToken(ctx context.Context) (bool, error)
	ListDevices(ctx context.Context) ([]Device, error)
	SubmitCompile(ctx context.Context, spec CompileSpec) (string, error)
	SubmitProfile(ctx context.Context, spec ProfileSpec) (string, error)
	SubmitInference(ctx context.Context, spec InferenceSpec) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (*Job, error)
	// WaitForJob polls until the job is terminal or the deadline
	// elapses. On timeout it returns a Job with Status JobTimedOut
	// rather than an error.
	WaitForJob(ctx context.Context, jobID string, deadline time.Duration) (*Job, error)
	GetProfileResults(ctx context.Context, jobID string) (*ProfileResult, error)
	GetInferenceResults(ctx context.Context, jobID string) (*InferenceResult, error)
}

// Factory builds a Client from a workspace's plaintext provider token.
// The engine resolves the token per run and never caches it.
type Factory func(token string) Client
