package devicecloud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is a deterministic in-process Client. Tests (and dev mode)
// script its behavior per device; submissions return stable job ids and
// jobs complete immediately unless told otherwise.
type Mock struct {
	mu sync.Mutex

	TokenValid bool
	Devices    []Device

	// ProfileMeasurements maps device name to the measurement list its
	// profile job returns.
	ProfileMeasurements map[string][]map[string]float64

	// FailCompile, FailProfile name devices whose jobs fail.
	FailCompile map[string]string // device -> error message
	FailProfile map[string]string

	// TimeoutJobs holds job ids WaitForJob should report as timed out.
	TimeoutJobs map[string]bool

	// TransientSubmitFailures counts down: while > 0, submissions fail
	// with a retryable 503 and the counter decrements.
	TransientSubmitFailures int

	nextJob int
	jobs    map[string]*mockJob
}

type mockJob struct {
	job    Job
	device string
}

var _ Client = (*Mock)(nil)

// NewMock returns a mock with a valid token and two stock devices.
func NewMock() *Mock {
	return &Mock{
		TokenValid: true,
		Devices: []Device{
			{Name: "Galaxy S24", DeviceID: "gs24", Chipset: "snapdragon-8g3", OS: "android-14", FormFactor: "phone"},
			{Name: "Galaxy Tab S9", DeviceID: "gts9", Chipset: "snapdragon-8g2", OS: "android-13", FormFactor: "tablet"},
		},
		ProfileMeasurements: make(map[string][]map[string]float64),
		FailCompile:         make(map[string]string),
		FailProfile:         make(map[string]string),
		TimeoutJobs:         make(map[string]bool),
		jobs:                make(map[string]*mockJob),
	}
}

// ValidateToken reports the scripted validity.
func (m *Mock) ValidateToken(ctx context.Context) (bool, error) {
	return m.TokenValid, ctx.Err()
}

// ListDevices returns the scripted device list.
func (m *Mock) ListDevices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Devices, nil
}

func (m *Mock) submit(jobType, device, failMsg string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TransientSubmitFailures > 0 {
		m.TransientSubmitFailures--
		return "", &APIError{StatusCode: 503, Body: "upstream unavailable"}
	}

	m.nextJob++
	id := fmt.Sprintf("%s-%d", jobType, m.nextJob)
	status := JobCompleted
	if failMsg != "" {
		status = JobFailed
	}
	m.jobs[id] = &mockJob{
		job:    Job{ID: id, Type: jobType, Status: status, ErrorMessage: failMsg},
		device: device,
	}
	return id, nil
}

// SubmitCompile records a compile job for the device.
func (m *Mock) SubmitCompile(ctx context.Context, spec CompileSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.submit("compile", spec.Device, m.FailCompile[spec.Device])
}

// SubmitProfile records a profile job for the device.
func (m *Mock) SubmitProfile(ctx context.Context, spec ProfileSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.submit("profile", spec.Device, m.FailProfile[spec.Device])
}

// SubmitInference records an inference job for the device.
func (m *Mock) SubmitInference(ctx context.Context, spec InferenceSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.submit("inference", spec.Device, "")
}

// GetJobStatus returns the scripted job state.
func (m *Mock) GetJobStatus(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	job := mj.job
	return &job, nil
}

// WaitForJob resolves immediately; scripted timeout jobs report
// JobTimedOut without consuming the deadline.
func (m *Mock) WaitForJob(ctx context.Context, jobID string, deadline time.Duration) (*Job, error) {
	if m.TimeoutJobs[jobID] {
		return &Job{ID: jobID, Status: JobTimedOut}, nil
	}
	return m.GetJobStatus(ctx, jobID)
}

// GetProfileResults returns the scripted measurements for the job's device.
func (m *Mock) GetProfileResults(ctx context.Context, jobID string) (*ProfileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	if mj.job.Status == JobFailed {
		return &ProfileResult{JobID: jobID, Status: JobFailed, Error: mj.job.ErrorMessage}, nil
	}
	return &ProfileResult{
		JobID:        jobID,
		Status:       JobCompleted,
		Measurements: m.ProfileMeasurements[mj.device],
	}, nil
}

// GetInferenceResults returns an empty completed result.
func (m *Mock) GetInferenceResults(ctx context.Context, jobID string) (*InferenceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &InferenceResult{JobID: jobID, Status: JobCompleted}, nil
}

// Device looks up the device a job was submitted against. Test helper.
func (m *Mock) Device(jobID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mj, ok := m.jobs[jobID]; ok {
		return mj.device
	}
	return ""
}
