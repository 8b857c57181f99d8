package devicecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// HTTPClient talks to the real device-cloud provider over its REST API.
type HTTPClient struct {
	baseURL      string
	token        string
	http         *http.Client
	clock        clockwork.Clock
	pollInterval time.Duration
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a provider client for one workspace token.
func NewHTTPClient(baseURL, token string, pollInterval time.Duration, clock clockwork.Clock) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		token:        token,
		http:         &http.Client{Timeout: 60 * time.Second},
		clock:        clock,
		pollInterval: pollInterval,
	}
}

// NewFactory returns a Factory that builds HTTP clients against one
// provider endpoint.
func NewFactory(baseURL string, pollInterval time.Duration, clock clockwork.Clock) Factory {
	return func(token string) Client {
		return NewHTTPClient(baseURL, token, pollInterval, clock)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device cloud request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// APIError is a non-2xx provider response. Status codes >= 500 are
// considered transient and retried once by the engine.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device cloud returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth a single retry.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ValidateToken checks the workspace token against the provider.
func (c *HTTPClient) ValidateToken(ctx context.Context) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.do(ctx, http.MethodGet, "/token", nil, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return false, nil
		}
		return false, err
	}
	return out.Valid, nil
}

// ListDevices returns the provider's device catalog.
func (c *HTTPClient) ListDevices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *HTTPClient) submit(ctx context.Context, path string, spec any) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, spec, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// SubmitCompile submits a compile job and returns its id.
func (c *HTTPClient) SubmitCompile(ctx context.Context, spec CompileSpec) (string, error) {
	return c.submit(ctx, "/jobs/compile", spec)
}

// SubmitProfile submits a profile job and returns its id.
func (c *HTTPClient) SubmitProfile(ctx context.Context, spec ProfileSpec) (string, error) {
	return c.submit(ctx, "/jobs/profile", spec)
}

// SubmitInference submits an inference job and returns its id.
func (c *HTTPClient) SubmitInference(ctx context.Context, spec InferenceSpec) (string, error) {
	return c.submit(ctx, "/jobs/inference", spec)
}

// GetJobStatus fetches the current state of a job.
func (c *HTTPClient) GetJobStatus(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForJob polls the job until it is terminal or the deadline
// elapses. A deadline hit yields Status JobTimedOut, not an error.
func (c *HTTPClient) WaitForJob(ctx context.Context, jobID string, deadline time.Duration) (*Job, error) {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		job, err := c.GetJobStatus(waitCtx, jobID)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return &Job{ID: jobID, Status: JobTimedOut}, nil
			}
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &Job{ID: jobID, Status: JobTimedOut}, nil
		case <-c.clock.After(c.pollInterval):
		}
	}
}

// GetProfileResults downloads a profile job's measurements.
func (c *HTTPClient) GetProfileResults(ctx context.Context, jobID string) (*ProfileResult, error) {
	var result ProfileResult
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/profile", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetInferenceResults downloads an inference job's outputs.
func (c *HTTPClient) GetInferenceResults(ctx context.Context, jobID string) (*InferenceResult, error) {
	var result InferenceResult
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/inference", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
