package models

import (
	"time"

	"github.com/google/uuid"
)

// KnownMetrics is the set of metric names a gate may reference.
var KnownMetrics = map[string]bool{
	"inference_time_ms":   true,
	"peak_memory_mb":      true,
	"npu_compute_percent": true,
	"gpu_compute_percent": true,
	"cpu_compute_percent": true,
	"ttft_ms":             true,
	"tps":                 true,
}

// GateOperator compares an aggregated metric against a threshold.
type GateOperator string

const (
	OpLT  GateOperator = "lt"
	OpLTE GateOperator = "lte"
	OpGT  GateOperator = "gt"
	OpGTE GateOperator = "gte"
	OpEQ  GateOperator = "eq"
)

// Valid returns true if the operator is known.
func (o GateOperator) Valid() bool {
	switch o {
	case OpLT, OpLTE, OpGT, OpGTE, OpEQ:
		return true
	default:
		return false
	}
}

// DeviceEntry is one row of a pipeline's device matrix.
type DeviceEntry struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// PromptPackRef points a pipeline at an immutable promptpack version.
type PromptPackRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Gate is a declarative pass/fail criterion over one metric.
type Gate struct {
	Metric      string       `json:"metric"`
	Operator    GateOperator `json:"operator"`
	Threshold   float64      `json:"threshold"`
	Description string       `json:"description,omitempty"`
}

// RunPolicy controls measurement behavior for a run.
type RunPolicy struct {
	WarmupRuns         int `json:"warmup_runs"`
	MeasurementRepeats int `json:"measurement_repeats"`
	MaxNewTokens       int `json:"max_new_tokens"`
	TimeoutMinutes     int `json:"timeout_minutes"`
}

// DefaultRunPolicy returns the policy defaults applied when a field is zero.
func DefaultRunPolicy() RunPolicy {
	return RunPolicy{
		WarmupRuns:         1,
		MeasurementRepeats: 3,
		MaxNewTokens:       128,
		TimeoutMinutes:     20,
	}
}

// Pipeline is the declarative run configuration: device matrix,
// promptpack reference, gates, and run policy.
type Pipeline struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	WorkspaceID   uuid.UUID     `json:"workspace_id" db:"workspace_id"`
	Name          string        `json:"name" db:"name"`
	DeviceMatrix  []DeviceEntry `json:"device_matrix" db:"device_matrix"`
	PromptPackRef PromptPackRef `json:"promptpack_ref" db:"promptpack_ref"`
	Gates         []Gate        `json:"gates" db:"gates"`
	RunPolicy     RunPolicy     `json:"run_policy" db:"run_policy"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// EnabledDevices returns the names of enabled devices in matrix order.
func (p *Pipeline) EnabledDevices() []string {
	var names []string
	for _, d := range p.DeviceMatrix {
		if d.Enabled {
			names = append(names, d.Name)
		}
	}
	return names
}
