package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/models"
)

func TestEvaluateOperators(t *testing.T) {
	tests := []struct {
		name      string
		op        models.GateOperator
		threshold float64
		actual    float64
		want      bool
	}{
		{"lt passes", models.OpLT, 50, 41, true},
		{"lt equal fails", models.OpLT, 50, 50, false},
		{"lte equal passes", models.OpLTE, 50, 50, true},
		{"gt passes", models.OpGT, 10, 11, true},
		{"gte equal passes", models.OpGTE, 10, 10, true},
		{"gte below fails", models.OpGTE, 10, 9.5, false},
		{"eq within epsilon", models.OpEQ, 1.0, 1.0 + 1e-10, true},
		{"eq outside epsilon", models.OpEQ, 1.0, 1.0001, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gates := []models.Gate{{Metric: "tps", Operator: tt.op, Threshold: tt.threshold}}
			eval := Evaluate(gates, map[string]float64{"tps": tt.actual}, nil)
			require.Len(t, eval.Gates, 1)
			assert.Equal(t, tt.want, eval.Gates[0].Passed)
			assert.Equal(t, tt.want, eval.Passed)
		})
	}
}

func TestEvaluateEmptyGatesPass(t *testing.T) {
	eval := Evaluate(nil, map[string]float64{"tps": 12}, nil)
	assert.True(t, eval.Passed)
	assert.Empty(t, eval.Gates)
}

func TestEvaluateMissingMetricFails(t *testing.T) {
	gates := []models.Gate{{Metric: "ttft_ms", Operator: models.OpLT, Threshold: 100}}
	eval := Evaluate(gates, map[string]float64{}, nil)

	require.Len(t, eval.Gates, 1)
	assert.False(t, eval.Passed)
	assert.False(t, eval.Gates[0].Passed)
	assert.Nil(t, eval.Gates[0].Actual)
	assert.NotEmpty(t, eval.Gates[0].Explanation)

	// The evaluation record must survive JSON encoding: the absent
	// actual serializes as null, never as NaN.
	raw, err := json.Marshal(eval)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"actual":null`)
}

func TestEvaluateNeverShortCircuits(t *testing.T) {
	gates := []models.Gate{
		{Metric: "inference_time_ms", Operator: models.OpLT, Threshold: 50},
		{Metric: "peak_memory_mb", Operator: models.OpLT, Threshold: 1024},
		{Metric: "tps", Operator: models.OpGT, Threshold: 5},
	}
	metrics := map[string]float64{
		"inference_time_ms": 60, // fails first
		"peak_memory_mb":    512,
		"tps":               12,
	}

	eval := Evaluate(gates, metrics, nil)
	require.Len(t, eval.Gates, 3)
	assert.False(t, eval.Passed)
	assert.False(t, eval.Gates[0].Passed)
	assert.True(t, eval.Gates[1].Passed)
	assert.True(t, eval.Gates[2].Passed)
}

func TestEvaluateMarksFlakyMetrics(t *testing.T) {
	gates := []models.Gate{{Metric: "tps", Operator: models.OpGT, Threshold: 5}}
	eval := Evaluate(gates, map[string]float64{"tps": 12}, map[string]bool{"tps": true})

	require.Len(t, eval.Gates, 1)
	assert.True(t, eval.Gates[0].Passed)
	assert.True(t, eval.Gates[0].Flaky)
}

func TestFailedMetrics(t *testing.T) {
	gates := []models.Gate{
		{Metric: "inference_time_ms", Operator: models.OpLT, Threshold: 50},
		{Metric: "tps", Operator: models.OpGT, Threshold: 5},
	}
	eval := Evaluate(gates, map[string]float64{"inference_time_ms": 60, "tps": 12}, nil)

	assert.Equal(t, []string{"inference_time_ms"}, FailedMetrics(eval))

	// All passing yields an empty, non-nil slice.
	eval = Evaluate(gates, map[string]float64{"inference_time_ms": 40, "tps": 12}, nil)
	got := FailedMetrics(eval)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
