package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateMedianPerDevice(t *testing.T) {
	// Warmup sample dropped, median of the rest. With samples
	// [60, 40, 41, 42] and one warmup run the retained values are
	// [40, 41, 42] whose median is 41, even though the raw mean
	// would be dragged up by the 60.
	perDevice := map[string][]map[string]float64{
		"sm8650": {
			{"inference_time_ms": 60},
			{"inference_time_ms": 40},
			{"inference_time_ms": 41},
			{"inference_time_ms": 42},
		},
	}

	metrics, devices := Aggregate(perDevice, 1)
	assert.InDelta(t, 41.0, metrics["inference_time_ms"], 1e-9)
	assert.InDelta(t, 41.0, devices["sm8650"].Medians["inference_time_ms"], 1e-9)
}

func TestAggregateEvenCountMedian(t *testing.T) {
	perDevice := map[string][]map[string]float64{
		"sm8650": {
			{"tps": 10},
			{"tps": 20},
			{"tps": 30},
			{"tps": 40},
		},
	}

	metrics, _ := Aggregate(perDevice, 0)
	assert.InDelta(t, 25.0, metrics["tps"], 1e-9)
}

func TestAggregateRunLevelMeanOfDeviceMedians(t *testing.T) {
	perDevice := map[string][]map[string]float64{
		"sm8650": {{"inference_time_ms": 40}},
		"sm8550": {{"inference_time_ms": 60}},
	}

	metrics, devices := Aggregate(perDevice, 0)
	assert.InDelta(t, 50.0, metrics["inference_time_ms"], 1e-9)
	assert.Len(t, devices, 2)
}

func TestAggregateWarmupConsumesAllSamples(t *testing.T) {
	// warmup >= samples leaves nothing to aggregate; the metric is
	// simply absent from the output.
	perDevice := map[string][]map[string]float64{
		"sm8650": {
			{"inference_time_ms": 40},
			{"inference_time_ms": 41},
			{"inference_time_ms": 42},
		},
	}

	metrics, devices := Aggregate(perDevice, 3)
	assert.Empty(t, metrics)
	assert.Empty(t, devices["sm8650"].Medians)
}

func TestAggregateAbsentMetricIgnored(t *testing.T) {
	// A device that never reports a metric contributes nothing to
	// that metric's run-level mean.
	perDevice := map[string][]map[string]float64{
		"sm8650": {{"inference_time_ms": 40, "peak_memory_mb": 512}},
		"sm8550": {{"inference_time_ms": 60}},
	}

	metrics, _ := Aggregate(perDevice, 0)
	assert.InDelta(t, 50.0, metrics["inference_time_ms"], 1e-9)
	assert.InDelta(t, 512.0, metrics["peak_memory_mb"], 1e-9)
}

func TestAggregateFlakeDetection(t *testing.T) {
	// CV well above 0.1 marks the metric flaky; a steady metric on
	// the same device stays clean.
	perDevice := map[string][]map[string]float64{
		"sm8650": {
			{"inference_time_ms": 10, "peak_memory_mb": 512},
			{"inference_time_ms": 30, "peak_memory_mb": 512},
			{"inference_time_ms": 50, "peak_memory_mb": 512},
		},
	}

	_, devices := Aggregate(perDevice, 0)
	agg, ok := devices["sm8650"]
	require.True(t, ok)
	assert.True(t, agg.Flaky["inference_time_ms"])
	assert.False(t, agg.Flaky["peak_memory_mb"])
}

func TestAggregateSingleSampleNeverFlaky(t *testing.T) {
	perDevice := map[string][]map[string]float64{
		"sm8650": {{"inference_time_ms": 40}},
	}

	_, devices := Aggregate(perDevice, 0)
	assert.False(t, devices["sm8650"].Flaky["inference_time_ms"])
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"odd count", []float64{3, 1, 2}, 2},
		{"even count", []float64{4, 1, 3, 2}, 2.5},
		{"single", []float64{7}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, median(tt.values), 1e-9)
		})
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	values := []float64{3, 1, 2}
	median(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}
