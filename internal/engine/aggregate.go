package engine

import (
	"math"
	"sort"
)

// flakeCVThreshold tags a metric flaky when its post-warmup coefficient
// of variation exceeds this.
const flakeCVThreshold = 0.1

// DeviceAggregate is the per-device output of aggregation: the median
// of each metric over post-warmup repeats, plus the set of metrics
// whose samples varied enough to be suspect.
type DeviceAggregate struct {
	Medians map[string]float64
	Flaky   map[string]bool
}

// Aggregate reduces per-device measurement lists to run-level metrics.
// For each device the first warmupRuns measurements are dropped and the
// median of each remaining metric is taken independently; the run-level
// value is the mean of per-device medians. Metrics absent from some
// measurements are ignored for that metric only, never imputed.
func Aggregate(perDevice map[string][]map[string]float64, warmupRuns int) (map[string]float64, map[string]DeviceAggregate) {
	deviceAggs := make(map[string]DeviceAggregate, len(perDevice))
	for device, measurements := range perDevice {
		deviceAggs[device] = aggregateDevice(measurements, warmupRuns)
	}

	// Run level: mean of per-device medians, per metric.
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, agg := range deviceAggs {
		for metric, median := range agg.Medians {
			sums[metric] += median
			counts[metric]++
		}
	}
	runMetrics := make(map[string]float64, len(sums))
	for metric, sum := range sums {
		runMetrics[metric] = sum / float64(counts[metric])
	}
	return runMetrics, deviceAggs
}

func aggregateDevice(measurements []map[string]float64, warmupRuns int) DeviceAggregate {
	agg := DeviceAggregate{
		Medians: make(map[string]float64),
		Flaky:   make(map[string]bool),
	}
	if warmupRuns >= len(measurements) {
		return agg
	}
	kept := measurements[warmupRuns:]

	samples := make(map[string][]float64)
	for _, m := range kept {
		for metric, value := range m {
			samples[metric] = append(samples[metric], value)
		}
	}
	for metric, values := range samples {
		agg.Medians[metric] = median(values)
		if len(values) >= 2 && coefficientOfVariation(values) > flakeCVThreshold {
			agg.Flaky[metric] = true
		}
	}
	return agg
}

// median of a non-empty slice; an even count averages the middle two.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func coefficientOfVariation(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	stdev := math.Sqrt(sq / float64(len(values)))
	return math.Abs(stdev / mean)
}
