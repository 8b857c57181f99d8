package engine

import (
	"fmt"
	"math"

	"github.com/edgegate/edgegate/internal/evidence"
	"github.com/edgegate/edgegate/internal/models"
)

// Evaluate checks every gate against the aggregated metrics. All gates
// are evaluated; a missing metric fails its gate with a null actual and
// an explanation. The run passes iff every gate passes; an empty gate
// list passes.
func Evaluate(gates []models.Gate, metrics map[string]float64, flaky map[string]bool) evidence.GatesEval {
	eval := evidence.GatesEval{
		Passed: true,
		Gates:  make([]evidence.GateResult, 0, len(gates)),
	}
	for _, g := range gates {
		result := evidence.GateResult{
			Metric:    g.Metric,
			Operator:  string(g.Operator),
			Threshold: g.Threshold,
			Flaky:     flaky[g.Metric],
		}
		actual, ok := metrics[g.Metric]
		if !ok {
			result.Passed = false
			result.Explanation = fmt.Sprintf("metric %q not present in aggregated output", g.Metric)
		} else {
			result.Actual = &actual
			result.Passed = compare(g.Operator, actual, g.Threshold)
		}
		if !result.Passed {
			eval.Passed = false
		}
		eval.Gates = append(eval.Gates, result)
	}
	return eval
}

func compare(op models.GateOperator, actual, threshold float64) bool {
	switch op {
	case models.OpLT:
		return actual < threshold
	case models.OpLTE:
		return actual <= threshold
	case models.OpGT:
		return actual > threshold
	case models.OpGTE:
		return actual >= threshold
	case models.OpEQ:
		return math.Abs(actual-threshold) < 1e-9
	default:
		return false
	}
}

// FailedMetrics lists the metric names of failed gates, in gate order.
func FailedMetrics(eval evidence.GatesEval) []string {
	failed := make([]string, 0)
	for _, g := range eval.Gates {
		if !g.Passed {
			failed = append(failed, g.Metric)
		}
	}
	return failed
}
