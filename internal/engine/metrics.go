package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_runs_total",
		Help: "Runs reaching a terminal state, by status.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgegate_run_stage_duration_seconds",
		Help:    "Wall time spent per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgegate_queue_depth",
		Help: "Pending messages on the run queue.",
	})

	deviceJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_device_jobs_total",
		Help: "Device-cloud jobs submitted, by type and terminal status.",
	}, []string{"type", "status"})
)
