package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unmark_tasks_total",
		Help: "Frame tasks finished, by kind and outcome",
	}, []string{"kind", "outcome"})

	InpaintDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "unmark_inpaint_duration_seconds",
		Help:    "Duration of a single worker inpaint request",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unmark_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	WorkersReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unmark_workers_ready",
		Help: "Inpainting workers currently reachable",
	})

	WorkerLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unmark_worker_launches_total",
		Help: "Worker launch attempts, by result",
	}, []string{"result"})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unmark_retry_total",
		Help: "Inpaint task retries",
	}, []string{"attempt"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unmark_jobs_total",
		Help: "Jobs reaching a final or paused state",
	}, []string{"state"})
)
