// Package metrics exposes prometheus instruments for the task pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aigc_tasks_submitted_total",
		Help: "Tasks accepted into the queue, by kind.",
	}, []string{"kind"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aigc_tasks_finished_total",
		Help: "Tasks reaching a terminal state, by kind and status.",
	}, []string{"kind", "status"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aigc_task_retries_total",
		Help: "Attempts re-queued after a transient engine failure, by kind.",
	}, []string{"kind"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aigc_queue_depth",
		Help: "Tasks currently waiting for a worker slot.",
	})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aigc_tasks_running",
		Help: "Tasks currently holding a worker slot.",
	})

	EngineWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aigc_engine_wait_seconds",
		Help:    "Time from engine submission to completion, by kind.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
)
