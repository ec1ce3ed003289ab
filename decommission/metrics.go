package decommission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decom",
		Name:      "jobs_started_total",
		Help:      "Decommission jobs created or reset, by trigger.",
	}, []string{"trigger"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decom",
		Name:      "jobs_finished_total",
		Help:      "Decommission jobs that reached a terminal status.",
	}, []string{"status"})

	resourceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decom",
		Name:      "resource_cleanups_total",
		Help:      "Cleanup handler outcomes by resource kind.",
	}, []string{"kind", "state"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "decom",
		Name:      "handler_duration_seconds",
		Help:      "Cleanup handler latency by resource kind.",
		Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"kind"})

	schedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decom",
		Name:      "scheduler_runs_total",
		Help:      "Scheduler passes by task and result.",
	}, []string{"task", "result"})
)
