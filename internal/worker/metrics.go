package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksClaimed counts claims per agent type.
	tasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_tasks_claimed_total",
		Help: "Total number of tasks claimed by worker slots",
	}, []string{"agent_type"})

	// taskOutcomes counts the state each execution left its task in.
	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_task_outcomes_total",
		Help: "Total number of task executions by resulting status",
	}, []string{"agent_type", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentflow_task_duration_seconds",
		Help:    "Wall time of worker processes",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"agent_type"})

	slotsBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentflow_slots_busy",
		Help: "Number of slots currently running a worker process",
	})

	// taskRetries counts requeues; reason is exit_code, timeout, context or shutdown.
	taskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_task_retries_total",
		Help: "Total number of tasks returned to the queue",
	}, []string{"reason"})
)
