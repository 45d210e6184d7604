// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagaqueue_jobs_added_total",
		Help: "Total number of jobs added to a queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagaqueue_jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagaqueue_jobs_failed_total",
		Help: "Total number of terminally failed jobs",
	}, []string{"queue"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagaqueue_jobs_retried_total",
		Help: "Total number of job retries (moveToDelayed after a failed attempt)",
	}, []string{"queue"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagaqueue_jobs_dead_lettered_total",
		Help: "Total number of jobs routed to a dead letter queue",
	}, []string{"queue"})
	JobsStalled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagaqueue_jobs_stalled_total",
		Help: "Total number of jobs recovered from a stalled lock",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sagaqueue_job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagaqueue_queue_length",
		Help: "Current length of a queue state set",
	}, []string{"queue", "state"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagaqueue_circuit_breaker_state",
		Help: "0 Closed, 1 Open, 2 HalfOpen",
	}, []string{"worker"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagaqueue_circuit_breaker_trips_total",
		Help: "Count of times a worker's circuit breaker transitioned to OPEN",
	}, []string{"worker"})
	GroupState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagaqueue_group_state",
		Help: "1 if the group is currently in this state, 0 otherwise",
	}, []string{"group_id", "state"})
	DeadLetterQueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagaqueue_dlq_size",
		Help: "Current number of jobs sitting in a dead letter queue",
	}, []string{"dlq"})
	WorkersActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagaqueue_workers_active",
		Help: "Number of concurrently-running worker fetch tasks",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		JobsAdded, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLettered,
		JobsStalled, JobProcessingDuration, QueueLength, CircuitBreakerState,
		CircuitBreakerTrips, GroupState, DeadLetterQueueSize, WorkersActive,
	)
}
