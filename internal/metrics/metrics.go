// Package metrics provides Prometheus metrics for the dagrunner service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mentatlab"
	subsystem = "dagrunner"
)

var (
	// RunsCreated counts DAG runs created by run type.
	RunsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_created_total",
			Help:      "Total number of DAG runs created",
		},
		[]string{"dag_id", "run_type"}, // run_type: "scheduled", "manual"
	)

	// RunsTotal counts finished runs by final state.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Total number of runs by final state",
		},
		[]string{"dag_id", "state"}, // "success", "failed", "cancelled"
	)

	// RunsActive tracks run loops currently owned by the executor.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_active",
			Help:      "Number of currently running DAG runs",
		},
	)

	// RunDuration tracks run wall time.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "DAG run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"state"},
	)

	// TasksTotal counts task instances reaching a terminal state.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Total number of task instances by terminal state",
		},
		[]string{"state"}, // "success", "failed", "upstream_failed", "skipped"
	)

	// TaskRetries counts retry transitions.
	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_retries_total",
			Help:      "Total number of task attempts scheduled for retry",
		},
	)

	// TaskDuration tracks operator execution time per attempt.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_duration_seconds",
			Help:      "Task attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operator", "status"}, // status: "success", "failed"
	)

	// TasksDispatched counts jobs submitted to an execution backend.
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of task jobs submitted to a backend",
		},
		[]string{"backend"},
	)

	// BackendQueueDepth tracks jobs waiting for a worker in local backends.
	BackendQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backend_queue_depth",
			Help:      "Number of task jobs waiting for a worker",
		},
		[]string{"backend"},
	)

	// SchedulerTicks counts scheduler loop iterations by result.
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduler_ticks_total",
			Help:      "Total number of scheduler ticks",
		},
		[]string{"result"}, // "ok", "error"
	)

	// SchedulerTickDuration tracks how long one tick takes.
	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// K8sJobsTotal counts Kubernetes jobs by outcome.
	K8sJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "k8s_jobs_total",
			Help:      "Total number of Kubernetes jobs created",
		},
		[]string{"status"},
	)

	// StoreOperations counts state store operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_operations_total",
			Help:      "Total number of state store operations",
		},
		[]string{"operation", "result"}, // result: "success", "conflict", "error"
	)
)
