package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_workers_total",
			Help: "Total number of workers by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	SubtasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_subtasks_total",
			Help: "Total number of subtasks by state and kind",
		},
		[]string{"state", "kind"},
	)

	// Scheduler metrics
	SubtasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_subtasks_scheduled_total",
			Help: "Total number of subtasks dispatched to workers",
		},
	)

	SubtasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_subtasks_failed_total",
			Help: "Total number of subtask failures, including retried ones",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_scheduling_latency_seconds",
			Help:    "Time from subtask ready to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Decomposition metrics
	DecompositionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_decomposition_duration_seconds",
			Help:    "Task decomposition duration in seconds by source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"}, // llm, template, fallback
	)

	// Evaluation and review metrics
	EvaluationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_evaluations_total",
			Help: "Total number of subtask evaluations",
		},
	)

	ReviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_reviews_total",
			Help: "Total number of peer reviews by decision",
		},
		[]string{"decision"},
	)

	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_checkpoints_total",
			Help: "Total number of checkpoints by trigger",
		},
		[]string{"trigger"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_published_total",
			Help: "Total number of events published by kind",
		},
		[]string{"kind"},
	)

	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_event_subscribers_dropped_total",
			Help: "Total number of subscribers dropped for falling behind",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(SubtasksTotal)
	prometheus.MustRegister(SubtasksScheduled)
	prometheus.MustRegister(SubtasksFailed)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(DecompositionDuration)
	prometheus.MustRegister(EvaluationsTotal)
	prometheus.MustRegister(ReviewsTotal)
	prometheus.MustRegister(CheckpointsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(SubscribersDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
