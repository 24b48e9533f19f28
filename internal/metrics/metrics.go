package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_runs_started_total",
			Help: "Total number of panel runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symposium_runs_completed_total",
			Help: "Total number of panel runs completed",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symposium_run_duration_seconds",
			Help:    "End-to-end run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symposium_run_steps",
			Help:    "Number of graph steps taken per run",
			Buckets: []float64{5, 10, 20, 40, 80, 160},
		},
	)

	RunQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symposium_run_queue_depth",
			Help: "Number of runs waiting for a worker",
		},
	)

	// Task metrics
	TaskExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symposium_task_executions_total",
			Help: "Total number of task executions",
		},
		[]string{"task", "role", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "symposium_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task", "role"},
	)

	// Collaboration metrics
	CollaborationFanouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_collaboration_fanouts_total",
			Help: "Total number of collaboration fan-outs",
		},
	)

	CollaborationFanoutSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symposium_collaboration_fanout_size",
			Help:    "Number of collaborators per fan-out",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	CollaborationNoteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_collaboration_note_failures_total",
			Help: "Collaborator calls that contributed an empty note due to error",
		},
	)

	// Gateway metrics
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symposium_gateway_requests_total",
			Help: "Total number of gateway requests",
		},
		[]string{"gateway", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "symposium_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gateway"},
	)

	GatewayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symposium_gateway_retries_total",
			Help: "Total number of gateway call retries",
		},
		[]string{"gateway"},
	)

	// Graph cache metrics
	GraphCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_graph_cache_hits_total",
			Help: "Total number of graph cache hits",
		},
	)

	GraphCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_graph_cache_misses_total",
			Help: "Total number of graph cache misses",
		},
	)

	GraphCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_graph_cache_evictions_total",
			Help: "Total number of graph cache evictions",
		},
	)

	GraphCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symposium_graph_cache_size",
			Help: "Current number of compiled graphs in the cache",
		},
	)

	// Session store metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionStoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symposium_session_store_ops_total",
			Help: "Total number of session store operations",
		},
		[]string{"op", "status"},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symposium_session_cache_size",
			Help: "Current number of sessions in the local cache",
		},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "symposium_stream_subscribers",
			Help: "Number of active stream subscribers",
		},
	)

	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "symposium_stream_events_published_total",
			Help: "Total number of streaming events published",
		},
	)
)

// RecordRunMetrics records metrics for a completed run
func RecordRunMetrics(status string, durationSeconds float64, steps int) {
	RunsCompleted.WithLabelValues(status).Inc()
	RunDuration.Observe(durationSeconds)
	if steps > 0 {
		RunSteps.Observe(float64(steps))
	}
}

// RecordTaskMetrics records metrics for a single task execution
func RecordTaskMetrics(task, role, status string, durationSeconds float64) {
	TaskExecutions.WithLabelValues(task, role, status).Inc()
	TaskDuration.WithLabelValues(task, role).Observe(durationSeconds)
}

// RecordGatewayMetrics records metrics for a gateway call
func RecordGatewayMetrics(gateway, status string, durationSeconds float64) {
	GatewayRequests.WithLabelValues(gateway, status).Inc()
	if durationSeconds > 0 {
		GatewayRequestDuration.WithLabelValues(gateway).Observe(durationSeconds)
	}
}
