package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixyz_tasks_started_total",
			Help: "Total number of tasks started by queue",
		},
		[]string{"queue"},
	)

	TasksSucceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixyz_tasks_succeeded_total",
			Help: "Total number of tasks completed successfully by queue",
		},
		[]string{"queue"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixyz_tasks_failed_total",
			Help: "Total number of failed tasks by queue and fault type",
		},
		[]string{"queue", "fault"},
	)

	TasksRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixyz_tasks_retried_total",
			Help: "Total number of task retries by queue",
		},
		[]string{"queue"},
	)

	TasksRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixyz_tasks_revoked_total",
			Help: "Total number of revoked tasks",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixyz_task_duration_seconds",
			Help:    "Task execution duration in seconds by queue",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 2400, 3600},
		},
		[]string{"queue"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixyz_queue_depth",
			Help: "Number of ready deliveries per queue",
		},
		[]string{"queue"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixyz_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixyz_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	UploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixyz_upload_bytes_total",
			Help: "Total bytes streamed into the shared storage",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksStarted)
	prometheus.MustRegister(TasksSucceeded)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(TasksRevoked)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(UploadBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
