package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobhub_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobhub_job_queue_depth",
			Help: "Number of jobs waiting in the scheduler's pending queue",
		},
	)

	JobSubmissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobhub_job_submissions_total",
			Help: "Total number of job submissions accepted",
		},
	)

	JobSubmissionsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_job_submissions_rejected_total",
			Help: "Total number of job submissions rejected, by reason",
		},
		[]string{"reason"},
	)

	// Platform task / scheduler metrics
	PlatformTasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobhub_platform_tasks_total",
			Help: "Current number of platform tasks by platform and status",
		},
		[]string{"platform", "status"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobhub_scheduling_latency_seconds",
			Help:    "Time taken to dispatch a sub-task to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	AdapterCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobhub_adapter_call_duration_seconds",
			Help:    "Adapter Search() call duration in seconds, by platform",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	SubTasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_subtasks_completed_total",
			Help: "Total number of sub-tasks that reached a terminal status",
		},
		[]string{"platform", "status"},
	)

	SemaphoreInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobhub_platform_semaphore_in_use",
			Help: "Number of in-flight adapter calls per platform",
		},
		[]string{"platform"},
	)

	// Error engine metrics
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_errors_total",
			Help: "Total number of classified errors by category and severity",
		},
		[]string{"category", "severity"},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_retries_scheduled_total",
			Help: "Total number of retries scheduled by category",
		},
		[]string{"category"},
	)

	RetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobhub_retry_queue_depth",
			Help: "Number of sub-tasks waiting in the delayed retry queue",
		},
	)

	FallbacksAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobhub_fallbacks_applied_total",
			Help: "Total number of platform substitutions applied by the error engine",
		},
	)

	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobhub_escalations_total",
			Help: "Total number of errors escalated for manual attention",
		},
	)

	// Sync bus metrics
	SyncEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_sync_events_published_total",
			Help: "Total number of sync events published by type",
		},
		[]string{"type"},
	)

	SyncEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_sync_events_dropped_total",
			Help: "Total number of sync events dropped, by reason",
		},
		[]string{"reason"},
	)

	SyncClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobhub_sync_clients_connected",
			Help: "Number of currently connected sync bus clients",
		},
	)

	// Integrity engine metrics
	IntegrityReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_integrity_reports_total",
			Help: "Total number of integrity reports produced, by pass/fail",
		},
		[]string{"result"},
	)

	IntegrityOverallQuality = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobhub_integrity_overall_quality",
			Help:    "Distribution of final overall quality scores",
			Buckets: []float64{0.5, 0.7, 0.85, 0.95, 1.0},
		},
	)

	// Notifier metrics
	NotificationsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_notifications_queued_total",
			Help: "Total number of notifications enqueued by channel",
		},
		[]string{"channel"},
	)

	NotificationsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_notifications_delivered_total",
			Help: "Total number of notifications delivered by channel",
		},
		[]string{"channel"},
	)

	NotificationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_notifications_failed_total",
			Help: "Total number of notifications that exhausted retries, by channel",
		},
		[]string{"channel"},
	)

	NotificationsRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_notifications_rate_limited_total",
			Help: "Total number of notifications skipped due to rate limiting, by channel",
		},
		[]string{"channel"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhub_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobhub_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobQueueDepth,
		JobSubmissionsTotal,
		JobSubmissionsRejectedTotal,
		PlatformTasksTotal,
		SchedulingLatency,
		AdapterCallDuration,
		SubTasksCompletedTotal,
		SemaphoreInUse,
		ErrorsTotal,
		RetriesScheduledTotal,
		RetryQueueDepth,
		FallbacksAppliedTotal,
		EscalationsTotal,
		SyncEventsPublishedTotal,
		SyncEventsDroppedTotal,
		SyncClientsConnected,
		IntegrityReportsTotal,
		IntegrityOverallQuality,
		NotificationsQueuedTotal,
		NotificationsDeliveredTotal,
		NotificationsFailedTotal,
		NotificationsRateLimitedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
