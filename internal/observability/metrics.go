package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	apiRequestsTotal   *prometheus.CounterVec
	apiLatencySeconds  *prometheus.HistogramVec
	apiErrorsTotal     *prometheus.CounterVec
	runsFinishedTotal  *prometheus.CounterVec
	fileResultsTotal   *prometheus.CounterVec
	queueDeliveries    *prometheus.CounterVec
	reaperReapedTotal  *prometheus.CounterVec
	runDurationSeconds prometheus.Histogram
	ingestedFiles      *prometheus.CounterVec
	submissionChecks   *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors shared by the API and worker processes.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_api_requests_total",
			Help: "Total number of ops API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_api_latency_seconds",
			Help:    "Latency distribution for ops API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_api_errors_total",
			Help: "Total number of error responses returned by the ops API.",
		}, []string{"method", "route", "status"})

		runsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_evaluation_runs_finished_total",
			Help: "Evaluation runs that reached a terminal status.",
		}, []string{"status"})

		fileResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_evaluation_file_results_total",
			Help: "Per-file scoring outcomes recorded by the dispatcher.",
		}, []string{"outcome"})

		queueDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_queue_deliveries_total",
			Help: "Queue deliveries handled by workers, by job type and outcome.",
		}, []string{"job_type", "outcome"})

		reaperReapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_reaper_reaped_total",
			Help: "Runs or deliveries recovered by the reaper.",
		}, []string{"kind"})

		runDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_evaluation_run_duration_seconds",
			Help:    "Wall time from claim to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		})

		ingestedFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_ingest_files_total",
			Help: "Attack archive entries processed by the ingest job.",
		}, []string{"outcome"})

		submissionChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_submission_checks_total",
			Help: "Submission preparation jobs by kind and resulting status.",
		}, []string{"kind", "status"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			runsFinishedTotal,
			fileResultsTotal,
			queueDeliveries,
			reaperReapedTotal,
			runDurationSeconds,
			ingestedFiles,
			submissionChecks,
		)
	})
}

// APIRequests exposes the counter for ops API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for ops API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for ops API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// RunsFinished counts terminal run transitions by status.
func RunsFinished() *prometheus.CounterVec {
	RegisterMetrics()
	return runsFinishedTotal
}

// FileResults counts recorded per-file outcomes ("scored" or "error").
func FileResults() *prometheus.CounterVec {
	RegisterMetrics()
	return fileResultsTotal
}

// QueueDeliveries counts handled deliveries.
func QueueDeliveries() *prometheus.CounterVec {
	RegisterMetrics()
	return queueDeliveries
}

// ReaperReaped counts reaper recoveries by kind.
func ReaperReaped() *prometheus.CounterVec {
	RegisterMetrics()
	return reaperReapedTotal
}

// RunDuration observes run wall time.
func RunDuration() prometheus.Histogram {
	RegisterMetrics()
	return runDurationSeconds
}

// IngestedFiles counts archive entries by outcome ("stored", "skipped").
func IngestedFiles() *prometheus.CounterVec {
	RegisterMetrics()
	return ingestedFiles
}

// SubmissionChecks counts ingest and functional check jobs.
func SubmissionChecks() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionChecks
}
