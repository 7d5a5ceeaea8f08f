package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Run metrics
	runsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_runs_started_total",
			Help: "Total number of orchestration runs started",
		},
	)

	runsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_runs_completed_total",
			Help: "Total number of orchestration runs that reached the complete phase",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_run_duration_seconds",
			Help:    "Wall time from run start to completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// Task metrics
	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_task_duration_seconds",
			Help:    "Remote job duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 360},
		},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_frames_total",
			Help: "Total number of stream frames applied, by kind",
		},
		[]string{"kind"},
	)

	activeTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_active_tasks",
			Help: "Number of remote connections currently open",
		},
	)

	// Synthesis metrics
	synthesisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_synthesis_total",
			Help: "Total number of summary synthesis attempts",
		},
		[]string{"synthesizer", "status"},
	)

	synthesisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_synthesis_duration_seconds",
			Help:    "Summary synthesis duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"synthesizer"},
	)

	// Publisher metrics
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_publish_total",
			Help: "Total number of snapshot publish attempts",
		},
		[]string{"status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default Prometheus registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Collectors returns every fanout collector, for custom registries.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDuration,
		runsStartedTotal,
		runsCompletedTotal,
		runDuration,
		tasksFinishedTotal,
		taskDuration,
		framesTotal,
		activeTasks,
		synthesisTotal,
		synthesisDuration,
		publishTotal,
	}
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordRunStarted() {
	runsStartedTotal.Inc()
}

// RecordRunCompleted records a run reaching the complete phase. outcome is
// "complete" or "cancelled".
func RecordRunCompleted(outcome string, duration time.Duration) {
	runsCompletedTotal.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTaskFinished counts a task entering a terminal status.
func RecordTaskFinished(status string) {
	tasksFinishedTotal.WithLabelValues(status).Inc()
}

func RecordTaskDuration(duration time.Duration) {
	taskDuration.Observe(duration.Seconds())
}

func RecordFrame(kind string) {
	framesTotal.WithLabelValues(kind).Inc()
}

func IncActiveTasks() { activeTasks.Inc() }

func DecActiveTasks() { activeTasks.Dec() }

// RecordSynthesis records one summary synthesis attempt.
func RecordSynthesis(synthesizer, status string, duration time.Duration) {
	synthesisTotal.WithLabelValues(synthesizer, status).Inc()
	synthesisDuration.WithLabelValues(synthesizer).Observe(duration.Seconds())
}

func RecordPublish(status string) {
	publishTotal.WithLabelValues(status).Inc()
}
