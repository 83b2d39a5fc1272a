package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "volseg"

// Inference outcomes used as the "outcome" label.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	reg *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlight        prometheus.Gauge

	UploadedFilesTotal prometheus.Counter
	UploadedBytesTotal prometheus.Counter

	InferenceRunsTotal *prometheus.CounterVec
	InferenceDuration  *prometheus.HistogramVec
	InferenceInFlight  prometheus.Gauge

	DownloadsTotal      prometheus.Counter
	DownloadBytesTotal  prometheus.Counter
	ArchiveMirrorErrors prometheus.Counter

	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	JanitorRemovedTotal prometheus.Counter
	RateLimitedTotal    prometheus.Counter
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// NewMetrics creates and registers the service metrics on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),
		UploadedFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_files_total",
			Help:      "Files written to upload areas.",
		}),
		UploadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes written to upload areas.",
		}),
		InferenceRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "runs_total",
			Help:      "Inference runs by model architecture and outcome.",
		}, []string{"architecture", "outcome"}),
		InferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "Wall time of pipeline invocations.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"architecture"}),
		InferenceInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "in_flight",
			Help:      "Pipeline invocations currently running.",
		}),
		DownloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Result archives served.",
		}),
		DownloadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes of result archives served.",
		}),
		ArchiveMirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_mirror_errors_total",
			Help:      "Archives that could not be copied to object storage.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "circuit_breaker_state",
			Help:      "Pipeline circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Pipeline circuit breaker transitions by target state.",
		}, []string{"to"}),
		JanitorRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_removed_jobs_total",
			Help:      "Stale job workspaces removed by the janitor.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.RequestDuration, m.RequestsTotal, m.InFlight,
		m.UploadedFilesTotal, m.UploadedBytesTotal,
		m.InferenceRunsTotal, m.InferenceDuration, m.InferenceInFlight,
		m.DownloadsTotal, m.DownloadBytesTotal, m.ArchiveMirrorErrors,
		m.BreakerState, m.BreakerTransitions,
		m.JanitorRemovedTotal, m.RateLimitedTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetBreakerState records a pipeline breaker transition.
func (m *Metrics) SetBreakerState(from, to gobreaker.State) {
	m.BreakerState.Set(float64(to))
	m.BreakerTransitions.WithLabelValues(to.String()).Inc()
}

// JobRemoved counts a janitor removal.
func (m *Metrics) JobRemoved(string) {
	m.JanitorRemovedTotal.Inc()
}

// middleware records HTTP metrics, labelled by the matched route pattern.
// It skips /metrics and /health endpoints.
func (m *Metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/health") {
			next.ServeHTTP(w, r)
			return
		}

		m.InFlight.Inc()
		defer m.InFlight.Dec()

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(lrw.status)
			m.RequestDuration.WithLabelValues(r.Method, route, status).Observe(v)
			m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		}))

		next.ServeHTTP(lrw, r)
		timer.ObserveDuration()
	})
}
