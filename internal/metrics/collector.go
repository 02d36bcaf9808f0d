// Package metrics collects Prometheus metrics for runs, tasks, checkpoints
// and the HTTP endpoints the CLI serves.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector holds the metric vectors. Each Collector registers on its own
// registry so several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	// run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// task metrics
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	dispatchInFlight prometheus.Gauge

	// checkpoint and merge metrics
	checkpointWaits *prometheus.CounterVec
	conflictsTotal  prometheus.Counter

	// validation metrics
	findingsTotal *prometheus.CounterVec

	// cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of runs by outcome",
		},
		[]string{"outcome"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"outcome"},
	)

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"status"},
	)

	c.dispatchInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_in_flight",
			Help:      "Number of dispatched tasks not yet terminal",
		},
	)

	c.checkpointWaits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_waits_total",
			Help:      "Total number of human checkpoint waits by outcome",
		},
		[]string{"outcome"},
	)

	c.conflictsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_conflicts_total",
			Help:      "Total number of file conflicts detected between tier-mates",
		},
	)

	c.findingsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_findings_total",
			Help:      "Total number of validation findings",
		},
		[]string{"kind", "severity"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// Run and task metrics
// =============================================================================

// RunFinished records a run outcome.
func (c *Collector) RunFinished(outcome string, duration time.Duration) {
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// TaskDispatched records a submission.
func (c *Collector) TaskDispatched() {
	c.dispatchInFlight.Inc()
}

// TaskReturned records a dispatched task reaching a terminal worker status.
func (c *Collector) TaskReturned() {
	c.dispatchInFlight.Dec()
}

// TaskFinished records a terminal task status. duration is zero for tasks
// that never ran.
func (c *Collector) TaskFinished(status string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		c.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// CheckpointResolved records how a checkpoint wait ended.
func (c *Collector) CheckpointResolved(outcome string) {
	c.checkpointWaits.WithLabelValues(outcome).Inc()
}

// ConflictsDetected records merge conflicts.
func (c *Collector) ConflictsDetected(n int) {
	c.conflictsTotal.Add(float64(n))
}

// RecordFinding records one validation finding.
func (c *Collector) RecordFinding(kind, severity string) {
	c.findingsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// HTTP metrics
// =============================================================================

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Middleware records every request passing through next under path.
func (c *Collector) Middleware(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		c.RecordHTTPRequest(r.Method, path, rw.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func statusCode(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	}
	return strconv.Itoa(status)
}
