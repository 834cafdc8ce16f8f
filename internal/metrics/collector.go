// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records pipeline and HTTP metrics. A nil *Collector is valid
// and records nothing, so wiring metrics stays optional in tests.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	generationsStarted  prometheus.Counter
	generationsFinished *prometheus.CounterVec
	generationDuration  *prometheus.HistogramVec
	stageDuration       *prometheus.HistogramVec
	stageRetries        *prometheus.CounterVec
	activeRuns          prometheus.Gauge

	// Enhancement metrics
	enhanceFallbacks *prometheus.CounterVec

	// Store metrics
	storeOpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWith creates a collector on an explicit registerer. Tests
// pass a fresh registry so repeated construction cannot collide.
func NewCollectorWith(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

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

	c.generationsStarted = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_started_total",
			Help:      "Total number of generation runs started",
		},
	)

	c.generationsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_finished_total",
			Help:      "Total number of generation runs finished",
		},
		[]string{"status"}, // completed, failed
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "End-to-end generation run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage", "status"}, // status: ok, error
	)

	c.stageRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retry attempts",
		},
		[]string{"stage"},
	)

	c.activeRuns = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of generation runs currently executing",
		},
	)

	c.enhanceFallbacks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enhance_fallbacks_total",
			Help:      "Total number of runs that fell back to the original prompt",
		},
		[]string{"code"},
	)

	c.storeOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Context store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRunStarted records a generation run entering execution.
func (c *Collector) RecordRunStarted() {
	if c == nil {
		return
	}
	c.generationsStarted.Inc()
	c.activeRuns.Inc()
}

// RecordRunFinished records a generation run reaching a terminal state.
func (c *Collector) RecordRunFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.generationsFinished.WithLabelValues(status).Inc()
	c.generationDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.activeRuns.Dec()
}

// RecordStage records one stage attempt outcome.
func (c *Collector) RecordStage(stage string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RecordStageRetry records a retry of a generation stage.
func (c *Collector) RecordStageRetry(stage string) {
	if c == nil {
		return
	}
	c.stageRetries.WithLabelValues(stage).Inc()
}

// RecordEnhanceFallback records a run that proceeded with its original
// prompt after enhancement failed.
func (c *Collector) RecordEnhanceFallback(code string) {
	if c == nil {
		return
	}
	c.enhanceFallbacks.WithLabelValues(code).Inc()
}

// RecordStoreOp records a context store operation.
func (c *Collector) RecordStoreOp(operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.storeOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// statusClass buckets an HTTP status code for the counter label.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
