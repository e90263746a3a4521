package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for uncertainty runs. A nil *Metrics or one created
// with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	nodeEvaluations *prometheus.CounterVec
	nodeDuration    prometheus.Histogram

	featureErrors  *prometheus.CounterVec
	outputFailures *prometheus.CounterVec
	errorsByClass  *prometheus.CounterVec

	activeRuns  prometheus.Gauge
	queuedNodes prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Total number of uncertainty runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Total number of uncertainty runs finished, by final state",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of uncertainty runs in seconds",
			Buckets:   buckets,
		}, []string{"state"}),

		nodeEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "node_evaluations_total",
			Help:      "Total number of model evaluations, by outcome",
		}, []string{"status"}),
		nodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "node_evaluation_duration_seconds",
			Help:      "Duration of a single model evaluation in seconds",
			Buckets:   buckets,
		}),

		featureErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "feature_errors_total",
			Help:      "Total number of feature evaluation errors",
		}, []string{"feature"}),
		outputFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "output_failures_total",
			Help:      "Total number of outputs without statistics, by status",
		}, []string{"status"}),
		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by error class",
		}, []string{"class"}),

		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Current number of active runs",
		}),
		queuedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "queued_nodes",
			Help:      "Current number of nodes waiting for evaluation",
		}),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.nodeEvaluations,
		m.nodeDuration,
		m.featureErrors,
		m.outputFailures,
		m.errorsByClass,
		m.activeRuns,
		m.queuedNodes,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its final state and duration.
func (m *Metrics) RecordRunCompleted(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordNodeEvaluation records one model evaluation.
func (m *Metrics) RecordNodeEvaluation(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.nodeEvaluations.WithLabelValues(status).Inc()
	m.nodeDuration.Observe(duration.Seconds())
}

// RecordFeatureError records a failed feature evaluation.
func (m *Metrics) RecordFeatureError(feature string) {
	if !m.enabled() {
		return
	}
	m.featureErrors.WithLabelValues(feature).Inc()
}

// RecordOutputFailure records an output that produced no statistics.
func (m *Metrics) RecordOutputFailure(status string) {
	if !m.enabled() {
		return
	}
	m.outputFailures.WithLabelValues(status).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(class string) {
	if !m.enabled() || class == "" {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// SetQueuedNodes sets the number of nodes waiting for evaluation.
func (m *Metrics) SetQueuedNodes(count int) {
	if !m.enabled() {
		return
	}
	m.queuedNodes.Set(float64(count))
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}
