package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for experiment runs. A disabled
// Metrics value is safe to use; every record method is a no-op.
type Metrics struct {
	config MetricsConfig

	// Experiment metrics
	experimentsStarted   prometheus.Counter
	experimentsCompleted *prometheus.CounterVec
	experimentDuration   *prometheus.HistogramVec
	activeExperiments    prometheus.Gauge

	// Resource metrics
	transitions *prometheus.CounterVec
	reschedules *prometheus.CounterVec

	// Plugin step metrics
	stepDuration *prometheus.HistogramVec
	pluginErrors *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Scheduler metrics
	pendingTasks prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		experimentsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "experiments_started_total",
				Help:      "Total number of experiment runs started",
			},
		),
		experimentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "experiments_completed_total",
				Help:      "Total number of experiment runs completed",
			},
			[]string{"status"},
		),
		experimentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "experiment_duration_seconds",
				Help:      "Duration of experiment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeExperiments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_experiments",
				Help:      "Current number of running experiments",
			},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_transitions_total",
				Help:      "Total number of resource state transitions",
			},
			[]string{"type", "state"},
		),
		reschedules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_reschedules_total",
				Help:      "Total number of delayed deploy re-submissions",
			},
			[]string{"type", "reason"},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_step_duration_seconds",
				Help:      "Duration of plugin discover and provision steps in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "step", "status"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of failed plugin steps",
			},
			[]string{"type", "step"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		pendingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_pending_tasks",
				Help:      "Current number of tasks waiting in the delay queue",
			},
		),
	}

	registry.MustRegister(
		m.experimentsStarted,
		m.experimentsCompleted,
		m.experimentDuration,
		m.activeExperiments,
		m.transitions,
		m.reschedules,
		m.stepDuration,
		m.pluginErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.pendingTasks,
	)

	return m, nil
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Experiment Metrics

// RecordExperimentStarted increments the counter for started runs.
func (m *Metrics) RecordExperimentStarted() {
	if m.experimentsStarted == nil {
		return
	}
	m.experimentsStarted.Inc()
	m.activeExperiments.Inc()
}

// RecordExperimentCompleted records a finished run with its status and duration.
func (m *Metrics) RecordExperimentCompleted(status string, duration time.Duration) {
	if m.experimentsCompleted == nil {
		return
	}
	m.experimentsCompleted.WithLabelValues(status).Inc()
	m.experimentDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExperiments.Dec()
}

// Resource Metrics

// RecordTransition records a resource entering state.
func (m *Metrics) RecordTransition(resourceType, state string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(resourceType, state).Inc()
}

// RecordReschedule records a delayed re-submission of a resource.
func (m *Metrics) RecordReschedule(resourceType, reason string) {
	if m.reschedules == nil {
		return
	}
	m.reschedules.WithLabelValues(resourceType, reason).Inc()
}

// Plugin Metrics

// RecordStep records the duration of a plugin step.
func (m *Metrics) RecordStep(resourceType, step string, duration time.Duration, ok bool) {
	if m.stepDuration == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.stepDuration.WithLabelValues(resourceType, step, status).Observe(duration.Seconds())
}

// RecordPluginError records a failed plugin step.
func (m *Metrics) RecordPluginError(resourceType, step string) {
	if m.pluginErrors == nil {
		return
	}
	m.pluginErrors.WithLabelValues(resourceType, step).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Scheduler Metrics

// SetPendingTasks sets the current number of queued tasks.
func (m *Metrics) SetPendingTasks(count float64) {
	if m.pendingTasks == nil {
		return
	}
	m.pendingTasks.Set(count)
}

// Timer provides a convenient way to time operations.
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics. It does
// nothing when metrics are disabled or no listen address is configured.
// Serve errors are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
