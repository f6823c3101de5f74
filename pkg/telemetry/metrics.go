package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the kernel.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsDispatched *prometheus.CounterVec
	operationDuration    *prometheus.HistogramVec
	operationsInFlight   prometheus.Gauge

	// Boot metrics
	bootsCompleted *prometheus.CounterVec
	bootDuration   prometheus.Histogram

	// Service metrics
	serviceTransitions *prometheus.CounterVec
	servicesByState    *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Journal metrics
	journalEntries *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Every recording method is a no-op on a disabled instance
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

		operationsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_dispatched_total",
				Help:      "Total number of dispatched operations by name, mode and outcome",
			},
			[]string{"operation", "mode", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation dispatch in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		operationsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_in_flight",
				Help:      "Current number of operations being dispatched",
			},
		),

		bootsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boots_completed_total",
				Help:      "Total number of boots by status",
			},
			[]string{"status"},
		),
		bootDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "boot_duration_seconds",
				Help:      "Duration of boot in seconds, including service stabilization",
				Buckets:   buckets,
			},
		),

		serviceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_transitions_total",
				Help:      "Total number of service state transitions by target state",
			},
			[]string{"to"},
		),
		servicesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "services",
				Help:      "Current number of installed services by state",
			},
			[]string{"state"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of operation failures by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of operation failures by error code",
			},
			[]string{"code"},
		),

		journalEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_entries_total",
				Help:      "Total number of journal entries written by outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.operationsDispatched,
		m.operationDuration,
		m.operationsInFlight,
		m.bootsCompleted,
		m.bootDuration,
		m.serviceTransitions,
		m.servicesByState,
		m.errorsByClass,
		m.errorsByCode,
		m.journalEntries,
	)

	return m, nil
}

// Operation Metrics

// OperationStarted increments the in-flight gauge.
func (m *Metrics) OperationStarted() {
	if m.operationsInFlight == nil {
		return
	}
	m.operationsInFlight.Inc()
}

// RecordOperation records a finished operation and decrements the in-flight gauge.
func (m *Metrics) RecordOperation(operation, mode, outcome string, duration time.Duration) {
	if m.operationsDispatched == nil {
		return
	}
	m.operationsDispatched.WithLabelValues(operation, mode, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.operationsInFlight.Dec()
}

// Boot Metrics

// RecordBoot records a finished boot.
func (m *Metrics) RecordBoot(status string, duration time.Duration) {
	if m.bootsCompleted == nil {
		return
	}
	m.bootsCompleted.WithLabelValues(status).Inc()
	m.bootDuration.Observe(duration.Seconds())
}

// Service Metrics

// RecordServiceTransition counts a transition into state to.
func (m *Metrics) RecordServiceTransition(to string) {
	if m.serviceTransitions == nil {
		return
	}
	m.serviceTransitions.WithLabelValues(to).Inc()
}

// SetServiceStates replaces the per-state service counts.
func (m *Metrics) SetServiceStates(counts map[string]int) {
	if m.servicesByState == nil {
		return
	}
	m.servicesByState.Reset()
	for state, n := range counts {
		m.servicesByState.WithLabelValues(state).Set(float64(n))
	}
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

// Journal Metrics

// RecordJournalEntry counts a written journal entry.
func (m *Metrics) RecordJournalEntry(outcome string) {
	if m.journalEntries == nil {
		return
	}
	m.journalEntries.WithLabelValues(outcome).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer serves the metrics endpoint in the background. It does nothing
// when metrics are disabled or no listen address is configured. Serve errors are
// sent on the returned channel.
func (m *Metrics) StartMetricsServer() <-chan error {
	errs := make(chan error, 1)
	if !m.config.Enabled || m.config.ListenAddress == "" {
		close(errs)
		return errs
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
		defer close(errs)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	return errs
}

// Shutdown stops the metrics server, if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
