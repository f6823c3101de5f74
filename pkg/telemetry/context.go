package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/keelhq/keel/pkg/services"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
// A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	// Shutdown in reverse order of initialization
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() <-chan error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext carries the span, logger and timer of one instrumented unit of work.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// OperationRecord summarizes one dispatched operation.
type OperationRecord struct {
	ID         string
	Operation  string
	Address    string
	Mode       string
	Outcome    string
	ErrorClass string
	ErrorCode  string
	Duration   time.Duration
}

// StartDispatch begins instrumentation of one operation. It is safe to call on a
// nil receiver; the returned context is then ctx unchanged.
func (t *Telemetry) StartDispatch(ctx context.Context, operation, address, mode string) *InstrumentedContext {
	if t == nil {
		return &InstrumentedContext{Ctx: ctx, Logger: NewNopLogger(), Timer: NewTimer()}
	}

	spanCtx, span := t.Tracer.StartDispatchSpan(ctx, operation, address, mode)
	logger := t.Logger.WithOperation(operation, address)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}
	t.Metrics.OperationStarted()

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// FinishDispatch records the outcome of an operation started with StartDispatch.
func (t *Telemetry) FinishDispatch(ic *InstrumentedContext, rec OperationRecord, err error) {
	if t == nil || ic == nil {
		return
	}
	if ic.Span != nil {
		ic.Span.SetAttributes(AttrOperationID.String(rec.ID), AttrOutcome.String(rec.Outcome))
		if rec.ErrorClass != "" {
			ic.Span.SetAttributes(AttrErrorClass.String(rec.ErrorClass), AttrErrorCode.String(rec.ErrorCode))
		}
	}
	ic.End(err)

	t.Metrics.RecordOperation(rec.Operation, rec.Mode, rec.Outcome, rec.Duration)
	if rec.ErrorClass != "" {
		t.Metrics.RecordError(rec.ErrorClass, rec.ErrorCode)
	}
	if perr := t.Events.PublishOperation(rec); perr != nil {
		ic.Logger.WithError(perr).Warn("Failed to publish operation event")
	}
}

// RecordJournalEntry counts a journal write.
func (t *Telemetry) RecordJournalEntry(outcome string) {
	if t == nil {
		return
	}
	t.Metrics.RecordJournalEntry(outcome)
}

// StartBoot begins instrumentation of a boot run.
func (t *Telemetry) StartBoot(ctx context.Context, bootID string, operations int) *InstrumentedContext {
	if t == nil {
		return &InstrumentedContext{Ctx: ctx, Logger: NewNopLogger(), Timer: NewTimer()}
	}

	spanCtx, span := t.Tracer.StartBootSpan(ctx, bootID, operations)
	logger := t.Logger.WithBootID(bootID)
	if err := t.Events.PublishBootStarted(bootID, operations); err != nil {
		logger.WithError(err).Warn("Failed to publish boot event")
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// FinishBoot records the end of a boot run started with StartBoot.
func (t *Telemetry) FinishBoot(ic *InstrumentedContext, bootID string, err error) {
	if t == nil || ic == nil {
		return
	}
	ic.End(err)

	duration := ic.Timer.Duration()
	status := "success"
	if err != nil {
		status = "failed"
	}
	t.Metrics.RecordBoot(status, duration)

	var perr error
	if err != nil {
		perr = t.Events.PublishBootFailed(bootID, err.Error())
	} else {
		perr = t.Events.PublishBootCompleted(bootID, duration)
	}
	if perr != nil {
		ic.Logger.WithError(perr).Warn("Failed to publish boot event")
	}
}

// ObserveServices records per-state service counts from a stability report.
func (t *Telemetry) ObserveServices(report *services.StabilityReport) {
	if t == nil || report == nil {
		return
	}
	counts := make(map[string]int, len(report.States))
	for state, n := range report.States {
		counts[string(state)] = n
	}
	t.Metrics.SetServiceStates(counts)
}

// ServiceListener returns a listener that records service transitions as metrics
// and events. It never touches the container.
func (t *Telemetry) ServiceListener() services.Listener {
	return services.ListenerFunc(func(tr services.Transition) {
		if t == nil {
			return
		}
		t.Metrics.RecordServiceTransition(string(tr.To))
		if err := t.Events.PublishServiceTransition(string(tr.Name), string(tr.From), string(tr.To), tr.Sequence, tr.Err); err != nil {
			t.Logger.WithService(string(tr.Name)).WithError(err).Debug("Failed to publish service event")
		}
	})
}
