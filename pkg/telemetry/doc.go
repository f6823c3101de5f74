// Package telemetry provides observability instrumentation for the keel kernel.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing behind a single
// Telemetry value that the dispatcher, the boot sequencer and the service
// container report to.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	errs := tel.StartMetricsServer()
//
// A nil *Telemetry is valid everywhere the kernel accepts one and records nothing.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("boot")
//	logger.WithOperation("add", "/subsystem=threads").Info("Dispatching")
//	logger.WithService("keel.socket-binding.http").WithError(err).Error("Start failed")
//
// # Dispatch Instrumentation
//
// Every operation is wrapped by StartDispatch and FinishDispatch. Together they open
// a span named after the operation, count it in the in-flight gauge, record its
// outcome and error class, and publish an operation event:
//
//	ic := tel.StartDispatch(ctx, "add", "/subsystem=threads", "interactive")
//	// ... run the handler with ic.Ctx ...
//	tel.FinishDispatch(ic, telemetry.OperationRecord{Operation: "add", Outcome: "success"}, nil)
//
// Boot runs are covered by StartBoot and FinishBoot, and service transitions by the
// listener returned from ServiceListener.
//
// # Metrics
//
// Metrics are registered on a private Prometheus registry under the configured
// namespace (keel by default):
//
//   - operations_dispatched_total{operation,mode,outcome}
//   - operation_duration_seconds{operation}
//   - operations_in_flight
//   - boots_completed_total{status} and boot_duration_seconds
//   - service_transitions_total{to} and services{state}
//   - errors_by_class_total{class} and errors_by_code_total{code}
//   - journal_entries_total{outcome}
//
// # Events
//
// Events are delivered in publication order. With EnableAsync the publisher buffers
// them and delivers from a single goroutine; a full buffer drops the event and
// returns an error to the publisher.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelError))
package telemetry
