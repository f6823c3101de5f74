package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/telemetry"
)

// Outcome statuses.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Dispatch modes, recorded on outcomes and journal entries.
const (
	ModeInteractive = "interactive"
	ModeBoot        = "boot"
	ModeRollback    = "rollback"
)

// Outcome is the reported result of one dispatched operation.
type Outcome struct {
	// ID identifies this dispatch in logs and the journal.
	ID string `json:"id"`

	// Operation is the dispatched operation.
	Operation model.Operation `json:"operation"`

	// Mode is interactive, boot or rollback.
	Mode string `json:"mode"`

	// Kind is the handler kind, empty if no handler was found.
	Kind HandlerKind `json:"kind,omitempty"`

	// Success is true when the operation applied and every service it installed started.
	Success bool `json:"success"`

	// Result is the handler's payload.
	Result model.Value `json:"result"`

	// Compensating undoes the operation. It is kept on runtime failures so the
	// caller can roll back a partially applied change.
	Compensating *model.Operation `json:"compensating,omitempty"`

	// Failure describes why the operation did not succeed.
	Failure *OperationError `json:"failure,omitempty"`

	// Cancelled is true when the caller cancelled the operation.
	Cancelled bool `json:"cancelled,omitempty"`

	// Fatal is true for boot failures.
	Fatal bool `json:"fatal,omitempty"`

	// Duration is the time spent dispatching.
	Duration time.Duration `json:"duration"`
}

// Status returns success, failed or cancelled.
func (o Outcome) Status() string {
	switch {
	case o.Cancelled:
		return OutcomeCancelled
	case o.Success:
		return OutcomeSuccess
	default:
		return OutcomeFailed
	}
}

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Authorizer decides whether an operation may run.
type Authorizer interface {
	Authorize(ctx context.Context, op model.Operation, readOnly bool) error
}

// JournalEntry is one dispatched mutating operation.
type JournalEntry struct {
	ID           string
	Operation    model.Operation
	Mode         string
	Outcome      string
	Compensating *model.Operation
	Failure      string
	Timestamp    time.Time
	Duration     time.Duration
}

// Journal records dispatched mutating operations and their compensating operations.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// Options configures a Dispatcher.
type Options struct {
	// Tree is the resource model. A new empty tree is used when nil.
	Tree *model.Tree

	// Registry maps operations to handlers. Required.
	Registry *Registry

	// Container is the service graph. Without it, no context is runtime-capable.
	Container *services.Container

	// Properties are the system properties used to resolve expressions.
	Properties *model.SystemProperties

	// Authorizer, if set, is consulted before every operation.
	Authorizer Authorizer

	// Journal, if set, records every mutating operation.
	Journal Journal

	// Telemetry, if set, receives spans, metrics and events.
	Telemetry *telemetry.Telemetry

	// Logger receives dispatch logs.
	Logger zerolog.Logger

	// HangTimeout bounds the wait for a handler to report.
	HangTimeout time.Duration

	// ServiceTimeout bounds the wait for installed services to settle.
	ServiceTimeout time.Duration
}

// Dispatcher routes operations to handlers and reports their outcomes.
type Dispatcher struct {
	tree           *model.Tree
	registry       *Registry
	container      *services.Container
	properties     *model.SystemProperties
	resolver       model.PropertyResolver
	authorizer     Authorizer
	journal        Journal
	tel            *telemetry.Telemetry
	logger         zerolog.Logger
	locks          *LockTable
	hangTimeout    time.Duration
	serviceTimeout time.Duration
}

type dispatchMode struct {
	name       string
	caps       Capabilities
	policy     RemovePolicy
	await      bool
	fatal      bool
	processors boot.ProcessorTarget
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Tree == nil {
		opts.Tree = model.NewTree()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Properties == nil {
		opts.Properties = model.NewSystemProperties(nil)
	}
	if opts.HangTimeout <= 0 {
		opts.HangTimeout = 30 * time.Second
	}
	if opts.ServiceTimeout <= 0 {
		opts.ServiceTimeout = 30 * time.Second
	}

	return &Dispatcher{
		tree:           opts.Tree,
		registry:       opts.Registry,
		container:      opts.Container,
		properties:     opts.Properties,
		resolver:       model.ChainResolver{opts.Properties, model.EnvResolver{}},
		authorizer:     opts.Authorizer,
		journal:        opts.Journal,
		tel:            opts.Telemetry,
		logger:         opts.Logger.With().Str("component", "dispatcher").Logger(),
		locks:          NewLockTable(),
		hangTimeout:    opts.HangTimeout,
		serviceTimeout: opts.ServiceTimeout,
	}
}

// Tree returns the resource model.
func (d *Dispatcher) Tree() *model.Tree { return d.tree }

// Registry returns the operation registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Container returns the service container, if any.
func (d *Dispatcher) Container() *services.Container { return d.container }

// Properties returns the system properties.
func (d *Dispatcher) Properties() *model.SystemProperties { return d.properties }

// Locks returns the address lock table.
func (d *Dispatcher) Locks() *LockTable { return d.locks }

func (d *Dispatcher) runtimeCaps() Capabilities {
	if d.container == nil {
		return CapModel
	}
	return CapModel | CapRuntime
}

// Dispatch runs an interactive operation. Removing a missing resource is a no-op,
// and runtime operations wait for the services they installed to settle.
//
// Cancelling ctx asks the handler to stop. The address lock is held until the
// handler reports; if it still succeeds, its compensating operation is applied
// before the lock is released and the outcome is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, op model.Operation) Outcome {
	return d.dispatch(ctx, op, dispatchMode{
		name:   ModeInteractive,
		caps:   d.runtimeCaps(),
		policy: RemoveLenient,
		await:  true,
	})
}

// DispatchBoot runs an operation as part of boot. Failures are fatal.
func (d *Dispatcher) DispatchBoot(ctx context.Context, op model.Operation, processors boot.ProcessorTarget) Outcome {
	return d.dispatch(ctx, op, dispatchMode{
		name:       ModeBoot,
		caps:       d.runtimeCaps() | CapBoot,
		policy:     RemoveLenient,
		fatal:      true,
		processors: processors,
	})
}

// RunBootOperation implements boot.OperationRunner.
func (d *Dispatcher) RunBootOperation(ctx context.Context, op model.Operation, processors boot.ProcessorTarget) error {
	out := d.DispatchBoot(ctx, op, processors)
	if out.Success {
		return nil
	}
	return out.Failure
}

// Rollback applies a compensating operation. Removing a missing resource fails.
func (d *Dispatcher) Rollback(ctx context.Context, compensating model.Operation) Outcome {
	return d.dispatch(ctx, compensating, dispatchMode{
		name:   ModeRollback,
		caps:   d.runtimeCaps(),
		policy: RemoveStrict,
		await:  true,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, op model.Operation, m dispatchMode) Outcome {
	start := time.Now()
	out := Outcome{ID: uuid.New().String(), Operation: op, Mode: m.name}

	ic := d.tel.StartDispatch(ctx, op.Name(), op.Address().String(), m.name)
	ctx = ic.Ctx

	logger := d.logger.With().
		Str("id", out.ID).
		Str("operation", op.Name()).
		Str("address", op.Address().String()).
		Str("mode", m.name).
		Logger()

	if err := op.Address().Validate(); err != nil {
		return d.finish(ctx, ic, out, m, start, logger, NewValidationError(err.Error(), err))
	}

	// Resolve the handler before anything else
	h, ok := d.registry.Resolve(op.Address(), op.Name())
	if !ok {
		return d.finish(ctx, ic, out, m, start, logger, NewUnknownOperationError(op))
	}
	out.Kind = KindOf(h)

	if err := d.authorize(ctx, op, out.Kind); err != nil {
		return d.finish(ctx, ic, out, m, start, logger, err)
	}

	release, err := d.locks.Acquire(ctx, op.Address(), !out.Kind.ReadOnly())
	if err == nil && ctx.Err() != nil {
		release()
		err = ctx.Err()
	}
	if err != nil {
		out.Cancelled = true
		return d.finish(ctx, ic, out, m, start, logger,
			NewCancelledError("operation cancelled while waiting for its address lock", err))
	}
	defer release()

	hctx := d.newContext(ctx, op.Address(), m, logger)
	// A handler that outlives the dispatch can no longer write once the lock is released
	defer hctx.close()
	res, cancelled := d.run(ctx, hctx, h, op, logger)

	if cancelled {
		out.Cancelled = true
		return d.finish(ctx, ic, out, m, start, logger, d.cancelled(ctx, hctx, op, res, &out, logger))
	}
	if !res.success {
		failure := Classify(res.err)
		if comp, ok := CompensatingOf(res.err); ok {
			out.Compensating = comp
			failure.WithDetail("compensating", comp.String())
		}
		return d.finish(ctx, ic, out, m, start, logger, failure)
	}

	out.Success = true
	out.Result = res.payload
	out.Compensating = res.compensating

	// Runtime operations are not complete until their services settle
	if m.await && hctx.target != nil {
		if failure := d.awaitServices(ctx, hctx.target.Installed()); failure != nil {
			out.Success = false
			return d.finish(ctx, ic, out, m, start, logger, failure)
		}
	}

	return d.finish(ctx, ic, out, m, start, logger, nil)
}

func (d *Dispatcher) authorize(ctx context.Context, op model.Operation, kind HandlerKind) *OperationError {
	if d.authorizer == nil {
		return nil
	}
	if err := d.authorizer.Authorize(ctx, op, kind.ReadOnly()); err != nil {
		return NewDeniedError(fmt.Sprintf("operation %q at %s denied: %v", op.Name(), op.Address(), err), err)
	}
	return nil
}

func (d *Dispatcher) newContext(ctx context.Context, addr model.Address, m dispatchMode, logger zerolog.Logger) *Context {
	hctx := &Context{
		ctx:          ctx,
		caps:         m.caps,
		model:        d.tree.Scope(addr),
		properties:   d.properties,
		resolver:     d.resolver,
		removePolicy: m.policy,
		logger:       logger,
		registry:     d.registry,
		steps:        d,

		serviceTimeout: d.serviceTimeout,
	}
	if m.caps.Has(CapRuntime) {
		hctx.target = services.NewTrackingTarget(d.container)
	}
	if m.caps.Has(CapBoot) {
		hctx.processors = m.processors
	}
	return hctx
}

// run executes the handler and waits for its report. The second result is true
// when ctx was cancelled before the report was collected.
func (d *Dispatcher) run(ctx context.Context, hctx *Context, h Handler, op model.Operation, logger zerolog.Logger) (result, bool) {
	rc := newResultChannel(op, logger)
	cancellable := d.execute(hctx, h, op, rc, logger)

	timer := time.NewTimer(d.hangTimeout)
	defer timer.Stop()

	hang := func() result {
		rc.Fail(NewInternalError(fmt.Sprintf("operation %q did not report an outcome", op.Name()), nil))
		return <-rc.done
	}

	// A handler that reports after ctx was cancelled is treated as cancelled
	select {
	case res := <-rc.done:
		return res, ctx.Err() != nil
	default:
	}

	select {
	case res := <-rc.done:
		return res, ctx.Err() != nil
	case <-timer.C:
		return hang(), false
	case <-ctx.Done():
	}

	logger.Debug().Msg("Cancelling operation")
	if cancellable != nil {
		cancellable.Cancel()
	}
	select {
	case res := <-rc.done:
		return res, true
	case <-timer.C:
		return hang(), true
	}
}

func (d *Dispatcher) execute(hctx *Context, h Handler, op model.Operation, rc *resultChannel, logger zerolog.Logger) (c Cancellable) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Operation handler panicked")
			rc.Fail(NewInternalError(fmt.Sprintf("handler for %q panicked: %v", op.Name(), r), nil))
			c = Done
		}
	}()
	return h.Execute(hctx, op, rc)
}

// cancelled builds the failure of a cancelled operation, rolling it back first if
// the handler still succeeded.
func (d *Dispatcher) cancelled(ctx context.Context, hctx *Context, op model.Operation, res result, out *Outcome, logger zerolog.Logger) *OperationError {
	if !res.success {
		comp, ok := CompensatingOf(res.err)
		if !ok {
			return NewCancelledError(fmt.Sprintf("operation %q cancelled", op.Name()), res.err)
		}
		// The handler failed after changing the model; undo what it left behind
		res.compensating = comp
	}
	if res.compensating == nil {
		return NewCancelledError(fmt.Sprintf("operation %q cancelled", op.Name()), ctx.Err())
	}

	rollback := *hctx
	rollback.ctx = context.WithoutCancel(ctx)
	logger.Info().Str("compensating", res.compensating.String()).Msg("Rolling back cancelled operation")

	if _, _, err := d.step(&rollback, *res.compensating, RemoveStrict); err != nil {
		out.Compensating = res.compensating
		return NewCancelledError(fmt.Sprintf("operation %q cancelled and rollback failed: %s", op.Name(), err.Message), err).
			WithDetail("compensating", res.compensating.String())
	}
	return NewCancelledError(fmt.Sprintf("operation %q cancelled and rolled back", op.Name()), ctx.Err())
}

// step implements stepRunner. Nested operations run under the caller's lock and
// are not cancellable on their own.
func (d *Dispatcher) step(parent *Context, op model.Operation, policy RemovePolicy) (*model.Operation, model.Value, *OperationError) {
	h, ok := d.registry.Resolve(op.Address(), op.Name())
	if !ok {
		return nil, model.Undefined, NewUnknownOperationError(op)
	}
	if err := d.authorize(parent.ctx, op, KindOf(h)); err != nil {
		return nil, model.Undefined, err
	}

	child := parent.derive(op.Address(), policy)
	child.ctx = context.WithoutCancel(parent.ctx)
	res, _ := d.run(child.ctx, child, h, op, child.logger)
	child.model.Close()
	if !res.success {
		failure := Classify(res.err)
		if failure.Operation == "" {
			failure.WithOperation(op.Name()).WithAddress(op.Address())
		}
		// A partial failure hands back its compensation so the caller can undo it
		comp, _ := CompensatingOf(res.err)
		return comp, model.Undefined, failure
	}
	return res.compensating, res.payload, nil
}

func (d *Dispatcher) awaitServices(ctx context.Context, names []services.Name) *OperationError {
	if len(names) == 0 {
		return nil
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.serviceTimeout)
	defer cancel()

	failures, err := d.container.AwaitServices(actx, names)
	if err != nil {
		return NewRuntimeError("timed out waiting for installed services to settle", err)
	}
	if len(failures) == 0 {
		return nil
	}

	failed := make([]string, 0, len(failures))
	for name := range failures {
		failed = append(failed, string(name))
	}
	sort.Strings(failed)
	first := failures[services.Name(failed[0])]

	return NewRuntimeError(fmt.Sprintf("services failed to start: %s: %v", strings.Join(failed, ", "), first), first).
		WithDetail("services", failed)
}

func (d *Dispatcher) finish(ctx context.Context, ic *telemetry.InstrumentedContext, out Outcome, m dispatchMode,
	start time.Time, logger zerolog.Logger, failure *OperationError) Outcome {
	op := out.Operation
	if failure != nil {
		if failure.Operation == "" {
			failure.WithOperation(op.Name())
		}
		if failure.Address == "" {
			failure.WithAddress(op.Address())
		}
		out.Success = false
		out.Failure = failure
		out.Fatal = m.fatal
	}
	out.Duration = time.Since(start)
	status := out.Status()

	switch {
	case failure == nil:
		logger.Debug().Dur("duration", out.Duration).Msg("Operation succeeded")
	case m.fatal:
		logger.Error().Err(failure).Msg("Boot operation failed")
	default:
		logger.Warn().Err(failure).Str("outcome", status).Msg("Operation did not succeed")
	}

	if d.journal != nil && out.Kind != "" && !out.Kind.ReadOnly() {
		entry := JournalEntry{
			ID:           out.ID,
			Operation:    op,
			Mode:         m.name,
			Outcome:      status,
			Compensating: out.Compensating,
			Timestamp:    start,
			Duration:     out.Duration,
		}
		if failure != nil {
			entry.Failure = failure.Error()
		}
		if err := d.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
			logger.Error().Err(err).Msg("Failed to record journal entry")
		} else {
			d.tel.RecordJournalEntry(status)
		}
	}

	rec := telemetry.OperationRecord{
		ID:        out.ID,
		Operation: op.Name(),
		Address:   op.Address().String(),
		Mode:      m.name,
		Outcome:   status,
		Duration:  out.Duration,
	}
	var err error
	if failure != nil {
		rec.ErrorClass = string(failure.Class)
		rec.ErrorCode = failure.Code
		err = failure
	}
	d.tel.FinishDispatch(ic, rec, err)

	return out
}
