package controller

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/model"
)

// HandlerKind tells the dispatcher how a handler touches the model.
type HandlerKind string

const (
	// KindQuery handlers only read. They take a shared lock.
	KindQuery HandlerKind = "query"

	// KindAdd handlers create resources.
	KindAdd HandlerKind = "add"

	// KindRemove handlers delete resources.
	KindRemove HandlerKind = "remove"

	// KindUpdate handlers change existing resources. This is the default kind.
	KindUpdate HandlerKind = "update"
)

// ReadOnly reports whether the kind only reads the model.
func (k HandlerKind) ReadOnly() bool { return k == KindQuery }

// Cancellable is returned by a handler so the caller can ask it to stop.
type Cancellable interface {
	Cancel()
}

// CancelFunc adapts a function to Cancellable.
type CancelFunc func()

// Cancel implements Cancellable.
func (f CancelFunc) Cancel() {
	if f != nil {
		f()
	}
}

// Done is the Cancellable of a handler that reports before Execute returns.
var Done Cancellable = CancelFunc(nil)

// ResultHandler receives a handler's outcome. Only the first report counts.
type ResultHandler interface {
	// Succeed reports success with the operation undoing it (nil for queries and no-ops)
	// and an optional result payload.
	Succeed(compensating *model.Operation, payload model.Value)

	// Fail reports failure.
	Fail(err error)
}

// Handler executes one operation. It must eventually report through rh exactly once.
type Handler interface {
	Execute(ctx *Context, op model.Operation, rh ResultHandler) Cancellable
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, op model.Operation, rh ResultHandler) Cancellable

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx *Context, op model.Operation, rh ResultHandler) Cancellable {
	return f(ctx, op, rh)
}

// KindedHandler is implemented by handlers that declare their kind.
type KindedHandler interface {
	Handler
	Kind() HandlerKind
}

// KindOf returns the declared kind of h, or KindUpdate.
func KindOf(h Handler) HandlerKind {
	if k, ok := h.(KindedHandler); ok {
		return k.Kind()
	}
	return KindUpdate
}

// StepFunc is a handler body that completes before returning.
type StepFunc func(ctx *Context, op model.Operation) (compensating *model.Operation, result model.Value, err error)

type syncHandler struct {
	kind HandlerKind
	fn   StepFunc
}

// Sync wraps a synchronous step as a Handler of the given kind.
func Sync(kind HandlerKind, fn StepFunc) Handler {
	return &syncHandler{kind: kind, fn: fn}
}

func (h *syncHandler) Kind() HandlerKind { return h.kind }

func (h *syncHandler) Execute(ctx *Context, op model.Operation, rh ResultHandler) Cancellable {
	comp, result, err := h.fn(ctx, op)
	if err != nil {
		rh.Fail(err)
	} else {
		rh.Succeed(comp, result)
	}
	return Done
}

type result struct {
	success      bool
	compensating *model.Operation
	payload      model.Value
	err          error
}

// resultChannel is the one-shot ResultHandler given to each handler invocation.
type resultChannel struct {
	once   sync.Once
	done   chan result
	op     model.Operation
	logger zerolog.Logger
}

func newResultChannel(op model.Operation, logger zerolog.Logger) *resultChannel {
	return &resultChannel{done: make(chan result, 1), op: op, logger: logger}
}

func (r *resultChannel) report(res result) {
	reported := false
	r.once.Do(func() {
		reported = true
		r.done <- res
	})
	if !reported {
		r.logger.Warn().Str("operation", r.op.Name()).Str("address", r.op.Address().String()).
			Bool("success", res.success).Msg("Ignoring second outcome report")
	}
}

// Succeed implements ResultHandler.
func (r *resultChannel) Succeed(compensating *model.Operation, payload model.Value) {
	r.report(result{success: true, compensating: compensating, payload: payload})
}

// Fail implements ResultHandler.
func (r *resultChannel) Fail(err error) {
	if err == nil {
		err = NewInternalError("handler reported failure without an error", nil)
	}
	r.report(result{err: err})
}
