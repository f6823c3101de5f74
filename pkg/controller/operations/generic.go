package operations

import (
	"context"
	"fmt"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

// RuntimeFunc applies an operation to the service graph. It receives the operation
// with expressions resolved and the attributes as stored in the model.
type RuntimeFunc func(ctx *controller.Context, resolved model.Operation, attrs model.Value) error

// ResourceAdd is the add handler shared by resources whose attributes are exactly
// the operation parameters.
//
// The handler validates the parameters, applies description defaults, creates the
// resource, and, on a runtime-capable context, resolves expressions, re-validates
// against RuntimeParameters and calls Runtime. A Runtime error leaves the resource
// in the model and is reported with the compensating remove.
type ResourceAdd struct {
	// Description, if set, fills defaults and checks the stored attributes.
	Description *model.ResourceDescription

	// Parameters validates the raw parameters. Expressions are usually allowed here.
	Parameters *validation.ParametersValidator

	// RuntimeParameters validates the resolved parameters before Runtime runs.
	RuntimeParameters *validation.ParametersValidator

	// Runtime installs the services backing the resource.
	Runtime RuntimeFunc
}

// Kind implements controller.KindedHandler.
func (h *ResourceAdd) Kind() controller.HandlerKind { return controller.KindAdd }

// Execute implements controller.Handler.
func (h *ResourceAdd) Execute(ctx *controller.Context, op model.Operation, rh controller.ResultHandler) controller.Cancellable {
	comp, err := h.add(ctx, op)
	if err != nil {
		rh.Fail(err)
	} else {
		rh.Succeed(comp, model.Undefined)
	}
	return controller.Done
}

func (h *ResourceAdd) add(ctx *controller.Context, op model.Operation) (*model.Operation, error) {
	if h.Parameters != nil {
		if err := h.Parameters.Validate(op); err != nil {
			return nil, err
		}
	}

	attrs := op.Params()
	if h.Description != nil {
		attrs = h.Description.WithDefaults(attrs)
		if err := h.Description.Check(attrs); err != nil {
			return nil, err
		}
	}

	sub := ctx.Model()
	if err := sub.Create(attrs); err != nil {
		return nil, err
	}

	if h.Runtime != nil {
		if _, ok := ctx.Runtime(); ok {
			if err := h.runtime(ctx, op, attrs); err != nil {
				return nil, controller.WithCompensating(err, RemoveOperation(op.Address()))
			}
		}
	}

	comp := RemoveOperation(op.Address())
	return &comp, nil
}

func (h *ResourceAdd) runtime(ctx *controller.Context, op model.Operation, attrs model.Value) error {
	resolved, err := validation.ValidateResolved(op.WithParams(attrs), ctx.Resolver(), h.RuntimeParameters)
	if err != nil {
		return err
	}
	return h.Runtime(ctx, resolved, attrs)
}

// ResourceRemove is the matching remove handler.
//
// Removing a missing resource is a no-op under RemoveLenient and a not-found failure
// under RemoveStrict. On a runtime-capable context Runtime runs after the model
// change and receives the removed attributes. A Runtime error leaves the resource
// removed and is reported with the compensating add, which re-adds the removed
// attributes.
type ResourceRemove struct {
	// Runtime removes the services backing the resource.
	Runtime RuntimeFunc
}

// Kind implements controller.KindedHandler.
func (h *ResourceRemove) Kind() controller.HandlerKind { return controller.KindRemove }

// Execute implements controller.Handler.
func (h *ResourceRemove) Execute(ctx *controller.Context, op model.Operation, rh controller.ResultHandler) controller.Cancellable {
	comp, err := h.remove(ctx, op)
	if err != nil {
		rh.Fail(err)
	} else {
		rh.Succeed(comp, model.Undefined)
	}
	return controller.Done
}

func (h *ResourceRemove) remove(ctx *controller.Context, op model.Operation) (*model.Operation, error) {
	sub := ctx.Model()
	if !sub.Exists() {
		if ctx.RemovePolicy() == controller.RemoveLenient {
			return nil, nil
		}
		return nil, controller.NewNotFoundError(fmt.Sprintf("no resource found at %s", op.Address()), model.ErrNotFound)
	}

	prev, err := sub.Remove()
	if err != nil {
		return nil, err
	}

	if h.Runtime != nil {
		if _, ok := ctx.Runtime(); ok {
			resolved, rerr := op.WithParams(prev).Resolve(ctx.Resolver())
			if rerr != nil {
				resolved = op.WithParams(prev)
			}
			if err := h.Runtime(ctx, resolved, prev); err != nil {
				return nil, controller.WithCompensating(err, AddOperation(op.Address(), prev))
			}
		}
	}

	comp := AddOperation(op.Address(), prev)
	return &comp, nil
}

// AddOperation builds an add operation whose parameters are attrs.
func AddOperation(addr model.Address, attrs model.Value) model.Operation {
	op := model.NewOperation(model.OpAdd, addr)
	if attrs.Kind() == model.KindObject {
		op = op.WithParams(attrs)
	}
	return op
}

// RemoveOperation builds a remove operation.
func RemoveOperation(addr model.Address) model.Operation {
	return model.NewOperation(model.OpRemove, addr)
}

// RemoveService moves name to REMOVE and waits until the container unregisters it,
// so that a compensating add can install it again. Removing a service the container
// does not know succeeds.
//
// Once issued, a removal is not interrupted by cancellation: the wait is bounded by
// the service timeout only, and the dispatcher undoes a cancelled remove with its
// compensating add.
func RemoveService(ctx *controller.Context, name services.Name) error {
	c, ok := ctx.Services()
	if !ok {
		return nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Context()), ctx.ServiceTimeout())
	defer cancel()
	select {
	case <-c.Remove(name):
		return nil
	case <-wctx.Done():
		return fmt.Errorf("removal of %s did not complete: %w", name, wctx.Err())
	}
}
