package operations

import (
	"fmt"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/validation"
)

// ParamOperations asks read-resource-description to include operation descriptions.
const ParamOperations = "operations"

var (
	nameValidator = validation.NewParametersValidator().
			Register(model.ParamName, validation.NewModelTypeValidator(false, false, model.KindString))

	childTypeValidator = validation.NewParametersValidator().
				Register(model.ParamChildType, validation.NewModelTypeValidator(false, false, model.KindString))

	recursiveValidator = validation.NewParametersValidator().
				Register(model.ParamRecursive, validation.NewModelTypeValidator(true, false, model.KindBool))
)

// ReadResource returns the attributes of a resource, and with recursive=true its
// whole subtree.
var ReadResource = controller.Sync(controller.KindQuery, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	if err := recursiveValidator.Validate(op); err != nil {
		return nil, model.Undefined, err
	}
	tree := ctx.Model().Tree()
	if op.Param(model.ParamRecursive).BoolOr(false) {
		v, err := tree.ReadRecursive(op.Address())
		return nil, v, err
	}
	v, ok := tree.Read(op.Address())
	if !ok {
		return nil, model.Undefined, notFound(op.Address())
	}
	return nil, v, nil
})

// ReadAttribute returns one attribute. An undefined attribute reads as its
// described default, if any.
var ReadAttribute = controller.Sync(controller.KindQuery, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	if err := nameValidator.Validate(op); err != nil {
		return nil, model.Undefined, err
	}
	name := op.Param(model.ParamName).StringOr("")

	attrs, ok := ctx.Model().Read()
	if !ok {
		return nil, model.Undefined, notFound(op.Address())
	}
	v := attrs.Get(name)
	if !v.IsDefined() {
		if desc, ok := ctx.Registry().ResourceDescription(op.Address()); ok {
			if a, ok := desc.Attribute(name); ok {
				v = a.Default
			}
		}
	}
	return nil, v, nil
})

// WriteAttribute sets one attribute. The compensating operation writes the previous
// value back, or undefines the attribute when there was none.
var WriteAttribute = controller.Sync(controller.KindUpdate, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	if err := nameValidator.Validate(op); err != nil {
		return nil, model.Undefined, err
	}
	name := op.Param(model.ParamName).StringOr("")
	value := op.Param(model.ParamValue)
	if !value.IsDefined() {
		return undefine(ctx, op.Address(), name)
	}

	sub := ctx.Model()
	attrs, ok := sub.Read()
	if !ok {
		return nil, model.Undefined, notFound(op.Address())
	}
	if err := checkAttributes(ctx, op.Address(), name, attrs.With(name, value)); err != nil {
		return nil, model.Undefined, err
	}

	prev, err := sub.WriteAttribute(name, value)
	if err != nil {
		return nil, model.Undefined, err
	}
	comp := restoreAttribute(op.Address(), name, prev)
	return &comp, model.Undefined, nil
})

// UndefineAttribute removes one attribute. It fails for attributes described as
// not nullable.
var UndefineAttribute = controller.Sync(controller.KindUpdate, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	if err := nameValidator.Validate(op); err != nil {
		return nil, model.Undefined, err
	}
	return undefine(ctx, op.Address(), op.Param(model.ParamName).StringOr(""))
})

func undefine(ctx *controller.Context, addr model.Address, name string) (*model.Operation, model.Value, error) {
	sub := ctx.Model()
	attrs, ok := sub.Read()
	if !ok {
		return nil, model.Undefined, notFound(addr)
	}
	if err := checkAttributes(ctx, addr, name, attrs.Without(name)); err != nil {
		return nil, model.Undefined, err
	}

	prev, err := sub.UndefineAttribute(name)
	if err != nil {
		return nil, model.Undefined, err
	}
	if !prev.IsDefined() {
		return nil, model.Undefined, nil
	}
	comp := restoreAttribute(addr, name, prev)
	return &comp, model.Undefined, nil
}

// checkAttributes validates the attribute bag that a write would produce, when the
// resource has a description that knows the attribute.
func checkAttributes(ctx *controller.Context, addr model.Address, name string, attrs model.Value) error {
	desc, ok := ctx.Registry().ResourceDescription(addr)
	if !ok {
		return nil
	}
	if _, ok := desc.Attribute(name); !ok {
		return &validation.Error{Parameter: name, Message: fmt.Sprintf("unknown attribute %s", name)}
	}
	return desc.Check(attrs)
}

func restoreAttribute(addr model.Address, name string, prev model.Value) model.Operation {
	if !prev.IsDefined() {
		return model.NewOperation(model.OpUndefineAttribute, addr).WithParam(model.ParamName, model.String(name))
	}
	return model.NewOperation(model.OpWriteAttribute, addr).
		WithParam(model.ParamName, model.String(name)).
		WithParam(model.ParamValue, prev)
}

// ReadChildrenNames lists the children of one type.
var ReadChildrenNames = controller.Sync(controller.KindQuery, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	if err := childTypeValidator.Validate(op); err != nil {
		return nil, model.Undefined, err
	}
	names, err := ctx.Model().Children(op.Param(model.ParamChildType).StringOr(""))
	if err != nil {
		return nil, model.Undefined, err
	}
	out := model.EmptyList()
	for _, n := range names {
		out = out.Append(model.String(n))
	}
	return nil, out, nil
})

// ReadOperationNames lists the operations registered for the address.
var ReadOperationNames = controller.Sync(controller.KindQuery, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	out := model.EmptyList()
	for _, n := range ctx.Registry().OperationNames(op.Address()) {
		out = out.Append(model.String(n))
	}
	return nil, out, nil
})

// ReadResourceDescription returns the registered resource description, and with
// operations=true the descriptions of every available operation.
var ReadResourceDescription = controller.Sync(controller.KindQuery, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	reg := ctx.Registry()
	desc, ok := reg.ResourceDescription(op.Address())
	if !ok {
		return nil, model.Undefined, controller.NewNotFoundError(
			fmt.Sprintf("no resource description registered for %s", op.Address()), model.ErrNotFound)
	}
	out := desc.Value()
	if op.Param(ParamOperations).BoolOr(false) {
		ops := model.EmptyObject()
		for _, name := range reg.OperationNames(op.Address()) {
			if d, ok := reg.Describe(op.Address(), name); ok {
				ops = ops.With(name, d.Value())
			}
		}
		out = out.With(ParamOperations, ops)
	}
	return nil, out, nil
})

// Composite runs its steps in order under the lock of its own address. When a step
// fails, the compensations collected so far, including one reported by the failed
// step itself, are applied in reverse order and the composite fails. Its compensating operation is a composite of the reversed
// compensations.
var Composite = controller.Sync(controller.KindUpdate, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	steps := op.Param(model.ParamSteps)
	if steps.Kind() != model.KindList {
		return nil, model.Undefined, &validation.Error{
			Parameter: model.ParamSteps,
			Message:   fmt.Sprintf("Wrong type for %s. Expected %s but was %s", model.ParamSteps, model.KindList, steps.Kind()),
		}
	}

	var comps []model.Operation
	results := model.EmptyList()
	for i, raw := range steps.Items() {
		step, err := model.OperationFromValue(raw)
		if err != nil {
			rollbackSteps(ctx, comps)
			return nil, model.Undefined, &validation.Error{Parameter: model.ParamSteps, Message: fmt.Sprintf("step %d: %v", i+1, err)}
		}
		if !step.Address().HasPrefix(op.Address()) {
			rollbackSteps(ctx, comps)
			return nil, model.Undefined, &validation.Error{
				Parameter: model.ParamSteps,
				Message:   fmt.Sprintf("step %d targets %s, outside of %s", i+1, step.Address(), op.Address()),
			}
		}

		comp, res, err := ctx.Step(step)
		if err != nil {
			if comp != nil {
				// The step failed after changing the model
				comps = append(comps, *comp)
			}
			rollbackSteps(ctx, comps)
			failure := controller.Classify(err)
			return nil, model.Undefined, &controller.OperationError{
				Class:     failure.Class,
				Code:      failure.Code,
				Message:   fmt.Sprintf("step %d (%s) failed: %s", i+1, step, failure.Message),
				Operation: step.Name(),
				Address:   step.Address().String(),
				Err:       failure,
			}
		}
		if comp != nil {
			comps = append(comps, *comp)
		}
		results = results.Append(res)
	}

	if len(comps) == 0 {
		return nil, results, nil
	}
	reversed := model.EmptyList()
	for i := len(comps) - 1; i >= 0; i-- {
		reversed = reversed.Append(comps[i].Value())
	}
	comp := model.NewOperation(model.OpComposite, op.Address()).WithParam(model.ParamSteps, reversed)
	return &comp, results, nil
})

func rollbackSteps(ctx *controller.Context, comps []model.Operation) {
	for i := len(comps) - 1; i >= 0; i-- {
		if err := ctx.Compensate(comps[i]); err != nil {
			ctx.Logger().Error().Err(err).Str("compensating", comps[i].String()).Msg("Failed to roll back composite step")
		}
	}
}

func notFound(addr model.Address) error {
	return controller.NewNotFoundError(fmt.Sprintf("no resource found at %s", addr), model.ErrNotFound)
}
