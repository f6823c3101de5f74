package operations

import (
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/validation"
)

// SystemPropertyKey is the address key of system-property resources.
const SystemPropertyKey = "system-property"

// SystemPropertyDescription describes /system-property=*.
var SystemPropertyDescription = &model.ResourceDescription{
	Description: "A system property made available to expressions",
	Attributes: []model.AttributeDescription{
		{Name: model.ParamValue, Description: "The property value", Type: model.KindString, ExpressionsAllowed: true},
	},
}

var systemPropertyParams = validation.NewParametersValidator().
	Register(model.ParamValue, validation.NewModelTypeValidator(false, true, model.KindString))

// SystemPropertyAdd creates /system-property=<name> and sets the property. The value
// may be an expression over properties defined earlier.
var SystemPropertyAdd controller.Handler = propertyHandler{
	Handler: &ResourceAdd{
		Description: SystemPropertyDescription,
		Parameters:  systemPropertyParams,
	},
}

// SystemPropertyRemove removes /system-property=<name> and unsets the property.
var SystemPropertyRemove controller.Handler = propertyHandler{
	Handler: &ResourceRemove{},
	remove:  true,
}

// propertyHandler applies the model change and then updates the property set. It
// runs on every context, since properties are read by later boot operations.
type propertyHandler struct {
	controller.Handler
	remove bool
}

func (h propertyHandler) Kind() controller.HandlerKind { return controller.KindOf(h.Handler) }

func (h propertyHandler) Execute(ctx *controller.Context, op model.Operation, rh controller.ResultHandler) controller.Cancellable {
	r := &propertyResult{ResultHandler: rh, ctx: ctx, op: op, remove: h.remove}
	if !h.remove {
		// Resolve before touching the model so an unresolvable value changes nothing
		if err := systemPropertyParams.Validate(op); err != nil {
			rh.Fail(err)
			return controller.Done
		}
		resolved, err := op.Param(model.ParamValue).Resolve(ctx.Resolver())
		if err != nil {
			rh.Fail(&validation.Error{Parameter: model.ParamValue, Message: err.Error()})
			return controller.Done
		}
		r.value = resolved.StringOr("")
	}
	return h.Handler.Execute(ctx, op, r)
}

type propertyResult struct {
	controller.ResultHandler
	ctx    *controller.Context
	op     model.Operation
	remove bool
	value  string
}

func (r *propertyResult) Succeed(comp *model.Operation, payload model.Value) {
	name := r.op.Address().Name()
	props := r.ctx.SystemProperties()
	if r.remove {
		// A lenient remove of a missing resource leaves properties from elsewhere alone
		if comp != nil {
			props.Unset(name)
		}
	} else {
		props.Set(name, r.value)
	}
	r.ResultHandler.Succeed(comp, payload)
}
