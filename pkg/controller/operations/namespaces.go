package operations

import (
	"fmt"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/validation"
)

// mappingOps implements add and remove for an object attribute of prefix -> URI
// style entries, such as namespaces and schema locations.
type mappingOps struct {
	attribute string
	param     string
	addOp     string
	removeOp  string
	entry     string
}

var (
	namespaceOps = mappingOps{
		attribute: model.AttrNamespaces,
		param:     model.ParamNamespace,
		addOp:     model.OpAddNamespace,
		removeOp:  model.OpRemoveNamespace,
		entry:     "namespace",
	}
	schemaLocationOps = mappingOps{
		attribute: model.AttrSchemaLocations,
		param:     model.ParamSchemaLocation,
		addOp:     model.OpAddSchemaLocation,
		removeOp:  model.OpRemoveSchemaLocation,
		entry:     "schema location",
	}
)

// AddNamespace declares one namespace, given as {"prefix": "uri"}.
var AddNamespace = controller.Sync(controller.KindUpdate, namespaceOps.add)

// RemoveNamespace removes the namespace declared for a prefix.
var RemoveNamespace = controller.Sync(controller.KindUpdate, namespaceOps.remove)

// AddSchemaLocation declares one schema location, given as {"uri": "location"}.
var AddSchemaLocation = controller.Sync(controller.KindUpdate, schemaLocationOps.add)

// RemoveSchemaLocation removes the schema location declared for a URI.
var RemoveSchemaLocation = controller.Sync(controller.KindUpdate, schemaLocationOps.remove)

func (m mappingOps) add(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	param := op.Param(m.param)
	if err := validation.NewModelTypeValidator(false, false, model.KindObject).Validate(m.param, param); err != nil {
		return nil, model.Undefined, err
	}
	if param.Len() != 1 {
		return nil, model.Undefined, &validation.Error{
			Parameter: m.param,
			Message:   fmt.Sprintf("%s must hold exactly one entry, got %d", m.param, param.Len()),
		}
	}
	key := param.Keys()[0]
	value := param.Get(key)
	if value.Kind() != model.KindString {
		return nil, model.Undefined, &validation.Error{
			Parameter: m.param,
			Message:   fmt.Sprintf("Wrong type for %s. Expected %s but was %s", key, model.KindString, value.Kind()),
		}
	}

	sub := ctx.Model()
	current := sub.Attribute(m.attribute)
	if current.Has(key) {
		return nil, model.Undefined, controller.NewDuplicateError(
			fmt.Sprintf("%s %s is already declared as %s", m.entry, key, current.Get(key).StringOr("")), model.ErrDuplicate)
	}
	if _, err := sub.WriteAttribute(m.attribute, current.With(key, value)); err != nil {
		return nil, model.Undefined, err
	}

	comp := model.NewOperation(m.removeOp, op.Address()).WithParam(m.param, model.String(key))
	return &comp, model.Undefined, nil
}

func (m mappingOps) remove(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	param := op.Param(m.param)
	if err := validation.NewModelTypeValidator(false, false, model.KindString).Validate(m.param, param); err != nil {
		return nil, model.Undefined, err
	}
	key := param.StringOr("")

	sub := ctx.Model()
	current := sub.Attribute(m.attribute)
	if !current.Has(key) {
		return nil, model.Undefined, controller.NewNotFoundError(
			fmt.Sprintf("no %s with URI %s found", m.entry, key), model.ErrNotFound)
	}
	removed := current.Get(key)

	// An emptied mapping is undefined again, as it was before the first add
	var err error
	if rest := current.Without(key); rest.Len() == 0 {
		_, err = sub.UndefineAttribute(m.attribute)
	} else {
		_, err = sub.WriteAttribute(m.attribute, rest)
	}
	if err != nil {
		return nil, model.Undefined, err
	}

	comp := model.NewOperation(m.addOp, op.Address()).
		WithParam(m.param, model.EmptyObject().With(key, removed))
	return &comp, model.Undefined, nil
}
