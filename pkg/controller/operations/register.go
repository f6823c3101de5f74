// Package operations holds the handlers shared by every resource: the generic add
// and remove handlers, the global read and write operations, namespaces, schema
// locations, system properties and composite.
package operations

import (
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
)

func describe(name, description string, reply model.Kind, params ...model.AttributeDescription) controller.DescriptionProvider {
	return controller.StaticDescription(model.OperationDescription{
		Name:        name,
		Description: description,
		Parameters:  params,
		ReplyType:   reply,
	})
}

func param(name string, kind model.Kind, nullable bool, description string) model.AttributeDescription {
	return model.AttributeDescription{Name: name, Type: kind, Nullable: nullable, Description: description}
}

// AddDescription describes an add operation whose parameters are the attributes
// of desc.
func AddDescription(desc *model.ResourceDescription) controller.DescriptionProvider {
	return controller.StaticDescription(model.OperationDescription{
		Name:        model.OpAdd,
		Description: "Adds a resource: " + desc.Description,
		Parameters:  desc.Attributes,
	})
}

// RemoveDescription describes a remove operation.
func RemoveDescription(desc *model.ResourceDescription) controller.DescriptionProvider {
	return describe(model.OpRemove, "Removes a resource: "+desc.Description, "")
}

// RegisterResource binds add, remove and desc at reg's pattern.
func RegisterResource(reg *controller.SubsystemRegistration, desc *model.ResourceDescription, add, remove controller.Handler) error {
	if err := reg.RegisterOperation(model.OpAdd, add, AddDescription(desc)); err != nil {
		return err
	}
	if err := reg.RegisterOperation(model.OpRemove, remove, RemoveDescription(desc)); err != nil {
		return err
	}
	return reg.RegisterResource(desc)
}

type globalOperation struct {
	name     string
	handler  controller.Handler
	describe controller.DescriptionProvider
}

var globalOperations = []globalOperation{
	{model.OpReadResource, ReadResource, describe(model.OpReadResource,
		"Reads the attributes of a resource", model.KindObject,
		param(model.ParamRecursive, model.KindBool, true, "Whether to include children"))},
	{model.OpReadAttribute, ReadAttribute, describe(model.OpReadAttribute,
		"Reads one attribute", "",
		param(model.ParamName, model.KindString, false, "The attribute name"))},
	{model.OpWriteAttribute, WriteAttribute, describe(model.OpWriteAttribute,
		"Sets one attribute", "",
		param(model.ParamName, model.KindString, false, "The attribute name"),
		param(model.ParamValue, "", true, "The new value"))},
	{model.OpUndefineAttribute, UndefineAttribute, describe(model.OpUndefineAttribute,
		"Removes one attribute", "",
		param(model.ParamName, model.KindString, false, "The attribute name"))},
	{model.OpReadChildrenNames, ReadChildrenNames, describe(model.OpReadChildrenNames,
		"Lists the children of one type", model.KindList,
		param(model.ParamChildType, model.KindString, false, "The child type"))},
	{model.OpReadOperationNames, ReadOperationNames, describe(model.OpReadOperationNames,
		"Lists the operations available on a resource", model.KindList)},
	{model.OpReadResourceDescription, ReadResourceDescription, describe(model.OpReadResourceDescription,
		"Describes a resource", model.KindObject,
		param(ParamOperations, model.KindBool, true, "Whether to include operation descriptions"))},
	{model.OpComposite, Composite, describe(model.OpComposite,
		"Runs several operations as one, rolling back on failure", model.KindList,
		param(model.ParamSteps, model.KindList, false, "The operations to run"))},
}

var rootOperations = []globalOperation{
	{model.OpAddNamespace, AddNamespace, describe(model.OpAddNamespace,
		"Declares a namespace prefix", "",
		param(model.ParamNamespace, model.KindObject, false, "A single prefix to URI mapping"))},
	{model.OpRemoveNamespace, RemoveNamespace, describe(model.OpRemoveNamespace,
		"Removes a namespace prefix", "",
		param(model.ParamNamespace, model.KindString, false, "The prefix"))},
	{model.OpAddSchemaLocation, AddSchemaLocation, describe(model.OpAddSchemaLocation,
		"Declares a schema location", "",
		param(model.ParamSchemaLocation, model.KindObject, false, "A single URI to location mapping"))},
	{model.OpRemoveSchemaLocation, RemoveSchemaLocation, describe(model.OpRemoveSchemaLocation,
		"Removes a schema location", "",
		param(model.ParamSchemaLocation, model.KindString, false, "The URI"))},
}

// Extension registers the global operations.
type Extension struct{}

// Name implements controller.Extension.
func (Extension) Name() string { return "global" }

// Initialize implements controller.Extension.
func (Extension) Initialize(ctx *controller.ExtensionContext) error {
	return Register(ctx.Registry())
}

// Register binds the global operations to reg. Read and write operations apply to
// every resource; namespace and schema location operations apply to the root.
func Register(reg *controller.Registry) error {
	for _, g := range globalOperations {
		if err := reg.Register(model.Root, g.name, g.handler, g.describe, true); err != nil {
			return err
		}
	}
	for _, g := range rootOperations {
		if err := reg.Register(model.Root, g.name, g.handler, g.describe, false); err != nil {
			return err
		}
	}

	props := model.Addr(SystemPropertyKey, model.Wildcard)
	if err := reg.Register(props, model.OpAdd, SystemPropertyAdd, describe(model.OpAdd,
		"Adds a system property", "", param(model.ParamValue, model.KindString, false, "The value")), false); err != nil {
		return err
	}
	if err := reg.Register(props, model.OpRemove, SystemPropertyRemove, describe(model.OpRemove,
		"Removes a system property", ""), false); err != nil {
		return err
	}
	return reg.RegisterResource(props, SystemPropertyDescription)
}
