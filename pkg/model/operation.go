package model

import (
	"fmt"
)

// Envelope keys.
const (
	OpKey      = "operation"
	AddressKey = "address"
)

// Well-known operation names.
const (
	OpAdd                     = "add"
	OpRemove                  = "remove"
	OpDescribe                = "describe"
	OpComposite               = "composite"
	OpReadResource            = "read-resource"
	OpReadAttribute           = "read-attribute"
	OpWriteAttribute          = "write-attribute"
	OpUndefineAttribute       = "undefine-attribute"
	OpReadChildrenNames       = "read-children-names"
	OpReadOperationNames      = "read-operation-names"
	OpReadResourceDescription = "read-resource-description"
	OpAddNamespace            = "add-namespace"
	OpRemoveNamespace         = "remove-namespace"
	OpAddSchemaLocation       = "add-schema-location"
	OpRemoveSchemaLocation    = "remove-schema-location"
)

// Well-known parameter and attribute names.
const (
	ParamName           = "name"
	ParamValue          = "value"
	ParamSteps          = "steps"
	ParamRecursive      = "recursive"
	ParamChildType      = "child-type"
	ParamNamespace      = "namespace"
	ParamSchemaLocation = "schema-location"

	AttrNamespaces      = "namespaces"
	AttrSchemaLocations = "schema-locations"
)

// Operation is an immutable request: a name, a target address and parameters.
type Operation struct {
	name    string
	address Address
	params  Value
}

// NewOperation creates an operation with no parameters.
func NewOperation(name string, addr Address) Operation {
	return Operation{name: name, address: addr, params: EmptyObject()}
}

// Name returns the operation name.
func (o Operation) Name() string { return o.name }

// Address returns the target address.
func (o Operation) Address() Address { return o.address }

// Param returns the named parameter, or Undefined.
func (o Operation) Param(name string) Value { return o.params.Get(name) }

// HasParam reports whether the named parameter is present.
func (o Operation) HasParam(name string) bool { return o.params.Has(name) }

// Params returns all parameters as an object.
func (o Operation) Params() Value {
	if o.params.Kind() != KindObject {
		return EmptyObject()
	}
	return o.params
}

// WithParam returns a copy carrying the named parameter.
func (o Operation) WithParam(name string, v Value) Operation {
	o.params = o.Params().With(name, v)
	return o
}

// WithParams returns a copy with every key of params set.
func (o Operation) WithParams(params Value) Operation {
	for _, k := range params.Keys() {
		o = o.WithParam(k, params.Get(k))
	}
	return o
}

// WithoutParam returns a copy lacking the named parameter.
func (o Operation) WithoutParam(name string) Operation {
	o.params = o.Params().Without(name)
	return o
}

// Equal reports whether two operations carry the same name, address and parameters.
func (o Operation) Equal(other Operation) bool {
	return o.name == other.name && o.address.Equal(other.address) && o.Params().Equal(other.Params())
}

// Resolve returns a copy whose parameter expressions are resolved against r.
func (o Operation) Resolve(r PropertyResolver) (Operation, error) {
	params, err := o.Params().Resolve(r)
	if err != nil {
		return o, err
	}
	o.params = params
	return o, nil
}

func (o Operation) String() string {
	return fmt.Sprintf("%s@%s", o.name, o.address)
}

// Value returns the envelope form of the operation.
func (o Operation) Value() Value {
	out := EmptyObject().With(OpKey, String(o.name)).With(AddressKey, o.address.Value())
	for _, k := range o.Params().Keys() {
		out = out.With(k, o.params.Get(k))
	}
	return out
}

// OperationFromValue decodes an envelope value.
func OperationFromValue(v Value) (Operation, error) {
	if v.Kind() != KindObject {
		return Operation{}, fmt.Errorf("operation envelope must be an object, got %s", v.Kind())
	}
	name, err := v.Get(OpKey).AsString()
	if err != nil || name == "" {
		return Operation{}, fmt.Errorf("operation envelope has no %q", OpKey)
	}
	addr, err := AddressFromValue(v.Get(AddressKey))
	if err != nil {
		return Operation{}, fmt.Errorf("invalid operation address: %w", err)
	}
	op := NewOperation(name, addr)
	for _, k := range v.Keys() {
		if k == OpKey || k == AddressKey {
			continue
		}
		op = op.WithParam(k, v.Get(k))
	}
	return op, nil
}

// MarshalJSON encodes the operation envelope.
func (o Operation) MarshalJSON() ([]byte, error) {
	return o.Value().MarshalJSON()
}

// UnmarshalJSON decodes an operation envelope.
func (o *Operation) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	op, err := OperationFromValue(v)
	if err != nil {
		return err
	}
	*o = op
	return nil
}
