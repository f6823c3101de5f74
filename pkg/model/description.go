package model

import (
	"fmt"
	"sort"
)

// AttributeError reports an attribute that does not fit its resource description.
type AttributeError struct {
	Attribute string
	Message   string
}

func (e *AttributeError) Error() string { return e.Message }

// AttributeDescription is the schema of one attribute or operation parameter.
type AttributeDescription struct {
	// Name is the attribute or parameter name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// Type is the expected value kind.
	Type Kind `json:"type"`

	// Nullable allows the attribute to be undefined.
	Nullable bool `json:"nillable"`

	// ExpressionsAllowed accepts an unresolved expression in place of a value.
	ExpressionsAllowed bool `json:"expressions-allowed"`

	// Min and Max bound integers by value and strings by length. Zero values mean unbounded.
	Min *int64 `json:"min,omitempty"`
	Max *int64 `json:"max,omitempty"`

	// Default is applied by add handlers when the attribute is undefined.
	Default Value `json:"default,omitempty"`
}

// Value renders the description in model form.
func (a AttributeDescription) Value() Value {
	out := EmptyObject().
		With("type", String(string(a.Type))).
		With("description", String(a.Description)).
		With("nillable", Bool(a.Nullable)).
		With("expressions-allowed", Bool(a.ExpressionsAllowed))
	if a.Min != nil {
		out = out.With("min", Int(*a.Min))
	}
	if a.Max != nil {
		out = out.With("max", Int(*a.Max))
	}
	if a.Default.IsDefined() {
		out = out.With("default", a.Default)
	}
	return out
}

// OperationDescription is the schema of an operation.
type OperationDescription struct {
	Name        string                 `json:"operation-name"`
	Description string                 `json:"description,omitempty"`
	Parameters  []AttributeDescription `json:"request-properties,omitempty"`
	ReplyType   Kind                   `json:"reply-type,omitempty"`
}

// Value renders the description in model form.
func (o OperationDescription) Value() Value {
	params := EmptyObject()
	for _, p := range o.Parameters {
		params = params.With(p.Name, p.Value())
	}
	out := EmptyObject().
		With("operation-name", String(o.Name)).
		With("description", String(o.Description)).
		With("request-properties", params)
	if o.ReplyType != "" {
		out = out.With("reply-properties", EmptyObject().With("type", String(string(o.ReplyType))))
	}
	return out
}

// ResourceDescription is the schema of a resource type, kept apart from its data.
type ResourceDescription struct {
	Description string                 `json:"description,omitempty"`
	Attributes  []AttributeDescription `json:"attributes,omitempty"`
	Children    map[string]string      `json:"children,omitempty"`
}

// Attribute looks up an attribute by name.
func (d *ResourceDescription) Attribute(name string) (AttributeDescription, bool) {
	for _, a := range d.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeDescription{}, false
}

// Check verifies that attrs only holds described attributes of the declared kinds.
func (d *ResourceDescription) Check(attrs Value) error {
	for _, k := range attrs.Keys() {
		if _, ok := d.Attribute(k); !ok {
			return &AttributeError{Attribute: k, Message: fmt.Sprintf("unknown attribute %s", k)}
		}
	}
	for _, a := range d.Attributes {
		v := attrs.Get(a.Name)
		if !v.IsDefined() {
			if !a.Nullable && !a.Default.IsDefined() {
				return &AttributeError{Attribute: a.Name, Message: fmt.Sprintf("attribute %s may not be null", a.Name)}
			}
			continue
		}
		if v.IsExpression() {
			if !a.ExpressionsAllowed {
				return &AttributeError{Attribute: a.Name, Message: fmt.Sprintf("attribute %s does not allow expressions", a.Name)}
			}
			continue
		}
		if !kindCompatible(v, a.Type) {
			return &AttributeError{
				Attribute: a.Name,
				Message:   fmt.Sprintf("wrong type for attribute %s: expected %s but was %s", a.Name, a.Type, v.Kind()),
			}
		}
	}
	return nil
}

// WithDefaults returns attrs with every undefined attribute that has a default filled in.
func (d *ResourceDescription) WithDefaults(attrs Value) Value {
	if attrs.Kind() != KindObject {
		attrs = EmptyObject()
	}
	for _, a := range d.Attributes {
		if !attrs.Get(a.Name).IsDefined() && a.Default.IsDefined() {
			attrs = attrs.With(a.Name, a.Default)
		}
	}
	return attrs
}

// Value renders the description in model form.
func (d *ResourceDescription) Value() Value {
	attrs := EmptyObject()
	for _, a := range d.Attributes {
		attrs = attrs.With(a.Name, a.Value())
	}
	children := EmptyObject()
	names := make([]string, 0, len(d.Children))
	for k := range d.Children {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		children = children.With(k, EmptyObject().With("description", String(d.Children[k])))
	}
	return EmptyObject().
		With("description", String(d.Description)).
		With("attributes", attrs).
		With("children", children)
}

func kindCompatible(v Value, want Kind) bool {
	if v.Kind() == want {
		return true
	}
	switch want {
	case KindInt:
		_, err := v.AsInt()
		return err == nil
	case KindBool:
		_, err := v.AsBool()
		return err == nil
	case KindString:
		return v.Kind() == KindInt || v.Kind() == KindBool
	}
	return false
}

// Bound is a helper for AttributeDescription.Min and Max.
func Bound(i int64) *int64 { return &i }
