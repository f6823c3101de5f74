// Package validation provides composable parameter validators for operation handlers.
//
// A validator checks one named value. ParametersValidator groups validators per
// parameter and stops at the first failure, so handlers can reject an operation before
// touching the model.
package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keelhq/keel/pkg/model"
)

// Error is a parameter validation failure.
type Error struct {
	// Parameter is the offending parameter name.
	Parameter string `json:"parameter"`

	// Message is the human-readable diagnostic.
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

func failf(param, format string, args ...interface{}) *Error {
	return &Error{Parameter: param, Message: fmt.Sprintf(format, args...)}
}

// ParameterValidator checks a single named value. A nil error means the value is valid.
type ParameterValidator interface {
	Validate(name string, v model.Value) error
}

// ValidatorFunc adapts a function to ParameterValidator.
type ValidatorFunc func(name string, v model.Value) error

// Validate implements ParameterValidator.
func (f ValidatorFunc) Validate(name string, v model.Value) error { return f(name, v) }

// ModelTypeValidator checks nullability, expression allowance and value kind.
type ModelTypeValidator struct {
	Kinds            []model.Kind
	Nullable         bool
	AllowExpressions bool

	// Strict disables lossless string conversion to INT and BOOLEAN.
	Strict bool
}

// NewModelTypeValidator creates a non-strict type validator.
func NewModelTypeValidator(nullable, allowExpressions bool, kinds ...model.Kind) *ModelTypeValidator {
	return &ModelTypeValidator{Kinds: kinds, Nullable: nullable, AllowExpressions: allowExpressions}
}

// Validate implements ParameterValidator.
func (m *ModelTypeValidator) Validate(name string, v model.Value) error {
	if !v.IsDefined() {
		if m.Nullable {
			return nil
		}
		return failf(name, "Parameter %s may not be null", name)
	}
	if v.IsExpression() && m.AllowExpressions {
		return nil
	}
	if len(m.Kinds) == 0 {
		return nil
	}
	for _, k := range m.Kinds {
		if v.Kind() == k || (!m.Strict && convertible(v, k)) {
			return nil
		}
	}
	return failf(name, "Wrong type for %s. Expected %v but was %s", name, m.Kinds, v.Kind())
}

// skip reports whether a subtype validator has nothing more to check for v.
func (m *ModelTypeValidator) skip(v model.Value) bool {
	return !v.IsDefined() || (v.IsExpression() && m.AllowExpressions)
}

func convertible(v model.Value, k model.Kind) bool {
	if v.Kind() != model.KindString {
		return false
	}
	switch k {
	case model.KindInt:
		_, err := v.AsInt()
		return err == nil
	case model.KindBool:
		_, err := v.AsBool()
		return err == nil
	}
	return false
}

// IntRangeValidator checks an integer against inclusive bounds.
type IntRangeValidator struct {
	ModelTypeValidator
	Min int64
	Max int64
}

// NewIntRangeValidator creates an inclusive range validator.
func NewIntRangeValidator(min, max int64, nullable, allowExpressions bool) *IntRangeValidator {
	return &IntRangeValidator{
		ModelTypeValidator: ModelTypeValidator{Kinds: []model.Kind{model.KindInt}, Nullable: nullable, AllowExpressions: allowExpressions},
		Min:                min,
		Max:                max,
	}
}

// Validate implements ParameterValidator.
func (r *IntRangeValidator) Validate(name string, v model.Value) error {
	if err := r.ModelTypeValidator.Validate(name, v); err != nil {
		return err
	}
	if r.skip(v) {
		return nil
	}
	i, err := v.AsInt()
	if err != nil {
		return failf(name, "Wrong type for %s. Expected %v but was %s", name, r.Kinds, v.Kind())
	}
	if i < r.Min {
		return failf(name, "%d is an invalid value for parameter %s. Values must be greater than or equal to %d", i, name, r.Min)
	}
	if i > r.Max {
		return failf(name, "%d is an invalid value for parameter %s. Values must be less than or equal to %d", i, name, r.Max)
	}
	return nil
}

// StringLengthValidator checks a string's length against inclusive bounds.
type StringLengthValidator struct {
	ModelTypeValidator
	Min int
	Max int
}

// NewStringLengthValidator creates a length validator. A max of 0 means unbounded.
func NewStringLengthValidator(min, max int, nullable, allowExpressions bool) *StringLengthValidator {
	return &StringLengthValidator{
		ModelTypeValidator: ModelTypeValidator{Kinds: []model.Kind{model.KindString}, Nullable: nullable, AllowExpressions: allowExpressions},
		Min:                min,
		Max:                max,
	}
}

// Validate implements ParameterValidator.
func (s *StringLengthValidator) Validate(name string, v model.Value) error {
	if err := s.ModelTypeValidator.Validate(name, v); err != nil {
		return err
	}
	if s.skip(v) {
		return nil
	}
	str, _ := v.AsString()
	if len(str) < s.Min {
		return failf(name, "'%s' is an invalid value for parameter %s. Values must have a minimum length of %d characters", str, name, s.Min)
	}
	if s.Max > 0 && len(str) > s.Max {
		return failf(name, "'%s' is an invalid value for parameter %s. Values must have a maximum length of %d characters", str, name, s.Max)
	}
	return nil
}

var structValidator = validator.New()

// InetAddressValidator accepts an IP literal or an RFC 1123 host name.
// Host names are resolved later, by the service that uses them.
type InetAddressValidator struct {
	ModelTypeValidator
}

// NewInetAddressValidator creates an address validator.
func NewInetAddressValidator(nullable, allowExpressions bool) *InetAddressValidator {
	return &InetAddressValidator{
		ModelTypeValidator: ModelTypeValidator{Kinds: []model.Kind{model.KindString}, Nullable: nullable, AllowExpressions: allowExpressions},
	}
}

// Validate implements ParameterValidator.
func (a *InetAddressValidator) Validate(name string, v model.Value) error {
	if err := a.ModelTypeValidator.Validate(name, v); err != nil {
		return err
	}
	if a.skip(v) {
		return nil
	}
	str, _ := v.AsString()
	if err := structValidator.Var(str, "required,ip|hostname_rfc1123"); err != nil {
		return failf(name, "%s is an invalid value for parameter %s. Value must be an IP address or host name", str, name)
	}
	return nil
}

// EnumValidator restricts a string to a fixed set of values, case-insensitively.
type EnumValidator struct {
	ModelTypeValidator
	Allowed []string
}

// NewEnumValidator creates an enumeration validator.
func NewEnumValidator(nullable, allowExpressions bool, allowed ...string) *EnumValidator {
	return &EnumValidator{
		ModelTypeValidator: ModelTypeValidator{Kinds: []model.Kind{model.KindString}, Nullable: nullable, AllowExpressions: allowExpressions},
		Allowed:            allowed,
	}
}

// Validate implements ParameterValidator.
func (e *EnumValidator) Validate(name string, v model.Value) error {
	if err := e.ModelTypeValidator.Validate(name, v); err != nil {
		return err
	}
	if e.skip(v) {
		return nil
	}
	str, _ := v.AsString()
	for _, a := range e.Allowed {
		if strings.EqualFold(a, str) {
			return nil
		}
	}
	return failf(name, "%s is an invalid value for parameter %s. Valid values are %v", str, name, e.Allowed)
}

// ListValidator checks that a value is a list and validates each element.
type ListValidator struct {
	Element  ParameterValidator
	Nullable bool
}

// NewListValidator creates a list validator.
func NewListValidator(element ParameterValidator, nullable bool) *ListValidator {
	return &ListValidator{Element: element, Nullable: nullable}
}

// Validate implements ParameterValidator.
func (l *ListValidator) Validate(name string, v model.Value) error {
	if !v.IsDefined() {
		if l.Nullable {
			return nil
		}
		return failf(name, "Parameter %s may not be null", name)
	}
	if v.Kind() != model.KindList {
		return failf(name, "Wrong type for %s. Expected %v but was %s", name, []model.Kind{model.KindList}, v.Kind())
	}
	if l.Element == nil {
		return nil
	}
	for i, item := range v.Items() {
		if err := l.Element.Validate(fmt.Sprintf("%s[%d]", name, i), item); err != nil {
			return err
		}
	}
	return nil
}
