package validation

import (
	"fmt"

	"github.com/keelhq/keel/pkg/model"
)

type registration struct {
	name      string
	validator ParameterValidator
}

// ParametersValidator validates the parameters of an operation in registration order.
// The first failure wins; later parameters are not checked.
type ParametersValidator struct {
	params []registration
}

// NewParametersValidator creates an empty validator set.
func NewParametersValidator() *ParametersValidator {
	return &ParametersValidator{}
}

// Register adds a validator for a parameter. Registering a name twice replaces the
// earlier validator in place.
func (p *ParametersValidator) Register(name string, v ParameterValidator) *ParametersValidator {
	for i := range p.params {
		if p.params[i].name == name {
			p.params[i].validator = v
			return p
		}
	}
	p.params = append(p.params, registration{name: name, validator: v})
	return p
}

// Names returns the registered parameter names in order.
func (p *ParametersValidator) Names() []string {
	names := make([]string, len(p.params))
	for i, r := range p.params {
		names[i] = r.name
	}
	return names
}

// Validate checks the operation's parameters.
func (p *ParametersValidator) Validate(op model.Operation) error {
	return p.ValidateValues(op.Params())
}

// ValidateValues checks an object of named values.
func (p *ParametersValidator) ValidateValues(params model.Value) error {
	for _, r := range p.params {
		if err := r.validator.Validate(r.name, params.Get(r.name)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateResolved resolves expressions against props and checks the result against
// the runtime validator set rt. It returns the resolved operation.
func ValidateResolved(op model.Operation, props model.PropertyResolver, rt *ParametersValidator) (model.Operation, error) {
	resolved, err := op.Resolve(props)
	if err != nil {
		return op, &Error{Message: fmt.Sprintf("failed to resolve expressions for %s: %v", op.Name(), err)}
	}
	if rt != nil {
		if err := rt.Validate(resolved); err != nil {
			return op, err
		}
	}
	return resolved, nil
}
