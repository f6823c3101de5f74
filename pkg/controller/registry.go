package controller

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/keelhq/keel/pkg/model"
)

// DescriptionProvider describes a registered operation.
type DescriptionProvider func() model.OperationDescription

// StaticDescription returns a provider for a fixed description.
func StaticDescription(d model.OperationDescription) DescriptionProvider {
	return func() model.OperationDescription { return d }
}

// ErrDuplicateRegistration is returned when a pattern already has a handler for an operation.
var ErrDuplicateRegistration = errors.New("duplicate operation registration")

type registration struct {
	pattern   model.Address
	name      string
	handler   Handler
	describe  DescriptionProvider
	inherited bool
}

// applies reports whether the registration covers addr.
func (r *registration) applies(addr model.Address) bool {
	if addr.Len() == r.pattern.Len() {
		return addr.Matches(r.pattern)
	}
	if !r.inherited || addr.Len() < r.pattern.Len() {
		return false
	}
	return model.NewAddress(addr.Elements()[:r.pattern.Len()]...).Matches(r.pattern)
}

type resourceRegistration struct {
	pattern     model.Address
	description *model.ResourceDescription
}

// Registry maps (address pattern, operation name) to handlers.
//
// When several registrations cover an address, the one with the longest pattern
// wins; among equally long patterns, a specific value beats a wildcard at the first
// position where they differ.
type Registry struct {
	mu        sync.RWMutex
	ops       map[string][]*registration
	resources []resourceRegistration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string][]*registration)}
}

// Register binds handler to opName at pattern. Inherited registrations also cover
// every descendant of pattern.
func (r *Registry) Register(pattern model.Address, opName string, handler Handler, describe DescriptionProvider, inherited bool) error {
	if opName == "" {
		return fmt.Errorf("operation name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s at %s is nil", opName, pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.ops[opName] {
		if existing.pattern.Equal(pattern) {
			return fmt.Errorf("%w: %s at %s", ErrDuplicateRegistration, opName, pattern)
		}
	}
	if describe == nil {
		describe = StaticDescription(model.OperationDescription{Name: opName})
	}
	r.ops[opName] = append(r.ops[opName], &registration{
		pattern:   pattern,
		name:      opName,
		handler:   handler,
		describe:  describe,
		inherited: inherited,
	})
	return nil
}

// Unregister removes the registration of opName at exactly pattern.
func (r *Registry) Unregister(pattern model.Address, opName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.ops[opName]
	for i, existing := range regs {
		if existing.pattern.Equal(pattern) {
			r.ops[opName] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Resolve returns the handler for opName at addr.
func (r *Registry) Resolve(addr model.Address, opName string) (Handler, bool) {
	reg := r.lookup(addr, opName)
	if reg == nil {
		return nil, false
	}
	return reg.handler, true
}

// Describe returns the description of opName at addr.
func (r *Registry) Describe(addr model.Address, opName string) (model.OperationDescription, bool) {
	reg := r.lookup(addr, opName)
	if reg == nil {
		return model.OperationDescription{}, false
	}
	d := reg.describe()
	if d.Name == "" {
		d.Name = opName
	}
	return d, true
}

func (r *Registry) lookup(addr model.Address, opName string) *registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registration
	for _, reg := range r.ops[opName] {
		if !reg.applies(addr) {
			continue
		}
		if best == nil || moreSpecific(reg.pattern, best.pattern) {
			best = reg
		}
	}
	return best
}

// OperationNames returns the operations available at addr, sorted.
func (r *Registry) OperationNames(addr model.Address) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, regs := range r.ops {
		for _, reg := range regs {
			if reg.applies(addr) {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// RegisterResource binds a resource description to pattern.
func (r *Registry) RegisterResource(pattern model.Address, desc *model.ResourceDescription) error {
	if desc == nil {
		return fmt.Errorf("resource description for %s is nil", pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.resources {
		if existing.pattern.Equal(pattern) {
			return fmt.Errorf("%w: resource description at %s", ErrDuplicateRegistration, pattern)
		}
	}
	r.resources = append(r.resources, resourceRegistration{pattern: pattern, description: desc})
	return nil
}

// ResourceDescription returns the most specific description registered for addr.
func (r *Registry) ResourceDescription(addr model.Address) (*model.ResourceDescription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *resourceRegistration
	for i := range r.resources {
		res := &r.resources[i]
		if !addr.Matches(res.pattern) {
			continue
		}
		if best == nil || moreSpecific(res.pattern, best.pattern) {
			best = res
		}
	}
	if best == nil {
		return nil, false
	}
	return best.description, true
}

// moreSpecific reports whether pattern a should win over pattern b.
func moreSpecific(a, b model.Address) bool {
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	for i := 0; i < a.Len(); i++ {
		aw, bw := a.Element(i).IsWildcard(), b.Element(i).IsWildcard()
		if aw != bw {
			return bw
		}
	}
	return false
}
