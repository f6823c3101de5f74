package model

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by writes through a SubModel after it was closed.
var ErrClosed = errors.New("model gateway is closed")

// SubModel is the write gateway to one subtree of the resource tree.
// The dispatcher hands a SubModel to a handler while it holds the address lock,
// so handlers never keep references into the tree itself. Closing the gateway,
// or the one it was derived from, makes every later write fail with ErrClosed.
type SubModel struct {
	tree *Tree
	base Address
	gate *gate
}

// gate serializes writes against Close. A gate is closed when it or any
// ancestor is closed.
type gate struct {
	mu     sync.RWMutex
	closed bool
	parent *gate
}

// enter holds g and its ancestors open until release is called.
func (g *gate) enter() (release func(), err error) {
	if g == nil {
		return func() {}, nil
	}
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return nil, ErrClosed
	}
	up, err := g.parent.enter()
	if err != nil {
		g.mu.RUnlock()
		return nil, err
	}
	return func() {
		up()
		g.mu.RUnlock()
	}, nil
}

func (g *gate) close() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Close waits for writes in progress and rejects all later ones.
func (m *SubModel) Close() { m.gate.close() }

// Closed reports whether writes are rejected.
func (m *SubModel) Closed() bool {
	release, err := m.gate.enter()
	if err != nil {
		return true
	}
	release()
	return false
}

// Derive returns a gateway scoped to addr that is closed together with m and can
// also be closed on its own.
func (m *SubModel) Derive(addr Address) *SubModel {
	return &SubModel{tree: m.tree, base: addr, gate: &gate{parent: m.gate}}
}

// Address returns the address this gateway is scoped to.
func (m *SubModel) Address() Address { return m.base }

// Tree returns the underlying tree for read-only queries.
func (m *SubModel) Tree() *Tree { return m.tree }

// Exists reports whether the scoped resource exists.
func (m *SubModel) Exists() bool { return m.tree.Exists(m.base) }

// Read returns the scoped resource's attributes.
func (m *SubModel) Read() (Value, bool) { return m.tree.Read(m.base) }

// Attribute returns one attribute, or Undefined.
func (m *SubModel) Attribute(name string) Value {
	attrs, _ := m.tree.Read(m.base)
	return attrs.Get(name)
}

// Create creates the scoped resource. It fails on duplicates and missing parents.
func (m *SubModel) Create(attrs Value) error {
	release, err := m.gate.enter()
	if err != nil {
		return err
	}
	defer release()
	return m.tree.create(m.base, attrs)
}

// Remove deletes the scoped resource and returns its last attributes.
func (m *SubModel) Remove() (Value, error) {
	release, err := m.gate.enter()
	if err != nil {
		return Undefined, err
	}
	defer release()
	return m.tree.remove(m.base)
}

// Replace swaps the whole attribute bag and returns the previous one.
func (m *SubModel) Replace(attrs Value) (Value, error) {
	if attrs.Kind() != KindObject {
		return Undefined, fmt.Errorf("attributes must be an object, got %s", attrs.Kind())
	}
	release, err := m.gate.enter()
	if err != nil {
		return Undefined, err
	}
	defer release()
	return m.tree.replace(m.base, attrs)
}

// WriteAttribute sets one attribute and returns its previous value.
func (m *SubModel) WriteAttribute(name string, v Value) (Value, error) {
	release, err := m.gate.enter()
	if err != nil {
		return Undefined, err
	}
	defer release()
	prev, err := m.tree.update(m.base, func(attrs Value) Value {
		return attrs.With(name, v)
	})
	if err != nil {
		return Undefined, err
	}
	return prev.Get(name), nil
}

// UndefineAttribute removes one attribute and returns its previous value.
func (m *SubModel) UndefineAttribute(name string) (Value, error) {
	release, err := m.gate.enter()
	if err != nil {
		return Undefined, err
	}
	defer release()
	prev, err := m.tree.update(m.base, func(attrs Value) Value {
		return attrs.Without(name)
	})
	if err != nil {
		return Undefined, err
	}
	return prev.Get(name), nil
}

// Child returns the gateway for a direct child of the scoped resource.
func (m *SubModel) Child(elem PathElement) *SubModel {
	return &SubModel{tree: m.tree, base: m.base.Append(elem), gate: m.gate}
}

// Children returns the names of children of a given type.
func (m *SubModel) Children(childType string) ([]string, error) {
	return m.tree.Children(m.base, childType)
}
