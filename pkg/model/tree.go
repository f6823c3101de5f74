package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Structural errors returned by the resource tree.
var (
	ErrNotFound    = errors.New("no resource found")
	ErrDuplicate   = errors.New("duplicate resource name")
	ErrHasChildren = errors.New("resource has children")
)

type node struct {
	attrs    Value
	children map[string]map[string]struct{}
}

// Tree is the resource model: an arena of attribute bags keyed by canonical address.
// The internal mutex only keeps the arena consistent; serializing conflicting
// operations is the dispatcher's job.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// NewTree creates a tree holding only an empty root.
func NewTree() *Tree {
	return &Tree{
		nodes: map[string]*node{
			Root.String(): {attrs: EmptyObject(), children: map[string]map[string]struct{}{}},
		},
	}
}

// Exists reports whether addr names a resource.
func (t *Tree) Exists(addr Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[addr.String()]
	return ok
}

// Read returns the attributes of the resource at addr.
func (t *Tree) Read(addr Address) (Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[addr.String()]
	if !ok {
		return Undefined, false
	}
	return n.attrs, true
}

// ReadRecursive returns the attributes of addr with every child type nested as
// an object of name -> resource.
func (t *Tree) ReadRecursive(addr Address) (Value, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.readRecursive(addr)
}

func (t *Tree) readRecursive(addr Address) (Value, error) {
	n, ok := t.nodes[addr.String()]
	if !ok {
		return Undefined, fmt.Errorf("%w at %s", ErrNotFound, addr)
	}
	out := n.attrs
	for _, childType := range sortedKeys(n.children) {
		children := EmptyObject()
		for _, name := range sortedKeys(n.children[childType]) {
			child, err := t.readRecursive(addr.Append(Element(childType, name)))
			if err != nil {
				return Undefined, err
			}
			children = children.With(name, child)
		}
		out = out.With(childType, children)
	}
	return out, nil
}

// ChildTypes returns the child types present under addr.
func (t *Tree) ChildTypes(addr Address) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[addr.String()]
	if !ok {
		return nil
	}
	return sortedKeys(n.children)
}

// Children returns the sorted names of children of the given type under addr.
func (t *Tree) Children(addr Address, childType string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[addr.String()]
	if !ok {
		return nil, fmt.Errorf("%w at %s", ErrNotFound, addr)
	}
	return sortedKeys(n.children[childType]), nil
}

// Scope returns the write gateway for the subtree rooted at addr.
func (t *Tree) Scope(addr Address) *SubModel {
	return &SubModel{tree: t, base: addr, gate: &gate{}}
}

func (t *Tree) create(addr Address, attrs Value) error {
	if addr.IsRoot() {
		return fmt.Errorf("%w at %s", ErrDuplicate, addr)
	}
	if err := addr.Validate(); err != nil {
		return err
	}
	if addr.IsPattern() {
		return fmt.Errorf("%w: %s names a pattern, not a resource", ErrInvalidAddress, addr)
	}
	if attrs.Kind() != KindObject {
		attrs = EmptyObject()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := addr.String()
	if _, ok := t.nodes[key]; ok {
		return fmt.Errorf("%w at %s", ErrDuplicate, addr)
	}
	parent, ok := t.nodes[addr.Parent().String()]
	if !ok {
		return fmt.Errorf("%w at %s", ErrNotFound, addr.Parent())
	}

	last, _ := addr.Last()
	names, ok := parent.children[last.Key]
	if !ok {
		names = map[string]struct{}{}
		parent.children[last.Key] = names
	}
	names[last.Value] = struct{}{}
	t.nodes[key] = &node{attrs: attrs, children: map[string]map[string]struct{}{}}
	return nil
}

func (t *Tree) remove(addr Address) (Value, error) {
	if err := addr.Validate(); err != nil {
		return Undefined, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := addr.String()
	n, ok := t.nodes[key]
	if !ok || addr.IsRoot() {
		return Undefined, fmt.Errorf("%w at %s", ErrNotFound, addr)
	}
	for childType, names := range n.children {
		if len(names) > 0 {
			return Undefined, fmt.Errorf("%w of type %s at %s", ErrHasChildren, childType, addr)
		}
	}

	last, _ := addr.Last()
	if parent, ok := t.nodes[addr.Parent().String()]; ok {
		delete(parent.children[last.Key], last.Value)
		if len(parent.children[last.Key]) == 0 {
			delete(parent.children, last.Key)
		}
	}
	delete(t.nodes, key)
	return n.attrs, nil
}

func (t *Tree) replace(addr Address, attrs Value) (Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[addr.String()]
	if !ok {
		return Undefined, fmt.Errorf("%w at %s", ErrNotFound, addr)
	}
	prev := n.attrs
	n.attrs = attrs
	return prev, nil
}

func (t *Tree) update(addr Address, fn func(Value) Value) (Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[addr.String()]
	if !ok {
		return Undefined, fmt.Errorf("%w at %s", ErrNotFound, addr)
	}
	prev := n.attrs
	n.attrs = fn(prev)
	return prev, nil
}

// Snapshot is a point-in-time copy of the whole tree keyed by canonical address.
type Snapshot map[string]Value

// Snapshot copies the tree. Values are immutable, so the copy shares them.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(Snapshot, len(t.nodes))
	for k, n := range t.nodes {
		out[k] = n.attrs
	}
	return out
}

// Equal reports whether both snapshots hold the same resources with equal attributes.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Diff lists the addresses whose presence or attributes differ.
func (s Snapshot) Diff(o Snapshot) []string {
	var out []string
	for k, v := range s {
		if ov, ok := o[k]; !ok || !v.Equal(ov) {
			out = append(out, k)
		}
	}
	for k := range o {
		if _, ok := s[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
