package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wildcard matches any resource name in an address pattern.
const Wildcard = "*"

// ErrInvalidAddress is returned for addresses whose canonical form would be ambiguous.
var ErrInvalidAddress = errors.New("invalid address")

// PathElement is one (key, value) segment of an Address, such as subsystem=threads.
type PathElement struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Element returns a path element.
func Element(key, value string) PathElement {
	return PathElement{Key: key, Value: value}
}

// WildcardElement returns a path element matching any name of the given type.
func WildcardElement(key string) PathElement {
	return PathElement{Key: key, Value: Wildcard}
}

// IsWildcard reports whether the element matches any value.
func (p PathElement) IsWildcard() bool { return p.Value == Wildcard }

// Matches reports whether p matches the pattern element.
func (p PathElement) Matches(pattern PathElement) bool {
	return p.Key == pattern.Key && (pattern.IsWildcard() || p.Value == pattern.Value)
}

func (p PathElement) String() string { return p.Key + "=" + p.Value }

// Validate checks that the element survives the canonical "/key=value" form.
// Keys and values must be non-empty and free of "/" and "="; "*" may only appear
// as a whole wildcard value.
func (p PathElement) Validate() error {
	switch {
	case p.Key == "" || p.Value == "":
		return fmt.Errorf("%w: empty element %q", ErrInvalidAddress, p.String())
	case strings.ContainsAny(p.Key, "/=*"):
		return fmt.Errorf("%w: key %q contains a reserved character", ErrInvalidAddress, p.Key)
	case strings.ContainsAny(p.Value, "/="):
		return fmt.Errorf("%w: value %q contains a reserved character", ErrInvalidAddress, p.Value)
	case p.Value != Wildcard && strings.Contains(p.Value, Wildcard):
		return fmt.Errorf("%w: value %q contains a wildcard", ErrInvalidAddress, p.Value)
	}
	return nil
}

// Address identifies a node in the resource tree. The zero Address is the root.
// Addresses are immutable; every method returning an Address returns a new one.
type Address struct {
	elems []PathElement
}

// Root is the address of the model root.
var Root = Address{}

// NewAddress builds an address from elements.
func NewAddress(elems ...PathElement) Address {
	if len(elems) == 0 {
		return Root
	}
	cp := make([]PathElement, len(elems))
	copy(cp, elems)
	return Address{elems: cp}
}

// Addr builds an address from alternating key/value strings. It panics on an odd count.
func Addr(kv ...string) Address {
	if len(kv)%2 != 0 {
		panic("model.Addr: odd number of key/value strings")
	}
	elems := make([]PathElement, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		elems = append(elems, Element(kv[i], kv[i+1]))
	}
	return Address{elems: elems}
}

// ParseAddress parses the textual form "/key=value/key=value". "/" and "" are the root.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "/" {
		return Root, nil
	}
	s = strings.TrimPrefix(s, "/")
	var elems []PathElement
	for _, seg := range strings.Split(s, "/") {
		key, value, ok := strings.Cut(seg, "=")
		if !ok {
			return Root, fmt.Errorf("%w: segment %q in %q", ErrInvalidAddress, seg, s)
		}
		e := Element(key, value)
		if err := e.Validate(); err != nil {
			return Root, err
		}
		elems = append(elems, e)
	}
	return Address{elems: elems}, nil
}

// Len returns the number of elements.
func (a Address) Len() int { return len(a.elems) }

// IsRoot reports whether a is the root address.
func (a Address) IsRoot() bool { return len(a.elems) == 0 }

// Element returns the i-th element.
func (a Address) Element(i int) PathElement { return a.elems[i] }

// Elements returns a copy of the elements.
func (a Address) Elements() []PathElement {
	cp := make([]PathElement, len(a.elems))
	copy(cp, a.elems)
	return cp
}

// Last returns the final element, whose value is the resource's own name.
func (a Address) Last() (PathElement, bool) {
	if len(a.elems) == 0 {
		return PathElement{}, false
	}
	return a.elems[len(a.elems)-1], true
}

// Name returns the value of the last element, or "" for the root.
func (a Address) Name() string {
	last, _ := a.Last()
	return last.Value
}

// Parent returns the address without its last element.
func (a Address) Parent() Address {
	if len(a.elems) <= 1 {
		return Root
	}
	return NewAddress(a.elems[:len(a.elems)-1]...)
}

// Append returns a new address with elems added.
func (a Address) Append(elems ...PathElement) Address {
	out := make([]PathElement, 0, len(a.elems)+len(elems))
	out = append(out, a.elems...)
	out = append(out, elems...)
	return Address{elems: out}
}

// HasPrefix reports whether prefix is a or one of its ancestors.
func (a Address) HasPrefix(prefix Address) bool {
	if len(prefix.elems) > len(a.elems) {
		return false
	}
	for i, e := range prefix.elems {
		if a.elems[i] != e {
			return false
		}
	}
	return true
}

// Overlaps reports whether one address is a prefix of the other.
func (a Address) Overlaps(b Address) bool {
	return a.HasPrefix(b) || b.HasPrefix(a)
}

// Matches reports whether a matches pattern element by element.
func (a Address) Matches(pattern Address) bool {
	if len(a.elems) != len(pattern.elems) {
		return false
	}
	for i, e := range a.elems {
		if !e.Matches(pattern.elems[i]) {
			return false
		}
	}
	return true
}

// Validate checks every element. See PathElement.Validate.
func (a Address) Validate() error {
	for _, e := range a.elems {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsPattern reports whether any element is a wildcard.
func (a Address) IsPattern() bool {
	for _, e := range a.elems {
		if e.IsWildcard() {
			return true
		}
	}
	return false
}

// Equal reports element-wise equality.
func (a Address) Equal(b Address) bool {
	return len(a.elems) == len(b.elems) && a.HasPrefix(b)
}

// String returns the canonical textual form, which is also the arena key.
func (a Address) String() string {
	if len(a.elems) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, e := range a.elems {
		b.WriteByte('/')
		b.WriteString(e.String())
	}
	return b.String()
}

// Value returns the envelope form: a list of single-entry objects.
func (a Address) Value() Value {
	out := EmptyList()
	for _, e := range a.elems {
		out = out.Append(EmptyObject().With(e.Key, String(e.Value)))
	}
	return out
}

// AddressFromValue converts the envelope form back into an Address.
// Both [{"k":"v"}] and ["/k=v"] forms are accepted; undefined is the root.
func AddressFromValue(v Value) (Address, error) {
	switch v.Kind() {
	case KindUndefined:
		return Root, nil
	case KindString:
		return ParseAddress(v.s)
	case KindList:
	default:
		return Root, fmt.Errorf("address must be a list, got %s", v.Kind())
	}

	elems := make([]PathElement, 0, v.Len())
	for i, item := range v.items {
		if item.Kind() != KindObject || item.Len() != 1 {
			return Root, fmt.Errorf("address element %d must be a single-entry object", i)
		}
		key := item.keys[0]
		val, err := item.fields[key].AsString()
		if err != nil || val == "" {
			return Root, fmt.Errorf("address element %d has no value for %q", i, key)
		}
		e := Element(key, val)
		if err := e.Validate(); err != nil {
			return Root, fmt.Errorf("address element %d: %w", i, err)
		}
		elems = append(elems, e)
	}
	return Address{elems: elems}, nil
}

// MarshalJSON encodes the address as a list of single-entry objects.
func (a Address) MarshalJSON() ([]byte, error) {
	return a.Value().MarshalJSON()
}

// UnmarshalJSON decodes an address from either accepted envelope form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseAddress(s)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	}
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	parsed, err := AddressFromValue(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
