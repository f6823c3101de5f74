package model

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// PropertyResolver looks up process-wide properties used to resolve expressions.
type PropertyResolver interface {
	Property(name string) (string, bool)
}

// Properties is a fixed set of properties.
type Properties map[string]string

// Property implements PropertyResolver.
func (p Properties) Property(name string) (string, bool) {
	v, ok := p[name]
	return v, ok
}

// EnvResolver resolves "env.NAME" from the process environment.
type EnvResolver struct{}

// Property implements PropertyResolver.
func (EnvResolver) Property(name string) (string, bool) {
	if !strings.HasPrefix(name, "env.") {
		return "", false
	}
	return os.LookupEnv(strings.TrimPrefix(name, "env."))
}

// ChainResolver consults each resolver in order.
type ChainResolver []PropertyResolver

// Property implements PropertyResolver.
func (c ChainResolver) Property(name string) (string, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.Property(name); ok {
			return v, true
		}
	}
	return "", false
}

// SystemProperties is a mutable, concurrency-safe property set. The system-property
// resources of the model write into it so later expressions see their values.
type SystemProperties struct {
	mu    sync.RWMutex
	props map[string]string
}

// NewSystemProperties creates a property set seeded from initial.
func NewSystemProperties(initial map[string]string) *SystemProperties {
	props := make(map[string]string, len(initial))
	for k, v := range initial {
		props[k] = v
	}
	return &SystemProperties{props: props}
}

// Property implements PropertyResolver.
func (s *SystemProperties) Property(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.props[name]
	return v, ok
}

// Set stores a property and returns the previous value, if any.
func (s *SystemProperties) Set(name, value string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.props[name]
	s.props[name] = value
	return prev, ok
}

// Unset removes a property.
func (s *SystemProperties) Unset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.props, name)
}

// ResolveExpression expands every "${...}" in expr.
//
// Supported forms are "${name}", "${name:default}" and "${a,b:default}", where the
// first resolvable name wins. Names starting with "env." fall through to the
// environment when r does not know them.
func ResolveExpression(expr string, r PropertyResolver) (string, error) {
	var out strings.Builder
	rest := expr
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated expression in %q", expr)
		}
		out.WriteString(rest[:start])

		body := rest[start+2 : start+end]
		resolved, err := resolveBody(body, r)
		if err != nil {
			return "", fmt.Errorf("cannot resolve expression %q: %w", expr, err)
		}
		out.WriteString(resolved)
		rest = rest[start+end+1:]
	}
}

func resolveBody(body string, r PropertyResolver) (string, error) {
	names := body
	def, hasDefault := "", false
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		names, def, hasDefault = body[:idx], body[idx+1:], true
	}

	resolver := ChainResolver{r, EnvResolver{}}
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v, ok := resolver.Property(name); ok {
			return v, nil
		}
	}
	if hasDefault {
		return def, nil
	}
	return "", fmt.Errorf("no value for property %q", names)
}

// Resolve returns a copy of v with every expression replaced by its resolved string.
func (v Value) Resolve(r PropertyResolver) (Value, error) {
	switch v.kind {
	case KindExpression:
		s, err := ResolveExpression(v.s, r)
		if err != nil {
			return Undefined, err
		}
		return String(s), nil
	case KindObject:
		if !v.ContainsExpression() {
			return v, nil
		}
		out := EmptyObject()
		for _, k := range v.keys {
			f, err := v.fields[k].Resolve(r)
			if err != nil {
				return Undefined, err
			}
			out = out.With(k, f)
		}
		return out, nil
	case KindList:
		if !v.ContainsExpression() {
			return v, nil
		}
		out := EmptyList()
		for _, item := range v.items {
			resolved, err := item.Resolve(r)
			if err != nil {
				return Undefined, err
			}
			out = out.Append(resolved)
		}
		return out, nil
	default:
		return v, nil
	}
}
