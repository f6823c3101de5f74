package controller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/model"
)

// SubsystemKey is the address key of subsystem resources.
const SubsystemKey = "subsystem"

// Extension contributes subsystems, resources and operations to a registry.
type Extension interface {
	// Name identifies the extension in logs and errors.
	Name() string

	// Initialize registers everything the extension provides.
	Initialize(ctx *ExtensionContext) error
}

// ExtensionContext is handed to Extension.Initialize.
type ExtensionContext struct {
	registry *Registry
	logger   zerolog.Logger

	mu         sync.Mutex
	subsystems map[string]string
	extension  string
}

// NewExtensionContext creates a context that registers into reg.
func NewExtensionContext(reg *Registry, logger zerolog.Logger) *ExtensionContext {
	return &ExtensionContext{
		registry:   reg,
		logger:     logger,
		subsystems: make(map[string]string),
	}
}

// Registry returns the registry being populated.
func (c *ExtensionContext) Registry() *Registry { return c.registry }

// Logger returns the extension logger.
func (c *ExtensionContext) Logger() zerolog.Logger { return c.logger }

// RegisterSubsystem claims /subsystem=name. A subsystem can be claimed by only one extension.
func (c *ExtensionContext) RegisterSubsystem(name string) (*SubsystemRegistration, error) {
	if name == "" || name == model.Wildcard {
		return nil, fmt.Errorf("invalid subsystem name %q", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.subsystems[name]; ok {
		return nil, fmt.Errorf("%w: subsystem %s already registered by %s", ErrDuplicateRegistration, name, owner)
	}
	c.subsystems[name] = c.extension
	return &SubsystemRegistration{
		registry: c.registry,
		pattern:  model.Addr(SubsystemKey, name),
	}, nil
}

// RegisterRoot returns a registration for a top-level resource type such as
// interface=* or socket-binding-group=*.
func (c *ExtensionContext) RegisterRoot(key, value string) *SubsystemRegistration {
	return &SubsystemRegistration{
		registry: c.registry,
		pattern:  model.Addr(key, value),
	}
}

// Subsystems returns the registered subsystem names, sorted.
func (c *ExtensionContext) Subsystems() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.subsystems))
	for name := range c.subsystems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubsystemRegistration registers operations and resource descriptions at one
// address pattern.
type SubsystemRegistration struct {
	registry *Registry
	pattern  model.Address
}

// Pattern returns the address pattern this registration covers.
func (s *SubsystemRegistration) Pattern() model.Address { return s.pattern }

// RegisterOperation binds an operation at this pattern.
func (s *SubsystemRegistration) RegisterOperation(name string, handler Handler, describe DescriptionProvider) error {
	return s.registry.Register(s.pattern, name, handler, describe, false)
}

// RegisterInheritedOperation binds an operation at this pattern and every descendant.
func (s *SubsystemRegistration) RegisterInheritedOperation(name string, handler Handler, describe DescriptionProvider) error {
	return s.registry.Register(s.pattern, name, handler, describe, true)
}

// RegisterResource describes the resources at this pattern.
func (s *SubsystemRegistration) RegisterResource(desc *model.ResourceDescription) error {
	return s.registry.RegisterResource(s.pattern, desc)
}

// Child returns a registration for key=value below this pattern. Use model.Wildcard
// as the value to cover every child of that type.
func (s *SubsystemRegistration) Child(key, value string) *SubsystemRegistration {
	return &SubsystemRegistration{
		registry: s.registry,
		pattern:  s.pattern.Append(model.Element(key, value)),
	}
}

// LoadExtensions initializes every extension in order and stops at the first error.
func LoadExtensions(ctx *ExtensionContext, extensions ...Extension) error {
	for _, ext := range extensions {
		ctx.mu.Lock()
		ctx.extension = ext.Name()
		ctx.mu.Unlock()

		if err := ext.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize extension %s: %w", ext.Name(), err)
		}
		ctx.logger.Debug().Str("extension", ext.Name()).Msg("Extension initialized")
	}
	return nil
}
