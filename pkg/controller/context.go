package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
)

// Capabilities is the set of things a handler may touch during one invocation.
type Capabilities uint8

const (
	// CapModel allows reading and writing the resource model.
	CapModel Capabilities = 1 << iota

	// CapRuntime allows installing and removing services.
	CapRuntime

	// CapBoot allows registering deployment processors.
	CapBoot
)

// Has reports whether every capability in c2 is present.
func (c Capabilities) Has(c2 Capabilities) bool { return c&c2 == c2 }

func (c Capabilities) String() string {
	s := ""
	for _, f := range []struct {
		cap  Capabilities
		name string
	}{{CapModel, "model"}, {CapRuntime, "runtime"}, {CapBoot, "boot"}} {
		if c.Has(f.cap) {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// RemovePolicy decides how removing a missing resource is treated.
type RemovePolicy int

const (
	// RemoveLenient treats removing a missing resource as a successful no-op.
	RemoveLenient RemovePolicy = iota

	// RemoveStrict fails with not-found. Used when replaying compensating operations.
	RemoveStrict
)

func (p RemovePolicy) String() string {
	if p == RemoveStrict {
		return "strict"
	}
	return "lenient"
}

// Context is what a handler sees during one invocation. The dispatcher builds it
// while holding the lock on the operation's address.
type Context struct {
	ctx          context.Context
	caps         Capabilities
	model        *model.SubModel
	target       *services.TrackingTarget
	processors   boot.ProcessorTarget
	properties   *model.SystemProperties
	resolver     model.PropertyResolver
	removePolicy RemovePolicy
	logger       zerolog.Logger
	registry     *Registry
	steps        stepRunner

	serviceTimeout time.Duration
}

// stepRunner executes nested operations under the caller's lock.
type stepRunner interface {
	step(parent *Context, op model.Operation, policy RemovePolicy) (*model.Operation, model.Value, *OperationError)
}

// Context returns the invocation's context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// Capabilities returns the capability set.
func (c *Context) Capabilities() Capabilities { return c.caps }

// IsBooting reports whether the operation runs as part of boot.
func (c *Context) IsBooting() bool { return c.caps.Has(CapBoot) }

// Model returns the write gateway scoped to the operation's address.
func (c *Context) Model() *model.SubModel { return c.model }

// Address returns the operation's address.
func (c *Context) Address() model.Address { return c.model.Address() }

// Runtime returns the service target when the context is runtime-capable.
func (c *Context) Runtime() (services.Target, bool) {
	if !c.caps.Has(CapRuntime) || c.target == nil {
		return nil, false
	}
	return c.target, true
}

// Services returns the service container when the context is runtime-capable
// and the invocation is still in progress.
func (c *Context) Services() (*services.Container, bool) {
	if !c.caps.Has(CapRuntime) || c.target == nil || c.target.Closed() {
		return nil, false
	}
	return c.target.Container(), true
}

// Boot returns the deployment processor target during boot.
func (c *Context) Boot() (boot.ProcessorTarget, bool) {
	if !c.caps.Has(CapBoot) || c.processors == nil {
		return nil, false
	}
	return c.processors, true
}

// Resolver returns the resolver for expressions.
func (c *Context) Resolver() model.PropertyResolver { return c.resolver }

// SystemProperties returns the mutable system property set.
func (c *Context) SystemProperties() *model.SystemProperties { return c.properties }

// RemovePolicy returns how removing a missing resource is treated.
func (c *Context) RemovePolicy() RemovePolicy { return c.removePolicy }

// Logger returns a logger carrying the operation's fields.
func (c *Context) Logger() *zerolog.Logger { return &c.logger }

// ServiceTimeout bounds how long a handler waits for services it changed to settle.
func (c *Context) ServiceTimeout() time.Duration { return c.serviceTimeout }

// Registry returns the operation registry, for introspection handlers.
func (c *Context) Registry() *Registry { return c.registry }

// Step runs a nested operation under the lock already held by this invocation and
// with this invocation's remove policy. When the step fails after changing the
// model, its compensating operation is returned along with the error.
func (c *Context) Step(op model.Operation) (*model.Operation, model.Value, error) {
	return c.runStep(op, c.removePolicy)
}

// Compensate runs a compensating operation under the lock already held by this
// invocation, always with RemoveStrict.
func (c *Context) Compensate(op model.Operation) error {
	_, _, err := c.runStep(op, RemoveStrict)
	return err
}

func (c *Context) runStep(op model.Operation, policy RemovePolicy) (*model.Operation, model.Value, error) {
	if c.steps == nil {
		return nil, model.Undefined, NewInternalError("nested operations are not available", nil)
	}
	comp, res, opErr := c.steps.step(c, op, policy)
	if opErr != nil {
		return comp, model.Undefined, opErr
	}
	return comp, res, nil
}

// close rejects every later write made through this context.
func (c *Context) close() {
	c.model.Close()
	if c.target != nil {
		c.target.Close()
	}
}

// derive returns a context for a nested operation at addr. Its model gateway
// closes with the parent's.
func (c *Context) derive(addr model.Address, policy RemovePolicy) *Context {
	child := *c
	child.model = c.model.Derive(addr)
	child.removePolicy = policy
	child.logger = c.logger.With().Str("step_address", addr.String()).Logger()
	return &child
}
