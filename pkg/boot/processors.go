package boot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Phase is a stage of the deployment pipeline.
type Phase int

const (
	// PhaseStructure builds the structure of the deployment unit.
	PhaseStructure Phase = iota

	// PhaseParse reads descriptors and annotations.
	PhaseParse

	// PhaseDependencies resolves the unit's module dependencies.
	PhaseDependencies

	// PhaseConfigureModule configures the unit's module.
	PhaseConfigureModule

	// PhasePostModule runs once the module is available.
	PhasePostModule

	// PhaseInstall installs the unit's runtime services.
	PhaseInstall

	// PhaseCleanup releases data only needed while deploying.
	PhaseCleanup
)

var phaseNames = []string{"STRUCTURE", "PARSE", "DEPENDENCIES", "CONFIGURE_MODULE", "POST_MODULE", "INSTALL", "CLEANUP"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	if p < PhaseStructure || p > PhaseCleanup {
		return fmt.Errorf("invalid deployment phase: %d", int(p))
	}
	return nil
}

// ParsePhase parses a phase name case-insensitively.
func ParsePhase(s string) (Phase, error) {
	norm := strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	for i, name := range phaseNames {
		if name == norm {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("invalid deployment phase: %s", s)
}

// DeploymentUnit is one deployable artifact moving through the processor chain.
// Processors communicate through attachments.
type DeploymentUnit struct {
	Name string

	mu          sync.RWMutex
	attachments map[string]any
}

// NewDeploymentUnit creates an empty unit.
func NewDeploymentUnit(name string) *DeploymentUnit {
	return &DeploymentUnit{Name: name, attachments: make(map[string]any)}
}

// PutAttachment stores a value under key.
func (u *DeploymentUnit) PutAttachment(key string, v any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attachments[key] = v
}

// Attachment returns the value stored under key.
func (u *DeploymentUnit) Attachment(key string) (any, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	v, ok := u.attachments[key]
	return v, ok
}

// RemoveAttachment deletes the value stored under key.
func (u *DeploymentUnit) RemoveAttachment(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.attachments, key)
}

// Processor handles one step of deploying a unit.
type Processor interface {
	Name() string
	Deploy(ctx context.Context, unit *DeploymentUnit) error
	Undeploy(ctx context.Context, unit *DeploymentUnit)
}

// ProcessorFuncs adapts functions to Processor. Nil functions are no-ops.
type ProcessorFuncs struct {
	ID           string
	DeployFunc   func(ctx context.Context, unit *DeploymentUnit) error
	UndeployFunc func(ctx context.Context, unit *DeploymentUnit)
}

// Name implements Processor.
func (p ProcessorFuncs) Name() string { return p.ID }

// Deploy implements Processor.
func (p ProcessorFuncs) Deploy(ctx context.Context, unit *DeploymentUnit) error {
	if p.DeployFunc == nil {
		return nil
	}
	return p.DeployFunc(ctx, unit)
}

// Undeploy implements Processor.
func (p ProcessorFuncs) Undeploy(ctx context.Context, unit *DeploymentUnit) {
	if p.UndeployFunc != nil {
		p.UndeployFunc(ctx, unit)
	}
}

// ProcessorTarget is the boot-only capability handed to operation handlers.
type ProcessorTarget interface {
	AddDeploymentProcessor(phase Phase, priority int, p Processor) error
}

// Registry errors.
var (
	ErrDuplicateProcessor = errors.New("duplicate deployment processor")
	ErrRegistrySealed     = errors.New("deployment processors can only be added during boot")
)

// ProcessorEntry is one registered processor and its position in the chain.
type ProcessorEntry struct {
	Phase     Phase     `json:"phase"`
	Priority  int       `json:"priority"`
	Name      string    `json:"name"`
	Processor Processor `json:"-"`
}

// ProcessorRegistry collects deployment processors during boot, ordered by
// (phase, priority) ascending.
type ProcessorRegistry struct {
	mu      sync.RWMutex
	entries []ProcessorEntry
	sealed  bool
}

// NewProcessorRegistry creates an empty registry.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{}
}

// AddDeploymentProcessor implements ProcessorTarget. Two processors may not share
// the same phase and priority.
func (r *ProcessorRegistry) AddDeploymentProcessor(phase Phase, priority int, p Processor) error {
	if err := phase.Validate(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("deployment processor at %s/%d is nil", phase, priority)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	for _, e := range r.entries {
		if e.Phase == phase && e.Priority == priority {
			return fmt.Errorf("%w: %s/%d is taken by %s", ErrDuplicateProcessor, phase, priority, e.Name)
		}
	}

	r.entries = append(r.entries, ProcessorEntry{Phase: phase, Priority: priority, Name: p.Name(), Processor: p})
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].Phase != r.entries[j].Phase {
			return r.entries[i].Phase < r.entries[j].Phase
		}
		return r.entries[i].Priority < r.entries[j].Priority
	})
	return nil
}

// Seal rejects further registrations.
func (r *ProcessorRegistry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Entries returns the registered processors in chain order.
func (r *ProcessorRegistry) Entries() []ProcessorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ProcessorEntry(nil), r.entries...)
}

// DeploymentError reports the processor that failed to deploy a unit.
type DeploymentError struct {
	Unit      string
	Phase     Phase
	Priority  int
	Processor string
	Err       error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("failed to deploy %s: processor %s at %s/%d: %v", e.Unit, e.Processor, e.Phase, e.Priority, e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// Chain deploys units through the processors of a registry.
type Chain struct {
	registry *ProcessorRegistry
}

// NewChain creates a chain over registry.
func NewChain(registry *ProcessorRegistry) *Chain {
	return &Chain{registry: registry}
}

// Deploy runs every processor in order. When one fails, the processors that already
// ran are undeployed in reverse order.
func (c *Chain) Deploy(ctx context.Context, unit *DeploymentUnit) error {
	entries := c.registry.Entries()
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			c.undeploy(ctx, unit, entries[:i])
			return err
		}
		if err := e.Processor.Deploy(ctx, unit); err != nil {
			c.undeploy(ctx, unit, entries[:i])
			return &DeploymentError{Unit: unit.Name, Phase: e.Phase, Priority: e.Priority, Processor: e.Name, Err: err}
		}
	}
	return nil
}

// Undeploy runs every processor's undeploy step in reverse order.
func (c *Chain) Undeploy(ctx context.Context, unit *DeploymentUnit) {
	c.undeploy(ctx, unit, c.registry.Entries())
}

func (c *Chain) undeploy(ctx context.Context, unit *DeploymentUnit, done []ProcessorEntry) {
	for i := len(done) - 1; i >= 0; i-- {
		done[i].Processor.Undeploy(context.WithoutCancel(ctx), unit)
	}
}
