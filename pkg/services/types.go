package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Name is a hierarchical, dot-separated service identifier such as "keel.binding.http".
type Name string

// NewName joins segments into a name.
func NewName(segments ...string) Name {
	return Name(strings.Join(segments, "."))
}

// Append returns the name extended by segments.
func (n Name) Append(segments ...string) Name {
	if n == "" {
		return NewName(segments...)
	}
	return Name(string(n) + "." + strings.Join(segments, "."))
}

// Parent returns the name without its last segment.
func (n Name) Parent() Name {
	idx := strings.LastIndexByte(string(n), '.')
	if idx < 0 {
		return ""
	}
	return n[:idx]
}

// Segments splits the name.
func (n Name) Segments() []string {
	if n == "" {
		return nil
	}
	return strings.Split(string(n), ".")
}

// Validate checks that the name has no empty segments.
func (n Name) Validate() error {
	if n == "" {
		return errors.New("service name is empty")
	}
	for _, s := range n.Segments() {
		if s == "" {
			return fmt.Errorf("service name %q has an empty segment", string(n))
		}
	}
	return nil
}

func (n Name) String() string { return string(n) }

// Well-known service names.
var (
	Keel                   = NewName("keel")
	ServerController       = Keel.Append("server-controller")
	DeploymentModuleLoader = Keel.Append("deployment-module-loader")
	DeployerChains         = Keel.Append("deployer-chains")
)

// State is the lifecycle state of a service.
type State string

const (
	// StateDown means the service is installed but not running.
	StateDown State = "DOWN"

	// StateStarting means the start action is running.
	StateStarting State = "STARTING"

	// StateUp means the service is running.
	StateUp State = "UP"

	// StateStopping means the stop action is running.
	StateStopping State = "STOPPING"

	// StateStartFailed means the last start action returned an error.
	StateStartFailed State = "START_FAILED"

	// StateRemoved is terminal; the service is no longer registered.
	StateRemoved State = "REMOVED"
)

// IsActive returns true while the service holds its dependencies up.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateUp || s == StateStopping
}

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateRemoved
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateDown, StateStarting, StateUp, StateStopping, StateStartFailed, StateRemoved:
		return nil
	default:
		return fmt.Errorf("invalid service state: %s", s)
	}
}

// Mode is the declared scheduling intent of a service.
type Mode string

const (
	// ModeActive keeps the service up whenever its dependencies allow.
	ModeActive Mode = "ACTIVE"

	// ModeOnDemand starts the service once a dependent needs it. A running
	// on-demand service stays up until its mode or dependencies change.
	ModeOnDemand Mode = "ON_DEMAND"

	// ModeNever keeps the service down.
	ModeNever Mode = "NEVER"

	// ModeRemove stops the service and then unregisters it.
	ModeRemove Mode = "REMOVE"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeActive, ModeOnDemand, ModeNever, ModeRemove:
		return nil
	default:
		return fmt.Errorf("invalid service mode: %s", m)
	}
}

// ParseMode parses a mode name case-insensitively. "LAZY" is accepted for ON_DEMAND.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.ReplaceAll(s, "-", "_"))); m {
	case "LAZY":
		return ModeOnDemand, nil
	default:
		return m, m.Validate()
	}
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Service is the runtime artifact behind a graph node.
// Start is called once every dependency is up; Stop is called once every dependent is down.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// ValueService is a service that exposes a value to dependents and handlers.
type ValueService interface {
	Service
	Value() any
}

// Funcs adapts plain functions to ValueService. Nil functions are no-ops.
type Funcs struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context)
	ValueFunc func() any
}

// Start implements Service.
func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

// Stop implements Service.
func (f Funcs) Stop(ctx context.Context) {
	if f.StopFunc != nil {
		f.StopFunc(ctx)
	}
}

// Value implements ValueService.
func (f Funcs) Value() any {
	if f.ValueFunc == nil {
		return nil
	}
	return f.ValueFunc()
}

// Injector receives a dependency's value before the dependent starts and releases it after it stops.
type Injector interface {
	Inject(value any) error
	Uninject()
}

// InjectedValue is an Injector holding a typed value.
type InjectedValue[T any] struct {
	mu  sync.RWMutex
	v   T
	set bool
}

// Inject implements Injector.
func (i *InjectedValue[T]) Inject(value any) error {
	v, ok := value.(T)
	if !ok {
		var zero T
		return fmt.Errorf("cannot inject %T into %T", value, zero)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.v, i.set = v, true
	return nil
}

// Uninject implements Injector.
func (i *InjectedValue[T]) Uninject() {
	i.mu.Lock()
	defer i.mu.Unlock()
	var zero T
	i.v, i.set = zero, false
}

// Get returns the injected value and whether one is present.
func (i *InjectedValue[T]) Get() (T, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.v, i.set
}

// Transition is a state change of one service.
type Transition struct {
	// Name is the service that changed state.
	Name Name `json:"name"`

	// From is the previous state.
	From State `json:"from"`

	// To is the new state.
	To State `json:"to"`

	// Sequence orders transitions across the whole container.
	Sequence uint64 `json:"sequence"`

	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`

	// Err is the start failure, if To is START_FAILED.
	Err error `json:"-"`
}

// Listener observes service transitions. Transitions are delivered in sequence
// order, outside of the container lock.
type Listener interface {
	Transition(t Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(t Transition)

// Transition implements Listener.
func (f ListenerFunc) Transition(t Transition) { f(t) }

// Status is a point-in-time view of one service.
type Status struct {
	Name         Name      `json:"name"`
	State        State     `json:"state"`
	Mode         Mode      `json:"mode"`
	Dependencies []Name    `json:"dependencies,omitempty"`
	Missing      []Name    `json:"missing,omitempty"`
	Dependents   []Name    `json:"dependents,omitempty"`
	Demand       int       `json:"demand"`
	UpSequence   uint64    `json:"up_sequence,omitempty"`
	DownSequence uint64    `json:"down_sequence,omitempty"`
	Failure      string    `json:"failure,omitempty"`
	InstalledAt  time.Time `json:"installed_at"`
}

// StabilityReport summarizes a container with no transitions in flight.
type StabilityReport struct {
	// Missing maps services that want to start to the dependencies that are not installed.
	Missing map[Name][]Name `json:"missing,omitempty"`

	// Failed maps services in START_FAILED to their failure.
	Failed map[Name]string `json:"failed,omitempty"`

	// States counts services per state.
	States map[State]int `json:"states"`
}

// HasProblems reports whether any service is missing dependencies or failed.
func (r *StabilityReport) HasProblems() bool {
	return len(r.Missing) > 0 || len(r.Failed) > 0
}
