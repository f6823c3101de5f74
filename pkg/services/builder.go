package services

import "sync"

// Target is where runtime-capable operation handlers install services.
type Target interface {
	AddService(name Name, svc Service) *Builder
}

type installer interface {
	install(b *Builder) (*Controller, error)
}

// Builder collects a service's dependencies and initial mode before installation.
type Builder struct {
	target    installer
	name      Name
	service   Service
	mode      Mode
	deps      []dependency
	listeners []Listener
}

// AddDependency declares that the service needs name to be up before it starts.
// Declaring the same dependency twice has no effect.
func (b *Builder) AddDependency(name Name) *Builder {
	return b.AddInjectedDependency(name, nil)
}

// AddDependencies declares several dependencies.
func (b *Builder) AddDependencies(names ...Name) *Builder {
	for _, n := range names {
		b.AddDependency(n)
	}
	return b
}

// AddInjectedDependency declares a dependency whose value is injected before start.
func (b *Builder) AddInjectedDependency(name Name, inj Injector) *Builder {
	for i := range b.deps {
		if b.deps[i].name == name {
			if inj != nil {
				b.deps[i].injector = inj
			}
			return b
		}
	}
	b.deps = append(b.deps, dependency{name: name, injector: inj})
	return b
}

// SetInitialMode sets the mode the service is installed with. The default is ACTIVE.
func (b *Builder) SetInitialMode(mode Mode) *Builder {
	b.mode = mode
	return b
}

// AddListener registers a listener for this service only.
func (b *Builder) AddListener(l Listener) *Builder {
	b.listeners = append(b.listeners, l)
	return b
}

// Install registers the service. It fails on duplicate names and dependency cycles,
// in which case nothing is registered.
func (b *Builder) Install() (*Controller, error) {
	return b.target.install(b)
}

// TrackingTarget records the services installed through it. Once closed it
// refuses further installations.
type TrackingTarget struct {
	container *Container

	mu        sync.Mutex
	installed []Name
	closed    bool
}

// NewTrackingTarget wraps a container.
func NewTrackingTarget(c *Container) *TrackingTarget {
	return &TrackingTarget{container: c}
}

// AddService implements Target.
func (t *TrackingTarget) AddService(name Name, svc Service) *Builder {
	return &Builder{target: t, name: name, service: svc, mode: ModeActive}
}

func (t *TrackingTarget) install(b *Builder) (*Controller, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTargetClosed
	}
	ctrl, err := t.container.install(b)
	if err == nil {
		t.installed = append(t.installed, b.name)
	}
	return ctrl, err
}

// Installed returns the names installed so far.
func (t *TrackingTarget) Installed() []Name {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Name(nil), t.installed...)
}

// Close makes later installations fail with ErrTargetClosed. An installation in
// progress completes first.
func (t *TrackingTarget) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Closed reports whether Close was called.
func (t *TrackingTarget) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Container returns the wrapped container.
func (t *TrackingTarget) Container() *Container {
	return t.container
}
