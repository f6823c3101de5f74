package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Options configures a Container.
type Options struct {
	// MaxWorkers bounds the number of start/stop actions running at once.
	MaxWorkers int

	// Logger receives lifecycle logs.
	Logger zerolog.Logger

	// Listeners observe every transition in the container.
	Listeners []Listener
}

type dependency struct {
	name     Name
	injector Injector
}

type node struct {
	name      Name
	service   Service
	mode      Mode
	state     State
	deps      []dependency
	listeners []Listener

	// dependents holds installed services that depend on this one.
	dependents map[Name]*node

	// unresolved counts dependencies that are not installed.
	unresolved int

	// available counts dependencies that are UP and not draining.
	available int

	// running counts dependents in an active state.
	running int

	// demand counts dependents that want to be up.
	demand int

	// demanding is true while this node adds to its dependencies' demand.
	demanding bool

	// draining is true while an UP node waits for its dependents to stop.
	draining bool

	failure     error
	upSeq       uint64
	downSeq     uint64
	installedAt time.Time
	removed     chan struct{}
}

func (n *node) isAvailable() bool {
	return n.state == StateUp && !n.draining
}

func (n *node) wantsUp() bool {
	switch n.mode {
	case ModeActive:
		return true
	case ModeOnDemand:
		return n.demand > 0 || n.state == StateStarting || n.state == StateUp
	default:
		return false
	}
}

// Container is the service lifecycle graph. Node bookkeeping happens under one short
// mutex; start and stop actions run on a bounded pool of worker goroutines.
type Container struct {
	mu      sync.Mutex
	nodes   map[Name]*node
	waiting map[Name]map[Name]*node
	work    []*node
	queued  map[*node]bool
	pending []pendingNotification
	seq     uint64
	busy    int
	idle    chan struct{}
	closed  bool

	notifyMu  sync.Mutex
	listeners []Listener

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

type pendingNotification struct {
	transition Transition
	listeners  []Listener
}

// NewContainer creates an empty container.
func NewContainer(opts Options) *Container {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Container{
		nodes:     make(map[Name]*node),
		waiting:   make(map[Name]map[Name]*node),
		queued:    make(map[*node]bool),
		idle:      idle,
		listeners: append([]Listener(nil), opts.Listeners...),
		sem:       semaphore.NewWeighted(int64(workers)),
		ctx:       ctx,
		cancel:    cancel,
		logger:    opts.Logger.With().Str("component", "services").Logger(),
	}
}

// AddListener registers a container-wide listener.
func (c *Container) AddListener(l Listener) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// AddService starts building a service installation.
func (c *Container) AddService(name Name, svc Service) *Builder {
	return &Builder{target: c, name: name, service: svc, mode: ModeActive}
}

func (c *Container) install(b *Builder) (*Controller, error) {
	if err := b.name.Validate(); err != nil {
		return nil, err
	}
	if b.service == nil {
		return nil, fmt.Errorf("service %s has no implementation", b.name)
	}
	if err := b.mode.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrContainerClosed
	}
	if _, exists := c.nodes[b.name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateService, b.name)
	}
	depNames := make([]Name, len(b.deps))
	for i, d := range b.deps {
		depNames[i] = d.name
	}
	if cycle := c.findCycle(b.name, depNames); cycle != nil {
		c.mu.Unlock()
		return nil, &CycleError{Cycle: cycle}
	}

	n := &node{
		name:        b.name,
		service:     b.service,
		mode:        b.mode,
		state:       StateDown,
		deps:        append([]dependency(nil), b.deps...),
		listeners:   append([]Listener(nil), b.listeners...),
		dependents:  make(map[Name]*node),
		installedAt: time.Now(),
		removed:     make(chan struct{}),
	}
	c.nodes[n.name] = n

	for _, dep := range n.deps {
		if d, ok := c.nodes[dep.name]; ok {
			d.dependents[n.name] = n
			if d.isAvailable() {
				n.available++
			}
			continue
		}
		n.unresolved++
		if c.waiting[dep.name] == nil {
			c.waiting[dep.name] = make(map[Name]*node)
		}
		c.waiting[dep.name][n.name] = n
	}

	for _, w := range c.waiting[n.name] {
		n.dependents[w.name] = w
		w.unresolved--
		if w.demanding {
			n.demand++
		}
		c.enqueue(w)
	}
	delete(c.waiting, n.name)

	c.logger.Debug().Str("service", string(n.name)).Str("mode", string(n.mode)).
		Int("unresolved", n.unresolved).Msg("Service installed")

	c.enqueue(n)
	c.drain()
	c.mu.Unlock()
	c.flush()

	return &Controller{c: c, n: n}, nil
}

// findCycle reports the path from name back to itself through deps, if one exists.
// The installed graph is acyclic, so any cycle must pass through the new node.
func (c *Container) findCycle(name Name, deps []Name) []Name {
	visited := make(map[Name]bool)
	var path []Name

	var visit func(cur Name) bool
	visit = func(cur Name) bool {
		if cur == name {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		n, ok := c.nodes[cur]
		if !ok {
			return false
		}
		for _, d := range n.deps {
			path = append(path, d.name)
			if visit(d.name) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}

	for _, d := range deps {
		path = []Name{name, d}
		if visit(d) {
			return path
		}
	}
	return nil
}

func (c *Container) enqueue(n *node) {
	if c.queued[n] {
		return
	}
	c.queued[n] = true
	c.work = append(c.work, n)
}

// drain evaluates queued nodes until no more changes follow. Must hold c.mu.
func (c *Container) drain() {
	for len(c.work) > 0 {
		n := c.work[0]
		c.work = c.work[1:]
		delete(c.queued, n)
		c.evaluate(n)
	}
}

func (c *Container) evaluate(n *node) {
	if n.state == StateRemoved {
		return
	}
	c.updateDemand(n)

	switch n.state {
	case StateDown:
		if n.mode == ModeRemove {
			c.removeNode(n)
			return
		}
		if n.wantsUp() && n.unresolved == 0 && n.available == len(n.deps) {
			c.beginStart(n)
		}

	case StateStartFailed:
		if n.mode == ModeRemove {
			c.removeNode(n)
		}

	case StateUp:
		shouldStop := !n.wantsUp() || n.unresolved > 0 || n.available < len(n.deps)
		switch {
		case shouldStop && !n.draining:
			n.draining = true
			for _, d := range n.dependents {
				d.available--
				c.enqueue(d)
			}
		case !shouldStop && n.draining:
			n.draining = false
			for _, d := range n.dependents {
				d.available++
				c.enqueue(d)
			}
		}
		if n.draining && n.running == 0 {
			c.beginStop(n)
		}
	}
}

// updateDemand adds or withdraws this node's demand on its installed dependencies.
func (c *Container) updateDemand(n *node) {
	want := n.wantsUp()
	if want == n.demanding {
		return
	}
	n.demanding = want
	delta := -1
	if want {
		delta = 1
	}
	for _, dep := range n.deps {
		if d, ok := c.nodes[dep.name]; ok {
			d.demand += delta
			c.enqueue(d)
		}
	}
}

func (c *Container) beginStart(n *node) {
	c.transition(n, StateStarting, nil)

	type injection struct {
		injector Injector
		service  Service
	}
	var injections []injection
	for _, dep := range n.deps {
		d := c.nodes[dep.name]
		d.running++
		if dep.injector != nil {
			injections = append(injections, injection{injector: dep.injector, service: d.service})
		}
	}

	svc := n.service
	c.schedule(func() {
		var err error
		for _, inj := range injections {
			var value any
			if vs, ok := inj.service.(ValueService); ok {
				value = vs.Value()
			}
			if err = inj.injector.Inject(value); err != nil {
				break
			}
		}
		if err == nil {
			err = safeStart(c.ctx, svc)
		}
		if err != nil {
			for _, dep := range n.deps {
				if dep.injector != nil {
					dep.injector.Uninject()
				}
			}
		}

		c.finishTask(func() { c.startCompleted(n, err) })
	})
}

func (c *Container) startCompleted(n *node, err error) {
	if err != nil {
		n.failure = &StartError{Name: n.name, Err: err}
		c.transition(n, StateStartFailed, n.failure)
		c.releaseDependencies(n)
		c.logger.Error().Err(err).Str("service", string(n.name)).Msg("Service failed to start")
		c.enqueue(n)
		return
	}

	n.failure = nil
	n.draining = false
	c.transition(n, StateUp, nil)
	for _, d := range n.dependents {
		d.available++
		c.enqueue(d)
	}
	c.enqueue(n)
}

func (c *Container) beginStop(n *node) {
	c.transition(n, StateStopping, nil)

	svc := n.service
	c.schedule(func() {
		safeStop(context.Background(), svc, c.logger, n.name)
		for _, dep := range n.deps {
			if dep.injector != nil {
				dep.injector.Uninject()
			}
		}

		c.finishTask(func() {
			n.draining = false
			c.transition(n, StateDown, nil)
			c.releaseDependencies(n)
			c.enqueue(n)
		})
	})
}

func (c *Container) releaseDependencies(n *node) {
	for _, dep := range n.deps {
		if d, ok := c.nodes[dep.name]; ok {
			d.running--
			c.enqueue(d)
		}
	}
}

func (c *Container) removeNode(n *node) {
	c.transition(n, StateRemoved, nil)
	delete(c.nodes, n.name)

	for _, dep := range n.deps {
		if d, ok := c.nodes[dep.name]; ok {
			delete(d.dependents, n.name)
			continue
		}
		if w := c.waiting[dep.name]; w != nil {
			delete(w, n.name)
			if len(w) == 0 {
				delete(c.waiting, dep.name)
			}
		}
	}

	for _, w := range n.dependents {
		w.unresolved++
		if c.waiting[n.name] == nil {
			c.waiting[n.name] = make(map[Name]*node)
		}
		c.waiting[n.name][w.name] = w
		c.enqueue(w)
	}
	n.dependents = nil

	c.logger.Debug().Str("service", string(n.name)).Msg("Service removed")
	close(n.removed)
}

func (c *Container) transition(n *node, to State, err error) {
	from := n.state
	n.state = to
	c.seq++
	switch to {
	case StateUp:
		n.upSeq = c.seq
	case StateDown:
		n.downSeq = c.seq
	}

	c.logger.Trace().Str("service", string(n.name)).Str("from", string(from)).
		Str("to", string(to)).Uint64("seq", c.seq).Msg("Service transition")

	c.pending = append(c.pending, pendingNotification{
		transition: Transition{Name: n.name, From: from, To: to, Sequence: c.seq, Timestamp: time.Now(), Err: err},
		listeners:  n.listeners,
	})
}

// schedule runs fn on the worker pool. Must hold c.mu.
func (c *Container) schedule(fn func()) {
	if c.busy == 0 {
		c.idle = make(chan struct{})
	}
	c.busy++

	go func() {
		// Acquire with a background context never fails.
		_ = c.sem.Acquire(context.Background(), 1)
		defer c.sem.Release(1)
		fn()
	}()
}

// finishTask applies a task's result, delivers the resulting notifications and only
// then marks the task done, so a stable container has no undelivered transitions.
func (c *Container) finishTask(update func()) {
	c.mu.Lock()
	update()
	c.drain()
	c.mu.Unlock()
	c.flush()

	c.mu.Lock()
	c.taskDone()
	c.mu.Unlock()
}

// taskDone marks one scheduled task finished. Must hold c.mu.
func (c *Container) taskDone() {
	c.busy--
	if c.busy == 0 {
		close(c.idle)
	}
}

// flush delivers pending notifications in sequence order. Must not hold c.mu.
// Listeners run on the flushing goroutine and must not install, remove or change
// the mode of services synchronously.
func (c *Container) flush() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, p := range batch {
			for _, l := range c.listeners {
				l.Transition(p.transition)
			}
			for _, l := range p.listeners {
				l.Transition(p.transition)
			}
		}
	}
}

func safeStart(ctx context.Context, svc Service) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in start: %v\n%s", r, debug.Stack())
		}
	}()
	return svc.Start(ctx)
}

func safeStop(ctx context.Context, svc Service, logger zerolog.Logger, name Name) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("service", string(name)).Interface("panic", r).Msg("Service stop panicked")
		}
	}()
	svc.Stop(ctx)
}

// Service returns the controller for an installed service.
func (c *Container) Service(name Name) (*Controller, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[name]
	if !ok {
		return nil, false
	}
	return &Controller{c: c, n: n}, true
}

// Names returns the installed service names, sorted.
func (c *Container) Names() []Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]Name, 0, len(c.nodes))
	for name := range c.nodes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Status returns a snapshot of one service.
func (c *Container) Status(name Name) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[name]
	if !ok {
		return Status{Name: name, State: StateRemoved}, false
	}
	return c.status(n), true
}

func (c *Container) status(n *node) Status {
	s := Status{
		Name:         n.name,
		State:        n.state,
		Mode:         n.mode,
		Demand:       n.demand,
		UpSequence:   n.upSeq,
		DownSequence: n.downSeq,
		InstalledAt:  n.installedAt,
	}
	for _, dep := range n.deps {
		s.Dependencies = append(s.Dependencies, dep.name)
		if _, ok := c.nodes[dep.name]; !ok {
			s.Missing = append(s.Missing, dep.name)
		}
	}
	for name := range n.dependents {
		s.Dependents = append(s.Dependents, name)
	}
	sort.Slice(s.Dependents, func(i, j int) bool { return s.Dependents[i] < s.Dependents[j] })
	if n.failure != nil {
		s.Failure = n.failure.Error()
	}
	return s
}

// SetMode changes a service's mode. Setting the current mode is a no-op.
// A service in REMOVE mode cannot be given another mode.
func (c *Container) SetMode(name Name, mode Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	n, ok := c.nodes[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if err := c.setMode(n, mode); err != nil {
		c.mu.Unlock()
		return err
	}
	c.drain()
	c.mu.Unlock()
	c.flush()
	return nil
}

func (c *Container) setMode(n *node, mode Mode) error {
	if n.mode == mode {
		return nil
	}
	if n.mode == ModeRemove {
		return fmt.Errorf("%w: %s", ErrServiceRemoving, n.name)
	}
	c.logger.Debug().Str("service", string(n.name)).Str("from", string(n.mode)).
		Str("to", string(mode)).Msg("Service mode changed")
	n.mode = mode
	if n.state == StateStartFailed && mode != ModeRemove {
		n.failure = nil
		c.transition(n, StateDown, nil)
	}
	c.enqueue(n)
	return nil
}

// Remove sets the service to REMOVE and returns a channel closed once it is unregistered.
// Removing an unknown service returns an already closed channel.
func (c *Container) Remove(name Name) <-chan struct{} {
	c.mu.Lock()
	n, ok := c.nodes[name]
	if !ok {
		c.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	_ = c.setMode(n, ModeRemove)
	c.drain()
	c.mu.Unlock()
	c.flush()
	return n.removed
}

// Retry moves a START_FAILED service back to DOWN so it may start again.
func (c *Container) Retry(name Name) error {
	c.mu.Lock()
	n, ok := c.nodes[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if n.state == StateStartFailed {
		n.failure = nil
		c.transition(n, StateDown, nil)
		c.enqueue(n)
		c.drain()
	}
	c.mu.Unlock()
	c.flush()
	return nil
}

// AwaitStability blocks until no start or stop action is in flight.
func (c *Container) AwaitStability(ctx context.Context) (*StabilityReport, error) {
	for {
		c.mu.Lock()
		if c.busy == 0 {
			report := c.report()
			c.mu.Unlock()
			return report, nil
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Container) report() *StabilityReport {
	r := &StabilityReport{
		Missing: make(map[Name][]Name),
		Failed:  make(map[Name]string),
		States:  make(map[State]int),
	}
	for _, n := range c.nodes {
		r.States[n.state]++
		if n.state == StateStartFailed && n.failure != nil {
			r.Failed[n.name] = n.failure.Error()
		}
		if n.unresolved > 0 && n.wantsUp() {
			for _, dep := range n.deps {
				if _, ok := c.nodes[dep.name]; !ok {
					r.Missing[n.name] = append(r.Missing[n.name], dep.name)
				}
			}
		}
	}
	return r
}

// AwaitServices waits for stability and returns the start failures among names.
func (c *Container) AwaitServices(ctx context.Context, names []Name) (map[Name]error, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if _, err := c.AwaitStability(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	failures := make(map[Name]error)
	for _, name := range names {
		if n, ok := c.nodes[name]; ok && n.state == StateStartFailed && n.failure != nil {
			failures[name] = n.failure
		}
	}
	return failures, nil
}

// Shutdown removes every service, dependents first, and waits for the graph to empty.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, n := range c.nodes {
		_ = c.setMode(n, ModeRemove)
	}
	c.drain()
	c.mu.Unlock()
	c.flush()

	for {
		if _, err := c.AwaitStability(ctx); err != nil {
			return fmt.Errorf("failed to shut down services: %w", err)
		}
		c.mu.Lock()
		remaining := len(c.nodes)
		c.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to shut down services: %d remaining: %w", remaining, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.cancel()
	c.logger.Info().Msg("Service container shut down")
	return nil
}
