package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu     sync.Mutex
	events []Transition
}

func (r *recorder) Transition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

// last returns the sequence of the last transition of name into state, or 0.
func (r *recorder) last(name Name, to State) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seq uint64
	for _, e := range r.events {
		if e.Name == name && e.To == to {
			seq = e.Sequence
		}
	}
	return seq
}

func (r *recorder) count(name Name, to State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name && e.To == to {
			n++
		}
	}
	return n
}

func newTestContainer(t *testing.T) (*Container, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := NewContainer(Options{MaxWorkers: 4, Logger: zerolog.Nop(), Listeners: []Listener{rec}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, rec
}

func awaitStable(t *testing.T, c *Container) *StabilityReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := c.AwaitStability(ctx)
	if err != nil {
		t.Fatalf("Expected container to settle, got: %v", err)
	}
	return report
}

func mustInstall(t *testing.T, b *Builder) *Controller {
	t.Helper()
	ctrl, err := b.Install()
	if err != nil {
		t.Fatalf("Expected no error installing, got: %v", err)
	}
	return ctrl
}

func expectState(t *testing.T, c *Container, name Name, want State) {
	t.Helper()
	status, _ := c.Status(name)
	if status.State != want {
		t.Errorf("Expected %s to be %s, got %s", name, want, status.State)
	}
}

func TestContainer_DependencyOrder(t *testing.T) {
	c, _ := newTestContainer(t)

	mustInstall(t, c.AddService("a", Funcs{}))
	mustInstall(t, c.AddService("b", Funcs{}).AddDependency("a"))
	awaitStable(t, c)

	a, _ := c.Status("a")
	b, _ := c.Status("b")
	if a.State != StateUp || b.State != StateUp {
		t.Fatalf("Expected both UP, got a=%s b=%s", a.State, b.State)
	}
	if a.UpSequence >= b.UpSequence {
		t.Errorf("Expected a (%d) to reach UP before b (%d)", a.UpSequence, b.UpSequence)
	}
}

func TestContainer_InstallBeforeDependency(t *testing.T) {
	c, rec := newTestContainer(t)

	mustInstall(t, c.AddService("b", Funcs{}).AddDependency("a"))
	report := awaitStable(t, c)

	expectState(t, c, "b", StateDown)
	if missing := report.Missing["b"]; len(missing) != 1 || missing[0] != "a" {
		t.Errorf("Expected b to report missing a, got %v", report.Missing)
	}

	mustInstall(t, c.AddService("a", Funcs{}))
	awaitStable(t, c)

	expectState(t, c, "b", StateUp)
	if rec.last("a", StateUp) >= rec.last("b", StateUp) {
		t.Error("Expected a to reach UP before b")
	}
}

func TestContainer_TransitiveOrder(t *testing.T) {
	c, rec := newTestContainer(t)

	// d -> {b, c} -> a, installed in reverse.
	mustInstall(t, c.AddService("d", Funcs{}).AddDependencies("b", "c"))
	mustInstall(t, c.AddService("c", Funcs{}).AddDependency("a"))
	mustInstall(t, c.AddService("b", Funcs{}).AddDependency("a"))
	mustInstall(t, c.AddService("a", Funcs{}))
	awaitStable(t, c)

	a, b, cc, d := rec.last("a", StateUp), rec.last("b", StateUp), rec.last("c", StateUp), rec.last("d", StateUp)
	if a == 0 || b == 0 || cc == 0 || d == 0 {
		t.Fatalf("Expected all services UP, got a=%d b=%d c=%d d=%d", a, b, cc, d)
	}
	if !(a < b && a < cc && b < d && cc < d) {
		t.Errorf("Expected dependency order, got a=%d b=%d c=%d d=%d", a, b, cc, d)
	}

	levels := c.Levels()
	if len(levels) != 3 || levels[0][0] != "a" || levels[2][0] != "d" {
		t.Errorf("Unexpected levels: %v", levels)
	}
}

func TestContainer_CycleRejected(t *testing.T) {
	c, rec := newTestContainer(t)

	mustInstall(t, c.AddService("a", Funcs{}).AddDependency("b"))
	mustInstall(t, c.AddService("b", Funcs{}).AddDependency("c"))

	_, err := c.AddService("c", Funcs{}).AddDependency("a").Install()
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Expected CycleError, got %v", err)
	}
	if !strings.Contains(err.Error(), "c -> a -> b -> c") {
		t.Errorf("Unexpected cycle message: %v", err)
	}
	if _, ok := c.Service("c"); ok {
		t.Error("Expected c not to be registered")
	}

	awaitStable(t, c)
	for _, name := range []Name{"a", "b"} {
		if rec.count(name, StateStarting) != 0 {
			t.Errorf("Expected %s never to start", name)
		}
	}

	if _, err := c.AddService("self", Funcs{}).AddDependency("self").Install(); err == nil {
		t.Error("Expected self-dependency to be rejected")
	}
}

func TestContainer_DuplicateName(t *testing.T) {
	c, _ := newTestContainer(t)

	mustInstall(t, c.AddService("a", Funcs{}))
	_, err := c.AddService("a", Funcs{}).Install()
	if !errors.Is(err, ErrDuplicateService) {
		t.Errorf("Expected ErrDuplicateService, got %v", err)
	}
}

func TestContainer_DependentStopsFirst(t *testing.T) {
	c, rec := newTestContainer(t)

	var mu sync.Mutex
	var stops []Name
	stopper := func(name Name) Funcs {
		return Funcs{StopFunc: func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			stops = append(stops, name)
			mu.Unlock()
		}}
	}

	mustInstall(t, c.AddService("a", stopper("a")))
	mustInstall(t, c.AddService("b", stopper("b")).AddDependency("a"))
	awaitStable(t, c)

	if err := c.SetMode("a", ModeNever); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	awaitStable(t, c)

	expectState(t, c, "a", StateDown)
	expectState(t, c, "b", StateDown)
	if rec.last("b", StateDown) >= rec.last("a", StateStopping) {
		t.Error("Expected b to reach DOWN before a started stopping")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stops) != 2 || stops[0] != "b" || stops[1] != "a" {
		t.Errorf("Expected stop order [b a], got %v", stops)
	}

	// b stays ACTIVE and restarts once a is allowed up again.
	if err := c.SetMode("a", ModeActive); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	awaitStable(t, c)
	expectState(t, c, "b", StateUp)
}

func TestContainer_RemoveIsDeferredAndNameReusable(t *testing.T) {
	c, rec := newTestContainer(t)

	a := mustInstall(t, c.AddService("a", Funcs{}))
	mustInstall(t, c.AddService("b", Funcs{}).AddDependency("a"))
	awaitStable(t, c)

	select {
	case <-a.Remove():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected removal to complete")
	}
	awaitStable(t, c)

	if a.State() != StateRemoved {
		t.Errorf("Expected a to be REMOVED, got %s", a.State())
	}
	if rec.last("b", StateDown) >= rec.last("a", StateDown) {
		t.Error("Expected b to reach DOWN strictly before a")
	}
	status, ok := c.Status("b")
	if !ok || status.State != StateDown || len(status.Missing) != 1 {
		t.Errorf("Expected b DOWN and missing a, got %+v", status)
	}

	if err := a.SetMode(ModeActive); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Expected stale controller to fail, got %v", err)
	}

	mustInstall(t, c.AddService("a", Funcs{}))
	awaitStable(t, c)
	expectState(t, c, "b", StateUp)
}

func TestContainer_OnDemand(t *testing.T) {
	c, _ := newTestContainer(t)

	mustInstall(t, c.AddService("lazy", Funcs{}).SetInitialMode(ModeOnDemand))
	awaitStable(t, c)
	expectState(t, c, "lazy", StateDown)

	user := mustInstall(t, c.AddService("user", Funcs{}).AddDependency("lazy"))
	awaitStable(t, c)
	expectState(t, c, "lazy", StateUp)
	expectState(t, c, "user", StateUp)

	// Once started, an on-demand service stays up after its demand goes away.
	<-user.Remove()
	awaitStable(t, c)
	expectState(t, c, "lazy", StateUp)

	if err := c.SetMode("lazy", ModeNever); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	awaitStable(t, c)
	expectState(t, c, "lazy", StateDown)
}

func TestContainer_OnDemandChain(t *testing.T) {
	c, _ := newTestContainer(t)

	mustInstall(t, c.AddService("net", Funcs{}).SetInitialMode(ModeOnDemand))
	mustInstall(t, c.AddService("manager", Funcs{}).AddDependency("net").SetInitialMode(ModeOnDemand))
	mustInstall(t, c.AddService("binding", Funcs{}).AddDependencies("net", "manager").SetInitialMode(ModeOnDemand))
	awaitStable(t, c)
	for _, name := range []Name{"net", "manager", "binding"} {
		expectState(t, c, name, StateDown)
	}

	mustInstall(t, c.AddService("connector", Funcs{}).AddDependency("binding"))
	awaitStable(t, c)
	for _, name := range []Name{"net", "manager", "binding", "connector"} {
		expectState(t, c, name, StateUp)
	}
}

// On-demand services are sticky: losing their last dependent does not stop them,
// and a later dependent finds them up without a restart.
func TestContainer_OnDemandStaysUpWithoutDemand(t *testing.T) {
	c, rec := newTestContainer(t)

	mustInstall(t, c.AddService("net", Funcs{}).SetInitialMode(ModeOnDemand))
	mustInstall(t, c.AddService("binding", Funcs{}).AddDependency("net").SetInitialMode(ModeOnDemand))
	connector := mustInstall(t, c.AddService("connector", Funcs{}).AddDependency("binding"))
	awaitStable(t, c)

	<-connector.Remove()
	awaitStable(t, c)
	for _, name := range []Name{"net", "binding"} {
		expectState(t, c, name, StateUp)
		if n := rec.count(name, StateStopping); n != 0 {
			t.Errorf("Expected %s not to stop after losing its demand, got %d stops", name, n)
		}
	}

	mustInstall(t, c.AddService("connector", Funcs{}).AddDependency("binding"))
	awaitStable(t, c)
	expectState(t, c, "connector", StateUp)
	for _, name := range []Name{"net", "binding"} {
		if n := rec.count(name, StateStarting); n != 1 {
			t.Errorf("Expected %s to start once, got %d", name, n)
		}
	}
}

func TestContainer_ModeChangesAreIdempotent(t *testing.T) {
	c, rec := newTestContainer(t)

	mustInstall(t, c.AddService("a", Funcs{}))
	awaitStable(t, c)

	if err := c.SetMode("a", ModeActive); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := c.SetMode("a", ModeOnDemand); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	awaitStable(t, c)

	expectState(t, c, "a", StateUp)
	if n := rec.count("a", StateStopping); n != 0 {
		t.Errorf("Expected no stop, got %d", n)
	}

	if err := c.SetMode("missing", ModeNever); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Expected ErrServiceNotFound, got %v", err)
	}
	if err := c.SetMode("a", Mode("SOMETIMES")); err == nil {
		t.Error("Expected invalid mode to be rejected")
	}
}

func TestContainer_StartFailure(t *testing.T) {
	c, _ := newTestContainer(t)

	var fail atomic.Bool
	fail.Store(true)
	mustInstall(t, c.AddService("flaky", Funcs{StartFunc: func(context.Context) error {
		if fail.Load() {
			return errors.New("address unavailable")
		}
		return nil
	}}))
	mustInstall(t, c.AddService("dependent", Funcs{}).AddDependency("flaky"))
	report := awaitStable(t, c)

	expectState(t, c, "flaky", StateStartFailed)
	expectState(t, c, "dependent", StateDown)
	if !strings.Contains(report.Failed["flaky"], "address unavailable") {
		t.Errorf("Expected failure in report, got %v", report.Failed)
	}

	failures, err := c.AwaitServices(context.Background(), []Name{"flaky", "dependent"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	var startErr *StartError
	if !errors.As(failures["flaky"], &startErr) || startErr.Name != "flaky" {
		t.Errorf("Expected StartError for flaky, got %v", failures)
	}

	fail.Store(false)
	if err := c.Retry("flaky"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	awaitStable(t, c)
	expectState(t, c, "flaky", StateUp)
	expectState(t, c, "dependent", StateUp)
}

func TestContainer_StartPanicIsFailure(t *testing.T) {
	c, _ := newTestContainer(t)

	mustInstall(t, c.AddService("boom", Funcs{StartFunc: func(context.Context) error {
		panic("kaboom")
	}}))
	report := awaitStable(t, c)

	if !strings.Contains(report.Failed["boom"], "kaboom") {
		t.Errorf("Expected panic to be reported as failure, got %v", report.Failed)
	}
}

func TestContainer_Injection(t *testing.T) {
	c, _ := newTestContainer(t)

	port := &InjectedValue[int]{}
	var seen int
	mustInstall(t, c.AddService("binding", Funcs{ValueFunc: func() any { return 8080 }}))
	mustInstall(t, c.AddService("connector", Funcs{StartFunc: func(context.Context) error {
		v, ok := port.Get()
		if !ok {
			return errors.New("port not injected")
		}
		seen = v
		return nil
	}}).AddInjectedDependency("binding", port))
	awaitStable(t, c)

	expectState(t, c, "connector", StateUp)
	if seen != 8080 {
		t.Errorf("Expected injected 8080, got %d", seen)
	}

	if err := c.SetMode("connector", ModeNever); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	awaitStable(t, c)
	if _, ok := port.Get(); ok {
		t.Error("Expected value to be uninjected after stop")
	}
}

func TestContainer_IndependentStartsRunInParallel(t *testing.T) {
	c, _ := newTestContainer(t)

	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()

	barrier := Funcs{StartFunc: func(ctx context.Context) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("sibling never started")
		}
	}}
	mustInstall(t, c.AddService("left", barrier))
	mustInstall(t, c.AddService("right", barrier))
	awaitStable(t, c)

	expectState(t, c, "left", StateUp)
	expectState(t, c, "right", StateUp)
}

func TestContainer_ShutdownStopsDependentsFirst(t *testing.T) {
	rec := &recorder{}
	c := NewContainer(Options{Logger: zerolog.Nop(), Listeners: []Listener{rec}})

	mustInstall(t, c.AddService("a", Funcs{}))
	mustInstall(t, c.AddService("b", Funcs{}).AddDependency("a"))
	mustInstall(t, c.AddService("c", Funcs{}).AddDependency("b"))
	awaitStable(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(c.Names()) != 0 {
		t.Errorf("Expected empty container, got %v", c.Names())
	}
	if !(rec.last("c", StateDown) < rec.last("b", StateDown) && rec.last("b", StateDown) < rec.last("a", StateDown)) {
		t.Error("Expected shutdown in reverse dependency order")
	}
	if _, err := c.AddService("late", Funcs{}).Install(); !errors.Is(err, ErrContainerClosed) {
		t.Errorf("Expected ErrContainerClosed, got %v", err)
	}
}

func TestContainer_ToDOT(t *testing.T) {
	c, _ := newTestContainer(t)

	mustInstall(t, c.AddService("a", Funcs{}))
	mustInstall(t, c.AddService("b", Funcs{}).AddDependencies("a", "ghost"))
	awaitStable(t, c)

	dot := c.ToDOT()
	if !strings.Contains(dot, "\"a\" -> \"b\"") {
		t.Errorf("Expected edge a -> b in %s", dot)
	}
	if !strings.Contains(dot, "\"ghost\" -> \"b\" [style=dashed, color=red]") {
		t.Errorf("Expected dashed edge for missing dependency in %s", dot)
	}
}

func TestName(t *testing.T) {
	n := Keel.Append("binding", "http")
	if n != "keel.binding.http" {
		t.Errorf("Expected keel.binding.http, got %s", n)
	}
	if n.Parent() != "keel.binding" {
		t.Errorf("Expected parent keel.binding, got %s", n.Parent())
	}
	if err := Name("keel..x").Validate(); err == nil {
		t.Error("Expected empty segment to be rejected")
	}
	if m, err := ParseMode("lazy"); err != nil || m != ModeOnDemand {
		t.Errorf("Expected lazy to parse as ON_DEMAND, got %s (%v)", m, err)
	}
}
