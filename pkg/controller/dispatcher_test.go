package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

type memJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *memJournal) Record(_ context.Context, e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) all() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]JournalEntry(nil), j.entries...)
}

type denyAll struct{ calls int }

func (d *denyAll) Authorize(context.Context, model.Operation, bool) error {
	d.calls++
	return errors.New("not allowed")
}

func resAddr(name string) model.Address { return model.Addr("res", name) }

// addRes creates /res=<name> and compensates with remove.
var addRes = Sync(KindAdd, func(ctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
	if err := ctx.Model().Create(op.Params()); err != nil {
		return nil, model.Undefined, err
	}
	comp := model.NewOperation(model.OpRemove, op.Address())
	return &comp, model.Undefined, nil
})

var removeRes = Sync(KindRemove, func(ctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
	if !ctx.Model().Exists() && ctx.RemovePolicy() == RemoveLenient {
		return nil, model.Undefined, nil
	}
	prev, err := ctx.Model().Remove()
	if err != nil {
		return nil, model.Undefined, err
	}
	comp := model.NewOperation(model.OpAdd, op.Address()).WithParams(prev)
	return &comp, model.Undefined, nil
})

func newTestDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	_ = opts.Registry.Register(model.Addr("res", "*"), model.OpAdd, addRes, nil, false)
	_ = opts.Registry.Register(model.Addr("res", "*"), model.OpRemove, removeRes, nil, false)
	opts.Logger = zerolog.Nop()
	return NewDispatcher(opts)
}

func newTestContainer(t *testing.T) *services.Container {
	t.Helper()
	c := services.NewContainer(services.Options{MaxWorkers: 2, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestDispatchUnknownOperation(t *testing.T) {
	d := newTestDispatcher(t, Options{})

	out := d.Dispatch(context.Background(), model.NewOperation("frobnicate", resAddr("a")))
	if out.Success {
		t.Fatal("Expected failure")
	}
	if out.Failure.Class != ErrorClassUnknownOperation {
		t.Errorf("Expected unknown-operation, got %s", out.Failure.Class)
	}
	want := `unknown operation "frobnicate" at address /res=a`
	if out.Failure.Message != want {
		t.Errorf("Expected %q, got %q", want, out.Failure.Message)
	}
}

func TestDispatchAddRemoveCompensateRestoresTree(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	before := d.Tree().Snapshot()

	add := model.NewOperation(model.OpAdd, resAddr("a")).WithParam("port", model.Int(8080))
	out := d.Dispatch(context.Background(), add)
	if !out.Success {
		t.Fatalf("Expected add to succeed, got %v", out.Failure)
	}
	if out.Compensating == nil || out.Compensating.Name() != model.OpRemove {
		t.Fatalf("Expected compensating remove, got %v", out.Compensating)
	}

	rb := d.Rollback(context.Background(), *out.Compensating)
	if !rb.Success {
		t.Fatalf("Expected rollback to succeed, got %v", rb.Failure)
	}
	if !d.Tree().Snapshot().Equal(before) {
		t.Errorf("Expected tree restored, diff: %v", d.Tree().Snapshot().Diff(before))
	}
}

func TestDispatchDuplicateAdd(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	add := model.NewOperation(model.OpAdd, resAddr("a")).WithParam("v", model.Int(1))

	if out := d.Dispatch(context.Background(), add); !out.Success {
		t.Fatalf("Expected first add to succeed, got %v", out.Failure)
	}
	out := d.Dispatch(context.Background(), add.WithParam("v", model.Int(2)))
	if out.Success || out.Failure.Class != ErrorClassDuplicate {
		t.Fatalf("Expected duplicate failure, got %+v", out)
	}
	attrs, _ := d.Tree().Read(resAddr("a"))
	if attrs.Get("v").IntOr(0) != 1 {
		t.Errorf("Expected first add to remain, got %v", attrs)
	}
}

func TestRemovePolicy(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	remove := model.NewOperation(model.OpRemove, resAddr("missing"))

	if out := d.Dispatch(context.Background(), remove); !out.Success {
		t.Errorf("Expected lenient remove of a missing resource to succeed, got %v", out.Failure)
	}
	out := d.Rollback(context.Background(), remove)
	if out.Success || out.Failure.Class != ErrorClassNotFound {
		t.Errorf("Expected strict remove to fail with not-found, got %+v", out.Failure)
	}
}

func TestDispatchValidationFailureLeavesTreeUnchanged(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(model.Addr("v", "*"), model.OpAdd, Sync(KindAdd, func(ctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
		params := validation.NewParametersValidator()
		params.Register("port", validation.NewIntRangeValidator(0, 65535, false, false))
		if err := params.Validate(op); err != nil {
			return nil, model.Undefined, err
		}
		return nil, model.Undefined, ctx.Model().Create(op.Params())
	}), nil, false)
	d := newTestDispatcher(t, Options{Registry: reg})
	before := d.Tree().Snapshot()

	out := d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, model.Addr("v", "x")).WithParam("port", model.Int(70000)))
	if out.Success || out.Failure.Class != ErrorClassValidation {
		t.Fatalf("Expected validation failure, got %+v", out.Failure)
	}
	if !d.Tree().Snapshot().Equal(before) {
		t.Error("Expected tree unchanged after validation failure")
	}
}

func TestDispatchPanicIsInternalFailure(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(model.Addr("p", "*"), "explode", HandlerFunc(func(*Context, model.Operation, ResultHandler) Cancellable {
		panic("kaboom")
	}), nil, false)
	d := newTestDispatcher(t, Options{Registry: reg})

	out := d.Dispatch(context.Background(), model.NewOperation("explode", model.Addr("p", "1")))
	if out.Success || out.Failure.Class != ErrorClassInternal {
		t.Fatalf("Expected internal failure, got %+v", out.Failure)
	}
	if !strings.Contains(out.Failure.Message, "kaboom") {
		t.Errorf("Expected panic message in failure, got %q", out.Failure.Message)
	}
	if d.Locks().Held() != 0 {
		t.Errorf("Expected lock released, got %d held", d.Locks().Held())
	}
}

func TestDispatchHangTimeout(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(model.Addr("h", "*"), "hang", HandlerFunc(func(*Context, model.Operation, ResultHandler) Cancellable {
		return nil
	}), nil, false)
	d := newTestDispatcher(t, Options{Registry: reg, HangTimeout: 30 * time.Millisecond})

	out := d.Dispatch(context.Background(), model.NewOperation("hang", model.Addr("h", "1")))
	if out.Success {
		t.Fatal("Expected failure")
	}
	want := `operation "hang" did not report an outcome`
	if out.Failure.Message != want {
		t.Errorf("Expected %q, got %q", want, out.Failure.Message)
	}
}

func TestDispatchSecondReportIgnored(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(model.Addr("t", "*"), "twice", HandlerFunc(func(_ *Context, _ model.Operation, rh ResultHandler) Cancellable {
		rh.Succeed(nil, model.String("first"))
		rh.Fail(errors.New("second"))
		return Done
	}), nil, false)
	d := newTestDispatcher(t, Options{Registry: reg})

	out := d.Dispatch(context.Background(), model.NewOperation("twice", model.Addr("t", "1")))
	if !out.Success || out.Result.StringOr("") != "first" {
		t.Errorf("Expected first report to win, got %+v", out)
	}
}

func TestDispatchCancelRollsBack(t *testing.T) {
	started := make(chan struct{})
	reg := NewRegistry()
	_ = reg.Register(model.Addr("slow", "*"), model.OpAdd, kinded{KindAdd, HandlerFunc(func(ctx *Context, op model.Operation, rh ResultHandler) Cancellable {
		if err := ctx.Model().Create(model.EmptyObject()); err != nil {
			rh.Fail(err)
			return Done
		}
		close(started)
		// Reports only when asked to stop, and still succeeds
		return CancelFunc(func() {
			comp := model.NewOperation(model.OpRemove, op.Address())
			rh.Succeed(&comp, model.Undefined)
		})
	})}, nil, false)
	_ = reg.Register(model.Addr("slow", "*"), model.OpRemove, removeRes, nil, false)

	d := newTestDispatcher(t, Options{Registry: reg})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome)
	go func() {
		done <- d.Dispatch(ctx, model.NewOperation(model.OpAdd, model.Addr("slow", "1")))
	}()

	<-started
	if _, ok := d.Locks().TryAcquire(model.Addr("slow", "1"), false); ok {
		t.Error("Expected the address to stay locked while the handler runs")
	}
	cancel()

	out := <-done
	if !out.Cancelled || out.Status() != OutcomeCancelled {
		t.Fatalf("Expected cancelled outcome, got %+v", out)
	}
	if !strings.Contains(out.Failure.Message, "rolled back") {
		t.Errorf("Expected rolled back message, got %q", out.Failure.Message)
	}
	if d.Tree().Exists(model.Addr("slow", "1")) {
		t.Error("Expected cancelled add to be rolled back")
	}
}

type kinded struct {
	kind HandlerKind
	Handler
}

func (k kinded) Kind() HandlerKind { return k.kind }

func TestDispatchServiceStartFailureKeepsCompensating(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(model.Addr("svc", "*"), model.OpAdd, Sync(KindAdd, func(ctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
		if err := ctx.Model().Create(model.EmptyObject()); err != nil {
			return nil, model.Undefined, err
		}
		target, ok := ctx.Runtime()
		if !ok {
			return nil, model.Undefined, errors.New("expected runtime capability")
		}
		_, err := target.AddService(services.NewName("test", ctx.Address().Name()), services.Funcs{
			StartFunc: func(context.Context) error { return errors.New("port in use") },
		}).Install()
		if err != nil {
			return nil, model.Undefined, err
		}
		comp := model.NewOperation(model.OpRemove, op.Address())
		return &comp, model.Undefined, nil
	}), nil, false)

	d := newTestDispatcher(t, Options{Registry: reg, Container: newTestContainer(t), ServiceTimeout: 5 * time.Second})

	out := d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, model.Addr("svc", "a")))
	if out.Success {
		t.Fatal("Expected failure")
	}
	if out.Failure.Class != ErrorClassRuntime {
		t.Errorf("Expected runtime failure, got %s", out.Failure.Class)
	}
	if !strings.Contains(out.Failure.Message, "test.a") {
		t.Errorf("Expected failed service name in message, got %q", out.Failure.Message)
	}
	if out.Compensating == nil {
		t.Error("Expected compensating operation to be kept")
	}
	if !d.Tree().Exists(model.Addr("svc", "a")) {
		t.Error("Expected the model change to remain until rolled back")
	}
}

func TestDispatchCapabilities(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]Capabilities{}
	reg := NewRegistry()
	_ = reg.Register(model.Addr("c", "*"), "caps", Sync(KindQuery, func(ctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[op.Address().Name()] = ctx.Capabilities()
		if _, ok := ctx.Boot(); ok != ctx.IsBooting() {
			return nil, model.Undefined, errors.New("boot target mismatch")
		}
		return nil, model.Undefined, nil
	}), nil, false)

	d := newTestDispatcher(t, Options{Registry: reg, Container: newTestContainer(t)})
	processors := boot.NewProcessorRegistry()

	if out := d.Dispatch(context.Background(), model.NewOperation("caps", model.Addr("c", "interactive"))); !out.Success {
		t.Fatalf("Dispatch failed: %v", out.Failure)
	}
	if err := d.RunBootOperation(context.Background(), model.NewOperation("caps", model.Addr("c", "boot")), processors); err != nil {
		t.Fatalf("RunBootOperation failed: %v", err)
	}

	if got := seen["interactive"]; got != CapModel|CapRuntime {
		t.Errorf("Expected model|runtime, got %s", got)
	}
	if got := seen["boot"]; got != CapModel|CapRuntime|CapBoot {
		t.Errorf("Expected model|runtime|boot, got %s", got)
	}
}

func TestDispatchBootFailureIsFatal(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	out := d.DispatchBoot(context.Background(), model.NewOperation("nope", resAddr("a")), nil)
	if out.Success || !out.Fatal {
		t.Errorf("Expected fatal failure, got %+v", out)
	}
}

func TestDispatchAuthorizer(t *testing.T) {
	auth := &denyAll{}
	d := newTestDispatcher(t, Options{Authorizer: auth})

	out := d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, resAddr("a")))
	if out.Success || out.Failure.Class != ErrorClassDenied {
		t.Fatalf("Expected denied failure, got %+v", out.Failure)
	}
	if auth.calls != 1 {
		t.Errorf("Expected 1 authorization call, got %d", auth.calls)
	}
	if d.Tree().Exists(resAddr("a")) {
		t.Error("Expected denied add not to run")
	}
}

func TestDispatchJournal(t *testing.T) {
	journal := &memJournal{}
	reg := NewRegistry()
	_ = reg.Register(model.Address{}, model.OpReadResource, Sync(KindQuery, func(ctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
		return nil, model.EmptyObject(), nil
	}), nil, true)
	d := newTestDispatcher(t, Options{Registry: reg, Journal: journal})

	d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, resAddr("a")))
	d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, resAddr("a")))
	d.Dispatch(context.Background(), model.NewOperation(model.OpReadResource, resAddr("a")))

	entries := journal.all()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 journal entries, got %d", len(entries))
	}
	if entries[0].Outcome != OutcomeSuccess || entries[0].Compensating == nil {
		t.Errorf("Expected successful entry with compensating op, got %+v", entries[0])
	}
	if entries[1].Outcome != OutcomeFailed || entries[1].Failure == "" {
		t.Errorf("Expected failed entry with failure text, got %+v", entries[1])
	}
	if entries[0].Mode != ModeInteractive {
		t.Errorf("Expected interactive mode, got %s", entries[0].Mode)
	}
}

func TestNestedStepRunsUnderParentLock(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(model.Addr("res", "*"), "add-twice", Sync(KindAdd, func(ctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
		comp, _, err := ctx.Step(model.NewOperation(model.OpAdd, op.Address()))
		if err != nil {
			return nil, model.Undefined, err
		}
		child := op.Address().Append(model.Element("res", "child"))
		if _, _, err := ctx.Step(model.NewOperation(model.OpAdd, child)); err == nil {
			return nil, model.Undefined, errors.New("expected unknown operation for nested child")
		}
		return comp, model.Undefined, nil
	}), nil, false)
	d := newTestDispatcher(t, Options{Registry: reg})

	done := make(chan Outcome, 1)
	go func() { done <- d.Dispatch(context.Background(), model.NewOperation("add-twice", resAddr("n"))) }()

	select {
	case out := <-done:
		if !out.Success {
			t.Fatalf("Expected success, got %v", out.Failure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Nested step deadlocked on the parent lock")
	}
	if !d.Tree().Exists(resAddr("n")) {
		t.Error("Expected nested add to create the resource")
	}
}

func TestConcurrentDisjointOperations(t *testing.T) {
	d := newTestDispatcher(t, Options{})

	var wg sync.WaitGroup
	names := []string{"a", "b", "c", "d", "e", "f"}
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if out := d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, resAddr(name))); !out.Success {
				t.Errorf("Expected add of %s to succeed, got %v", name, out.Failure)
			}
		}(name)
	}
	wg.Wait()

	got, _ := d.Tree().Children(model.Address{}, "res")
	if len(got) != len(names) {
		t.Errorf("Expected %d resources, got %v", len(names), got)
	}
}

func TestDispatchHangClosesModelGateway(t *testing.T) {
	late := make(chan error, 1)
	reg := NewRegistry()
	_ = reg.Register(model.Addr("late", "*"), model.OpAdd, kinded{KindAdd, HandlerFunc(func(ctx *Context, op model.Operation, rh ResultHandler) Cancellable {
		go func() {
			time.Sleep(100 * time.Millisecond)
			err := ctx.Model().Create(model.EmptyObject())
			if err == nil {
				comp := model.NewOperation(model.OpRemove, op.Address())
				rh.Succeed(&comp, model.Undefined)
			}
			late <- err
		}()
		return CancelFunc(nil)
	})}, nil, false)
	d := newTestDispatcher(t, Options{Registry: reg, HangTimeout: 20 * time.Millisecond})
	addr := model.Addr("late", "a")

	out := d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, addr))
	if out.Success || out.Failure.Class != ErrorClassInternal {
		t.Fatalf("Expected internal failure after the hang timeout, got %+v", out.Failure)
	}
	if d.Locks().Held() != 0 {
		t.Errorf("Expected lock released, got %d held", d.Locks().Held())
	}

	select {
	case err := <-late:
		if !errors.Is(err, model.ErrClosed) {
			t.Errorf("Expected the late write to fail with ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the late handler to finish")
	}
	if d.Tree().Exists(addr) {
		t.Error("Expected the late write to leave the model unchanged")
	}
}

func TestDispatchRejectsAliasedAddress(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	ctx := context.Background()
	_ = d.Registry().Register(model.Addr("res", "*", "child", "*"), model.OpAdd, addRes, nil, false)
	_ = d.Registry().Register(model.Addr("res", "*", "child", "*"), model.OpRemove, removeRes, nil, false)

	parent := resAddr("a")
	child := parent.Append(model.Element("child", "b"))
	for _, a := range []model.Address{parent, child} {
		if out := d.Dispatch(ctx, model.NewOperation(model.OpAdd, a)); !out.Success {
			t.Fatalf("Expected add of %s to succeed, got %v", a, out.Failure)
		}
	}

	out := d.Dispatch(ctx, model.NewOperation(model.OpRemove, resAddr("a/child=b")))
	if out.Success || out.Failure.Class != ErrorClassValidation {
		t.Fatalf("Expected validation failure for an aliased address, got %+v", out.Failure)
	}
	if !d.Tree().Exists(child) {
		t.Fatal("Expected the real child to be untouched")
	}

	for _, a := range []model.Address{child, parent} {
		if out := d.Dispatch(ctx, model.NewOperation(model.OpRemove, a)); !out.Success {
			t.Errorf("Expected remove of %s to succeed, got %v", a, out.Failure)
		}
	}
}

func TestDispatchCancelledSyncHandlerRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	_ = reg.Register(model.Addr("quick", "*"), model.OpAdd, Sync(KindAdd, func(hctx *Context, op model.Operation) (*model.Operation, model.Value, error) {
		if err := hctx.Model().Create(model.EmptyObject()); err != nil {
			return nil, model.Undefined, err
		}
		// Cancellation arrives while the handler runs
		cancel()
		comp := model.NewOperation(model.OpRemove, op.Address())
		return &comp, model.Undefined, nil
	}), nil, false)
	_ = reg.Register(model.Addr("quick", "*"), model.OpRemove, removeRes, nil, false)
	d := newTestDispatcher(t, Options{Registry: reg})

	out := d.Dispatch(ctx, model.NewOperation(model.OpAdd, model.Addr("quick", "1")))
	if out.Status() != OutcomeCancelled {
		t.Fatalf("Expected cancelled outcome, got %s", out.Status())
	}
	if d.Tree().Exists(model.Addr("quick", "1")) {
		t.Error("Expected the completed add to be rolled back")
	}

	out = d.Dispatch(ctx, model.NewOperation(model.OpAdd, model.Addr("quick", "2")))
	if out.Status() != OutcomeCancelled || d.Tree().Exists(model.Addr("quick", "2")) {
		t.Errorf("Expected a dispatch on a cancelled context not to run, got %s", out.Status())
	}
}
