package operations

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

var resDescription = &model.ResourceDescription{
	Description: "test resource",
	Attributes: []model.AttributeDescription{
		{Name: "port", Type: model.KindInt, ExpressionsAllowed: true},
		{Name: "host", Type: model.KindString, Nullable: true, Default: model.String("localhost")},
	},
}

func newDispatcher(t *testing.T, runtime RuntimeFunc) *controller.Dispatcher {
	t.Helper()
	return newRuntimeDispatcher(t, runtime, nil)
}

func newRuntimeDispatcher(t *testing.T, runtime, removeRuntime RuntimeFunc) *controller.Dispatcher {
	t.Helper()
	reg := controller.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	res := model.Addr("res", model.Wildcard)
	_ = reg.Register(res, model.OpAdd, &ResourceAdd{
		Description: resDescription,
		Parameters: validation.NewParametersValidator().
			Register("port", validation.NewIntRangeValidator(1, 65535, false, true)),
		RuntimeParameters: validation.NewParametersValidator().
			Register("port", validation.NewIntRangeValidator(1, 65535, false, false)),
		Runtime: runtime,
	}, nil, false)
	_ = reg.Register(res, model.OpRemove, &ResourceRemove{Runtime: removeRuntime}, nil, false)
	_ = reg.Register(res.Append(model.WildcardElement("child")), model.OpAdd, &ResourceAdd{}, nil, false)
	_ = reg.RegisterResource(res, resDescription)

	opts := controller.Options{Registry: reg, Logger: zerolog.Nop(), ServiceTimeout: 5 * time.Second}
	if runtime != nil || removeRuntime != nil {
		c := services.NewContainer(services.Options{MaxWorkers: 2, Logger: zerolog.Nop()})
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Shutdown(ctx)
		})
		opts.Container = c
	}
	return controller.NewDispatcher(opts)
}

func mustSucceed(t *testing.T, out controller.Outcome) controller.Outcome {
	t.Helper()
	if !out.Success {
		t.Fatalf("Expected %s to succeed, got %v", out.Operation, out.Failure)
	}
	return out
}

func addNamespace(prefix, uri string) model.Operation {
	return model.NewOperation(model.OpAddNamespace, model.Root).
		WithParam(model.ParamNamespace, model.EmptyObject().With(prefix, model.String(uri)))
}

func removeNamespace(prefix string) model.Operation {
	return model.NewOperation(model.OpRemoveNamespace, model.Root).
		WithParam(model.ParamNamespace, model.String(prefix))
}

func TestRemoveMissingNamespace(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()

	out := d.Dispatch(ctx, removeNamespace("xs"))
	if out.Success {
		t.Fatal("Expected remove of an undeclared namespace to fail")
	}
	if out.Failure.Message != "no namespace with URI xs found" {
		t.Errorf("Expected %q, got %q", "no namespace with URI xs found", out.Failure.Message)
	}

	mustSucceed(t, d.Dispatch(ctx, addNamespace("xs", "uri1")))
	before := d.Tree().Snapshot()

	out = d.Dispatch(ctx, removeNamespace("ys"))
	if out.Success || out.Failure.Message != "no namespace with URI ys found" {
		t.Errorf("Expected not-found diagnostic, got %+v", out.Failure)
	}
	if !d.Tree().Snapshot().Equal(before) {
		t.Error("Expected namespace map unchanged after a failed remove")
	}
}

func TestRemoveNamespaceCompensation(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()

	mustSucceed(t, d.Dispatch(ctx, addNamespace("xs", "uri1")))
	mustSucceed(t, d.Dispatch(ctx, addNamespace("ee", "uri2")))

	out := mustSucceed(t, d.Dispatch(ctx, removeNamespace("xs")))

	attrs, _ := d.Tree().Read(model.Root)
	ns := attrs.Get(model.AttrNamespaces)
	if ns.Has("xs") || !ns.Has("ee") {
		t.Errorf("Expected only ee to remain, got %v", ns)
	}

	want := addNamespace("xs", "uri1")
	if out.Compensating == nil || !out.Compensating.Equal(want) {
		t.Fatalf("Expected compensating %v, got %v", want.Value(), out.Compensating)
	}

	mustSucceed(t, d.Rollback(ctx, *out.Compensating))
	attrs, _ = d.Tree().Read(model.Root)
	if got := attrs.Get(model.AttrNamespaces).Get("xs").StringOr(""); got != "uri1" {
		t.Errorf("Expected xs restored to uri1, got %q", got)
	}
}

func TestAddNamespaceDuplicate(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()

	mustSucceed(t, d.Dispatch(ctx, addNamespace("xs", "uri1")))
	out := d.Dispatch(ctx, addNamespace("xs", "uri2"))
	if out.Success || out.Failure.Class != controller.ErrorClassDuplicate {
		t.Errorf("Expected duplicate failure, got %+v", out.Failure)
	}
}

func TestSchemaLocationsRoundTrip(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	before := d.Tree().Snapshot()

	add := model.NewOperation(model.OpAddSchemaLocation, model.Root).
		WithParam(model.ParamSchemaLocation, model.EmptyObject().With("urn:keel:1.0", model.String("keel_1_0.xsd")))
	out := mustSucceed(t, d.Dispatch(ctx, add))
	mustSucceed(t, d.Rollback(ctx, *out.Compensating))

	if !d.Tree().Snapshot().Equal(before) {
		t.Errorf("Expected tree restored, diff: %v", d.Tree().Snapshot().Diff(before))
	}

	out = d.Dispatch(ctx, model.NewOperation(model.OpRemoveSchemaLocation, model.Root).
		WithParam(model.ParamSchemaLocation, model.String("urn:missing")))
	if out.Success || out.Failure.Message != "no schema location with URI urn:missing found" {
		t.Errorf("Expected not-found diagnostic, got %+v", out.Failure)
	}
}

func TestAddRemoveCompensateRestoresTree(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	before := d.Tree().Snapshot()

	add := mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpAdd, model.Addr("res", "a")).
		WithParam("port", model.Int(8080))))

	attrs, _ := d.Tree().Read(model.Addr("res", "a"))
	if attrs.Get("host").StringOr("") != "localhost" {
		t.Errorf("Expected default host, got %v", attrs)
	}

	afterAdd := d.Tree().Snapshot()
	remove := mustSucceed(t, d.Dispatch(ctx, RemoveOperation(model.Addr("res", "a"))))
	mustSucceed(t, d.Rollback(ctx, *remove.Compensating))
	if !d.Tree().Snapshot().Equal(afterAdd) {
		t.Errorf("Expected re-add to restore the resource, diff: %v", d.Tree().Snapshot().Diff(afterAdd))
	}

	mustSucceed(t, d.Rollback(ctx, *add.Compensating))
	if !d.Tree().Snapshot().Equal(before) {
		t.Errorf("Expected tree restored, diff: %v", d.Tree().Snapshot().Diff(before))
	}
}

func TestAddValidationFailures(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	before := d.Tree().Snapshot()

	tests := []struct {
		name string
		op   model.Operation
	}{
		{"out of range", model.NewOperation(model.OpAdd, model.Addr("res", "a")).WithParam("port", model.Int(0))},
		{"missing required", model.NewOperation(model.OpAdd, model.Addr("res", "a"))},
		{"unknown attribute", model.NewOperation(model.OpAdd, model.Addr("res", "a")).
			WithParam("port", model.Int(80)).WithParam("colour", model.String("red"))},
		{"wrong kind", model.NewOperation(model.OpAdd, model.Addr("res", "a")).
			WithParam("port", model.Int(80)).WithParam("host", model.List(model.String("a")))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := d.Dispatch(ctx, tt.op)
			if out.Success || out.Failure.Class != controller.ErrorClassValidation {
				t.Fatalf("Expected validation failure, got %+v", out.Failure)
			}
			if !d.Tree().Snapshot().Equal(before) {
				t.Error("Expected tree unchanged")
			}
		})
	}
}

func TestRuntimeFailureKeepsAdd(t *testing.T) {
	var seenPort int64
	d := newDispatcher(t, func(ctx *controller.Context, resolved model.Operation, attrs model.Value) error {
		seenPort = resolved.Param("port").IntOr(0)
		return errors.New("cannot bind")
	})
	d.Properties().Set("http.port", "8443")
	before := d.Tree().Snapshot()
	addr := model.Addr("res", "a")

	out := d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, addr).
		WithParam("port", model.Expression("${http.port}")))
	if out.Success || out.Failure.Class != controller.ErrorClassRuntime {
		t.Fatalf("Expected runtime failure, got %+v", out.Failure)
	}
	if seenPort != 8443 {
		t.Errorf("Expected resolved port 8443, got %d", seenPort)
	}
	if !d.Tree().Exists(addr) {
		t.Fatal("Expected the model change to stay after a runtime failure")
	}
	if out.Compensating == nil || out.Compensating.Name() != model.OpRemove {
		t.Fatalf("Expected compensating remove, got %v", out.Compensating)
	}
	if out.Failure.Details["compensating"] != out.Compensating.String() {
		t.Errorf("Expected compensating detail, got %v", out.Failure.Details)
	}

	mustSucceed(t, d.Rollback(context.Background(), *out.Compensating))
	if !d.Tree().Snapshot().Equal(before) {
		t.Error("Expected the compensating remove to restore the tree")
	}
}

func TestRuntimeFailureKeepsRemove(t *testing.T) {
	d := newRuntimeDispatcher(t, func(*controller.Context, model.Operation, model.Value) error { return nil },
		func(*controller.Context, model.Operation, model.Value) error { return errors.New("still bound") })
	ctx := context.Background()
	addr := model.Addr("res", "a")
	mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpAdd, addr).WithParam("port", model.Int(80))))
	before := d.Tree().Snapshot()

	out := d.Dispatch(ctx, model.NewOperation(model.OpRemove, addr))
	if out.Success || out.Failure.Class != controller.ErrorClassRuntime {
		t.Fatalf("Expected runtime failure, got %+v", out.Failure)
	}
	if d.Tree().Exists(addr) {
		t.Fatal("Expected the resource to stay removed after a runtime failure")
	}
	if out.Compensating == nil || out.Compensating.Name() != model.OpAdd {
		t.Fatalf("Expected compensating add, got %v", out.Compensating)
	}

	mustSucceed(t, d.Rollback(ctx, *out.Compensating))
	if !d.Tree().Snapshot().Equal(before) {
		t.Error("Expected the compensating add to restore the tree")
	}
}

func TestCancelledRemoveReinstallsService(t *testing.T) {
	name := func(addr model.Address) services.Name { return services.NewName("test", addr.Name()) }
	d := newRuntimeDispatcher(t,
		func(ctx *controller.Context, op model.Operation, _ model.Value) error {
			target, _ := ctx.Runtime()
			_, err := target.AddService(name(op.Address()), services.Funcs{
				StopFunc: func(context.Context) { time.Sleep(300 * time.Millisecond) },
			}).Install()
			return err
		},
		func(ctx *controller.Context, op model.Operation, _ model.Value) error {
			return RemoveService(ctx, name(op.Address()))
		})
	addr := model.Addr("res", "a")
	mustSucceed(t, d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, addr).WithParam("port", model.Int(80))))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := d.Dispatch(ctx, model.NewOperation(model.OpRemove, addr))
	if out.Status() != controller.OutcomeCancelled {
		t.Fatalf("Expected cancelled outcome, got %s: %v", out.Status(), out.Failure)
	}
	if !strings.Contains(out.Failure.Message, "rolled back") {
		t.Errorf("Expected rolled back message, got %q", out.Failure.Message)
	}
	if !d.Tree().Exists(addr) {
		t.Fatal("Expected the cancelled remove to be undone in the model")
	}

	actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer acancel()
	failures, err := d.Container().AwaitServices(actx, []services.Name{name(addr)})
	if err != nil || len(failures) != 0 {
		t.Fatalf("Expected the service to come back up, got %v %v", failures, err)
	}
	ctrl, ok := d.Container().Service(name(addr))
	if !ok || ctrl.State() != services.StateUp {
		t.Fatalf("Expected %s to be installed and UP", name(addr))
	}
}

func TestCompositeUndoesPartiallyFailedStep(t *testing.T) {
	d := newDispatcher(t, func(_ *controller.Context, op model.Operation, _ model.Value) error {
		if op.Address().Name() == "b" {
			return errors.New("cannot bind")
		}
		return nil
	})
	before := d.Tree().Snapshot()

	out := d.Dispatch(context.Background(), compositeOf(
		model.NewOperation(model.OpAdd, model.Addr("res", "a")).WithParam("port", model.Int(80)),
		model.NewOperation(model.OpAdd, model.Addr("res", "b")).WithParam("port", model.Int(81)),
	))
	if out.Success || out.Failure.Class != controller.ErrorClassRuntime {
		t.Fatalf("Expected runtime failure, got %+v", out.Failure)
	}
	if !d.Tree().Snapshot().Equal(before) {
		t.Errorf("Expected both steps to be undone, diff: %v", d.Tree().Snapshot().Diff(before))
	}
}

func TestRuntimeRevalidation(t *testing.T) {
	called := false
	d := newDispatcher(t, func(*controller.Context, model.Operation, model.Value) error {
		called = true
		return nil
	})
	d.Properties().Set("bad.port", "70000")

	out := d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, model.Addr("res", "a")).
		WithParam("port", model.Expression("${bad.port}")))
	if out.Success || out.Failure.Class != controller.ErrorClassValidation {
		t.Fatalf("Expected validation failure after resolution, got %+v", out.Failure)
	}
	if called {
		t.Error("Expected runtime step not to run")
	}
}

func TestWriteAndUndefineAttribute(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	addr := model.Addr("res", "a")
	mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpAdd, addr).WithParam("port", model.Int(80))))
	before := d.Tree().Snapshot()

	write := model.NewOperation(model.OpWriteAttribute, addr).
		WithParam(model.ParamName, model.String("port")).
		WithParam(model.ParamValue, model.Int(81))
	out := mustSucceed(t, d.Dispatch(ctx, write))
	if out.Compensating.Param(model.ParamValue).IntOr(0) != 80 {
		t.Errorf("Expected compensating write of 80, got %v", out.Compensating)
	}
	mustSucceed(t, d.Rollback(ctx, *out.Compensating))
	if !d.Tree().Snapshot().Equal(before) {
		t.Error("Expected write to be undone")
	}

	undefine := model.NewOperation(model.OpUndefineAttribute, addr).WithParam(model.ParamName, model.String("host"))
	out = mustSucceed(t, d.Dispatch(ctx, undefine))
	if out.Compensating == nil || out.Compensating.Name() != model.OpWriteAttribute {
		t.Fatalf("Expected compensating write-attribute, got %v", out.Compensating)
	}
	read := mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpReadAttribute, addr).
		WithParam(model.ParamName, model.String("host"))))
	if read.Result.StringOr("") != "localhost" {
		t.Errorf("Expected described default, got %v", read.Result)
	}

	out = d.Dispatch(ctx, model.NewOperation(model.OpUndefineAttribute, addr).WithParam(model.ParamName, model.String("port")))
	if out.Success || out.Failure.Class != controller.ErrorClassValidation {
		t.Errorf("Expected undefining a required attribute to fail, got %+v", out.Failure)
	}

	out = d.Dispatch(ctx, write.WithParam(model.ParamValue, model.String("eighty")))
	if out.Success || out.Failure.Class != controller.ErrorClassValidation {
		t.Errorf("Expected wrong kind to fail, got %+v", out.Failure)
	}
}

func TestReadOperations(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	addr := model.Addr("res", "a")
	mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpAdd, addr).WithParam("port", model.Int(80))))
	mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpAdd, addr.Append(model.Element("child", "c1")))))
	mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpAdd, addr.Append(model.Element("child", "c2")))))

	rr := mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpReadResource, addr).
		WithParam(model.ParamRecursive, model.Bool(true))))
	if rr.Result.Get("child").Len() != 2 {
		t.Errorf("Expected 2 children in recursive read, got %v", rr.Result)
	}

	names := mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpReadChildrenNames, addr).
		WithParam(model.ParamChildType, model.String("child"))))
	if names.Result.Len() != 2 || names.Result.Index(0).StringOr("") != "c1" {
		t.Errorf("Expected [c1 c2], got %v", names.Result)
	}

	ops := mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpReadOperationNames, addr)))
	found := map[string]bool{}
	for _, v := range ops.Result.Items() {
		found[v.StringOr("")] = true
	}
	for _, want := range []string{model.OpAdd, model.OpRemove, model.OpReadResource, model.OpComposite} {
		if !found[want] {
			t.Errorf("Expected %s in operation names, got %v", want, ops.Result)
		}
	}
	if found[model.OpAddNamespace] {
		t.Error("Expected namespace operations only at the root")
	}

	desc := mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpReadResourceDescription, addr).
		WithParam(ParamOperations, model.Bool(true))))
	if !desc.Result.Get(ParamOperations).Has(model.OpReadResource) {
		t.Errorf("Expected operation descriptions, got %v", desc.Result)
	}

	out := d.Dispatch(ctx, model.NewOperation(model.OpReadResource, model.Addr("res", "missing")))
	if out.Success || out.Failure.Class != controller.ErrorClassNotFound {
		t.Errorf("Expected not-found, got %+v", out.Failure)
	}
}

func compositeOf(ops ...model.Operation) model.Operation {
	steps := model.EmptyList()
	for _, op := range ops {
		steps = steps.Append(op.Value())
	}
	return model.NewOperation(model.OpComposite, model.Root).WithParam(model.ParamSteps, steps)
}

func TestCompositeSuccessAndRollback(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	before := d.Tree().Snapshot()

	out := mustSucceed(t, d.Dispatch(ctx, compositeOf(
		model.NewOperation(model.OpAdd, model.Addr("res", "a")).WithParam("port", model.Int(1)),
		model.NewOperation(model.OpAdd, model.Addr("res", "b")).WithParam("port", model.Int(2)),
		addNamespace("xs", "uri1"),
	)))
	if out.Result.Len() != 3 {
		t.Errorf("Expected 3 step results, got %v", out.Result)
	}

	steps := out.Compensating.Param(model.ParamSteps)
	if steps.Len() != 3 {
		t.Fatalf("Expected 3 compensating steps, got %v", steps)
	}
	first, _ := model.OperationFromValue(steps.Index(0))
	if first.Name() != model.OpRemoveNamespace {
		t.Errorf("Expected compensations in reverse order, got %s first", first.Name())
	}

	mustSucceed(t, d.Rollback(ctx, *out.Compensating))
	if !d.Tree().Snapshot().Equal(before) {
		t.Errorf("Expected tree restored, diff: %v", d.Tree().Snapshot().Diff(before))
	}
}

func TestCompositeFailureRollsBackEarlierSteps(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	mustSucceed(t, d.Dispatch(ctx, model.NewOperation(model.OpAdd, model.Addr("res", "b")).WithParam("port", model.Int(2))))
	before := d.Tree().Snapshot()

	out := d.Dispatch(ctx, compositeOf(
		model.NewOperation(model.OpAdd, model.Addr("res", "a")).WithParam("port", model.Int(1)),
		model.NewOperation(model.OpAdd, model.Addr("res", "b")).WithParam("port", model.Int(2)),
	))
	if out.Success {
		t.Fatal("Expected composite to fail")
	}
	if out.Failure.Class != controller.ErrorClassDuplicate {
		t.Errorf("Expected duplicate class from the failed step, got %s", out.Failure.Class)
	}
	if !strings.Contains(out.Failure.Message, "step 2") {
		t.Errorf("Expected failing step index in message, got %q", out.Failure.Message)
	}
	if !d.Tree().Snapshot().Equal(before) {
		t.Errorf("Expected first step rolled back, diff: %v", d.Tree().Snapshot().Diff(before))
	}
}

func TestCompositeRejectsStepsOutsideItsAddress(t *testing.T) {
	d := newDispatcher(t, nil)
	steps := model.EmptyList().Append(model.NewOperation(model.OpAdd, model.Addr("res", "b")).Value())
	op := model.NewOperation(model.OpComposite, model.Addr("res", "a")).WithParam(model.ParamSteps, steps)

	mustSucceed(t, d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, model.Addr("res", "a")).WithParam("port", model.Int(1))))
	out := d.Dispatch(context.Background(), op)
	if out.Success || out.Failure.Class != controller.ErrorClassValidation {
		t.Errorf("Expected validation failure, got %+v", out.Failure)
	}
}

func TestSystemProperties(t *testing.T) {
	d := newDispatcher(t, nil)
	ctx := context.Background()
	d.Properties().Set("base", "/opt/keel")
	d.Properties().Set("external", "kept")

	add := model.NewOperation(model.OpAdd, model.Addr(SystemPropertyKey, "data.dir")).
		WithParam(model.ParamValue, model.Expression("${base}/data"))
	out := mustSucceed(t, d.Dispatch(ctx, add))
	if v, _ := d.Properties().Property("data.dir"); v != "/opt/keel/data" {
		t.Errorf("Expected /opt/keel/data, got %q", v)
	}

	mustSucceed(t, d.Rollback(ctx, *out.Compensating))
	if _, ok := d.Properties().Property("data.dir"); ok {
		t.Error("Expected property unset after rollback")
	}

	mustSucceed(t, d.Dispatch(ctx, RemoveOperation(model.Addr(SystemPropertyKey, "external"))))
	if v, _ := d.Properties().Property("external"); v != "kept" {
		t.Errorf("Expected lenient remove of a missing resource to leave the property, got %q", v)
	}

	out = d.Dispatch(ctx, model.NewOperation(model.OpAdd, model.Addr(SystemPropertyKey, "broken")).
		WithParam(model.ParamValue, model.Expression("${does.not.exist}")))
	if out.Success || out.Failure.Class != controller.ErrorClassValidation {
		t.Errorf("Expected unresolvable value to fail validation, got %+v", out.Failure)
	}
	if d.Tree().Exists(model.Addr(SystemPropertyKey, "broken")) {
		t.Error("Expected failed add to leave no resource")
	}
}
