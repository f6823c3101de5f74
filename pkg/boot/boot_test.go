package boot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
)

type recordingRunner struct {
	ran    []model.Operation
	failAt int
	onRun  func(op model.Operation, target ProcessorTarget) error
}

func (r *recordingRunner) RunBootOperation(ctx context.Context, op model.Operation, target ProcessorTarget) error {
	r.ran = append(r.ran, op)
	if r.onRun != nil {
		if err := r.onRun(op, target); err != nil {
			return err
		}
	}
	if r.failAt > 0 && len(r.ran) == r.failAt {
		return errors.New("handler rejected operation")
	}
	return nil
}

func bootOps(n int) []model.Operation {
	ops := make([]model.Operation, n)
	for i := range ops {
		ops[i] = model.NewOperation(model.OpAdd, model.Addr("system-property", string(rune('a'+i))))
	}
	return ops
}

func TestBootRunsOperationsInOrder(t *testing.T) {
	runner := &recordingRunner{}
	seq := NewSequencer(Options{Runner: runner, Logger: zerolog.Nop()})

	ops := bootOps(4)
	result, err := seq.Boot(context.Background(), ops)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}

	if len(runner.ran) != len(ops) {
		t.Fatalf("Expected %d operations, got %d", len(ops), len(runner.ran))
	}
	for i := range ops {
		if !runner.ran[i].Equal(ops[i]) {
			t.Errorf("Expected operation %d to be %s, got %s", i, ops[i], runner.ran[i])
		}
	}
	if result.BootID == "" {
		t.Error("Expected a boot ID")
	}
	if result.Operations != 4 {
		t.Errorf("Expected 4 operations in result, got %d", result.Operations)
	}
}

func TestBootStopsAtFirstFailure(t *testing.T) {
	runner := &recordingRunner{failAt: 2}
	seq := NewSequencer(Options{Runner: runner, Logger: zerolog.Nop()})

	ops := bootOps(4)
	_, err := seq.Boot(context.Background(), ops)
	if err == nil {
		t.Fatal("Expected boot to fail")
	}

	var berr *BootError
	if !errors.As(err, &berr) {
		t.Fatalf("Expected *BootError, got %T", err)
	}
	if berr.Index != 1 {
		t.Errorf("Expected failing index 1, got %d", berr.Index)
	}
	if !berr.Operation.Equal(ops[1]) {
		t.Errorf("Expected failing operation %s, got %s", ops[1], berr.Operation)
	}
	if len(runner.ran) != 2 {
		t.Errorf("Expected later operations not to run, got %d runs", len(runner.ran))
	}
	want := "boot operation 2 (add at /system-property=b) failed: handler rejected operation"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestBootCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &recordingRunner{onRun: func(model.Operation, ProcessorTarget) error {
		cancel()
		return nil
	}}
	seq := NewSequencer(Options{Runner: runner, Logger: zerolog.Nop()})

	_, err := seq.Boot(ctx, bootOps(3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(runner.ran) != 1 {
		t.Errorf("Expected 1 operation before cancellation, got %d", len(runner.ran))
	}
}

func TestBootOnlyOnce(t *testing.T) {
	seq := NewSequencer(Options{Runner: &recordingRunner{}, Logger: zerolog.Nop()})
	if _, err := seq.Boot(context.Background(), nil); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if _, err := seq.Boot(context.Background(), nil); !errors.Is(err, ErrAlreadyBooted) {
		t.Errorf("Expected ErrAlreadyBooted, got %v", err)
	}
}

func TestProcessorsSealedAfterBoot(t *testing.T) {
	runner := &recordingRunner{onRun: func(op model.Operation, target ProcessorTarget) error {
		return target.AddDeploymentProcessor(PhaseParse, 10, ProcessorFuncs{ID: op.Address().Name()})
	}}
	seq := NewSequencer(Options{Runner: runner, Logger: zerolog.Nop()})

	_, err := seq.Boot(context.Background(), bootOps(1))
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if n := len(seq.Processors().Entries()); n != 1 {
		t.Errorf("Expected 1 processor, got %d", n)
	}

	err = seq.Processors().AddDeploymentProcessor(PhaseInstall, 1, ProcessorFuncs{ID: "late"})
	if !errors.Is(err, ErrRegistrySealed) {
		t.Errorf("Expected ErrRegistrySealed, got %v", err)
	}
}

func TestDuplicateProcessorFailsBoot(t *testing.T) {
	runner := &recordingRunner{onRun: func(op model.Operation, target ProcessorTarget) error {
		return target.AddDeploymentProcessor(PhaseParse, 10, ProcessorFuncs{ID: op.Address().Name()})
	}}
	seq := NewSequencer(Options{Runner: runner, Logger: zerolog.Nop()})

	_, err := seq.Boot(context.Background(), bootOps(2))
	if !errors.Is(err, ErrDuplicateProcessor) {
		t.Fatalf("Expected ErrDuplicateProcessor, got %v", err)
	}
}

func TestBootReportsStability(t *testing.T) {
	c := services.NewContainer(services.Options{MaxWorkers: 2, Logger: zerolog.Nop()})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	}()

	runner := &recordingRunner{onRun: func(model.Operation, ProcessorTarget) error {
		if _, err := c.AddService("keel.web", services.Funcs{}).AddDependency("keel.db").Install(); err != nil {
			return err
		}
		_, err := c.AddService("keel.broken", services.Funcs{StartFunc: func(context.Context) error {
			return errors.New("port in use")
		}}).Install()
		return err
	}}
	seq := NewSequencer(Options{Runner: runner, Container: c, Logger: zerolog.Nop(), StabilityTimeout: 5 * time.Second})

	result, err := seq.Boot(context.Background(), bootOps(1))
	if err != nil {
		t.Fatalf("Expected missing or failed services not to fail boot, got %v", err)
	}
	if result.Stability == nil {
		t.Fatal("Expected a stability report")
	}
	if deps := result.Stability.Missing["keel.web"]; len(deps) != 1 || deps[0] != "keel.db" {
		t.Errorf("Expected keel.web to miss keel.db, got %v", deps)
	}
	if result.Stability.Failed["keel.broken"] == "" {
		t.Errorf("Expected keel.broken to be reported as failed, got %v", result.Stability.Failed)
	}
}

func TestPhaseParsing(t *testing.T) {
	tests := []struct {
		in      string
		want    Phase
		wantErr bool
	}{
		{"STRUCTURE", PhaseStructure, false},
		{"configure-module", PhaseConfigureModule, false},
		{"post_module", PhasePostModule, false},
		{"deploy", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePhase(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePhase(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
	if Phase(42).String() != "Phase(42)" {
		t.Errorf("Expected Phase(42), got %s", Phase(42))
	}
}

func TestProcessorOrdering(t *testing.T) {
	reg := NewProcessorRegistry()
	var order []string
	add := func(phase Phase, prio int, name string) {
		t.Helper()
		err := reg.AddDeploymentProcessor(phase, prio, ProcessorFuncs{ID: name, DeployFunc: func(context.Context, *DeploymentUnit) error {
			order = append(order, name)
			return nil
		}})
		if err != nil {
			t.Fatalf("AddDeploymentProcessor(%s) failed: %v", name, err)
		}
	}
	add(PhaseInstall, 100, "install")
	add(PhaseParse, 200, "parse-late")
	add(PhaseParse, 100, "parse-early")
	add(PhaseStructure, 5000, "structure")

	if err := NewChain(reg).Deploy(context.Background(), NewDeploymentUnit("app.war")); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	want := []string{"structure", "parse-early", "parse-late", "install"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, order[i])
		}
	}

	if err := reg.AddDeploymentProcessor(PhaseParse, 100, ProcessorFuncs{ID: "clash"}); !errors.Is(err, ErrDuplicateProcessor) {
		t.Errorf("Expected ErrDuplicateProcessor, got %v", err)
	}
	if err := reg.AddDeploymentProcessor(Phase(9), 1, ProcessorFuncs{ID: "bad"}); err == nil {
		t.Error("Expected invalid phase to be rejected")
	}
}

func TestChainUndeploysOnFailure(t *testing.T) {
	reg := NewProcessorRegistry()
	var undeployed []string
	for i, name := range []string{"a", "b"} {
		name := name
		_ = reg.AddDeploymentProcessor(PhaseStructure, i, ProcessorFuncs{
			ID: name,
			DeployFunc: func(_ context.Context, u *DeploymentUnit) error {
				u.PutAttachment(name, true)
				return nil
			},
			UndeployFunc: func(_ context.Context, u *DeploymentUnit) {
				undeployed = append(undeployed, name)
				u.RemoveAttachment(name)
			},
		})
	}
	_ = reg.AddDeploymentProcessor(PhaseInstall, 0, ProcessorFuncs{
		ID:         "install",
		DeployFunc: func(context.Context, *DeploymentUnit) error { return errors.New("no module") },
	})

	unit := NewDeploymentUnit("app.war")
	err := NewChain(reg).Deploy(context.Background(), unit)

	var derr *DeploymentError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected *DeploymentError, got %v", err)
	}
	if derr.Processor != "install" || derr.Phase != PhaseInstall {
		t.Errorf("Expected install at INSTALL, got %s at %s", derr.Processor, derr.Phase)
	}
	if len(undeployed) != 2 || undeployed[0] != "b" || undeployed[1] != "a" {
		t.Errorf("Expected undeploy in reverse order [b a], got %v", undeployed)
	}
	if _, ok := unit.Attachment("a"); ok {
		t.Error("Expected attachments removed by undeploy")
	}
}
