package kernel

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/stores"
	"github.com/keelhq/keel/pkg/subsystems/threads"
)

func newKernel(t *testing.T, yaml string) *Kernel {
	t.Helper()
	loader := config.NewLoader()
	cfg, err := loader.Parse(config.FormatYAML, "server.yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	nop := zerolog.Nop()
	k, err := New(context.Background(), loader, cfg, Options{Version: "test", Logger: &nop})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := k.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return k
}

func TestKernelBootAndRollback(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "journal.db")
	k := newKernel(t, `
name: edge-1
properties:
  web.threads: "3"
journal:
  path: `+journal+`
operations:
  - operation: add
    address: /subsystem=threads
  - operation: add
    address: /subsystem=threads/queueless-thread-pool=web
    params:
      max-threads: "${web.threads:2}"
`)
	ctx := context.Background()

	res, err := k.Boot(ctx)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if res.Operations != 2 || res.Stability == nil {
		t.Errorf("Unexpected boot result %+v", res)
	}

	for _, name := range []services.Name{services.Keel, services.ServerController, services.DeployerChains, threads.ExecutorName("web")} {
		ctrl, ok := k.Container().Service(name)
		if !ok {
			t.Errorf("Expected %s to be installed", name)
			continue
		}
		if ctrl.State() != services.StateUp {
			t.Errorf("Expected %s UP, got %s", name, ctrl.State())
		}
	}
	ctrl, _ := k.Container().Service(services.Keel)
	if v, _ := ctrl.Value(); v != "edge-1" {
		t.Errorf("Expected the keel service to carry the server name, got %v", v)
	}

	addr := model.Addr("system-property", "app.mode")
	out := k.Dispatcher().Dispatch(ctx, model.NewOperation(model.OpAdd, addr).WithParam(model.ParamValue, model.String("prod")))
	if !out.Success {
		t.Fatalf("Expected add to succeed, got %v", out.Failure)
	}

	entries, err := k.Journal().List(ctx, stores.Filter{Mode: controller.ModeInteractive})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != out.ID {
		t.Fatalf("Expected the add to be journaled, got %d entries", len(entries))
	}

	rb, err := k.Rollback(ctx, out.ID)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !rb.Success {
		t.Fatalf("Expected rollback to succeed, got %v", rb.Failure)
	}
	if k.Dispatcher().Tree().Exists(addr) {
		t.Error("Expected the rollback to remove the property")
	}

	if _, err := k.Rollback(ctx, "missing"); err == nil {
		t.Error("Expected rollback of an unknown entry to fail")
	}
	if _, err := k.Boot(ctx); !errors.Is(err, boot.ErrAlreadyBooted) {
		t.Errorf("Expected a second boot to fail with ErrAlreadyBooted, got %v", err)
	}
}

func TestKernelBootFailure(t *testing.T) {
	k := newKernel(t, `
name: edge-1
operations:
  - operation: add
    address: /subsystem=threads
  - operation: frobnicate
`)

	_, err := k.Boot(context.Background())
	var berr *boot.BootError
	if !errors.As(err, &berr) {
		t.Fatalf("Expected a BootError, got %v", err)
	}
	if berr.Index != 1 {
		t.Errorf("Expected the second operation to fail, got index %d", berr.Index)
	}
	if _, err := k.Rollback(context.Background(), "any"); err == nil {
		t.Error("Expected rollback without a journal to fail")
	}
}

func TestKernelPolicy(t *testing.T) {
	k := newKernel(t, `
name: edge-1
policy:
  enabled: true
  dir: `+t.TempDir()+`
`)
	if _, err := k.Boot(context.Background()); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}

	out := k.Dispatcher().Dispatch(context.Background(),
		model.NewOperation(model.OpAdd, model.Addr("system-property", "bad name")).WithParam(model.ParamValue, model.String("x")))
	if out.Success || out.Failure == nil || out.Failure.Class != controller.ErrorClassDenied {
		t.Errorf("Expected the add to be denied, got %+v", out.Failure)
	}
}
