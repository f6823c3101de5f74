package osgi

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
)

func addOperation(activation string) model.Operation {
	return model.NewOperation(model.OpAdd, SubsystemAddress).
		WithParam(AttrActivation, model.String(activation)).
		WithParam(AttrProperties, model.EmptyObject().With("org.osgi.framework.storage", model.String("/tmp/bundles"))).
		WithParam(AttrModules, model.EmptyObject().
			With("org.keel.logging", model.EmptyObject().With(AttrStart, model.Bool(true))).
			With("org.keel.jmx", model.EmptyObject()))
}

func bootKernel(t *testing.T, ops ...model.Operation) (*controller.Dispatcher, *services.Container, *boot.ProcessorRegistry) {
	t.Helper()
	reg := controller.NewRegistry()
	if err := controller.LoadExtensions(controller.NewExtensionContext(reg, zerolog.Nop()), operations.Extension{}, Extension{}); err != nil {
		t.Fatalf("LoadExtensions failed: %v", err)
	}
	c := services.NewContainer(services.Options{MaxWorkers: 2, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	d := controller.NewDispatcher(controller.Options{Registry: reg, Container: c, Logger: zerolog.Nop(), ServiceTimeout: 5 * time.Second})

	processors := boot.NewProcessorRegistry()
	seq := boot.NewSequencer(boot.Options{Runner: d, Container: c, Processors: processors, Logger: zerolog.Nop()})
	if _, err := seq.Boot(context.Background(), ops); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	return d, c, processors
}

func TestLazyFrameworkWaitsForDemand(t *testing.T) {
	_, c, processors := bootKernel(t, addOperation(ActivationLazy))

	st, ok := c.Status(FrameworkName)
	if !ok {
		t.Fatal("Expected the framework service to be installed")
	}
	if st.Mode != services.ModeOnDemand || st.State != services.StateDown {
		t.Errorf("Expected ON_DEMAND and DOWN, got %s and %s", st.Mode, st.State)
	}

	entries := processors.Entries()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 processors, got %d", len(entries))
	}
	if entries[0].Name != DependenciesProcessorName || entries[0].Phase != boot.PhaseDependencies {
		t.Errorf("Expected %s at DEPENDENCIES, got %s at %s", DependenciesProcessorName, entries[0].Name, entries[0].Phase)
	}
	if entries[1].Name != InstallProcessorName || entries[1].Phase != boot.PhaseInstall {
		t.Errorf("Expected %s at INSTALL, got %s at %s", InstallProcessorName, entries[1].Name, entries[1].Phase)
	}
}

func TestEagerFrameworkStartsAtBoot(t *testing.T) {
	_, c, _ := bootKernel(t, addOperation(ActivationEager))

	ctrl, ok := c.Service(FrameworkName)
	if !ok {
		t.Fatal("Expected the framework service to be installed")
	}
	if ctrl.State() != services.StateUp {
		t.Fatalf("Expected framework UP, got %s", ctrl.State())
	}
	v, _ := ctrl.Value()
	cfg, ok := v.(*Framework).Configuration()
	if !ok {
		t.Fatal("Expected the configuration to be injected")
	}
	if cfg.Properties["org.osgi.framework.storage"] != "/tmp/bundles" {
		t.Errorf("Expected storage property /tmp/bundles, got %q", cfg.Properties["org.osgi.framework.storage"])
	}
	if len(cfg.Modules) != 2 {
		t.Fatalf("Expected 2 modules, got %d", len(cfg.Modules))
	}
	for _, m := range cfg.Modules {
		if want := m.Identifier == "org.keel.logging"; m.Start != want {
			t.Errorf("Expected %s start=%v, got %v", m.Identifier, want, m.Start)
		}
	}
}

func TestDeployInstallsBundle(t *testing.T) {
	_, c, processors := bootKernel(t, addOperation(ActivationLazy))
	chain := boot.NewChain(processors)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	unit := boot.NewDeploymentUnit("inventory.jar")
	unit.PutAttachment(AttachmentManifest, map[string]string{
		"Bundle-SymbolicName": "com.acme.inventory",
		"Import-Package":      "org.osgi.framework, com.acme.api",
	})
	if err := chain.Deploy(ctx, unit); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	v, _ := unit.Attachment(AttachmentBundle)
	b := v.(*Bundle)
	if b.Version != "0.0.0" || len(b.Imports) != 2 || b.Imports[1] != "com.acme.api" {
		t.Errorf("Unexpected bundle %+v", b)
	}

	ctrl, _ := c.Service(FrameworkName)
	if ctrl.State() != services.StateUp {
		t.Fatalf("Expected the deployment to start the framework, got %s", ctrl.State())
	}
	fwv, _ := ctrl.Value()
	fw := fwv.(*Framework)
	if got := fw.Bundles(); len(got) != 1 || got[0] != "com.acme.inventory" {
		t.Errorf("Expected [com.acme.inventory], got %v", got)
	}

	second := boot.NewDeploymentUnit("inventory-copy.jar")
	second.PutAttachment(AttachmentManifest, map[string]string{"Bundle-SymbolicName": "com.acme.inventory"})
	if err := chain.Deploy(ctx, second); err == nil {
		t.Error("Expected a second bundle with the same symbolic name to fail")
	}
	if _, ok := second.Attachment(AttachmentBundle); ok {
		t.Error("Expected the failed unit to be undeployed")
	}

	chain.Undeploy(ctx, unit)
	if got := fw.Bundles(); len(got) != 0 {
		t.Errorf("Expected no bundles after undeploy, got %v", got)
	}
}

func TestUnitWithoutManifestIsIgnored(t *testing.T) {
	_, c, processors := bootKernel(t, addOperation(ActivationLazy))

	unit := boot.NewDeploymentUnit("plain.war")
	if err := boot.NewChain(processors).Deploy(context.Background(), unit); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if st, _ := c.Status(FrameworkName); st.State != services.StateDown {
		t.Errorf("Expected the framework to stay DOWN, got %s", st.State)
	}
}

func TestActivationValidation(t *testing.T) {
	reg := controller.NewRegistry()
	_ = controller.LoadExtensions(controller.NewExtensionContext(reg, zerolog.Nop()), operations.Extension{}, Extension{})
	d := controller.NewDispatcher(controller.Options{Registry: reg, Logger: zerolog.Nop()})

	out := d.Dispatch(context.Background(), addOperation("sometimes"))
	if out.Success || out.Failure.Class != controller.ErrorClassValidation {
		t.Errorf("Expected validation failure, got %+v", out.Failure)
	}

	bad := model.NewOperation(model.OpAdd, SubsystemAddress).
		WithParam(AttrModules, model.EmptyObject().With("m", model.EmptyObject().With(AttrStart, model.List())))
	out = d.Dispatch(context.Background(), bad)
	if out.Success || out.Failure.Class != controller.ErrorClassValidation {
		t.Errorf("Expected validation failure for a list start flag, got %+v", out.Failure)
	}

	out = d.Dispatch(context.Background(), model.NewOperation(model.OpAdd, SubsystemAddress))
	if !out.Success {
		t.Fatalf("add failed: %v", out.Failure)
	}
	attrs, _ := d.Tree().Read(SubsystemAddress)
	if attrs.Get(AttrActivation).StringOr("") != ActivationLazy {
		t.Errorf("Expected default activation lazy, got %v", attrs.Get(AttrActivation))
	}
}
