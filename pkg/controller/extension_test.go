package controller

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/model"
)

type testExtension struct {
	name      string
	subsystem string
	fail      error
}

func (e *testExtension) Name() string { return e.name }

func (e *testExtension) Initialize(ctx *ExtensionContext) error {
	if e.fail != nil {
		return e.fail
	}
	sub, err := ctx.RegisterSubsystem(e.subsystem)
	if err != nil {
		return err
	}
	if err := sub.RegisterOperation(model.OpAdd, namedHandler("add-"+e.subsystem), nil); err != nil {
		return err
	}
	child := sub.Child("thread-factory", model.Wildcard)
	return child.RegisterOperation(model.OpAdd, namedHandler("add-factory"), nil)
}

func TestLoadExtensions(t *testing.T) {
	reg := NewRegistry()
	ctx := NewExtensionContext(reg, zerolog.Nop())

	err := LoadExtensions(ctx,
		&testExtension{name: "threads-ext", subsystem: "threads"},
		&testExtension{name: "osgi-ext", subsystem: "osgi"},
	)
	if err != nil {
		t.Fatalf("LoadExtensions failed: %v", err)
	}

	if got := ctx.Subsystems(); !reflect.DeepEqual(got, []string{"osgi", "threads"}) {
		t.Errorf("Expected [osgi threads], got %v", got)
	}
	if got := resolveName(t, reg, model.Addr("subsystem", "threads"), model.OpAdd); got != "add-threads" {
		t.Errorf("Expected add-threads, got %s", got)
	}
	if got := resolveName(t, reg, model.Addr("subsystem", "threads", "thread-factory", "tf"), model.OpAdd); got != "add-factory" {
		t.Errorf("Expected add-factory, got %s", got)
	}
}

func TestLoadExtensionsDuplicateSubsystem(t *testing.T) {
	ctx := NewExtensionContext(NewRegistry(), zerolog.Nop())

	err := LoadExtensions(ctx,
		&testExtension{name: "first", subsystem: "threads"},
		&testExtension{name: "second", subsystem: "threads"},
	)
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Errorf("Expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestLoadExtensionsStopsAtFirstError(t *testing.T) {
	ctx := NewExtensionContext(NewRegistry(), zerolog.Nop())
	boom := errors.New("boom")

	err := LoadExtensions(ctx,
		&testExtension{name: "broken", fail: boom},
		&testExtension{name: "never", subsystem: "never"},
	)
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
	if len(ctx.Subsystems()) != 0 {
		t.Errorf("Expected no subsystems, got %v", ctx.Subsystems())
	}
}

func TestRegisterRoot(t *testing.T) {
	reg := NewRegistry()
	ctx := NewExtensionContext(reg, zerolog.Nop())

	root := ctx.RegisterRoot("interface", model.Wildcard)
	if err := root.RegisterResource(&model.ResourceDescription{Description: "iface"}); err != nil {
		t.Fatalf("RegisterResource failed: %v", err)
	}
	if d, ok := reg.ResourceDescription(model.Addr("interface", "public")); !ok || d.Description != "iface" {
		t.Errorf("Expected iface description, got %v", d)
	}
}
