// Package osgi provides /subsystem=osgi: a module framework service configured by
// the subsystem's attributes, and the deployment processors that turn units
// carrying a bundle manifest into installed bundles.
package osgi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

// Subsystem name and attributes.
const (
	SubsystemName  = "osgi"
	AttrActivation = "activation"
	AttrProperties = "properties"
	AttrModules    = "modules"
	AttrStart      = "start"

	ActivationLazy  = "lazy"
	ActivationEager = "eager"
)

// Deployment processors.
const (
	DependenciesProcessorName = "osgi-bundle-dependencies"
	InstallProcessorName      = "osgi-bundle-install"

	DependenciesPriority = 0x0B00
	InstallPriority      = 0x0B00
)

// Deployment unit attachments.
const (
	// AttachmentManifest is set by earlier processors to the unit's manifest headers, as map[string]string.
	AttachmentManifest = "osgi.manifest"

	// AttachmentBundle holds the *Bundle built from the manifest.
	AttachmentBundle = "osgi.bundle"
)

// Service names.
var (
	ConfigurationName = services.Keel.Append("osgi", "configuration")
	FrameworkName     = services.Keel.Append("osgi", "framework")
)

// SubsystemAddress is /subsystem=osgi.
var SubsystemAddress = model.Addr(controller.SubsystemKey, SubsystemName)

// Module is a framework module and whether it starts with the framework.
type Module struct {
	Identifier string
	Start      bool
}

// Configuration is the value of keel.osgi.configuration.
type Configuration struct {
	Activation string
	Properties map[string]string
	Modules    []Module
}

// Bundle is a deployed unit known to the framework.
type Bundle struct {
	SymbolicName string
	Version      string
	Imports      []string
	Unit         string
}

// Framework is the value of keel.osgi.framework.
type Framework struct {
	config services.InjectedValue[*Configuration]

	mu      sync.Mutex
	bundles map[string]*Bundle
}

// Configuration returns the framework configuration.
func (f *Framework) Configuration() (*Configuration, bool) { return f.config.Get() }

// Install adds a bundle. A symbolic name can be installed once.
func (f *Framework) Install(b *Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.bundles[b.SymbolicName]; ok {
		return fmt.Errorf("bundle %s is already installed from %s", b.SymbolicName, prev.Unit)
	}
	f.bundles[b.SymbolicName] = b
	return nil
}

// Uninstall removes a bundle.
func (f *Framework) Uninstall(symbolicName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bundles, symbolicName)
}

// Bundles returns the installed symbolic names, sorted.
func (f *Framework) Bundles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.bundles))
	for n := range f.bundles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *Framework) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = make(map[string]*Bundle)
	return nil
}

func (f *Framework) Stop(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = nil
}

func (f *Framework) Value() any { return f }

// SubsystemDescription describes /subsystem=osgi.
var SubsystemDescription = &model.ResourceDescription{
	Description: "The OSGi subsystem",
	Attributes: []model.AttributeDescription{
		{Name: AttrActivation, Type: model.KindString, Nullable: true, Default: model.String(ActivationLazy),
			Description: "Whether the framework starts at boot (eager) or when first needed (lazy)"},
		{Name: AttrProperties, Type: model.KindObject, Nullable: true, Description: "Framework properties"},
		{Name: AttrModules, Type: model.KindObject, Nullable: true, Description: "Modules by identifier, each with a start flag"},
	},
}

var modulesValidator = validation.ValidatorFunc(func(name string, v model.Value) error {
	if err := validation.NewModelTypeValidator(true, false, model.KindObject).Validate(name, v); err != nil {
		return err
	}
	for _, id := range v.Keys() {
		if err := validation.NewModelTypeValidator(true, false, model.KindBool).Validate(name+"."+id+"."+AttrStart, v.Get(id).Get(AttrStart)); err != nil {
			return err
		}
	}
	return nil
})

// SubsystemAdd creates the subsystem resource. During boot on a runtime context it
// installs the configuration and framework services and registers the deployment
// processors. The framework is ACTIVE when activation is eager and ON_DEMAND when
// it is lazy.
var SubsystemAdd = &operations.ResourceAdd{
	Description: SubsystemDescription,
	Parameters: validation.NewParametersValidator().
		Register(AttrActivation, validation.NewEnumValidator(true, false, ActivationLazy, ActivationEager)).
		Register(AttrProperties, validation.NewModelTypeValidator(true, false, model.KindObject)).
		Register(AttrModules, modulesValidator),
	Runtime: installFramework,
}

func installFramework(ctx *controller.Context, op model.Operation, attrs model.Value) error {
	processors, booting := ctx.Boot()
	if !booting {
		ctx.Logger().Info().Msg("OSGi framework changes take effect on the next boot")
		return nil
	}
	target, _ := ctx.Runtime()

	cfg := configurationFrom(op)
	if _, err := target.AddService(ConfigurationName, services.Funcs{ValueFunc: func() any { return cfg }}).
		SetInitialMode(services.ModeOnDemand).
		Install(); err != nil {
		return err
	}

	mode := services.ModeOnDemand
	if cfg.Activation == ActivationEager {
		mode = services.ModeActive
	}
	fw := &Framework{}
	if _, err := target.AddService(FrameworkName, fw).
		AddInjectedDependency(ConfigurationName, &fw.config).
		SetInitialMode(mode).
		Install(); err != nil {
		return err
	}

	c, _ := ctx.Services()
	if err := processors.AddDeploymentProcessor(boot.PhaseDependencies, DependenciesPriority, dependenciesProcessor{}); err != nil {
		return err
	}
	return processors.AddDeploymentProcessor(boot.PhaseInstall, InstallPriority, &installProcessor{container: c})
}

func configurationFrom(op model.Operation) *Configuration {
	cfg := &Configuration{
		Activation: strings.ToLower(op.Param(AttrActivation).StringOr(ActivationLazy)),
		Properties: make(map[string]string),
	}
	props := op.Param(AttrProperties)
	for _, k := range props.Keys() {
		cfg.Properties[k] = props.Get(k).StringOr("")
	}
	modules := op.Param(AttrModules)
	for _, id := range modules.Keys() {
		cfg.Modules = append(cfg.Modules, Module{Identifier: id, Start: modules.Get(id).Get(AttrStart).BoolOr(false)})
	}
	return cfg
}

type dependenciesProcessor struct{}

func (dependenciesProcessor) Name() string { return DependenciesProcessorName }

func (dependenciesProcessor) Deploy(_ context.Context, unit *boot.DeploymentUnit) error {
	v, ok := unit.Attachment(AttachmentManifest)
	if !ok {
		return nil
	}
	manifest, ok := v.(map[string]string)
	if !ok {
		return fmt.Errorf("attachment %s holds %T, not map[string]string", AttachmentManifest, v)
	}
	name := manifest["Bundle-SymbolicName"]
	if name == "" {
		return nil
	}

	b := &Bundle{SymbolicName: name, Version: manifest["Bundle-Version"], Unit: unit.Name}
	if b.Version == "" {
		b.Version = "0.0.0"
	}
	for _, imp := range strings.Split(manifest["Import-Package"], ",") {
		if imp = strings.TrimSpace(imp); imp != "" {
			b.Imports = append(b.Imports, imp)
		}
	}
	unit.PutAttachment(AttachmentBundle, b)
	return nil
}

func (dependenciesProcessor) Undeploy(_ context.Context, unit *boot.DeploymentUnit) {
	unit.RemoveAttachment(AttachmentBundle)
}

// installProcessor installs bundles into the framework, demanding it first when it
// is lazy.
type installProcessor struct {
	container *services.Container
}

func (*installProcessor) Name() string { return InstallProcessorName }

func (p *installProcessor) framework(ctx context.Context) (*Framework, error) {
	if p.container == nil {
		return nil, fmt.Errorf("service %s is not available", FrameworkName)
	}
	if err := p.container.SetMode(FrameworkName, services.ModeActive); err != nil {
		return nil, err
	}
	failures, err := p.container.AwaitServices(ctx, []services.Name{FrameworkName})
	if err != nil {
		return nil, err
	}
	if ferr := failures[FrameworkName]; ferr != nil {
		return nil, ferr
	}
	ctrl, ok := p.container.Service(FrameworkName)
	if !ok {
		return nil, fmt.Errorf("service %s is not available", FrameworkName)
	}
	v, ok := ctrl.Value()
	if !ok {
		return nil, fmt.Errorf("service %s is not up", FrameworkName)
	}
	return v.(*Framework), nil
}

func (p *installProcessor) Deploy(ctx context.Context, unit *boot.DeploymentUnit) error {
	v, ok := unit.Attachment(AttachmentBundle)
	if !ok {
		return nil
	}
	fw, err := p.framework(ctx)
	if err != nil {
		return err
	}
	return fw.Install(v.(*Bundle))
}

func (p *installProcessor) Undeploy(ctx context.Context, unit *boot.DeploymentUnit) {
	v, ok := unit.Attachment(AttachmentBundle)
	if !ok || p.container == nil {
		return
	}
	if ctrl, ok := p.container.Service(FrameworkName); ok {
		if fw, ok := ctrl.Value(); ok {
			fw.(*Framework).Uninstall(v.(*Bundle).SymbolicName)
		}
	}
}

// Extension registers the OSGi subsystem.
type Extension struct{}

// Name implements controller.Extension.
func (Extension) Name() string { return SubsystemName }

// Initialize implements controller.Extension.
func (Extension) Initialize(ctx *controller.ExtensionContext) error {
	sub, err := ctx.RegisterSubsystem(SubsystemName)
	if err != nil {
		return err
	}
	return operations.RegisterResource(sub, SubsystemDescription, SubsystemAdd, &operations.ResourceRemove{
		Runtime: func(ctx *controller.Context, _ model.Operation, _ model.Value) error {
			if err := operations.RemoveService(ctx, FrameworkName); err != nil {
				return err
			}
			return operations.RemoveService(ctx, ConfigurationName)
		},
	})
}
