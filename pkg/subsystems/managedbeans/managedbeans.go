// Package managedbeans provides /subsystem=managed-beans. Adding the subsystem
// during boot registers two deployment processors: one that finds managed bean
// classes in a deployment unit and one that installs a service per bean.
package managedbeans

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
)

// SubsystemName is the subsystem's address value.
const SubsystemName = "managed-beans"

// Deployment processor names and priorities.
const (
	AnnotationProcessorName = "managed-bean-annotation"
	InstallProcessorName    = "managed-bean-install"

	AnnotationPriority = 0x0A00
	InstallPriority    = 0x0A00
)

// Deployment unit attachments.
const (
	// AttachmentClasses is set by earlier processors to the unit's annotated classes, as []string.
	AttachmentClasses = "managed-bean.classes"

	// AttachmentBeans holds the []Bean found in the unit.
	AttachmentBeans = "managed-bean.beans"

	// AttachmentServices holds the []services.Name installed for the unit.
	AttachmentServices = "managed-bean.services"
)

// ServiceBase is the parent name of every managed bean service.
var ServiceBase = services.Keel.Append("managed-bean")

// ServiceName returns keel.managed-bean.<unit>.<bean>.
func ServiceName(unit, bean string) services.Name {
	return ServiceBase.Append(strings.ReplaceAll(unit, ".", "_"), bean)
}

// Bean is one managed bean found in a deployment unit.
type Bean struct {
	Name  string
	Class string
}

// SubsystemAddress is /subsystem=managed-beans.
var SubsystemAddress = model.Addr(controller.SubsystemKey, SubsystemName)

// AddOperation returns the operation that adds the subsystem.
func AddOperation() model.Operation {
	return model.NewOperation(model.OpAdd, SubsystemAddress)
}

var subsystemDescription = &model.ResourceDescription{Description: "The managed beans subsystem"}

// SubsystemAdd creates the subsystem resource and, during boot, registers the
// deployment processors.
var SubsystemAdd = controller.Sync(controller.KindAdd, func(ctx *controller.Context, op model.Operation) (*model.Operation, model.Value, error) {
	if err := ctx.Model().Create(model.EmptyObject()); err != nil {
		return nil, model.Undefined, err
	}

	comp := operations.RemoveOperation(op.Address())
	if processors, ok := ctx.Boot(); ok {
		container, _ := ctx.Services()
		if err := processors.AddDeploymentProcessor(boot.PhaseParse, AnnotationPriority, annotationProcessor{}); err != nil {
			return nil, model.Undefined, controller.WithCompensating(err, comp)
		}
		if err := processors.AddDeploymentProcessor(boot.PhaseInstall, InstallPriority, &installProcessor{container: container}); err != nil {
			return nil, model.Undefined, controller.WithCompensating(err, comp)
		}
	}
	return &comp, model.Undefined, nil
})

// Describe returns the operations that recreate the subsystem.
var Describe = controller.Sync(controller.KindQuery, func(*controller.Context, model.Operation) (*model.Operation, model.Value, error) {
	return nil, model.List(AddOperation().Value()), nil
})

type annotationProcessor struct{}

func (annotationProcessor) Name() string { return AnnotationProcessorName }

func (annotationProcessor) Deploy(_ context.Context, unit *boot.DeploymentUnit) error {
	v, ok := unit.Attachment(AttachmentClasses)
	if !ok {
		return nil
	}
	classes, ok := v.([]string)
	if !ok {
		return fmt.Errorf("attachment %s holds %T, not []string", AttachmentClasses, v)
	}

	beans := make([]Bean, 0, len(classes))
	seen := make(map[string]string, len(classes))
	for _, class := range classes {
		name := class[strings.LastIndexByte(class, '.')+1:]
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("managed bean name %s is used by both %s and %s", name, prev, class)
		}
		seen[name] = class
		beans = append(beans, Bean{Name: name, Class: class})
	}
	unit.PutAttachment(AttachmentBeans, beans)
	return nil
}

func (annotationProcessor) Undeploy(_ context.Context, unit *boot.DeploymentUnit) {
	unit.RemoveAttachment(AttachmentBeans)
}

type installProcessor struct {
	container *services.Container
}

func (*installProcessor) Name() string { return InstallProcessorName }

func (p *installProcessor) Deploy(_ context.Context, unit *boot.DeploymentUnit) error {
	v, ok := unit.Attachment(AttachmentBeans)
	if !ok || p.container == nil {
		return nil
	}

	var installed []services.Name
	for _, bean := range v.([]Bean) {
		bean := bean
		name := ServiceName(unit.Name, bean.Name)
		if _, err := p.container.AddService(name, services.Funcs{ValueFunc: func() any { return bean }}).
			AddDependency(services.DeploymentModuleLoader).
			SetInitialMode(services.ModeOnDemand).
			Install(); err != nil {
			for _, n := range installed {
				p.container.Remove(n)
			}
			return fmt.Errorf("failed to install managed bean %s: %w", bean.Name, err)
		}
		installed = append(installed, name)
	}
	unit.PutAttachment(AttachmentServices, installed)
	return nil
}

func (p *installProcessor) Undeploy(ctx context.Context, unit *boot.DeploymentUnit) {
	v, ok := unit.Attachment(AttachmentServices)
	if !ok {
		return
	}
	for _, name := range v.([]services.Name) {
		select {
		case <-p.container.Remove(name):
		case <-ctx.Done():
			return
		}
	}
	unit.RemoveAttachment(AttachmentServices)
}

// Extension registers the managed beans subsystem.
type Extension struct{}

// Name implements controller.Extension.
func (Extension) Name() string { return SubsystemName }

// Initialize implements controller.Extension.
func (Extension) Initialize(ctx *controller.ExtensionContext) error {
	sub, err := ctx.RegisterSubsystem(SubsystemName)
	if err != nil {
		return err
	}
	if err := operations.RegisterResource(sub, subsystemDescription, SubsystemAdd, &operations.ResourceRemove{}); err != nil {
		return err
	}
	return sub.RegisterOperation(model.OpDescribe, Describe, controller.StaticDescription(model.OperationDescription{
		Name:        model.OpDescribe,
		Description: "Returns the operations that recreate the subsystem",
		ReplyType:   model.KindList,
	}))
}
