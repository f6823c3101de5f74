// Package threads provides thread factories and queueless thread pools under
// /subsystem=threads. Pools are bounded goroutine executors installed as
// keel.thread.executor.<name>.
package threads

import (
	"context"
	"time"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

// Subsystem name, address keys and attribute names.
const (
	SubsystemName          = "threads"
	ThreadFactoryKey       = "thread-factory"
	QueuelessThreadPoolKey = "queueless-thread-pool"

	AttrGroupName         = "group-name"
	AttrThreadNamePattern = "thread-name-pattern"
	AttrPriority          = "priority"
	AttrProperties        = "properties"
	AttrMaxThreads        = "max-threads"
	AttrKeepaliveTime     = "keepalive-time"
	AttrBlocking          = "blocking"
	AttrHandoffExecutor   = "handoff-executor"
	AttrThreadFactory     = "thread-factory"
)

const (
	defaultKeepalive = 30 * time.Second
	defaultPriority  = 5
)

// Service names.
var (
	ThreadFactoryBase = services.Keel.Append("thread", "factory")
	ExecutorBase      = services.Keel.Append("thread", "executor")
)

// ThreadFactoryName returns keel.thread.factory.<name>.
func ThreadFactoryName(name string) services.Name { return ThreadFactoryBase.Append(name) }

// ExecutorName returns keel.thread.executor.<name>.
func ExecutorName(name string) services.Name { return ExecutorBase.Append(name) }

// SubsystemDescription describes /subsystem=threads.
var SubsystemDescription = &model.ResourceDescription{
	Description: "The threads subsystem",
	Children: map[string]string{
		ThreadFactoryKey:       "Thread factories",
		QueuelessThreadPoolKey: "Thread pools without a task queue",
	},
}

// ThreadFactoryDescription describes thread-factory=*.
var ThreadFactoryDescription = &model.ResourceDescription{
	Description: "A thread factory",
	Attributes: []model.AttributeDescription{
		{Name: AttrGroupName, Type: model.KindString, Nullable: true, ExpressionsAllowed: true, Description: "The thread group name"},
		{Name: AttrThreadNamePattern, Type: model.KindString, Nullable: true, ExpressionsAllowed: true, Description: "The thread name pattern"},
		{Name: AttrPriority, Type: model.KindInt, Nullable: true, ExpressionsAllowed: true,
			Min: model.Bound(1), Max: model.Bound(10), Description: "The thread priority"},
		{Name: AttrProperties, Type: model.KindObject, Nullable: true, Description: "Free-form properties"},
	},
}

// QueuelessThreadPoolDescription describes queueless-thread-pool=*.
var QueuelessThreadPoolDescription = &model.ResourceDescription{
	Description: "A thread pool that hands tasks straight to a thread",
	Attributes: []model.AttributeDescription{
		{Name: AttrMaxThreads, Type: model.KindInt, ExpressionsAllowed: true, Min: model.Bound(1), Description: "The maximum number of threads"},
		{Name: AttrKeepaliveTime, Type: model.KindInt, Nullable: true, ExpressionsAllowed: true, Min: model.Bound(0),
			Description: "How long stopping waits for running tasks, in milliseconds"},
		{Name: AttrBlocking, Type: model.KindBool, Nullable: true, ExpressionsAllowed: true, Description: "Whether submitters wait for a free thread"},
		{Name: AttrHandoffExecutor, Type: model.KindString, Nullable: true, Description: "The pool that receives rejected tasks"},
		{Name: AttrThreadFactory, Type: model.KindString, Nullable: true, Description: "The thread factory to use"},
		{Name: AttrProperties, Type: model.KindObject, Nullable: true, Description: "Free-form properties"},
	},
}

var propertiesValidator = validation.NewModelTypeValidator(true, false, model.KindObject)

// ThreadFactoryAdd adds a factory and installs keel.thread.factory.<name>.
var ThreadFactoryAdd = &operations.ResourceAdd{
	Description: ThreadFactoryDescription,
	Parameters: validation.NewParametersValidator().
		Register(AttrGroupName, validation.NewStringLengthValidator(1, 0, true, true)).
		Register(AttrThreadNamePattern, validation.NewStringLengthValidator(1, 0, true, true)).
		Register(AttrPriority, validation.NewIntRangeValidator(1, 10, true, true)).
		Register(AttrProperties, propertiesValidator),
	RuntimeParameters: validation.NewParametersValidator().
		Register(AttrPriority, validation.NewIntRangeValidator(1, 10, true, false)),
	Runtime: func(ctx *controller.Context, op model.Operation, _ model.Value) error {
		target, _ := ctx.Runtime()
		name := op.Address().Name()
		factory := &ThreadFactory{
			Name:      name,
			GroupName: op.Param(AttrGroupName).StringOr(name),
			Priority:  int(op.Param(AttrPriority).IntOr(defaultPriority)),
		}
		_, err := target.AddService(ThreadFactoryName(name), services.Funcs{
			ValueFunc: func() any { return factory },
		}).Install()
		return err
	},
}

// ThreadFactoryRemove removes a factory and its service.
var ThreadFactoryRemove = &operations.ResourceRemove{
	Runtime: func(ctx *controller.Context, op model.Operation, _ model.Value) error {
		return operations.RemoveService(ctx, ThreadFactoryName(op.Address().Name()))
	},
}

// executorService owns an Executor between start and stop.
type executorService struct {
	name      string
	max       int64
	blocking  bool
	keepalive time.Duration

	factory services.InjectedValue[*ThreadFactory]
	handoff services.InjectedValue[*Executor]

	exec *Executor
}

func (s *executorService) Start(context.Context) error {
	factory, _ := s.factory.Get()
	handoff, _ := s.handoff.Get()
	s.exec = NewExecutor(s.name, s.max, s.blocking, factory, handoff)
	s.exec.KeepAlive = s.keepalive
	return nil
}

func (s *executorService) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.keepalive)
	defer cancel()
	_ = s.exec.Shutdown(ctx)
}

func (s *executorService) Value() any { return s.exec }

// QueuelessThreadPoolAdd adds a pool and installs keel.thread.executor.<name>. The
// pool depends on its thread factory and handoff executor, when named.
var QueuelessThreadPoolAdd = &operations.ResourceAdd{
	Description: QueuelessThreadPoolDescription,
	Parameters: validation.NewParametersValidator().
		Register(AttrMaxThreads, validation.NewIntRangeValidator(1, 1<<31-1, false, true)).
		Register(AttrKeepaliveTime, validation.NewIntRangeValidator(0, 1<<31-1, true, true)).
		Register(AttrBlocking, validation.NewModelTypeValidator(true, true, model.KindBool)).
		Register(AttrHandoffExecutor, validation.NewStringLengthValidator(1, 0, true, false)).
		Register(AttrThreadFactory, validation.NewStringLengthValidator(1, 0, true, false)).
		Register(AttrProperties, propertiesValidator),
	RuntimeParameters: validation.NewParametersValidator().
		Register(AttrMaxThreads, validation.NewIntRangeValidator(1, 1<<31-1, false, false)).
		Register(AttrKeepaliveTime, validation.NewIntRangeValidator(0, 1<<31-1, true, false)).
		Register(AttrBlocking, validation.NewModelTypeValidator(true, false, model.KindBool)),
	Runtime: installPool,
}

func installPool(ctx *controller.Context, op model.Operation, _ model.Value) error {
	target, _ := ctx.Runtime()
	name := op.Address().Name()
	svc := &executorService{
		name:      name,
		max:       op.Param(AttrMaxThreads).IntOr(1),
		blocking:  op.Param(AttrBlocking).BoolOr(false),
		keepalive: defaultKeepalive,
	}
	if ms := op.Param(AttrKeepaliveTime); ms.IsDefined() {
		svc.keepalive = time.Duration(ms.IntOr(0)) * time.Millisecond
	}

	builder := target.AddService(ExecutorName(name), svc)
	if tf := op.Param(AttrThreadFactory); tf.IsDefined() {
		builder.AddInjectedDependency(ThreadFactoryName(tf.StringOr("")), &svc.factory)
	}
	if h := op.Param(AttrHandoffExecutor); h.IsDefined() {
		builder.AddInjectedDependency(ExecutorName(h.StringOr("")), &svc.handoff)
	}
	_, err := builder.Install()
	return err
}

// QueuelessThreadPoolRemove removes a pool's service and then its resource. On a
// runtime context where the service is already gone, it succeeds without touching
// the model and without a compensating operation.
var QueuelessThreadPoolRemove controller.Handler = poolRemoveHandler{}

type poolRemoveHandler struct{}

func (poolRemoveHandler) Kind() controller.HandlerKind { return controller.KindRemove }

func (poolRemoveHandler) Execute(ctx *controller.Context, op model.Operation, rh controller.ResultHandler) controller.Cancellable {
	if c, ok := ctx.Services(); ok {
		if _, installed := c.Service(ExecutorName(op.Address().Name())); !installed {
			rh.Succeed(nil, model.Undefined)
			return controller.Done
		}
	}
	return poolRemove.Execute(ctx, op, rh)
}

var poolRemove = &operations.ResourceRemove{
	Runtime: func(ctx *controller.Context, op model.Operation, _ model.Value) error {
		return operations.RemoveService(ctx, ExecutorName(op.Address().Name()))
	},
}

// Extension registers the threads subsystem.
type Extension struct{}

// Name implements controller.Extension.
func (Extension) Name() string { return SubsystemName }

// Initialize implements controller.Extension.
func (Extension) Initialize(ctx *controller.ExtensionContext) error {
	sub, err := ctx.RegisterSubsystem(SubsystemName)
	if err != nil {
		return err
	}
	if err := operations.RegisterResource(sub, SubsystemDescription, &operations.ResourceAdd{Description: SubsystemDescription},
		&operations.ResourceRemove{}); err != nil {
		return err
	}
	if err := operations.RegisterResource(sub.Child(ThreadFactoryKey, model.Wildcard), ThreadFactoryDescription,
		ThreadFactoryAdd, ThreadFactoryRemove); err != nil {
		return err
	}
	return operations.RegisterResource(sub.Child(QueuelessThreadPoolKey, model.Wildcard), QueuelessThreadPoolDescription,
		QueuelessThreadPoolAdd, QueuelessThreadPoolRemove)
}
