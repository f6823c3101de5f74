package network

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

// Address keys and attribute names.
const (
	SocketBindingGroupKey = "socket-binding-group"
	SocketBindingKey      = "socket-binding"

	AttrDefaultInterface = "default-interface"
	AttrPortOffset       = "port-offset"
	AttrInterface        = "interface"
	AttrPort             = "port"
	AttrFixedPort        = "fixed-port"
	AttrMulticastAddress = "multicast-address"
	AttrMulticastPort    = "multicast-port"
)

// Service names.
var (
	BindingManagerName = services.Keel.Append("binding-manager")
	BindingServiceBase = services.Keel.Append("binding")
)

// BindingServiceName returns keel.binding.<name>.
func BindingServiceName(name string) services.Name {
	return BindingServiceBase.Append(name)
}

// BindingManager is the value of keel.binding-manager. It applies the group's port
// offset and tracks the bindings that are up.
type BindingManager struct {
	PortOffset int

	defaultInterface services.InjectedValue[*InterfaceBinding]

	mu     sync.Mutex
	active map[string]*SocketBinding
}

// DefaultInterface returns the group's default interface, once injected.
func (m *BindingManager) DefaultInterface() (*InterfaceBinding, bool) {
	return m.defaultInterface.Get()
}

// Bindings returns the names of the bindings that are up, sorted.
func (m *BindingManager) Bindings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for n := range m.active {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *BindingManager) register(b *SocketBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[b.Name] = b
}

func (m *BindingManager) unregister(b *SocketBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, b.Name)
}

func (m *BindingManager) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[string]*SocketBinding)
	return nil
}

func (m *BindingManager) Stop(context.Context) {}

func (m *BindingManager) Value() any { return m }

// SocketBinding is the value of keel.binding.<name>.
type SocketBinding struct {
	Name             string
	Port             int
	FixedPort        bool
	MulticastAddress net.IP
	MulticastPort    int

	iface   services.InjectedValue[*InterfaceBinding]
	manager services.InjectedValue[*BindingManager]
}

// Interface returns the binding's own interface, or the group default.
func (b *SocketBinding) Interface() (*InterfaceBinding, bool) {
	if iface, ok := b.iface.Get(); ok {
		return iface, true
	}
	if m, ok := b.manager.Get(); ok {
		return m.DefaultInterface()
	}
	return nil, false
}

// Address returns the address to bind. The group port offset applies unless the
// port is fixed or zero.
func (b *SocketBinding) Address() (*net.TCPAddr, error) {
	iface, ok := b.Interface()
	if !ok {
		return nil, fmt.Errorf("socket binding %s has no interface", b.Name)
	}
	port := b.Port
	if m, ok := b.manager.Get(); ok && !b.FixedPort && port != 0 {
		port += m.PortOffset
	}
	if port > math.MaxUint16 {
		return nil, fmt.Errorf("socket binding %s: port %d out of range after offset", b.Name, port)
	}
	return &net.TCPAddr{IP: iface.Address, Port: port}, nil
}

// MulticastAddr returns the multicast address, if one is configured.
func (b *SocketBinding) MulticastAddr() (*net.UDPAddr, bool) {
	if b.MulticastAddress == nil {
		return nil, false
	}
	return &net.UDPAddr{IP: b.MulticastAddress, Port: b.MulticastPort}, true
}

// Listen opens a TCP listener on the binding's address.
func (b *SocketBinding) Listen(ctx context.Context) (net.Listener, error) {
	addr, err := b.Address()
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port)))
}

func (b *SocketBinding) Start(context.Context) error {
	if _, ok := b.Interface(); !ok {
		return fmt.Errorf("socket binding %s has no interface", b.Name)
	}
	if m, ok := b.manager.Get(); ok {
		m.register(b)
	}
	return nil
}

func (b *SocketBinding) Stop(context.Context) {
	if m, ok := b.manager.Get(); ok {
		m.unregister(b)
	}
}

func (b *SocketBinding) Value() any { return b }

// SocketBindingGroupDescription describes /socket-binding-group=*.
var SocketBindingGroupDescription = &model.ResourceDescription{
	Description: "A group of socket bindings sharing a default interface and a port offset",
	Attributes: []model.AttributeDescription{
		{Name: AttrDefaultInterface, Description: "The interface used by bindings that name none", Type: model.KindString,
			ExpressionsAllowed: true, Min: model.Bound(1)},
		{Name: AttrPortOffset, Description: "Added to every non-fixed port", Type: model.KindInt, Nullable: true,
			ExpressionsAllowed: true, Min: model.Bound(0), Max: model.Bound(65535), Default: model.Int(0)},
	},
	Children: map[string]string{SocketBindingKey: "The bindings of this group"},
}

// SocketBindingDescription describes /socket-binding-group=*/socket-binding=*.
var SocketBindingDescription = &model.ResourceDescription{
	Description: "A named socket address",
	Attributes: []model.AttributeDescription{
		{Name: AttrInterface, Description: "The interface, defaulting to the group's", Type: model.KindString,
			Nullable: true, ExpressionsAllowed: true, Min: model.Bound(1)},
		{Name: AttrPort, Description: "The port before the group offset", Type: model.KindInt,
			ExpressionsAllowed: true, Min: model.Bound(0), Max: model.Bound(65535)},
		{Name: AttrFixedPort, Description: "Whether the group offset is ignored", Type: model.KindBool,
			Nullable: true, ExpressionsAllowed: true},
		{Name: AttrMulticastAddress, Description: "The multicast address", Type: model.KindString,
			Nullable: true, ExpressionsAllowed: true},
		{Name: AttrMulticastPort, Description: "The multicast port", Type: model.KindInt,
			Nullable: true, ExpressionsAllowed: true, Min: model.Bound(0), Max: model.Bound(65535)},
	},
}

// SocketBindingGroupAdd adds a group and installs keel.binding-manager ON_DEMAND,
// depending on the default interface.
var SocketBindingGroupAdd = &operations.ResourceAdd{
	Description: SocketBindingGroupDescription,
	Parameters: validation.NewParametersValidator().
		Register(AttrDefaultInterface, validation.NewStringLengthValidator(1, 0, false, true)).
		Register(AttrPortOffset, validation.NewIntRangeValidator(0, 65535, true, true)),
	RuntimeParameters: validation.NewParametersValidator().
		Register(AttrDefaultInterface, validation.NewStringLengthValidator(1, 0, false, false)).
		Register(AttrPortOffset, validation.NewIntRangeValidator(0, 65535, true, false)),
	Runtime: installBindingManager,
}

// SocketBindingGroupRemove removes a group without bindings and its manager.
var SocketBindingGroupRemove = &operations.ResourceRemove{
	Runtime: func(ctx *controller.Context, _ model.Operation, _ model.Value) error {
		return operations.RemoveService(ctx, BindingManagerName)
	},
}

func installBindingManager(ctx *controller.Context, op model.Operation, _ model.Value) error {
	target, _ := ctx.Runtime()
	mgr := &BindingManager{PortOffset: int(op.Param(AttrPortOffset).IntOr(0))}
	_, err := target.AddService(BindingManagerName, mgr).
		AddInjectedDependency(InterfaceServiceName(op.Param(AttrDefaultInterface).StringOr("")), &mgr.defaultInterface).
		SetInitialMode(services.ModeOnDemand).
		Install()
	return err
}

var bindingRuntimeParameters = validation.NewParametersValidator().
	Register(AttrInterface, validation.NewStringLengthValidator(1, 0, true, false)).
	Register(AttrPort, validation.NewIntRangeValidator(0, 65535, false, false)).
	Register(AttrFixedPort, validation.NewModelTypeValidator(true, false, model.KindBool)).
	Register(AttrMulticastAddress, validation.NewInetAddressValidator(true, false)).
	Register(AttrMulticastPort, validation.NewIntRangeValidator(0, 65535, true, false))

// SocketBindingAdd adds a binding and installs keel.binding.<name> ON_DEMAND. It
// depends on the binding manager, and on its interface when it names one.
var SocketBindingAdd = &operations.ResourceAdd{
	Description: SocketBindingDescription,
	Parameters: validation.NewParametersValidator().
		Register(AttrInterface, validation.NewStringLengthValidator(1, 0, true, true)).
		Register(AttrPort, validation.NewIntRangeValidator(0, 65535, false, true)).
		Register(AttrFixedPort, validation.NewModelTypeValidator(true, true, model.KindBool)).
		Register(AttrMulticastAddress, validation.NewInetAddressValidator(true, true)).
		Register(AttrMulticastPort, validation.NewIntRangeValidator(0, 65535, true, true)),
	RuntimeParameters: bindingRuntimeParameters,
	Runtime:           installSocketBinding,
}

// SocketBindingRemove removes a binding and its service.
var SocketBindingRemove = &operations.ResourceRemove{
	Runtime: func(ctx *controller.Context, op model.Operation, _ model.Value) error {
		return operations.RemoveService(ctx, BindingServiceName(op.Address().Name()))
	},
}

func installSocketBinding(ctx *controller.Context, op model.Operation, _ model.Value) error {
	name := op.Address().Name()
	binding := &SocketBinding{
		Name:          name,
		Port:          int(op.Param(AttrPort).IntOr(0)),
		FixedPort:     op.Param(AttrFixedPort).BoolOr(false),
		MulticastPort: int(op.Param(AttrMulticastPort).IntOr(0)),
	}
	if mcast := op.Param(AttrMulticastAddress); mcast.IsDefined() {
		ip, err := resolveHost(ctx.Context(), mcast.StringOr(""))
		if err != nil {
			return fmt.Errorf("cannot resolve multicast address %s: %w", mcast.StringOr(""), err)
		}
		binding.MulticastAddress = ip
	}

	target, _ := ctx.Runtime()
	builder := target.AddService(BindingServiceName(name), binding)
	if iface := op.Param(AttrInterface); iface.IsDefined() {
		builder.AddInjectedDependency(InterfaceServiceName(iface.StringOr("")), &binding.iface)
	}
	_, err := builder.
		AddInjectedDependency(BindingManagerName, &binding.manager).
		SetInitialMode(services.ModeOnDemand).
		Install()
	return err
}
