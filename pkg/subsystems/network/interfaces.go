package network

import (
	"context"
	"fmt"
	"net"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/validation"
)

// Address keys and attribute names.
const (
	InterfaceKey    = "interface"
	AttrInetAddress = "inet-address"
)

// InterfaceServiceBase is the parent name of every network interface service.
var InterfaceServiceBase = services.Keel.Append("network")

// InterfaceServiceName returns keel.network.<name>.
func InterfaceServiceName(name string) services.Name {
	return InterfaceServiceBase.Append(name)
}

// InterfaceBinding is the value of a network interface service.
type InterfaceBinding struct {
	Name    string
	Address net.IP
}

func (b *InterfaceBinding) String() string {
	return fmt.Sprintf("%s(%s)", b.Name, b.Address)
}

// interfaceService resolves the configured address when it starts.
type interfaceService struct {
	name string
	host string

	binding *InterfaceBinding
}

func (s *interfaceService) Start(ctx context.Context) error {
	ip, err := resolveHost(ctx, s.host)
	if err != nil {
		return fmt.Errorf("cannot resolve address %s of interface %s: %w", s.host, s.name, err)
	}
	s.binding = &InterfaceBinding{Name: s.name, Address: ip}
	return nil
}

func (s *interfaceService) Stop(context.Context) {
	s.binding = nil
}

func (s *interfaceService) Value() any {
	return s.binding
}

// resolveHost returns host as an IP, looking it up when it is not a literal.
func resolveHost(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	return addrs[0].IP, nil
}

// InterfaceDescription describes /interface=*.
var InterfaceDescription = &model.ResourceDescription{
	Description: "A named network interface",
	Attributes: []model.AttributeDescription{
		{Name: AttrInetAddress, Description: "The IP address or host name the interface resolves to", Type: model.KindString, ExpressionsAllowed: true},
	},
}

// InterfaceAdd adds /interface=<name> and installs keel.network.<name>.
var InterfaceAdd = &operations.ResourceAdd{
	Description: InterfaceDescription,
	Parameters: validation.NewParametersValidator().
		Register(AttrInetAddress, validation.NewInetAddressValidator(false, true)),
	RuntimeParameters: validation.NewParametersValidator().
		Register(AttrInetAddress, validation.NewInetAddressValidator(false, false)),
	Runtime: installInterface,
}

// InterfaceRemove removes /interface=<name> and its service.
var InterfaceRemove = &operations.ResourceRemove{
	Runtime: func(ctx *controller.Context, op model.Operation, _ model.Value) error {
		return operations.RemoveService(ctx, InterfaceServiceName(op.Address().Name()))
	},
}

func installInterface(ctx *controller.Context, op model.Operation, _ model.Value) error {
	target, _ := ctx.Runtime()
	name := op.Address().Name()
	svc := &interfaceService{name: name, host: op.Param(AttrInetAddress).StringOr("")}
	_, err := target.AddService(InterfaceServiceName(name), svc).Install()
	return err
}
