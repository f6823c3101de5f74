// Package network provides named interfaces and socket bindings.
//
// /interface=<name> installs keel.network.<name>, which resolves the configured
// address when it starts. /socket-binding-group=<group> installs the binding
// manager, and each /socket-binding-group=<group>/socket-binding=<name> installs
// keel.binding.<name>. Bindings are ON_DEMAND: they start once a service that needs
// them is installed.
package network

import (
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/model"
)

// Extension registers the interface and socket binding resources.
type Extension struct{}

// Name implements controller.Extension.
func (Extension) Name() string { return "network" }

// Initialize implements controller.Extension.
func (Extension) Initialize(ctx *controller.ExtensionContext) error {
	if err := operations.RegisterResource(ctx.RegisterRoot(InterfaceKey, model.Wildcard),
		InterfaceDescription, InterfaceAdd, InterfaceRemove); err != nil {
		return err
	}

	group := ctx.RegisterRoot(SocketBindingGroupKey, model.Wildcard)
	if err := operations.RegisterResource(group, SocketBindingGroupDescription,
		SocketBindingGroupAdd, SocketBindingGroupRemove); err != nil {
		return err
	}
	return operations.RegisterResource(group.Child(SocketBindingKey, model.Wildcard),
		SocketBindingDescription, SocketBindingAdd, SocketBindingRemove)
}
