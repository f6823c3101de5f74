// Package subsystems lists the extensions a standard server loads.
package subsystems

import (
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/controller/operations"
	"github.com/keelhq/keel/pkg/subsystems/managedbeans"
	"github.com/keelhq/keel/pkg/subsystems/network"
	"github.com/keelhq/keel/pkg/subsystems/osgi"
	"github.com/keelhq/keel/pkg/subsystems/threads"
)

// Standard returns the extensions of a standard server, global operations first.
func Standard() []controller.Extension {
	return []controller.Extension{
		operations.Extension{},
		network.Extension{},
		threads.Extension{},
		managedbeans.Extension{},
		osgi.Extension{},
	}
}

// NewRegistry loads the standard extensions into a new registry.
func NewRegistry(logger zerolog.Logger) (*controller.Registry, error) {
	reg := controller.NewRegistry()
	if err := controller.LoadExtensions(controller.NewExtensionContext(reg, logger), Standard()...); err != nil {
		return nil, err
	}
	return reg, nil
}
