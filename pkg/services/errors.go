package services

import (
	"errors"
	"fmt"
	"strings"
)

// Container errors.
var (
	ErrDuplicateService = errors.New("duplicate service")
	ErrServiceNotFound  = errors.New("service not found")
	ErrServiceRemoving  = errors.New("service is being removed")
	ErrContainerClosed  = errors.New("service container is shut down")
	ErrTargetClosed     = errors.New("service target is closed")
)

// CycleError reports a dependency cycle rejected at installation time.
type CycleError struct {
	Cycle []Name
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", formatCycle(e.Cycle))
}

// StartError wraps the failure of a service's start action.
type StartError struct {
	Name Name
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("service %s failed to start: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func formatCycle(cycle []Name) string {
	parts := make([]string, len(cycle))
	for i, n := range cycle {
		parts[i] = string(n)
	}
	return strings.Join(parts, " -> ")
}
