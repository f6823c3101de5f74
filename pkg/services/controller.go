package services

import "fmt"

// Controller is a handle on one installed service.
type Controller struct {
	c *Container
	n *node
}

// Name returns the service name.
func (s *Controller) Name() Name { return s.n.name }

// Service returns the service implementation.
func (s *Controller) Service() Service { return s.n.service }

// State returns the current lifecycle state.
func (s *Controller) State() State {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.n.state
}

// Mode returns the current mode.
func (s *Controller) Mode() Mode {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.n.mode
}

// Failure returns the last start failure, if the service is in START_FAILED.
func (s *Controller) Failure() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.n.failure
}

// Status returns a snapshot of the service.
func (s *Controller) Status() Status {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.status(s.n)
}

// Value returns the service value while it is UP.
func (s *Controller) Value() (any, bool) {
	if s.State() != StateUp {
		return nil, false
	}
	vs, ok := s.n.service.(ValueService)
	if !ok {
		return nil, false
	}
	return vs.Value(), true
}

// SetMode changes the mode of the service. It fails once the service is removed,
// even if another service has since been installed under the same name.
func (s *Controller) SetMode(mode Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	s.c.mu.Lock()
	if cur, ok := s.c.nodes[s.n.name]; !ok || cur != s.n {
		s.c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, s.n.name)
	}
	err := s.c.setMode(s.n, mode)
	s.c.drain()
	s.c.mu.Unlock()
	s.c.flush()
	return err
}

// Remove sets the service to REMOVE. The returned channel closes once it is unregistered.
func (s *Controller) Remove() <-chan struct{} {
	_ = s.SetMode(ModeRemove)
	return s.n.removed
}

// Removed returns a channel closed once the service is unregistered.
func (s *Controller) Removed() <-chan struct{} {
	return s.n.removed
}

// Retry moves a failed service back to DOWN.
func (s *Controller) Retry() error {
	return s.c.Retry(s.n.name)
}
