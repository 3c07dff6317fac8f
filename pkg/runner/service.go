// Package runner manages the lifecycle of the runtime's long-lived
// services: queue workers, background sweeps, transports. Services start
// sequentially, stop in reverse order, and shut down gracefully on OS
// signals.
package runner

import "context"

// Service is a startable, stoppable component managed by the Runner.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up. It must return once the service is
	// ready and respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down within the context's deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report health.
type HealthChecker interface {
	Service

	HealthCheck(ctx context.Context) error
}

// funcService adapts a pair of closures to the Service interface.
type funcService struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// ServiceFunc builds a Service from start/stop closures. Either closure
// may be nil.
func ServiceFunc(name string, start, stop func(ctx context.Context) error) Service {
	return &funcService{name: name, start: start, stop: stop}
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}
