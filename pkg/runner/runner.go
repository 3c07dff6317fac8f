package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultStartupTimeout  = time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// Runner starts services in registration order and stops them in reverse.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	startupTimeout  time.Duration
	shutdownTimeout time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithStartupTimeout bounds each service's Start. Default one minute.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = d }
}

// WithShutdownTimeout bounds the whole shutdown. Default 30 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = d }
}

// WithoutSignals disables OS signal handling; shutdown then comes only from
// context cancellation. Intended for tests and embedded use.
func WithoutSignals() Option {
	return func(r *Runner) { r.handleSignals = false }
}

// New creates a runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		startupTimeout:  defaultStartupTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		handleSignals:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run starts every service and blocks until the context is cancelled or a
// shutdown signal arrives, then stops the started services in reverse
// order.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.handleSignals {
		go func() {
			WaitForShutdownSignal()
			r.logger.Info("shutdown signal received")
			cancel()
		}()
	}

	r.logger.Info("starting services", slog.Int("count", len(r.services)))
	var started []Service
	for _, service := range r.services {
		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()
		if err != nil {
			r.logger.Error("service start failed",
				slog.String("service", service.Name()), slog.Any("error", err))
			if stopErr := r.stopServices(started); stopErr != nil {
				r.logger.Error("rollback stop failed", slog.Any("error", stopErr))
			}
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}
		started = append(started, service)
		r.logger.Info("service started", slog.String("service", service.Name()))
	}

	<-ctx.Done()

	r.logger.Info("stopping services", slog.Duration("timeout", r.shutdownTimeout))
	return r.stopServices(started)
}

// stopServices stops services in reverse order, concurrently, bounded by
// the shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))
	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := service.Stop(shutdownCtx); err != nil {
				r.logger.Error("service stop failed",
					slog.String("service", service.Name()), slog.Any("error", err))
				errCh <- fmt.Errorf("stop %s: %w", service.Name(), err)
				return
			}
			r.logger.Info("service stopped", slog.String("service", service.Name()))
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout %s exceeded", r.shutdownTimeout)
	}
}

// HealthCheck probes every service that implements HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
