// Package server coordinates the long-running pieces of the game server
// process: listeners, sweep loops, pollers. Services start together and are
// wound down in reverse registration order on signal, cancellation, or the
// first service failure.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is one long-running component. Start blocks until the service
// exits or fails; Stop asks it to wind down.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start runs the start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop runs the stop function.
func (f *FuncService) Stop() { f.StopFn() }

type lifecycleEntry struct {
	name string
	svc  Service
}

// Lifecycle owns an ordered set of named services. Registration order is
// start order; shutdown walks the same list backwards so dependents stop
// before the services they rely on.
type Lifecycle struct {
	mu      sync.Mutex
	logger  *zap.Logger
	entries []lifecycleEntry
}

// NewLifecycle creates an empty Lifecycle.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers svc under name. Services start in registration order.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, lifecycleEntry{name: name, svc: svc})
}

// Run starts every registered service in its own goroutine and blocks until
// SIGINT/SIGTERM, context cancellation, or the first service failure. It
// then stops all services in reverse order before returning.
//
// Postcondition: Every service's Stop has been called when Run returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	began := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	failures := make(chan error, len(l.entries))
	for _, e := range l.entries {
		e := e
		go func() {
			l.logger.Info("starting service", zap.String("service", e.name))
			startedAt := time.Now()
			if err := e.svc.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", e.name),
					zap.Duration("uptime", time.Since(startedAt)),
					zap.Error(err),
				)
				failures <- fmt.Errorf("service %s: %w", e.name, err)
				cancel()
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(l.entries)),
		zap.Duration("startup", time.Since(began)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-failures:
		l.logger.Error("service error, shutting down", zap.Error(err))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.stopAll()

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(began)))
	return nil
}

// stopAll walks the registration list backwards, stopping each service and
// logging how long it took to let go.
func (l *Lifecycle) stopAll() {
	began := time.Now()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		stopStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", e.name))
		e.svc.Stop()
		l.logger.Info("service stopped",
			zap.String("service", e.name),
			zap.Duration("elapsed", time.Since(stopStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(began)))
}
