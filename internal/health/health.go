// Package health probes dependency liveness and fans degradation signals
// out to subscribers, e.g. the realtime gateway which forwards them to
// connected clients.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
)

// Status of a dependency as seen by subscribers.
const (
	StatusDegraded  = "degraded"
	StatusRecovered = "recovered"
)

// Signal is one dependency state transition.
type Signal struct {
	Dependency string    `json:"dependency"`
	Status     string    `json:"status"`
	ObservedAt time.Time `json:"observedAt"`
	Message    string    `json:"message,omitempty"`
}

// Prober checks one dependency within the given timeout.
type Prober interface {
	Name() string
	Probe(ctx context.Context, timeout time.Duration) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc struct {
	Dependency string
	Fn         func(ctx context.Context, timeout time.Duration) error
}

func (p ProbeFunc) Name() string { return p.Dependency }

func (p ProbeFunc) Probe(ctx context.Context, timeout time.Duration) error {
	return p.Fn(ctx, timeout)
}

// Signals fans dependency transitions out to subscribers and remembers the
// current state so late subscribers and status endpoints can query it.
type Signals struct {
	mu       sync.RWMutex
	clk      clock.Clock
	degraded map[string]Signal
	subs     []func(Signal)
}

// NewSignals creates an empty signal service.
func NewSignals(clk clock.Clock) *Signals {
	return &Signals{clk: clk, degraded: make(map[string]Signal)}
}

// Subscribe registers a callback for every transition. Callbacks must not
// block; slow consumers should hand off internally.
func (s *Signals) Subscribe(fn func(Signal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Report records a probe result and emits a Signal only on transitions.
func (s *Signals) Report(dependency string, healthy bool, message string) {
	s.mu.Lock()
	_, wasDegraded := s.degraded[dependency]
	var sig Signal
	emit := false
	switch {
	case !healthy && !wasDegraded:
		sig = Signal{Dependency: dependency, Status: StatusDegraded, ObservedAt: s.clk.Now(), Message: message}
		s.degraded[dependency] = sig
		emit = true
	case healthy && wasDegraded:
		sig = Signal{Dependency: dependency, Status: StatusRecovered, ObservedAt: s.clk.Now()}
		delete(s.degraded, dependency)
		emit = true
	}
	subs := make([]func(Signal), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	if !emit {
		return
	}
	for _, fn := range subs {
		fn(sig)
	}
}

// Degraded returns the currently degraded dependencies.
func (s *Signals) Degraded() []Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Signal, 0, len(s.degraded))
	for _, sig := range s.degraded {
		out = append(out, sig)
	}
	return out
}

// Healthy reports whether no dependency is degraded.
func (s *Signals) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.degraded) == 0
}

// Poller probes dependencies on a fixed cadence. At most one probe per
// dependency is in flight; an overlapping tick skips that dependency.
type Poller struct {
	cfg      config.HealthConfig
	signals  *Signals
	probers  []Prober
	logger   *zap.Logger
	inFlight []atomic.Bool
}

// NewPoller creates a Poller over the given probers.
//
// Precondition: signals and logger must be non-nil.
func NewPoller(cfg config.HealthConfig, signals *Signals, logger *zap.Logger, probers ...Prober) *Poller {
	return &Poller{
		cfg:      cfg,
		signals:  signals,
		probers:  probers,
		logger:   logger,
		inFlight: make([]atomic.Bool, len(probers)),
	}
}

// Run polls until ctx is cancelled. Implements the lifecycle service
// contract. Probe panics are contained; the scheduler never dies.
func (p *Poller) Run(ctx context.Context) error {
	interval := time.Duration(p.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce launches one probe per dependency, skipping any still in flight.
func (p *Poller) PollOnce(ctx context.Context) {
	timeout := time.Duration(p.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	for i, prober := range p.probers {
		if !p.inFlight[i].CompareAndSwap(false, true) {
			continue
		}
		go func(i int, prober Prober) {
			defer p.inFlight[i].Store(false)
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("health probe panicked",
						zap.String("dependency", prober.Name()),
						zap.Any("panic", r),
					)
				}
			}()
			err := prober.Probe(ctx, timeout)
			if err != nil {
				p.signals.Report(prober.Name(), false, err.Error())
				p.logger.Warn("dependency unhealthy",
					zap.String("dependency", prober.Name()),
					zap.Error(err),
				)
				return
			}
			p.signals.Report(prober.Name(), true, "")
		}(i, prober)
	}
}
