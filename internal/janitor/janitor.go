// Package janitor runs the periodic cleanup sweep: expired grace sessions,
// inactive sessions, orphaned queue entries, and cache keys that lost
// their TTL. Sweeps are single-flight and idempotent; a partial failure
// increments an error counter and never blocks the next run.
package janitor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/admission"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
	"github.com/dkirby-ms/tilemud-sub004/internal/reconnect"
)

// TerminationListener is notified when the janitor terminates a session.
// Reasons are "grace_expired" and "inactivity".
type TerminationListener func(s session.Session, reason string)

// Report summarizes one sweep.
type Report struct {
	GraceExpired   int
	InactiveSwept  int
	OrphansEvicted int
	KeysRepaired   int
	TokensDropped  int
	Errors         int
	Duration       time.Duration
}

// Deps carries the janitor's collaborators. Reconnect may be nil when the
// deployment runs without a shared cache.
type Deps struct {
	Config    config.JanitorConfig
	Session   config.SessionConfig
	Sessions  *session.Store
	Queue     *admission.Queue
	Reconnect *reconnect.Service
	Tokens    *admission.ConfirmationTokens
	Listener  TerminationListener
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Janitor is the periodic sweeper.
type Janitor struct {
	deps     Deps
	running  atomic.Bool
	sweeping atomic.Bool
	// terminating dedupes inactivity terminations across sweeps until
	// removal completes.
	terminating map[string]bool
}

// New creates a Janitor.
//
// Precondition: Sessions, Queue, Clock, and Logger must be non-nil.
func New(deps Deps) *Janitor {
	return &Janitor{deps: deps, terminating: make(map[string]bool)}
}

// Run sweeps on the configured cadence until ctx is cancelled. Implements
// the lifecycle service contract.
func (j *Janitor) Run(ctx context.Context) error {
	interval := time.Duration(j.deps.Config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all phases. A sweep already in flight makes
// this call a no-op.
func (j *Janitor) Sweep(ctx context.Context) Report {
	if !j.sweeping.CompareAndSwap(false, true) {
		return Report{}
	}
	defer j.sweeping.Store(false)

	start := j.deps.Clock.Now()
	var report Report

	report.GraceExpired = j.expireGraceSessions()
	report.InactiveSwept = j.sweepInactive()
	report.OrphansEvicted = j.evictOrphanQueueEntries()

	if j.deps.Reconnect != nil {
		removed, err := j.deps.Reconnect.CleanupExpiredSessions(ctx)
		if err != nil {
			report.Errors++
			j.deps.Logger.Warn("reconnect cleanup failed", zap.Error(err))
		}
		report.GraceExpired += removed

		fallback := time.Duration(j.deps.Config.OrphanKeyTTLSeconds) * time.Second
		if fallback <= 0 {
			fallback = time.Hour
		}
		repaired, err := j.deps.Reconnect.EnsureKeyTTLs(ctx, fallback)
		if err != nil {
			report.Errors++
			j.deps.Logger.Warn("orphan key repair failed", zap.Error(err))
		}
		report.KeysRepaired = repaired
	}
	if j.deps.Tokens != nil {
		report.TokensDropped = j.deps.Tokens.Sweep()
	}

	report.Duration = j.deps.Clock.Now().Sub(start)
	j.deps.Metrics.RecordJanitorSweep(report.Duration.Seconds(), report.Errors)
	j.deps.Logger.Debug("janitor sweep complete",
		zap.Int("grace_expired", report.GraceExpired),
		zap.Int("inactive_swept", report.InactiveSwept),
		zap.Int("orphans_evicted", report.OrphansEvicted),
		zap.Int("keys_repaired", report.KeysRepaired),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// expireGraceSessions terminates sessions past graceExpiresAt plus buffer.
func (j *Janitor) expireGraceSessions() int {
	buffer := time.Duration(j.deps.Config.GracePeriodBufferSeconds) * time.Second
	if buffer <= 0 {
		buffer = 5 * time.Second
	}
	expired := j.deps.Sessions.GetExpiredGraceSessions(j.deps.Clock.Now(), buffer)
	for _, s := range expired {
		if err := j.deps.Sessions.Remove(s.ID); err != nil {
			continue
		}
		delete(j.terminating, s.ID)
		j.notify(s, "grace_expired")
		j.deps.Logger.Info("expired grace session",
			zap.String("session_id", s.ID),
			zap.String("character_id", s.CharacterID),
		)
	}
	return len(expired)
}

// sweepInactive terminates active sessions without a recent heartbeat.
func (j *Janitor) sweepInactive() int {
	cutoff := j.deps.Clock.Now().Add(-j.deps.Session.InactivityTimeout())
	inactive := j.deps.Sessions.GetInactiveSessions(cutoff)
	swept := 0
	for _, s := range inactive {
		if j.terminating[s.ID] {
			continue
		}
		j.terminating[s.ID] = true
		if err := j.deps.Sessions.SetStatus(s.ID, session.StatusTerminating); err != nil {
			delete(j.terminating, s.ID)
			continue
		}
		j.notify(s, "inactivity")
		if err := j.deps.Sessions.Remove(s.ID); err == nil {
			delete(j.terminating, s.ID)
		}
		swept++
		j.deps.Logger.Info("swept inactive session",
			zap.String("session_id", s.ID),
			zap.Time("last_heartbeat_at", s.LastHeartbeatAt),
		)
	}
	return swept
}

// evictOrphanQueueEntries drops queue members whose character has no
// session anywhere. Entries younger than the inactivity cutoff are left
// alone so waiters are not swept mid-admission.
func (j *Janitor) evictOrphanQueueEntries() int {
	cutoff := j.deps.Clock.Now().Add(-j.deps.Session.InactivityTimeout())
	return j.deps.Queue.EvictOrphansBefore(cutoff, func(characterID string) bool {
		return j.deps.Sessions.HasSessionForCharacter(characterID)
	})
}

func (j *Janitor) notify(s session.Session, reason string) {
	if j.deps.Listener != nil {
		j.deps.Listener(s, reason)
	}
}
