// Package ratelimit implements sliding-window admission decisions keyed by
// (channel, subject). The window store is pluggable: in-memory for a single
// process, Redis-backed for cluster deployments.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
)

// Decision is the outcome of one rate-limit evaluation.
type Decision struct {
	// Allowed reports whether the event was admitted into the window.
	Allowed bool
	// Limit is the channel's event budget per window.
	Limit int
	// Remaining is the number of events left in the current window.
	Remaining int
	// RetryAfter is the time until the oldest in-window event ages out.
	// Zero when Allowed.
	RetryAfter time.Duration
	// Reset is the instant at which the window frees a slot.
	Reset time.Time
}

// Store persists sliding-window state per (channel, subject) key.
type Store interface {
	// Tally prunes events older than now-window, and, if fewer than limit
	// remain, records an event at now. It returns the in-window count after
	// the call, the oldest in-window event time (zero if none), and whether
	// the event was admitted.
	Tally(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (count int, oldest time.Time, allowed bool, err error)
}

// Limiter evaluates events against declared channels.
type Limiter struct {
	channels map[string]config.ChannelConfig
	store    Store
	clk      clock.Clock
	metrics  *observability.Metrics
}

// New creates a Limiter over the declared channels.
//
// Precondition: store must be non-nil; clk must be non-nil.
func New(channels map[string]config.ChannelConfig, store Store, clk clock.Clock, metrics *observability.Metrics) *Limiter {
	if store == nil {
		panic("ratelimit.New: store must be non-nil")
	}
	if clk == nil {
		panic("ratelimit.New: clk must be non-nil")
	}
	declared := make(map[string]config.ChannelConfig, len(channels))
	for name, ch := range channels {
		declared[name] = ch
	}
	return &Limiter{channels: declared, store: store, clk: clk, metrics: metrics}
}

// Declare registers or replaces a channel at runtime. Used for channels whose
// shape comes from a different config section, e.g. per-IP admission.
func (l *Limiter) Declare(name string, ch config.ChannelConfig) {
	l.channels[name] = ch
}

// Evaluate classifies one event on channel for subject.
//
// Precondition: channel must be declared.
// Postcondition: Returns a Decision; the event is recorded only when allowed.
func (l *Limiter) Evaluate(ctx context.Context, channel, subject string) (Decision, error) {
	ch, ok := l.channels[channel]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: channel %q not declared", channel)
	}

	now := l.clk.Now()
	window := ch.Window()
	key := channel + ":" + subject

	count, oldest, allowed, err := l.store.Tally(ctx, key, now, window, ch.Limit)
	if err != nil {
		return Decision{}, fmt.Errorf("tallying window for %s: %w", key, err)
	}

	d := Decision{Allowed: allowed, Limit: ch.Limit}
	if allowed {
		d.Remaining = ch.Limit - count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		d.Reset = now.Add(window)
		return d, nil
	}

	l.metrics.RecordRateLimitHit(channel)
	d.Remaining = 0
	if !oldest.IsZero() {
		d.Reset = oldest.Add(window)
		d.RetryAfter = d.Reset.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

// Enforce evaluates and fails with the catalog rate_limit_exceeded entry when
// the event is not allowed.
func (l *Limiter) Enforce(ctx context.Context, channel, subject string) error {
	d, err := l.Evaluate(ctx, channel, subject)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return catalog.NewError(catalog.RateLimitExceeded).
			WithDetails("channel", channel).
			WithDetails("retryAfterMs", d.RetryAfter.Milliseconds())
	}
	return nil
}
