// Package admission gates client connections into battle instances. One
// attempt walks an ordered chain of checks: authentication, client build,
// character ownership, per-IP rate limit, drain mode, existing-session
// replacement, then capacity with queue fallback. The first failing check
// wins and every attempt records exactly one metric sample.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
	"github.com/dkirby-ms/tilemud-sub004/internal/ratelimit"
)

// ChannelAdmission is the per-IP rate-limit channel admission consumes.
const ChannelAdmission = "admission_per_ip"

// ErrCharacterNotFound is returned by OwnershipChecker implementations
// when the character does not exist at all.
var ErrCharacterNotFound = errors.New("admission: character not found")

// TokenVerifier validates a bearer credential and resolves its user.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// OwnershipChecker reports whether a character belongs to a user.
type OwnershipChecker interface {
	OwnedBy(ctx context.Context, characterID, userID string) (bool, error)
}

// CapacityProvider exposes seat occupancy per instance.
type CapacityProvider interface {
	// Seats returns occupied and total seats, or ok=false for an unknown
	// instance.
	Seats(instanceID string) (occupied, capacity int, ok bool)
}

// Status is the terminal classification of one attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusQueued  Status = "queued"
	StatusFailed  Status = "failed"
)

// Request is one connection attempt.
type Request struct {
	CorrelationID   string
	AuthToken       string
	ClientBuild     string
	ProtocolVersion string
	CharacterID     string
	InstanceID      string
	RemoteIP        string
	// AllowReplacement signals consent to replace an existing session.
	// Consent is only honored together with a valid ReplacementToken.
	AllowReplacement bool
	ReplacementToken string

	// fromQueue marks a promotion of an already-queued entry and bypasses
	// the drain gate.
	fromQueue bool
}

// SessionSummary describes the existing session blocking an attempt.
type SessionSummary struct {
	SessionID   string    `json:"sessionId"`
	CharacterID string    `json:"characterId"`
	InstanceID  string    `json:"instanceId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Outcome is the terminal result of one attempt.
type Outcome struct {
	Status Status
	// Reason is the catalog key explaining a non-success outcome.
	Reason string
	// Err carries the full catalog entry for non-success outcomes.
	Err *catalog.Error

	SessionID      string
	ReconnectToken string

	Position      int
	EstimatedWait time.Duration

	RetryAfter time.Duration
	RateLimit  *ratelimit.Decision

	Maintenance      *MaintenanceInfo
	ExistingSession  *SessionSummary
	ReplacementToken string

	CorrelationID    string
	Duration         time.Duration
	CleanupPerformed bool
}

// Controller runs the admission check chain.
type Controller struct {
	cfg       config.AdmissionConfig
	server    config.ServerConfig
	verifier  TokenVerifier
	ownership OwnershipChecker
	limiter   *ratelimit.Limiter
	drain     *Drain
	sessions  *session.Store
	queue     *Queue
	tokens    *ConfirmationTokens
	capacity  CapacityProvider
	clk       clock.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// Deps carries the controller's collaborators.
type Deps struct {
	Config    config.AdmissionConfig
	Server    config.ServerConfig
	Verifier  TokenVerifier
	Ownership OwnershipChecker
	Limiter   *ratelimit.Limiter
	Drain     *Drain
	Sessions  *session.Store
	Queue     *Queue
	Tokens    *ConfirmationTokens
	Capacity  CapacityProvider
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// NewController creates a Controller and declares its rate-limit channel.
//
// Precondition: all Deps fields except Metrics must be non-nil.
func NewController(d Deps) *Controller {
	d.Limiter.Declare(ChannelAdmission, config.ChannelConfig{
		Limit:    d.Config.RateLimit,
		WindowMs: d.Config.RateWindowSeconds * 1000,
	})
	return &Controller{
		cfg:       d.Config,
		server:    d.Server,
		verifier:  d.Verifier,
		ownership: d.Ownership,
		limiter:   d.Limiter,
		drain:     d.Drain,
		sessions:  d.Sessions,
		queue:     d.Queue,
		tokens:    d.Tokens,
		capacity:  d.Capacity,
		clk:       d.Clock,
		logger:    d.Logger,
		metrics:   d.Metrics,
	}
}

// Attempt runs the full check chain for one connection request.
//
// Postcondition: Returns exactly one terminal Outcome and records exactly
// one metric sample; on timeout any partial session state is removed and
// CleanupPerformed is set.
func (c *Controller) Attempt(ctx context.Context, req Request) Outcome {
	start := c.clk.Now()
	deadline := start.Add(c.cfg.Timeout())
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	out := c.run(ctx, req, deadline)
	out.CorrelationID = req.CorrelationID
	out.Duration = c.clk.Now().Sub(start)

	c.metrics.RecordAdmission(string(out.Status), out.Reason, out.Duration.Seconds())
	c.logger.Info("admission attempt",
		zap.String("correlation_id", out.CorrelationID),
		zap.String("status", string(out.Status)),
		zap.String("reason", out.Reason),
		zap.Duration("duration", out.Duration),
	)
	return out
}

func (c *Controller) run(ctx context.Context, req Request, deadline time.Time) Outcome {
	// 1. Authentication.
	userID, err := c.verifier.Verify(ctx, req.AuthToken)
	if err != nil || userID == "" {
		return fail(catalog.NewError(catalog.AuthenticationRequired))
	}
	if out, timedOut := c.checkDeadline(deadline, "", false); timedOut {
		return out
	}

	// 2. Client build.
	if !c.buildSupported(req.ClientBuild) {
		return fail(catalog.NewError(catalog.VersionMismatch).
			WithDetails("clientBuild", req.ClientBuild).
			WithDetails("currentBuild", c.server.CurrentClientBuild))
	}

	// 3. Character ownership.
	owned, err := c.ownership.OwnedBy(ctx, req.CharacterID, userID)
	if err != nil {
		if errors.Is(err, ErrCharacterNotFound) {
			return fail(catalog.NewError(catalog.CharacterNotFound).
				WithDetails("characterId", req.CharacterID))
		}
		return fail(catalog.WrapError(catalog.InternalError, err))
	}
	if !owned {
		return fail(catalog.NewError(catalog.CharacterNotOwned).
			WithDetails("characterId", req.CharacterID))
	}
	if out, timedOut := c.checkDeadline(deadline, "", false); timedOut {
		return out
	}

	// 4. Per-IP admission rate limit.
	decision, err := c.limiter.Evaluate(ctx, ChannelAdmission, req.RemoteIP)
	if err != nil {
		return fail(catalog.WrapError(catalog.InternalError, err))
	}
	if !decision.Allowed {
		out := fail(catalog.NewError(catalog.RateLimited).
			WithDetails("retryAfterMs", decision.RetryAfter.Milliseconds()))
		out.RetryAfter = decision.RetryAfter
		out.RateLimit = &decision
		return out
	}

	// 5. Drain mode. Queued promotions pass through so the queue keeps
	// draining during maintenance.
	if c.drain.Active() && !req.fromQueue {
		out := fail(catalog.NewError(catalog.Maintenance))
		out.Maintenance = c.drain.Info()
		return out
	}

	// 6. Existing session for the character.
	if existing, ok := c.sessions.ActiveForCharacter(req.CharacterID); ok {
		summary := &SessionSummary{
			SessionID:   existing.ID,
			CharacterID: existing.CharacterID,
			InstanceID:  existing.InstanceID,
			CreatedAt:   existing.CreatedAt,
		}
		if !req.AllowReplacement {
			out := fail(catalog.NewError(catalog.AlreadyInSession).
				WithDetails("existingSessionId", existing.ID))
			out.ExistingSession = summary
			out.ReplacementToken = c.tokens.Issue(req.CharacterID, existing.ID)
			return out
		}
		replacedID, ok := c.tokens.Consume(req.ReplacementToken, req.CharacterID)
		if !ok || replacedID != existing.ID {
			out := fail(catalog.NewError(catalog.InvalidRequest).
				WithDetails("reason", "replacement requires a fresh confirmation token"))
			out.ExistingSession = summary
			return out
		}
		if err := c.sessions.SetStatus(existing.ID, session.StatusTerminating); err == nil {
			_ = c.sessions.Remove(existing.ID)
		}
		c.logger.Info("replaced existing session",
			zap.String("character_id", req.CharacterID),
			zap.String("replaced_session_id", existing.ID),
		)
	}

	// 7. Capacity, with queue fallback.
	occupied, capacity, ok := c.capacity.Seats(req.InstanceID)
	if !ok {
		return fail(catalog.NewError(catalog.NotFound).
			WithDetails("instanceId", req.InstanceID))
	}
	if occupied < capacity {
		return c.admit(req, userID, deadline)
	}

	position, wait, err := c.queue.Enqueue(QueueEntry{
		CharacterID:     req.CharacterID,
		UserID:          userID,
		InstanceID:      req.InstanceID,
		ProtocolVersion: req.ProtocolVersion,
	})
	if err != nil {
		out := fail(catalog.NewError(catalog.QueueFull).
			WithDetails("instanceId", req.InstanceID))
		out.RetryAfter = c.queue.WaitPerPosition()
		return out
	}
	return Outcome{
		Status:        StatusQueued,
		SessionID:     uuid.NewString(),
		Position:      position,
		EstimatedWait: wait,
	}
}

// admit creates the session. The final deadline check runs after creation
// so a timed-out attempt never leaks a session.
func (c *Controller) admit(req Request, userID string, deadline time.Time) Outcome {
	sessionID := uuid.NewString()
	err := c.sessions.CreateOrUpdate(session.Session{
		ID:              sessionID,
		UserID:          userID,
		CharacterID:     req.CharacterID,
		InstanceID:      req.InstanceID,
		ProtocolVersion: req.ProtocolVersion,
		Status:          session.StatusActive,
	})
	if err != nil {
		var ce *catalog.Error
		if errors.As(err, &ce) {
			return fail(ce)
		}
		return fail(catalog.WrapError(catalog.InternalError, err))
	}

	if out, timedOut := c.checkDeadline(deadline, sessionID, true); timedOut {
		return out
	}
	return Outcome{
		Status:         StatusSuccess,
		SessionID:      sessionID,
		ReconnectToken: uuid.NewString(),
	}
}

// PromoteNext pops the head of the instance queue and admits it, bypassing
// the drain gate. Returns ok=false when the queue is empty or no seat is
// free (the entry is put back in the latter case by re-enqueueing at head
// order via Score).
func (c *Controller) PromoteNext(ctx context.Context, instanceID string) (Outcome, bool) {
	entry, ok := c.queue.Promote(instanceID)
	if !ok {
		return Outcome{}, false
	}
	occupied, capacity, known := c.capacity.Seats(instanceID)
	if !known || occupied >= capacity {
		// No seat after all. Put the entry back with its original score so
		// it keeps its place.
		_, _, _ = c.queue.Enqueue(entry)
		return Outcome{}, false
	}

	start := c.clk.Now()
	out := c.admit(Request{
		CorrelationID:   uuid.NewString(),
		CharacterID:     entry.CharacterID,
		InstanceID:      entry.InstanceID,
		ProtocolVersion: entry.ProtocolVersion,
		fromQueue:       true,
	}, entry.UserID, start.Add(c.cfg.Timeout()))
	out.CorrelationID = uuid.NewString()
	out.Duration = c.clk.Now().Sub(start)
	c.metrics.RecordAdmission(string(out.Status), out.Reason, out.Duration.Seconds())
	return out, true
}

// QueueStatus reports the character's queue standing for status polls.
func (c *Controller) QueueStatus(instanceID, characterID string) (position int, wait time.Duration, queued bool) {
	return c.queue.Position(instanceID, characterID)
}

func (c *Controller) buildSupported(build string) bool {
	for _, b := range c.server.SupportedClientBuilds {
		if b == build {
			return true
		}
	}
	return false
}

// checkDeadline converts a blown deadline into the timeout outcome,
// removing any session created during the attempt.
func (c *Controller) checkDeadline(deadline time.Time, createdSessionID string, created bool) (Outcome, bool) {
	if !c.clk.Now().After(deadline) {
		return Outcome{}, false
	}
	cleaned := false
	if created && createdSessionID != "" {
		if err := c.sessions.Remove(createdSessionID); err == nil {
			cleaned = true
		}
	}
	out := fail(catalog.NewError(catalog.Timeout).
		WithDetails("timeoutMs", c.cfg.TimeoutMs))
	out.CleanupPerformed = cleaned
	return out, true
}

func fail(err *catalog.Error) Outcome {
	return Outcome{
		Status: StatusFailed,
		Reason: err.Entry.Key,
		Err:    err,
	}
}
