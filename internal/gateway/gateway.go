// Package gateway terminates realtime websocket connections: it binds each
// socket to an admitted session, forwards intents into the owning battle
// room, and fans room events and dependency-health transitions back out.
package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/sequence"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
	"github.com/dkirby-ms/tilemud-sub004/internal/health"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
	"github.com/dkirby-ms/tilemud-sub004/internal/protocol"
)

// dirs maps move directions to board deltas. North decreases y.
var dirs = map[string][2]int{
	protocol.DirectionNorth: {0, -1},
	protocol.DirectionSouth: {0, 1},
	protocol.DirectionEast:  {1, 0},
	protocol.DirectionWest:  {-1, 0},
}

// RoomResolver locates the battle room owning an instance.
type RoomResolver interface {
	RoomFor(instanceID string) (*room.Room, bool)
}

// Gateway owns the realtime client registry.
type Gateway struct {
	sessions  *session.Store
	evaluator *sequence.Evaluator
	rooms     RoomResolver
	clk       clock.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics
	version   string

	mu      sync.RWMutex
	clients map[string]*Client // sessionID -> client
}

// New creates a Gateway and subscribes it to dependency health signals so
// degradation transitions reach connected clients.
func New(sessions *session.Store, evaluator *sequence.Evaluator, rooms RoomResolver,
	signals *health.Signals, clk clock.Clock, version string,
	logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	g := &Gateway{
		sessions:  sessions,
		evaluator: evaluator,
		rooms:     rooms,
		clk:       clk,
		logger:    logger,
		metrics:   metrics,
		version:   version,
		clients:   make(map[string]*Client),
	}
	if signals != nil {
		signals.Subscribe(g.broadcastDegraded)
	}
	return g
}

// Attach binds a connection to an admitted session, registers the client
// with its room, and answers with the handshake ack. The returned client's
// ServeConn drives the read loop.
func (g *Gateway) Attach(conn Conn, sessionID string) (*Client, error) {
	s, ok := g.sessions.Get(sessionID)
	if !ok {
		return nil, catalog.NewError(catalog.SessionNotFound).
			WithDetails("sessionId", sessionID)
	}
	r, ok := g.rooms.RoomFor(s.InstanceID)
	if !ok {
		return nil, catalog.NewError(catalog.NotFound).
			WithDetails("instanceId", s.InstanceID)
	}

	c := newClient(sessionID, s.UserID, s.CharacterID, conn, g.logger)
	g.mu.Lock()
	if prev, exists := g.clients[sessionID]; exists {
		prev.close()
	}
	g.clients[sessionID] = c
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ActiveConnections.Inc()
	}

	go c.writePump()
	r.Attach(sessionID, s.CharacterID, c)

	ack := protocol.Ack{
		Reason:         "handshake",
		SessionID:      sessionID,
		Sequence:       s.LastSequence,
		Version:        g.version,
		AcknowledgedAt: g.clk.Now(),
	}
	if s.LastSequence > 0 {
		ack.AcknowledgedIntents = []int64{s.LastSequence}
	}
	c.sendMessage(protocol.TypeEventAck, ack)

	g.logger.Info("client attached",
		zap.String("session_id", sessionID),
		zap.String("instance_id", s.InstanceID),
	)
	return c, nil
}

// Detach unregisters a client. An unconsented detach opens the player's
// reconnect grace window.
func (g *Gateway) Detach(ctx context.Context, c *Client, consented bool) {
	g.mu.Lock()
	if g.clients[c.sessionID] == c {
		delete(g.clients, c.sessionID)
	}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ActiveConnections.Dec()
	}

	if s, ok := g.sessions.Get(c.sessionID); ok {
		if r, found := g.rooms.RoomFor(s.InstanceID); found {
			r.Detach(c.sessionID)
			if err := r.Leave(ctx, c.charID, consented); err != nil {
				g.logger.Warn("leaving room on detach",
					zap.String("session_id", c.sessionID), zap.Error(err))
			}
		}
	}
	c.close()
}

// ServeConn reads frames until the connection drops, dispatching each
// intent. The read loop exiting detaches the client unconsented.
func (g *Gateway) ServeConn(ctx context.Context, c *Client) {
	defer g.Detach(ctx, c, false)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(g.clk.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(g.clk.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = g.sessions.RecordHeartbeat(c.sessionID)
		g.Dispatch(ctx, c, raw)
	}
}

// Dispatch decodes one frame and routes it by intent type.
func (g *Gateway) Dispatch(ctx context.Context, c *Client, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom("", 0,
			catalog.NewError(catalog.InvalidRequest).WithDetails("reason", "malformed frame")))
		return
	}
	switch env.Type {
	case protocol.TypeIntentMove:
		g.handleMove(c, env)
	case protocol.TypeIntentChat:
		g.handleChat(ctx, c, env)
	case protocol.TypeIntentAction:
		g.handleAction(ctx, c, env)
	default:
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(env.Type, 0,
			catalog.NewError(catalog.InvalidRequest).WithDetails("intentType", env.Type)))
	}
}

// handleMove applies a sequence-ordered relative move. Magnitude clamps
// into [1, 3]; an unknown direction is a validation error.
func (g *Gateway) handleMove(c *Client, env protocol.Envelope) {
	intent, err := decodePayload[protocol.MoveIntent](env.Payload)
	if err != nil {
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(env.Type, 0,
			catalog.NewError(catalog.InvalidRequest).WithDetails("reason", "malformed payload")))
		return
	}

	delta, ok := dirs[strings.ToLower(intent.Direction)]
	if !ok {
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(env.Type, intent.Sequence,
			catalog.NewError(catalog.InvalidRequest).WithDetails("direction", intent.Direction)))
		return
	}
	magnitude := intent.Magnitude
	if magnitude < 1 {
		magnitude = 1
	}
	if magnitude > 3 {
		magnitude = 3
	}

	if !g.checkSequence(c, env.Type, intent.Sequence) {
		return
	}

	r, ok := g.roomOf(c, env.Type, intent.Sequence)
	if !ok {
		return
	}
	pos, _, moveErr := r.MovePlayer(c.charID, delta[0]*magnitude, delta[1]*magnitude)
	if moveErr != nil {
		c.sendMessage(protocol.TypeEventError,
			protocol.ErrorEventFrom(env.Type, intent.Sequence, catalog.AsCatalog(moveErr)))
		return
	}
	if err := g.evaluator.Acknowledge(c.sessionID, intent.Sequence); err != nil {
		g.logger.Error("acknowledging move sequence",
			zap.String("session_id", c.sessionID), zap.Error(err))
	}

	now := g.clk.Now()
	c.sendMessage(protocol.TypeEventAck, protocol.Ack{
		IntentType:     env.Type,
		Sequence:       intent.Sequence,
		Status:         "applied",
		AcknowledgedAt: now,
	})
	c.sendMessage(protocol.TypeEventStateDelta, protocol.StateDelta{
		Sequence: intent.Sequence,
		IssuedAt: now,
		Character: &protocol.CharacterDelta{
			CharacterID: c.charID,
			Position:    &protocol.Position{X: pos.X, Y: pos.Y},
		},
	})
}

// handleChat forwards a chat line into the room pipeline, whose rate gate
// answers violations with chat_rate_limit_exceeded.
func (g *Gateway) handleChat(ctx context.Context, c *Client, env protocol.Envelope) {
	intent, err := decodePayload[protocol.ChatIntent](env.Payload)
	if err != nil || strings.TrimSpace(intent.Message) == "" {
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(env.Type, intent.Sequence,
			catalog.NewError(catalog.InvalidRequest).WithDetails("reason", "empty message")))
		return
	}
	r, ok := g.roomOf(c, env.Type, intent.Sequence)
	if !ok {
		return
	}
	r.SubmitAction(ctx, c.sessionID, action.Request{
		ID:        uuid.NewString(),
		Type:      action.TypeChat,
		Timestamp: g.clk.Now(),
		Chat:      &action.ChatPayload{Text: intent.Message},
	})
}

// handleAction runs the durable-intent acknowledgement protocol.
func (g *Gateway) handleAction(ctx context.Context, c *Client, env protocol.Envelope) {
	intent, err := decodePayload[protocol.ActionIntent](env.Payload)
	if err != nil || intent.ActionID == "" {
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(env.Type, intent.Sequence,
			catalog.NewError(catalog.InvalidRequest).WithDetails("reason", "missing actionId")))
		return
	}
	r, ok := g.roomOf(c, env.Type, intent.Sequence)
	if !ok {
		return
	}

	payload := map[string]any{"kind": intent.Kind}
	if intent.Target != "" {
		payload["target"] = intent.Target
	}
	for k, v := range intent.Metadata {
		payload[k] = v
	}

	received := g.clk.Now()
	ack, intentErr := r.ProcessDurableIntent(ctx, room.AppendInput{
		SessionID:      c.sessionID,
		UserID:         c.userID,
		CharacterID:    c.charID,
		SequenceNumber: intent.Sequence,
		ActionType:     intent.Kind,
		Payload:        payload,
	}, action.Request{
		ID:        intent.ActionID,
		Type:      action.TypeAction,
		Timestamp: received,
		Payload:   payload,
	})
	if intentErr != nil {
		c.sendMessage(protocol.TypeEventError,
			protocol.ErrorEventFrom(env.Type, intent.Sequence, catalog.AsCatalog(intentErr)))
		return
	}

	now := g.clk.Now()
	c.sendMessage(protocol.TypeEventAck, protocol.Ack{
		IntentType:     env.Type,
		Sequence:       ack.SequenceNumber,
		Status:         ack.Status,
		AcknowledgedAt: now,
		LatencyMs:      now.Sub(received).Milliseconds(),
		Durability: &protocol.Durability{
			Persisted:     ack.Durability.Persisted,
			ActionEventID: ack.Durability.ActionEventID,
			PersistedAt:   ack.Durability.PersistedAt,
		},
	})
}

// checkSequence classifies a non-durable intent's sequence. Duplicates are
// answered idempotently; everything else non-accepting emits an error.
func (g *Gateway) checkSequence(c *Client, intentType string, seq int64) bool {
	res := g.evaluator.Evaluate(c.sessionID, seq)
	switch res.Status {
	case sequence.StatusAccept:
		return true
	case sequence.StatusDuplicate:
		c.sendMessage(protocol.TypeEventAck, protocol.Ack{
			IntentType:     intentType,
			Sequence:       seq,
			Status:         "duplicate",
			AcknowledgedAt: g.clk.Now(),
		})
	case sequence.StatusGap:
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(intentType, seq,
			catalog.NewError(catalog.SequenceGapDetected).
				WithDetails("expected", res.Expected).
				WithDetails("missingCount", res.MissingCount)))
	case sequence.StatusOutOfOrder:
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(intentType, seq,
			catalog.NewError(catalog.SequenceOutOfOrder).
				WithDetails("expected", res.Expected)))
	case sequence.StatusMissingSession:
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(intentType, seq,
			catalog.NewError(catalog.SessionNotFound).
				WithDetails("sessionId", c.sessionID)))
	default:
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(intentType, seq,
			catalog.NewError(catalog.InvalidSequence).
				WithDetails("sequence", seq)))
	}
	return false
}

func (g *Gateway) roomOf(c *Client, intentType string, seq int64) (*room.Room, bool) {
	s, ok := g.sessions.Get(c.sessionID)
	if !ok {
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(intentType, seq,
			catalog.NewError(catalog.SessionNotFound).WithDetails("sessionId", c.sessionID)))
		return nil, false
	}
	r, ok := g.rooms.RoomFor(s.InstanceID)
	if !ok {
		c.sendMessage(protocol.TypeEventError, protocol.ErrorEventFrom(intentType, seq,
			catalog.NewError(catalog.NotFound).WithDetails("instanceId", s.InstanceID)))
		return nil, false
	}
	return r, true
}

// broadcastDegraded pushes a dependency transition to every client.
func (g *Gateway) broadcastDegraded(sig health.Signal) {
	g.mu.RLock()
	targets := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.RUnlock()
	for _, c := range targets {
		c.sendMessage(protocol.TypeEventDegraded, protocol.DegradedEvent(sig))
	}
}

// ClientCount returns the number of attached connections.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}
