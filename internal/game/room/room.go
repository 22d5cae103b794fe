// Package room implements the authoritative per-instance battle room: the
// single-writer state domain, client to player mapping, the action drain
// loop, and broadcast fan-out.
package room

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/sequence"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/snapshot"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
)

// DefaultDrainBatchSize bounds one drain pass to preserve fairness across
// rooms sharing the worker pool.
const DefaultDrainBatchSize = 32

// Metadata is the public identity of a room, published at creation.
type Metadata struct {
	InstanceID     string    `json:"instanceId"`
	RulesetVersion string    `json:"rulesetVersion"`
	MaxPlayers     int       `json:"maxPlayers"`
	CreatedAt      time.Time `json:"createdAt"`
}

// JoinOptions carries everything needed to admit one player into the room.
type JoinOptions struct {
	PlayerID    string
	ClientID    string
	DisplayName string
	Initiative  int
}

// Ack reports the outcome of one durable intent per the acknowledgement
// protocol: the ack is emitted only after the durability append succeeded,
// and duplicates return the original record.
type Ack struct {
	Status         string           `json:"status"`
	SequenceNumber int64            `json:"sequenceNumber"`
	Durability     DurabilityMarker `json:"durability"`
}

// DurabilityMarker is the persistence evidence carried inside an Ack.
type DurabilityMarker struct {
	Persisted     bool      `json:"persisted"`
	ActionEventID string    `json:"actionEventId"`
	PersistedAt   time.Time `json:"persistedAt"`
}

// Deps are the collaborators a Room drives. Durability and Reconnect may be
// nil for rooms that never see durable intents or grace leaves (tests).
type Deps struct {
	Pipeline   *action.Pipeline
	Handler    *action.Handler
	Evaluator  *sequence.Evaluator
	Durability DurabilityLog
	Reconnect  ReconnectSessions
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *observability.Metrics

	GracePeriod    time.Duration
	DrainBatchSize int
}

// Room owns one battle instance. All state mutation happens under mu, so
// the room is a single-writer serial domain; the drain loop additionally
// holds a single-flight guard.
type Room struct {
	meta  Metadata
	deps  Deps
	state *action.State

	mu             sync.Mutex
	sinks          map[string]Sink   // clientID -> sink
	clientToPlayer map[string]string // mirrored with playerToClient
	playerToClient map[string]string

	draining atomic.Bool
}

// New creates an active room for one instance: the board is seeded from the
// rule set's initial tiles and capacity is pinned to its max players.
func New(instanceID string, rs ruleset.RuleSet, deps Deps) *Room {
	if deps.DrainBatchSize <= 0 {
		deps.DrainBatchSize = DefaultDrainBatchSize
	}
	now := deps.Clock.Now()
	r := &Room{
		meta: Metadata{
			InstanceID:     instanceID,
			RulesetVersion: rs.Version,
			MaxPlayers:     rs.Metadata.MaxPlayers,
			CreatedAt:      now,
		},
		deps:           deps,
		state:          action.NewState(instanceID, rs, now),
		sinks:          make(map[string]Sink),
		clientToPlayer: make(map[string]string),
		playerToClient: make(map[string]string),
	}
	deps.Logger.Info("battle room created",
		zap.String("instance_id", instanceID),
		zap.String("ruleset_version", rs.Version),
		zap.Int("max_players", rs.Metadata.MaxPlayers),
	)
	return r
}

// Metadata returns the room's published identity.
func (r *Room) Metadata() Metadata {
	return r.meta
}

// InstanceID returns the room's instance id.
func (r *Room) InstanceID() string {
	return r.meta.InstanceID
}

// Attach binds a client connection to a player and registers its event
// sink. The mapping is mirrored both ways.
func (r *Room) Attach(clientID, playerID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[clientID] = sink
	r.clientToPlayer[clientID] = playerID
	r.playerToClient[playerID] = clientID
}

// Detach removes a client's sink and both sides of its player mapping.
func (r *Room) Detach(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if playerID, ok := r.clientToPlayer[clientID]; ok {
		delete(r.playerToClient, playerID)
	}
	delete(r.clientToPlayer, clientID)
	delete(r.sinks, clientID)
}

// Join admits a player. Unknown players get a fresh room-local record;
// known players resume, clearing their reconnect deadline and any
// outstanding grace record. The joining client always receives a snapshot.
//
// Precondition: the room must be active and below capacity for unknown
// players.
func (r *Room) Join(ctx context.Context, opts JoinOptions) error {
	r.mu.Lock()

	if r.state.Status != action.InstanceActive {
		r.mu.Unlock()
		return catalog.NewError(catalog.InstanceTerminated).
			WithDetails("instanceId", r.meta.InstanceID)
	}

	player, known := r.state.Players[opts.PlayerID]
	if !known {
		if len(r.state.Players) >= r.meta.MaxPlayers {
			r.mu.Unlock()
			return catalog.NewError(catalog.InstanceCapacityReached).
				WithDetails("instanceId", r.meta.InstanceID).
				WithDetails("maxPlayers", r.meta.MaxPlayers)
		}
		player = &action.PlayerState{
			SessionID:   opts.PlayerID,
			DisplayName: opts.DisplayName,
			Status:      action.PlayerActive,
			Initiative:  opts.Initiative,
		}
		r.state.Players[opts.PlayerID] = player
	} else {
		player.Status = action.PlayerActive
		player.ReconnectDeadline = nil
	}

	if opts.ClientID != "" {
		r.clientToPlayer[opts.ClientID] = opts.PlayerID
		r.playerToClient[opts.PlayerID] = opts.ClientID
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if known && r.deps.Reconnect != nil {
		if err := r.deps.Reconnect.RemoveGrace(ctx, opts.PlayerID, r.meta.InstanceID); err != nil {
			r.deps.Logger.Warn("removing grace record on rejoin",
				zap.String("player_id", opts.PlayerID), zap.Error(err))
		}
	}

	if view, err := snapshot.ExtractPlayerView(snap, opts.PlayerID); err == nil {
		r.unicast(opts.PlayerID, Event{Type: EventSnapshot, Payload: view})
	}

	r.deps.Logger.Info("player joined",
		zap.String("instance_id", r.meta.InstanceID),
		zap.String("player_id", opts.PlayerID),
		zap.Bool("rejoin", known),
	)
	return nil
}

// Leave removes or suspends a player. A consented leave deletes the player
// and any grace record. An unconsented leave marks the player disconnected
// and opens a reconnect grace window.
func (r *Room) Leave(ctx context.Context, playerID string, consented bool) error {
	r.mu.Lock()
	player, ok := r.state.Players[playerID]
	if !ok {
		r.mu.Unlock()
		return catalog.NewError(catalog.NotFound).
			WithDetails("playerId", playerID)
	}

	now := r.deps.Clock.Now()
	if consented {
		delete(r.state.Players, playerID)
		if clientID, mapped := r.playerToClient[playerID]; mapped {
			delete(r.clientToPlayer, clientID)
			delete(r.sinks, clientID)
			delete(r.playerToClient, playerID)
		}
		r.mu.Unlock()
		if r.deps.Reconnect != nil {
			if err := r.deps.Reconnect.RemoveGrace(ctx, playerID, r.meta.InstanceID); err != nil {
				r.deps.Logger.Warn("removing grace record on leave",
					zap.String("player_id", playerID), zap.Error(err))
			}
		}
		return nil
	}

	deadline := now.Add(r.deps.GracePeriod)
	player.Status = action.PlayerDisconnected
	player.ReconnectDeadline = &deadline
	grace := GraceInput{
		PlayerID:       playerID,
		InstanceID:     r.meta.InstanceID,
		SessionID:      player.SessionID,
		LastActionTick: player.LastActionTick,
		Initiative:     player.Initiative,
		DisconnectedAt: now,
		GracePeriod:    r.deps.GracePeriod,
	}
	r.mu.Unlock()

	if r.deps.Reconnect != nil {
		if err := r.deps.Reconnect.CreateGrace(ctx, grace); err != nil {
			r.deps.Logger.Error("creating grace record",
				zap.String("player_id", playerID), zap.Error(err))
		}
	}
	return nil
}

// SubmitAction enqueues one action on behalf of a connected client. The
// action's instance and player identity are normalized to the room's own
// before queueing. The caller is answered with action.queued or
// action.rejected, and a drain pass is scheduled on accept.
func (r *Room) SubmitAction(ctx context.Context, clientID string, req action.Request) {
	r.mu.Lock()
	playerID, mapped := r.clientToPlayer[clientID]
	r.mu.Unlock()
	if !mapped {
		r.unicastClient(clientID, Event{Type: EventActionRejected, Payload: map[string]any{
			"actionId": req.ID,
			"reason":   string(action.RejectState),
			"error":    catalog.MustEntry(catalog.SessionNotFound),
		}})
		return
	}

	req.InstanceID = r.meta.InstanceID
	if req.TilePlacement != nil {
		req.TilePlacement.PlayerID = playerID
	}
	if req.Move != nil {
		req.Move.PlayerID = playerID
	}
	if req.Chat != nil {
		req.Chat.PlayerID = playerID
	}

	result, err := r.deps.Pipeline.Enqueue(ctx, playerID, req, r.deps.Clock.Now())
	if err != nil {
		r.unicastClient(clientID, Event{Type: EventActionRejected, Payload: map[string]any{
			"actionId": req.ID,
			"reason":   string(action.RejectInternal),
			"error":    catalog.MustEntry(catalog.InternalError),
		}})
		return
	}
	if !result.Accepted {
		entry := catalog.MustEntry(catalog.RateLimitExceeded)
		if req.Type == action.TypeChat {
			entry = catalog.MustEntry(catalog.ChatRateLimitExceeded)
		}
		payload := map[string]any{
			"actionId": req.ID,
			"reason":   result.Reason,
			"error":    entry,
		}
		if result.RateLimit != nil {
			payload["retryAfterMs"] = result.RateLimit.RetryAfter.Milliseconds()
			if req.Type == action.TypeChat {
				payload["retryAfterSeconds"] = clampSeconds(result.RateLimit.RetryAfter, 1, 10)
			}
		}
		r.unicastClient(clientID, Event{Type: EventActionRejected, Payload: payload})
		return
	}

	queued := map[string]any{"actionId": req.ID}
	if result.RateLimit != nil {
		queued["rateLimit"] = map[string]any{
			"remaining": result.RateLimit.Remaining,
			"limit":     result.RateLimit.Limit,
		}
	}
	r.unicastClient(clientID, Event{Type: EventActionQueued, Payload: queued})

	go r.ProcessActionQueue(ctx)
}

// ProcessActionQueue drains the pipeline in bounded batches and applies
// each action. At most one drain loop runs at a time; a call that loses
// the guard returns immediately.
func (r *Room) ProcessActionQueue(ctx context.Context) {
	if !r.draining.CompareAndSwap(false, true) {
		return
	}
	defer r.draining.Store(false)

	for !r.deps.Pipeline.IsEmpty() {
		if ctx.Err() != nil {
			return
		}
		batch := r.deps.Pipeline.DrainBatch(r.deps.DrainBatchSize)
		for _, entry := range batch {
			r.apply(entry)
		}
	}
}

func (r *Room) apply(entry action.Entry) {
	started := r.deps.Clock.Now()

	r.mu.Lock()
	res := r.deps.Handler.Handle(entry.Action, r.state)
	r.mu.Unlock()

	r.deps.Metrics.RecordActionLatency(string(entry.Action.Type),
		r.deps.Clock.Now().Sub(started).Seconds())

	if res.Applied != nil {
		r.broadcast(Event{Type: EventActionApplied, Payload: map[string]any{
			"actionId":  entry.Action.ID,
			"tick":      res.Applied.Tick,
			"effects":   res.Applied.Effects,
			"requestId": res.Applied.RequestID,
		}})
		return
	}

	payload := map[string]any{
		"actionId": entry.Action.ID,
		"reason":   string(res.Rejected.Reason),
		"error":    res.Rejected.Err.Entry,
	}
	if actorID := actorOf(entry.Action); actorID != "" {
		r.unicast(actorID, Event{Type: EventActionRejected, Payload: payload})
		return
	}
	r.broadcast(Event{Type: EventActionRejected, Payload: payload})
}

// ProcessDurableIntent runs the durable-intent acknowledgement protocol for
// one action-type intent: classify the sequence, apply and append under the
// state lock, advance the session's acknowledged sequence, and only then
// ack. The state delta broadcast follows the ack.
//
// Postcondition: An "applied" Ack implies the record is durable. A
// "duplicate" Ack carries the original record's identity. A failed append
// leaves room state exactly as it was before the intent.
func (r *Room) ProcessDurableIntent(ctx context.Context, in AppendInput, req action.Request) (Ack, error) {
	res := r.deps.Evaluator.Evaluate(in.SessionID, in.SequenceNumber)
	switch res.Status {
	case sequence.StatusAccept:
	case sequence.StatusDuplicate:
		record, found, err := r.deps.Durability.GetBySessionAndSequence(ctx, in.SessionID, in.SequenceNumber)
		if err != nil {
			return Ack{}, catalog.WrapError(catalog.PersistenceFailed, err)
		}
		if !found {
			return Ack{}, catalog.NewError(catalog.PersistenceFailed).
				WithDetails("sessionId", in.SessionID).
				WithDetails("sequenceNumber", in.SequenceNumber)
		}
		return Ack{
			Status:         "duplicate",
			SequenceNumber: in.SequenceNumber,
			Durability: DurabilityMarker{
				Persisted:     true,
				ActionEventID: record.ActionEventID,
				PersistedAt:   record.PersistedAt,
			},
		}, nil
	case sequence.StatusGap:
		return Ack{}, catalog.NewError(catalog.SequenceGapDetected).
			WithDetails("expected", res.Expected).
			WithDetails("missingCount", res.MissingCount)
	case sequence.StatusOutOfOrder:
		return Ack{}, catalog.NewError(catalog.SequenceOutOfOrder).
			WithDetails("expected", res.Expected)
	case sequence.StatusMissingSession:
		return Ack{}, catalog.NewError(catalog.SessionNotFound).
			WithDetails("sessionId", in.SessionID)
	default:
		return Ack{}, catalog.NewError(catalog.InvalidSequence).
			WithDetails("sequenceNumber", in.SequenceNumber)
	}

	before := r.boardView()

	// The state lock is held across the append: the applied mutation stays
	// unobservable until the record is durable, and a failed append restores
	// the prior state before the lock is released.
	r.mu.Lock()
	undo := captureDurableUndo(req, r.state)
	handled := r.deps.Handler.Handle(req, r.state)
	if handled.Rejected != nil {
		r.mu.Unlock()
		return Ack{}, handled.Rejected.Err
	}

	record, err := r.deps.Durability.AppendAction(ctx, in)
	if err != nil {
		undo.restore(r.state)
		r.mu.Unlock()
		return Ack{}, catalog.AsCatalog(err)
	}
	r.mu.Unlock()
	if ackErr := r.deps.Evaluator.Acknowledge(in.SessionID, in.SequenceNumber); ackErr != nil {
		r.deps.Logger.Error("acknowledging sequence after durable append",
			zap.String("session_id", in.SessionID),
			zap.Int64("sequence", in.SequenceNumber),
			zap.Error(ackErr))
	}

	ack := Ack{
		Status:         "applied",
		SequenceNumber: in.SequenceNumber,
		Durability: DurabilityMarker{
			Persisted:     true,
			ActionEventID: record.ActionEventID,
			PersistedAt:   record.PersistedAt,
		},
	}

	after := r.boardView()
	if deltas, deltaErr := snapshot.ComputeBoardDelta(before, after); deltaErr == nil && len(deltas) > 0 {
		r.broadcast(Event{Type: EventActionApplied, Payload: map[string]any{
			"actionId": req.ID,
			"tick":     handled.Applied.Tick,
			"effects":  handled.Applied.Effects,
			"delta":    deltas,
		}})
	} else {
		r.broadcast(Event{Type: EventActionApplied, Payload: map[string]any{
			"actionId": req.ID,
			"tick":     handled.Applied.Tick,
			"effects":  handled.Applied.Effects,
		}})
	}
	return ack, nil
}

// durableUndo records the slices of room state one durable intent may
// touch, so a failed durability append can be rolled back before the state
// lock is released.
type durableUndo struct {
	tick int64

	cellPos *board.Position
	cell    board.Cell

	playerID       string
	lastActionTick int64

	npcID      string
	npcExisted bool
	npc        *action.NPCState
}

func captureDurableUndo(req action.Request, state *action.State) durableUndo {
	undo := durableUndo{tick: state.Tick}

	switch req.Type {
	case action.TypeTilePlacement:
		payload := req.TilePlacement
		if payload == nil {
			return undo
		}
		if cell, ok := state.Board.GetCell(payload.Position); ok {
			pos := payload.Position
			undo.cellPos = &pos
			undo.cell = cell
		}
		if player, ok := state.Players[payload.PlayerID]; ok {
			undo.playerID = payload.PlayerID
			undo.lastActionTick = player.LastActionTick
		}
	case action.TypeNPCEvent:
		payload := req.NPCEvent
		if payload == nil {
			return undo
		}
		undo.npcID = payload.NPCID
		if npc, ok := state.NPCs[payload.NPCID]; ok {
			undo.npcExisted = true
			prior := *npc
			if npc.Metadata != nil {
				prior.Metadata = make(map[string]any, len(npc.Metadata))
				for k, v := range npc.Metadata {
					prior.Metadata[k] = v
				}
			}
			undo.npc = &prior
		}
	}
	return undo
}

func (u durableUndo) restore(state *action.State) {
	state.Tick = u.tick
	if u.cellPos != nil {
		state.Board.SetCell(*u.cellPos, u.cell)
	}
	if u.playerID != "" {
		if player, ok := state.Players[u.playerID]; ok {
			player.LastActionTick = u.lastActionTick
		}
	}
	if u.npcID != "" {
		if u.npcExisted {
			state.NPCs[u.npcID] = u.npc
		} else {
			delete(state.NPCs, u.npcID)
		}
	}
}

// MovePlayer applies a relative move synchronously and returns the new
// position. Moves are sequence-ordered by the caller but not durable.
func (r *Room) MovePlayer(playerID string, dx, dy int) (board.Position, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	player, ok := r.state.Players[playerID]
	if !ok {
		return board.Position{}, 0, catalog.NewError(catalog.SessionNotFound).
			WithDetails("playerId", playerID)
	}
	current := board.Position{}
	if player.Position != nil {
		current = *player.Position
	}
	target := board.Position{X: current.X + dx, Y: current.Y + dy}

	res := r.deps.Handler.Handle(action.Request{
		ID:         "move-" + playerID,
		Type:       action.TypeMove,
		InstanceID: r.meta.InstanceID,
		Timestamp:  r.deps.Clock.Now(),
		Move:       &action.MovePayload{PlayerID: playerID, Position: target},
	}, r.state)
	if res.Rejected != nil {
		return board.Position{}, 0, res.Rejected.Err
	}
	return target, res.Applied.Tick, nil
}

// clampSeconds converts d to whole seconds bounded to [min, max], rounding
// partial seconds up so clients never retry early.
func clampSeconds(d time.Duration, min, max int64) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < min {
		return min
	}
	if secs > max {
		return max
	}
	return secs
}

// Snapshot returns the per-player view for viewerID.
func (r *Room) Snapshot(viewerID string) (snapshot.Snapshot, error) {
	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()
	return snapshot.ExtractPlayerView(snap, viewerID)
}

// PlayerCount returns the number of room-local players, including
// disconnected players still within grace.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.Players)
}

// Close marks the instance ended and notifies attached clients. Actions
// submitted afterwards are rejected with instance_terminated.
func (r *Room) Close() {
	r.mu.Lock()
	r.state.Status = action.InstanceEnded
	r.mu.Unlock()
	r.broadcast(Event{Type: EventRoomClosed, Payload: map[string]any{
		"instanceId": r.meta.InstanceID,
	}})
	r.deps.Logger.Info("battle room closed", zap.String("instance_id", r.meta.InstanceID))
}

func (r *Room) snapshotLocked() snapshot.Snapshot {
	return snapshot.Create(r.state, r.deps.Pipeline.Pending(), r.deps.Clock.Now())
}

func (r *Room) boardView() snapshot.BoardView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot.BoardView{
		Width:  r.state.Board.Width(),
		Height: r.state.Board.Height(),
		Cells:  r.state.Board.Cells(),
	}
}

func (r *Room) broadcast(event Event) {
	r.mu.Lock()
	targets := make([]Sink, 0, len(r.sinks))
	for _, sink := range r.sinks {
		if sink != nil {
			targets = append(targets, sink)
		}
	}
	r.mu.Unlock()
	for _, sink := range targets {
		sink.Send(event)
	}
}

func (r *Room) unicast(playerID string, event Event) {
	r.mu.Lock()
	var target Sink
	if clientID, ok := r.playerToClient[playerID]; ok {
		target = r.sinks[clientID]
	}
	r.mu.Unlock()
	if target != nil {
		target.Send(event)
	}
}

func (r *Room) unicastClient(clientID string, event Event) {
	r.mu.Lock()
	target := r.sinks[clientID]
	r.mu.Unlock()
	if target != nil {
		target.Send(event)
	}
}

func actorOf(req action.Request) string {
	switch {
	case req.TilePlacement != nil:
		return req.TilePlacement.PlayerID
	case req.Move != nil:
		return req.Move.PlayerID
	case req.Chat != nil:
		return req.Chat.PlayerID
	default:
		return ""
	}
}
