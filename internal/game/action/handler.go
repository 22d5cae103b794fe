package action

import (
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
)

// Handler validates and applies one action against instance state. It is
// synchronous with respect to the state it is handed and never performs
// I/O; durability is the caller's concern.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a Handler.
//
// Precondition: logger must be non-nil.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle applies req to state and returns the resolution.
//
// Postcondition: On Applied, state reflects the action's effects and the
// instance tick has advanced to at least the request's effective tick. On
// Rejected, state is unchanged.
func (h *Handler) Handle(req Request, state *State) Resolution {
	requestID := clientRequestID(req)

	if req.InstanceID != state.InstanceID {
		return rejected(RejectState,
			catalog.NewError(catalog.CrossInstanceAction).
				WithDetails("actionInstanceId", req.InstanceID).
				WithDetails("instanceId", state.InstanceID),
			requestID)
	}
	if state.Status != InstanceActive {
		return rejected(RejectState,
			catalog.NewError(catalog.InstanceTerminated).
				WithDetails("instanceId", state.InstanceID).
				WithDetails("status", string(state.Status)),
			requestID)
	}

	switch req.Type {
	case TypeTilePlacement:
		return h.handleTilePlacement(req, state)
	case TypeNPCEvent:
		return h.handleNPCEvent(req, state)
	case TypeScriptedEvent:
		return h.handleScriptedEvent(req, state)
	case TypeMove:
		return h.handleMove(req, state)
	case TypeChat:
		return h.handleChat(req, state)
	case TypeAction:
		return h.handleGenericAction(req, state)
	default:
		return rejected(RejectValidation,
			catalog.NewError(catalog.InvalidRequest).
				WithDetails("actionType", string(req.Type)),
			requestID)
	}
}

func (h *Handler) handleTilePlacement(req Request, state *State) Resolution {
	payload := req.TilePlacement
	requestID := clientRequestID(req)
	if payload == nil {
		return rejected(RejectValidation,
			catalog.NewError(catalog.InvalidRequest).WithDetails("missing", "tilePlacement"),
			requestID)
	}

	if _, ok := state.Players[payload.PlayerID]; !ok {
		return rejected(RejectValidation,
			catalog.NewError(catalog.SessionNotFound).
				WithDetails("playerId", payload.PlayerID),
			requestID)
	}

	if err := h.checkAdjacency(state, payload.Position); err != nil {
		return rejected(RejectValidation, err, requestID)
	}

	previous := board.EmptyTile
	if cell, ok := state.Board.GetCell(payload.Position); ok {
		previous = cell.TileType
	}

	tick := req.EffectiveTick()
	if err := state.Board.ApplyTilePlacement(payload.Position, payload.TileType, tick, payload.PlayerID); err != nil {
		ce := catalog.AsCatalog(err)
		return rejected(rejectReasonForCategory(ce.Entry.Category), ce, requestID)
	}

	newTick := state.AdvanceTick(tick)
	state.Players[payload.PlayerID].LastActionTick = newTick

	h.logger.Debug("tile placed",
		zap.String("instance_id", state.InstanceID),
		zap.String("player_id", payload.PlayerID),
		zap.Int("x", payload.Position.X),
		zap.Int("y", payload.Position.Y),
		zap.Int64("tick", newTick),
	)

	effect := Effect{Type: "tile_placement", Data: map[string]any{
		"position":         payload.Position,
		"tileType":         payload.TileType,
		"previousTileType": previous,
		"playerId":         payload.PlayerID,
	}}
	return applied([]Effect{effect}, newTick, requestID)
}

// checkAdjacency enforces the rule set's placement constraint. The first
// placement on an empty board is exempt when the rule set allows it.
func (h *Handler) checkAdjacency(state *State, pos board.Position) *catalog.Error {
	if state.Placement.Adjacency == ruleset.AdjacencyNone {
		return nil
	}
	if state.Board.IsEmpty() && state.Placement.AllowFirstPlacementAnywhere {
		return nil
	}
	ok := false
	switch state.Placement.Adjacency {
	case ruleset.AdjacencyOrthogonal:
		ok = state.Board.HasOrthogonalNeighbor(pos)
	case ruleset.AdjacencyAny:
		ok = state.Board.HasAnyNeighbor(pos)
	}
	if ok {
		return nil
	}
	return catalog.NewError(catalog.InvalidTilePlacement).
		WithDetails("x", pos.X).
		WithDetails("y", pos.Y).
		WithDetails("adjacency", string(state.Placement.Adjacency))
}

func (h *Handler) handleNPCEvent(req Request, state *State) Resolution {
	payload := req.NPCEvent
	if payload == nil {
		return rejected(RejectValidation,
			catalog.NewError(catalog.InvalidRequest).WithDetails("missing", "npcEvent"),
			"")
	}

	newTick := state.AdvanceTick(req.EffectiveTick())

	npc, ok := state.NPCs[payload.NPCID]
	if !ok {
		npc = &NPCState{NPCID: payload.NPCID}
		state.NPCs[payload.NPCID] = npc
	}
	npc.CurrentTick = newTick
	if npc.Metadata == nil {
		npc.Metadata = make(map[string]any)
	}
	npc.Metadata["lastEventType"] = payload.EventType

	effect := Effect{Type: "npc_event", Data: map[string]any{
		"npcId":     payload.NPCID,
		"eventType": payload.EventType,
		"data":      payload.Data,
	}}
	return applied([]Effect{effect}, newTick, "")
}

func (h *Handler) handleScriptedEvent(req Request, state *State) Resolution {
	payload := req.ScriptedEvent
	if payload == nil {
		return rejected(RejectValidation,
			catalog.NewError(catalog.InvalidRequest).WithDetails("missing", "scriptedEvent"),
			"")
	}

	newTick := state.AdvanceTick(req.EffectiveTick())

	effect := Effect{Type: "scripted_event", Data: map[string]any{
		"scriptId":  payload.ScriptID,
		"eventType": payload.EventType,
		"data":      payload.Data,
	}}
	return applied([]Effect{effect}, newTick, "")
}

func (h *Handler) handleMove(req Request, state *State) Resolution {
	payload := req.Move
	if payload == nil {
		return rejected(RejectValidation,
			catalog.NewError(catalog.InvalidRequest).WithDetails("missing", "move"),
			"")
	}

	player, ok := state.Players[payload.PlayerID]
	if !ok {
		return rejected(RejectValidation,
			catalog.NewError(catalog.SessionNotFound).
				WithDetails("playerId", payload.PlayerID),
			"")
	}
	if !state.Board.InBounds(payload.Position) {
		return rejected(RejectValidation,
			catalog.NewError(catalog.InvalidRequest).
				WithDetails("x", payload.Position.X).
				WithDetails("y", payload.Position.Y),
			"")
	}

	newTick := state.AdvanceTick(req.EffectiveTick())
	pos := payload.Position
	player.Position = &pos
	player.LastActionTick = newTick

	effect := Effect{Type: "move", Data: map[string]any{
		"playerId": payload.PlayerID,
		"position": pos,
	}}
	return applied([]Effect{effect}, newTick, "")
}

// handleChat relays an in-instance chat line as an effect. Chat does not
// advance the instance tick.
func (h *Handler) handleChat(req Request, state *State) Resolution {
	payload := req.Chat
	if payload == nil {
		return rejected(RejectValidation,
			catalog.NewError(catalog.InvalidRequest).WithDetails("missing", "chat"),
			"")
	}
	if _, ok := state.Players[payload.PlayerID]; !ok {
		return rejected(RejectValidation,
			catalog.NewError(catalog.SessionNotFound).
				WithDetails("playerId", payload.PlayerID),
			"")
	}
	effect := Effect{Type: "chat", Data: map[string]any{
		"playerId": payload.PlayerID,
		"text":     payload.Text,
	}}
	return applied([]Effect{effect}, state.Tick, "")
}

// handleGenericAction covers client-defined actions with no board
// semantics: the tick advances and the payload is echoed as an effect so
// observers see the action in order.
func (h *Handler) handleGenericAction(req Request, state *State) Resolution {
	newTick := state.AdvanceTick(req.EffectiveTick())
	effect := Effect{Type: "action", Data: req.Payload}
	return applied([]Effect{effect}, newTick, "")
}

func clientRequestID(req Request) string {
	if req.TilePlacement != nil {
		return req.TilePlacement.ClientRequestID
	}
	return ""
}
