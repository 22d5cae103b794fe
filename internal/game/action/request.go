// Package action defines action requests, the handler that applies them to
// instance state, and the per-room FIFO pipeline that feeds the handler.
package action

import (
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
)

// Type discriminates the action request union.
type Type string

const (
	TypeTilePlacement Type = "tile_placement"
	TypeNPCEvent      Type = "npc_event"
	TypeScriptedEvent Type = "scripted_event"
	TypeMove          Type = "move"
	TypeChat          Type = "chat"
	TypeAction        Type = "action"
)

// TilePlacementPayload carries a tile placement onto the shared board.
type TilePlacementPayload struct {
	PlayerID         string         `json:"playerId"`
	Position         board.Position `json:"position"`
	TileType         int            `json:"tileType"`
	ClientRequestID  string         `json:"clientRequestId,omitempty"`
	PlayerInitiative int            `json:"playerInitiative"`
	LastActionTick   int64          `json:"lastActionTick"`
}

// NPCEventPayload transports one NPC lifecycle event into the room.
type NPCEventPayload struct {
	NPCID     string         `json:"npcId"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

// ScriptedEventPayload transports one scripted world event into the room.
type ScriptedEventPayload struct {
	ScriptID  string         `json:"scriptId"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

// MovePayload repositions a player within the instance.
type MovePayload struct {
	PlayerID string         `json:"playerId"`
	Position board.Position `json:"position"`
}

// ChatPayload is an in-instance chat line.
type ChatPayload struct {
	PlayerID string `json:"playerId"`
	Text     string `json:"text"`
}

// Request is the tagged union of all action kinds. Exactly one payload
// pointer matching Type is set.
type Request struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	InstanceID    string    `json:"instanceId"`
	Timestamp     time.Time `json:"timestamp"`
	RequestedTick *int64    `json:"requestedTick,omitempty"`

	TilePlacement *TilePlacementPayload `json:"tilePlacement,omitempty"`
	NPCEvent      *NPCEventPayload      `json:"npcEvent,omitempty"`
	ScriptedEvent *ScriptedEventPayload `json:"scriptedEvent,omitempty"`
	Move          *MovePayload          `json:"move,omitempty"`
	Chat          *ChatPayload          `json:"chat,omitempty"`
	Payload       map[string]any        `json:"payload,omitempty"`
}

// EffectiveTick resolves the tick a request asks the room to advance to:
// the explicit requested tick when present, otherwise the request timestamp
// in unix milliseconds.
func (r Request) EffectiveTick() int64 {
	if r.RequestedTick != nil {
		return *r.RequestedTick
	}
	return r.Timestamp.UnixMilli()
}
