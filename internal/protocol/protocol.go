// Package protocol defines the realtime wire format: a thin {type, payload}
// envelope around typed intents (client to server) and events (server to
// client). Sequence numbers ride in the intent header, not the payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
)

// Message type identifiers.
const (
	TypeIntentMove   = "intent.move"
	TypeIntentChat   = "intent.chat"
	TypeIntentAction = "intent.action"

	TypeEventAck             = "event.ack"
	TypeEventStateDelta      = "event.state_delta"
	TypeEventError           = "event.error"
	TypeEventDegraded        = "event.degraded"
	TypeEventVersionMismatch = "event.version_mismatch"
)

// Directions for intent.move.
const (
	DirectionNorth = "north"
	DirectionSouth = "south"
	DirectionEast  = "east"
	DirectionWest  = "west"
)

// Error categories surfaced on the wire. Coarser than the internal
// catalog taxonomy.
const (
	CategoryValidation  = "VALIDATION"
	CategoryConsistency = "CONSISTENCY"
	CategoryRateLimit   = "RATE_LIMIT"
	CategorySystem      = "SYSTEM"
)

// Envelope is the outer frame of every realtime message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Header carries per-intent metadata common to all intent types.
type Header struct {
	Sequence int64 `json:"sequence"`
}

// MoveIntent is a relative movement request.
type MoveIntent struct {
	Header
	Direction string `json:"direction"`
	Magnitude int    `json:"magnitude"`
}

// ChatIntent is an in-instance chat message.
type ChatIntent struct {
	Header
	Message string `json:"message"`
}

// ActionIntent is a durable action submission.
type ActionIntent struct {
	Header
	ActionID string         `json:"actionId"`
	Kind     string         `json:"kind"`
	Target   string         `json:"target,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Durability describes the persistence outcome attached to an applied or
// duplicate ack.
type Durability struct {
	Persisted     bool      `json:"persisted"`
	ActionEventID string    `json:"actionEventId"`
	PersistedAt   time.Time `json:"persistedAt"`
}

// Ack acknowledges one intent. The handshake variant, emitted on attach,
// carries Reason "handshake" plus the session fields.
type Ack struct {
	IntentType     string      `json:"intentType,omitempty"`
	Sequence       int64       `json:"sequence"`
	Status         string      `json:"status,omitempty"`
	AcknowledgedAt time.Time   `json:"acknowledgedAt"`
	LatencyMs      int64       `json:"latencyMs,omitempty"`
	Durability     *Durability `json:"durability,omitempty"`
	Message        string      `json:"message,omitempty"`

	Reason              string  `json:"reason,omitempty"`
	SessionID           string  `json:"sessionId,omitempty"`
	Version             string  `json:"version,omitempty"`
	AcknowledgedIntents []int64 `json:"acknowledgedIntents,omitempty"`
}

// CharacterDelta is the viewer's own state slice in a state delta.
type CharacterDelta struct {
	CharacterID string         `json:"characterId"`
	Position    *Position      `json:"position,omitempty"`
	Stats       map[string]any `json:"stats,omitempty"`
}

// Position is a board coordinate on the wire.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// WorldDelta carries changed board cells.
type WorldDelta struct {
	Tiles []TileDelta `json:"tiles"`
}

// TileDelta is one changed cell in row-major index form.
type TileDelta struct {
	Index    int   `json:"index"`
	TileType int   `json:"tileType"`
	Tick     int64 `json:"tick"`
}

// EffectEntry is one applied effect in a state delta.
type EffectEntry struct {
	Type     string         `json:"type"`
	ActionID string         `json:"actionId"`
	Target   string         `json:"target,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StateDelta pushes state changes to one client or the whole room.
type StateDelta struct {
	Sequence       int64           `json:"sequence"`
	IssuedAt       time.Time       `json:"issuedAt"`
	Character      *CharacterDelta `json:"character,omitempty"`
	World          *WorldDelta     `json:"world,omitempty"`
	Effects        []EffectEntry   `json:"effects,omitempty"`
	ReconnectToken string          `json:"reconnectToken,omitempty"`
}

// ErrorEvent reports an intent failure.
type ErrorEvent struct {
	IntentType string         `json:"intentType"`
	Sequence   int64          `json:"sequence"`
	Code       string         `json:"code"`
	Category   string         `json:"category"`
	Retryable  bool           `json:"retryable"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

// DegradedEvent forwards a dependency health transition.
type DegradedEvent struct {
	Dependency string    `json:"dependency"`
	Status     string    `json:"status"`
	ObservedAt time.Time `json:"observedAt"`
	Message    string    `json:"message,omitempty"`
}

// VersionMismatchEvent tells the client to upgrade.
type VersionMismatchEvent struct {
	ExpectedVersion string `json:"expectedVersion"`
	ReceivedVersion string `json:"receivedVersion"`
	Message         string `json:"message,omitempty"`
}

// Encode wraps a payload in an envelope and marshals it.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses an envelope from raw bytes.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decoding envelope: missing type")
	}
	return env, nil
}

// WireCategory maps the internal catalog taxonomy onto the coarser wire
// categories.
func WireCategory(c catalog.Category) string {
	switch c {
	case catalog.CategoryValidation:
		return CategoryValidation
	case catalog.CategoryConflict, catalog.CategoryState:
		return CategoryConsistency
	case catalog.CategoryRateLimit:
		return CategoryRateLimit
	default:
		return CategorySystem
	}
}

// ErrorEventFrom builds an ErrorEvent from a catalog error.
func ErrorEventFrom(intentType string, sequence int64, err *catalog.Error) ErrorEvent {
	return ErrorEvent{
		IntentType: intentType,
		Sequence:   sequence,
		Code:       err.Entry.Reason,
		Category:   WireCategory(err.Entry.Category),
		Retryable:  err.Entry.Retryable,
		Message:    err.Entry.HumanMessage,
		Details:    err.Details,
	}
}
