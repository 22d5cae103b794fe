package room

import (
	"context"
	"time"
)

// AppendInput is one action record bound for the durability log.
type AppendInput struct {
	SessionID      string
	UserID         string
	CharacterID    string
	SequenceNumber int64
	ActionType     string
	Payload        map[string]any
}

// DurabilityRecord is the server-assigned identity of a persisted action.
type DurabilityRecord struct {
	ActionEventID string
	PersistedAt   time.Time
}

// DurabilityLog is the append-only system of record for action intents.
// Acks for durable intents are emitted only after AppendAction succeeds.
type DurabilityLog interface {
	// AppendAction persists exactly one record. A unique-key violation on
	// (sessionID, sequenceNumber) surfaces as persistence_failed.
	AppendAction(ctx context.Context, input AppendInput) (DurabilityRecord, error)
	// GetBySessionAndSequence returns the persisted record for a
	// (session, sequence) pair, or found=false when absent.
	GetBySessionAndSequence(ctx context.Context, sessionID string, sequence int64) (DurabilityRecord, bool, error)
}

// ReconnectSessions is the slice of the reconnect service the room drives:
// grace records are created on unconsented leave and removed on rejoin or
// consented leave.
type ReconnectSessions interface {
	CreateGrace(ctx context.Context, input GraceInput) error
	RemoveGrace(ctx context.Context, playerID, instanceID string) error
}

// GraceInput captures the player state preserved across a disconnect.
type GraceInput struct {
	PlayerID       string
	InstanceID     string
	SessionID      string
	LastActionTick int64
	Initiative     int
	DisconnectedAt time.Time
	GracePeriod    time.Duration
}
