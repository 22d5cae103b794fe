package action

import (
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
)

// InstanceStatus is the battle instance lifecycle state.
type InstanceStatus string

const (
	InstanceActive InstanceStatus = "active"
	InstanceEnded  InstanceStatus = "ended"
)

// PlayerStatus is a player's room-local connection state.
type PlayerStatus string

const (
	PlayerActive       PlayerStatus = "active"
	PlayerDisconnected PlayerStatus = "disconnected"
)

// PlayerState is the room-local record for one joined player. Disconnect
// transitions are reversible within the reconnect grace window.
type PlayerState struct {
	SessionID         string          `json:"sessionId"`
	DisplayName       string          `json:"displayName"`
	Status            PlayerStatus    `json:"status"`
	Initiative        int             `json:"initiative"`
	LastActionTick    int64           `json:"lastActionTick"`
	Position          *board.Position `json:"position,omitempty"`
	ReconnectDeadline *time.Time      `json:"reconnectDeadline,omitempty"`
}

// NPCState is the room-local record for one NPC.
type NPCState struct {
	NPCID       string         `json:"npcId"`
	CurrentTick int64          `json:"currentTick"`
	Position    *board.Position `json:"position,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// State is the authoritative mutable state of one battle instance. It is
// owned by a single room loop; the handler mutates it synchronously and
// never retains references past a call.
type State struct {
	InstanceID     string
	RulesetVersion string
	Status         InstanceStatus
	Tick           int64
	StartedAt      time.Time
	Players        map[string]*PlayerState
	NPCs           map[string]*NPCState
	Board          *board.Board
	Placement      ruleset.PlacementSpec
}

// NewState builds an active instance state with a board seeded from the
// rule set's initial tiles.
func NewState(instanceID string, rs ruleset.RuleSet, startedAt time.Time) *State {
	b := board.New(rs.Metadata.Board.Width, rs.Metadata.Board.Height)
	for _, tile := range rs.Metadata.Board.InitialTiles {
		// Seed tiles were validated by rule set normalization.
		_ = b.ApplyTilePlacement(board.Position{X: tile.X, Y: tile.Y}, tile.TileType, 0, board.SystemActor)
	}
	return &State{
		InstanceID:     instanceID,
		RulesetVersion: rs.Version,
		Status:         InstanceActive,
		StartedAt:      startedAt,
		Players:        make(map[string]*PlayerState),
		NPCs:           make(map[string]*NPCState),
		Board:          b,
		Placement:      rs.Metadata.Placement,
	}
}

// AdvanceTick moves the instance tick forward to at least target. The tick
// never decreases.
func (s *State) AdvanceTick(target int64) int64 {
	if target > s.Tick {
		s.Tick = target
	}
	return s.Tick
}
