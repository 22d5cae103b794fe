// Package snapshot serializes battle room state into immutable values,
// projects per-player views, and computes board deltas for broadcast.
package snapshot

import (
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
)

// BoardView is the serialized board: dimensions plus the row-major cells.
type BoardView struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Cells  []board.Cell `json:"cells"`
}

// Snapshot is a pure value capturing one instant of room state. Snapshots
// are deep-cloned on the way out; callers may mutate freely.
type Snapshot struct {
	InstanceID     string                        `json:"instanceId"`
	RulesetVersion string                        `json:"rulesetVersion"`
	Status         action.InstanceStatus         `json:"status"`
	Tick           int64                         `json:"tick"`
	StartedAt      time.Time                     `json:"startedAt"`
	Timestamp      time.Time                     `json:"timestamp"`
	Board          BoardView                     `json:"board"`
	Players        map[string]action.PlayerState `json:"players"`
	NPCs           map[string]action.NPCState    `json:"npcs"`
	PendingActions []action.PendingSummary       `json:"pendingActions"`
}

// CellDelta is one changed board cell, addressed by row-major index.
type CellDelta struct {
	Index    int   `json:"index"`
	TileType int   `json:"tileType"`
	Tick     int64 `json:"tick"`
}

// Create captures state and the pending queue into a Snapshot.
//
// Postcondition: The returned value shares no memory with state.
func Create(state *action.State, pending []action.PendingSummary, now time.Time) Snapshot {
	snap := Snapshot{
		InstanceID:     state.InstanceID,
		RulesetVersion: state.RulesetVersion,
		Status:         state.Status,
		Tick:           state.Tick,
		StartedAt:      state.StartedAt,
		Timestamp:      now,
		Board: BoardView{
			Width:  state.Board.Width(),
			Height: state.Board.Height(),
			Cells:  state.Board.Cells(),
		},
		Players:        make(map[string]action.PlayerState, len(state.Players)),
		NPCs:           make(map[string]action.NPCState, len(state.NPCs)),
		PendingActions: append([]action.PendingSummary(nil), pending...),
	}
	for id, player := range state.Players {
		snap.Players[id] = clonePlayer(*player)
	}
	for id, npc := range state.NPCs {
		snap.NPCs[id] = cloneNPC(*npc)
	}
	return snap
}

// ExtractPlayerView projects snap for one viewer. The viewer's own entry is
// included verbatim. Other players appear only while active, with their
// lastActionTick zeroed and reconnect deadline removed.
//
// Precondition: viewerID must exist in the snapshot.
func ExtractPlayerView(snap Snapshot, viewerID string) (Snapshot, error) {
	viewer, ok := snap.Players[viewerID]
	if !ok {
		return Snapshot{}, catalog.NewError(catalog.NotFound).
			WithDetails("viewerId", viewerID)
	}

	view := Clone(snap)
	view.Players = map[string]action.PlayerState{viewerID: clonePlayer(viewer)}
	for id, player := range snap.Players {
		if id == viewerID || player.Status != action.PlayerActive {
			continue
		}
		redacted := clonePlayer(player)
		redacted.LastActionTick = 0
		redacted.ReconnectDeadline = nil
		view.Players[id] = redacted
	}
	return view, nil
}

// ComputeBoardDelta lists every cell whose tile type or last-updated tick
// differs between old and new.
//
// Precondition: old and new must have identical dimensions.
func ComputeBoardDelta(oldView, newView BoardView) ([]CellDelta, error) {
	if oldView.Width != newView.Width || oldView.Height != newView.Height {
		return nil, catalog.NewError(catalog.BoardSizeMismatch).
			WithDetails("oldWidth", oldView.Width).
			WithDetails("oldHeight", oldView.Height).
			WithDetails("newWidth", newView.Width).
			WithDetails("newHeight", newView.Height)
	}

	var deltas []CellDelta
	for i := range newView.Cells {
		if oldView.Cells[i].TileType != newView.Cells[i].TileType ||
			oldView.Cells[i].LastUpdatedTick != newView.Cells[i].LastUpdatedTick {
			deltas = append(deltas, CellDelta{
				Index:    i,
				TileType: newView.Cells[i].TileType,
				Tick:     newView.Cells[i].LastUpdatedTick,
			})
		}
	}
	return deltas, nil
}

// ApplyDelta writes deltas into a copy of view and returns it.
func ApplyDelta(view BoardView, deltas []CellDelta) BoardView {
	out := BoardView{
		Width:  view.Width,
		Height: view.Height,
		Cells:  append([]board.Cell(nil), view.Cells...),
	}
	for _, d := range deltas {
		if d.Index < 0 || d.Index >= len(out.Cells) {
			continue
		}
		out.Cells[d.Index].TileType = d.TileType
		out.Cells[d.Index].LastUpdatedTick = d.Tick
	}
	return out
}

// Clone returns a deep copy of snap.
func Clone(snap Snapshot) Snapshot {
	out := snap
	out.Board.Cells = append([]board.Cell(nil), snap.Board.Cells...)
	out.Players = make(map[string]action.PlayerState, len(snap.Players))
	for id, player := range snap.Players {
		out.Players[id] = clonePlayer(player)
	}
	out.NPCs = make(map[string]action.NPCState, len(snap.NPCs))
	for id, npc := range snap.NPCs {
		out.NPCs[id] = cloneNPC(npc)
	}
	out.PendingActions = append([]action.PendingSummary(nil), snap.PendingActions...)
	return out
}

func clonePlayer(p action.PlayerState) action.PlayerState {
	if p.Position != nil {
		pos := *p.Position
		p.Position = &pos
	}
	if p.ReconnectDeadline != nil {
		deadline := *p.ReconnectDeadline
		p.ReconnectDeadline = &deadline
	}
	return p
}

func cloneNPC(n action.NPCState) action.NPCState {
	if n.Position != nil {
		pos := *n.Position
		n.Position = &pos
	}
	if n.Metadata != nil {
		meta := make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			meta[k] = v
		}
		n.Metadata = meta
	}
	return n
}
