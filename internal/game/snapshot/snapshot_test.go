package snapshot_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/snapshot"
)

func testState(t *testing.T) *action.State {
	t.Helper()
	rs := ruleset.RuleSet{
		Version: "1.0.0",
		Metadata: ruleset.Metadata{
			MaxPlayers: 8,
			Board:      ruleset.BoardSpec{Width: 6, Height: 6},
			Placement:  ruleset.PlacementSpec{Adjacency: ruleset.AdjacencyNone},
		},
	}
	state := action.NewState("inst-1", rs, time.Unix(100, 0))
	deadline := time.Unix(900, 0)
	state.Players["viewer"] = &action.PlayerState{
		SessionID: "viewer", Status: action.PlayerActive, LastActionTick: 40, Initiative: 2,
	}
	state.Players["peer"] = &action.PlayerState{
		SessionID: "peer", Status: action.PlayerActive, LastActionTick: 55, Initiative: 1,
	}
	state.Players["gone"] = &action.PlayerState{
		SessionID: "gone", Status: action.PlayerDisconnected,
		LastActionTick: 60, ReconnectDeadline: &deadline,
	}
	state.NPCs["npc-1"] = &action.NPCState{
		NPCID: "npc-1", CurrentTick: 9, Metadata: map[string]any{"lastEventType": "spawned"},
	}
	state.AdvanceTick(60)
	require.NoError(t, state.Board.ApplyTilePlacement(board.Position{X: 1, Y: 1}, 4, 40, "viewer"))
	return state
}

func TestCreate_CapturesStateDeeply(t *testing.T) {
	state := testState(t)
	now := time.Unix(200, 0)
	pending := []action.PendingSummary{{ActionID: "a1", Type: action.TypeTilePlacement, EnqueuedAt: now}}

	snap := snapshot.Create(state, pending, now)
	assert.Equal(t, "inst-1", snap.InstanceID)
	assert.Equal(t, int64(60), snap.Tick)
	assert.Equal(t, now, snap.Timestamp)
	assert.Len(t, snap.Players, 3)
	assert.Len(t, snap.PendingActions, 1)
	assert.Equal(t, 4, snap.Board.Cells[1*6+1].TileType)

	// Mutating the snapshot must not touch room state.
	snap.Board.Cells[0].TileType = 99
	player := snap.Players["viewer"]
	player.LastActionTick = 999
	snap.Players["viewer"] = player
	snap.NPCs["npc-1"].Metadata["lastEventType"] = "mutated"

	cell, _ := state.Board.GetCell(board.Position{X: 0, Y: 0})
	assert.True(t, cell.Empty())
	assert.Equal(t, int64(40), state.Players["viewer"].LastActionTick)
	assert.Equal(t, "spawned", state.NPCs["npc-1"].Metadata["lastEventType"])
}

func TestExtractPlayerView_RedactsOtherPlayers(t *testing.T) {
	state := testState(t)
	snap := snapshot.Create(state, nil, time.Unix(200, 0))

	view, err := snapshot.ExtractPlayerView(snap, "viewer")
	require.NoError(t, err)

	// Viewer verbatim.
	assert.Equal(t, int64(40), view.Players["viewer"].LastActionTick)

	// Active peer redacted.
	peer, ok := view.Players["peer"]
	require.True(t, ok)
	assert.Equal(t, int64(0), peer.LastActionTick)
	assert.Nil(t, peer.ReconnectDeadline)

	// Disconnected player excluded entirely.
	_, ok = view.Players["gone"]
	assert.False(t, ok)

	// Public state intact.
	assert.Equal(t, snap.Board, view.Board)
	assert.Len(t, view.NPCs, 1)
}

func TestExtractPlayerView_UnknownViewer(t *testing.T) {
	state := testState(t)
	snap := snapshot.Create(state, nil, time.Unix(200, 0))

	_, err := snapshot.ExtractPlayerView(snap, "nobody")
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.NotFound, ce.Entry.Key)
}

func TestComputeBoardDelta_ChangedCellsOnly(t *testing.T) {
	state := testState(t)
	before := snapshot.Create(state, nil, time.Unix(200, 0))

	require.NoError(t, state.Board.ApplyTilePlacement(board.Position{X: 3, Y: 2}, 7, 61, "peer"))
	after := snapshot.Create(state, nil, time.Unix(201, 0))

	deltas, err := snapshot.ComputeBoardDelta(before.Board, after.Board)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, 2*6+3, deltas[0].Index)
	assert.Equal(t, 7, deltas[0].TileType)
	assert.Equal(t, int64(61), deltas[0].Tick)
}

func TestComputeBoardDelta_SizeMismatch(t *testing.T) {
	a := snapshot.BoardView{Width: 4, Height: 4, Cells: make([]board.Cell, 16)}
	b := snapshot.BoardView{Width: 5, Height: 4, Cells: make([]board.Cell, 20)}

	_, err := snapshot.ComputeBoardDelta(a, b)
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.BoardSizeMismatch, ce.Entry.Key)
}

func TestProperty_DeltaRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		width := rapid.IntRange(1, 12).Draw(t, "width")
		height := rapid.IntRange(1, 12).Draw(t, "height")

		before := board.New(width, height)
		after := board.New(width, height)

		// Shared history, then divergence.
		n := rapid.IntRange(0, width*height/2+1).Draw(t, "shared")
		for i := 0; i < n; i++ {
			pos := board.Position{
				X: rapid.IntRange(0, width-1).Draw(t, "sx"),
				Y: rapid.IntRange(0, height-1).Draw(t, "sy"),
			}
			_ = before.ApplyTilePlacement(pos, 1, int64(i), "s")
			_ = after.ApplyTilePlacement(pos, 1, int64(i), "s")
		}
		m := rapid.IntRange(0, width*height/2+1).Draw(t, "diverged")
		for i := 0; i < m; i++ {
			pos := board.Position{
				X: rapid.IntRange(0, width-1).Draw(t, "dx"),
				Y: rapid.IntRange(0, height-1).Draw(t, "dy"),
			}
			_ = after.ApplyTilePlacement(pos, 2, int64(100+i), "s")
		}

		oldView := snapshot.BoardView{Width: width, Height: height, Cells: before.Cells()}
		newView := snapshot.BoardView{Width: width, Height: height, Cells: after.Cells()}

		deltas, err := snapshot.ComputeBoardDelta(oldView, newView)
		if err != nil {
			t.Fatal(err)
		}
		patched := snapshot.ApplyDelta(oldView, deltas)
		for i := range newView.Cells {
			if patched.Cells[i].TileType != newView.Cells[i].TileType ||
				patched.Cells[i].LastUpdatedTick != newView.Cells[i].LastUpdatedTick {
				t.Fatalf("cell %d: patched %+v, want %+v", i, patched.Cells[i], newView.Cells[i])
			}
		}
	})
}
