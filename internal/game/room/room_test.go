package room_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/sequence"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
	"github.com/dkirby-ms/tilemud-sub004/internal/ratelimit"
)

type recordingSink struct {
	mu     sync.Mutex
	events []room.Event
}

func (s *recordingSink) Send(event room.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byType(eventType string) []room.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []room.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memoryDurability struct {
	mu      sync.Mutex
	records map[string]room.DurabilityRecord
	nextID  int
	failAll bool
}

func newMemoryDurability() *memoryDurability {
	return &memoryDurability{records: make(map[string]room.DurabilityRecord)}
}

func (d *memoryDurability) key(sessionID string, seq int64) string {
	return fmt.Sprintf("%s:%d", sessionID, seq)
}

func (d *memoryDurability) AppendAction(_ context.Context, in room.AppendInput) (room.DurabilityRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll {
		return room.DurabilityRecord{}, catalog.NewError(catalog.PersistenceFailed)
	}
	key := d.key(in.SessionID, in.SequenceNumber)
	if _, dup := d.records[key]; dup {
		return room.DurabilityRecord{}, catalog.NewError(catalog.PersistenceFailed)
	}
	d.nextID++
	record := room.DurabilityRecord{
		ActionEventID: fmt.Sprintf("evt-%d", d.nextID),
		PersistedAt:   time.Unix(int64(d.nextID), 0),
	}
	d.records[key] = record
	return record, nil
}

func (d *memoryDurability) GetBySessionAndSequence(_ context.Context, sessionID string, seq int64) (room.DurabilityRecord, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.records[d.key(sessionID, seq)]
	return record, ok, nil
}

type fakeReconnect struct {
	mu      sync.Mutex
	created []room.GraceInput
	removed []string
}

func (f *fakeReconnect) CreateGrace(_ context.Context, in room.GraceInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	return nil
}

func (f *fakeReconnect) RemoveGrace(_ context.Context, playerID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, playerID+":"+instanceID)
	return nil
}

type fixture struct {
	room       *room.Room
	sessions   *session.Store
	durability *memoryDurability
	reconnect  *fakeReconnect
	clk        *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(10_000, 0))
	sessions := session.NewStore(clk, nil)
	limiter := ratelimit.New(map[string]config.ChannelConfig{
		action.ChannelTileAction:     {Limit: 20, WindowMs: 10_000},
		action.ChannelChatInInstance: {Limit: 5, WindowMs: 10_000},
	}, ratelimit.NewMemoryStore(), clk, nil)

	rs := ruleset.RuleSet{
		ID:      "rs-1",
		Version: "1.0.0",
		Metadata: ruleset.Metadata{
			MaxPlayers: 2,
			Board:      ruleset.BoardSpec{Width: 8, Height: 8},
			Placement: ruleset.PlacementSpec{
				Adjacency:                   ruleset.AdjacencyNone,
				AllowFirstPlacementAnywhere: true,
			},
		},
	}

	durability := newMemoryDurability()
	reconnect := &fakeReconnect{}
	r := room.New("inst-1", rs, room.Deps{
		Pipeline:    action.NewPipeline(limiter),
		Handler:     action.NewHandler(zap.NewNop()),
		Evaluator:   sequence.NewEvaluator(sessions),
		Durability:  durability,
		Reconnect:   reconnect,
		Clock:       clk,
		Logger:      zap.NewNop(),
		GracePeriod: time.Minute,
	})
	return &fixture{room: r, sessions: sessions, durability: durability, reconnect: reconnect, clk: clk}
}

func (f *fixture) joinPlayer(t *testing.T, playerID, clientID string) *recordingSink {
	t.Helper()
	require.NoError(t, f.sessions.CreateOrUpdate(session.Session{
		ID: playerID, UserID: "u-" + playerID, CharacterID: "c-" + playerID,
		InstanceID: "inst-1", Status: session.StatusActive,
	}))
	sink := &recordingSink{}
	f.room.Attach(clientID, playerID, sink)
	require.NoError(t, f.room.Join(context.Background(), room.JoinOptions{
		PlayerID: playerID, ClientID: clientID, DisplayName: playerID, Initiative: 1,
	}))
	return sink
}

func durableTilePlacement(sessionID string, seq int64, pos board.Position) (room.AppendInput, action.Request) {
	tick := seq * 10
	in := room.AppendInput{
		SessionID:      sessionID,
		UserID:         "u-" + sessionID,
		CharacterID:    "c-" + sessionID,
		SequenceNumber: seq,
		ActionType:     string(action.TypeTilePlacement),
		Payload:        map[string]any{"x": pos.X, "y": pos.Y},
	}
	req := action.Request{
		ID:            fmt.Sprintf("act-%s-%d", sessionID, seq),
		Type:          action.TypeTilePlacement,
		InstanceID:    "inst-1",
		Timestamp:     time.UnixMilli(tick),
		RequestedTick: &tick,
		TilePlacement: &action.TilePlacementPayload{
			PlayerID: sessionID,
			Position: pos,
			TileType: 1,
		},
	}
	return in, req
}

func TestJoin_SendsSnapshotToJoiner(t *testing.T) {
	f := newFixture(t)
	sink := f.joinPlayer(t, "p1", "client-1")

	snaps := sink.byType(room.EventSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, f.room.PlayerCount())
}

func TestJoin_CapacityEnforcedForUnknownPlayers(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")
	f.joinPlayer(t, "p2", "client-2")

	err := f.room.Join(context.Background(), room.JoinOptions{PlayerID: "p3", ClientID: "client-3"})
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.InstanceCapacityReached, ce.Entry.Key)
}

func TestLeaveAndRejoin_GraceRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")

	require.NoError(t, f.room.Leave(context.Background(), "p1", false))
	require.Len(t, f.reconnect.created, 1)
	assert.Equal(t, "p1", f.reconnect.created[0].PlayerID)
	assert.Equal(t, time.Minute, f.reconnect.created[0].GracePeriod)
	assert.Equal(t, 1, f.room.PlayerCount(), "disconnected player stays during grace")

	// Rejoin within grace resumes the same player and clears the record.
	require.NoError(t, f.room.Join(context.Background(), room.JoinOptions{
		PlayerID: "p1", ClientID: "client-1b",
	}))
	assert.Contains(t, f.reconnect.removed, "p1:inst-1")

	view, err := f.room.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, action.PlayerActive, view.Players["p1"].Status)
	assert.Nil(t, view.Players["p1"].ReconnectDeadline)
}

func TestLeave_ConsentedRemovesPlayer(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")

	require.NoError(t, f.room.Leave(context.Background(), "p1", true))
	assert.Equal(t, 0, f.room.PlayerCount())
	assert.Contains(t, f.reconnect.removed, "p1:inst-1")
	assert.Empty(t, f.reconnect.created)
}

func TestSubmitAction_QueuedThenApplied(t *testing.T) {
	f := newFixture(t)
	sink := f.joinPlayer(t, "p1", "client-1")

	tick := int64(50)
	f.room.SubmitAction(context.Background(), "client-1", action.Request{
		ID:            "a1",
		Type:          action.TypeTilePlacement,
		Timestamp:     time.UnixMilli(tick),
		RequestedTick: &tick,
		TilePlacement: &action.TilePlacementPayload{
			Position: board.Position{X: 2, Y: 2},
			TileType: 3,
		},
	})

	require.Len(t, sink.byType(room.EventActionQueued), 1)
	f.room.ProcessActionQueue(context.Background())

	applied := sink.byType(room.EventActionApplied)
	require.Len(t, applied, 1)
	payload := applied[0].Payload.(map[string]any)
	assert.Equal(t, "a1", payload["actionId"])
	assert.Equal(t, int64(50), payload["tick"])

	view, err := f.room.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, 3, view.Board.Cells[2*8+2].TileType)
}

func TestSubmitAction_UnknownClientRejected(t *testing.T) {
	f := newFixture(t)
	sink := &recordingSink{}
	f.room.Attach("stranger", "", sink)
	f.room.Detach("stranger")
	f.room.Attach("watcher", "", sink)

	f.room.SubmitAction(context.Background(), "ghost", action.Request{
		ID: "a1", Type: action.TypeTilePlacement,
	})
	// No sink for the unknown client, so nothing observable; the queue
	// must stay empty.
	f.room.ProcessActionQueue(context.Background())
	assert.Empty(t, sink.byType(room.EventActionApplied))
}

func TestDurableIntent_AppliedAckCarriesDurability(t *testing.T) {
	f := newFixture(t)
	sink := f.joinPlayer(t, "p1", "client-1")

	in, req := durableTilePlacement("p1", 1, board.Position{X: 1, Y: 1})
	ack, err := f.room.ProcessDurableIntent(context.Background(), in, req)
	require.NoError(t, err)
	assert.Equal(t, "applied", ack.Status)
	assert.True(t, ack.Durability.Persisted)
	assert.NotEmpty(t, ack.Durability.ActionEventID)

	last, _ := f.sessions.LastSequence("p1")
	assert.Equal(t, int64(1), last)

	applied := sink.byType(room.EventActionApplied)
	require.Len(t, applied, 1)
	payload := applied[0].Payload.(map[string]any)
	assert.NotEmpty(t, payload["delta"], "board change must broadcast a delta")
}

func TestDurableIntent_DuplicateReturnsOriginalRecord(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")

	in, req := durableTilePlacement("p1", 1, board.Position{X: 1, Y: 1})
	first, err := f.room.ProcessDurableIntent(context.Background(), in, req)
	require.NoError(t, err)

	replay, err := f.room.ProcessDurableIntent(context.Background(), in, req)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", replay.Status)
	assert.Equal(t, first.Durability.ActionEventID, replay.Durability.ActionEventID)
	assert.Equal(t, first.Durability.PersistedAt, replay.Durability.PersistedAt)

	// The duplicate must not have re-applied the placement.
	view, err := f.room.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Board.Cells[1*8+1].TileType)
}

func TestDurableIntent_GapRequiresResync(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")

	in, req := durableTilePlacement("p1", 5, board.Position{X: 1, Y: 1})
	_, err := f.room.ProcessDurableIntent(context.Background(), in, req)
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.SequenceGapDetected, ce.Entry.Key)
	assert.Equal(t, int64(4), ce.Details["missingCount"])

	// A failed intent never advances the acknowledged sequence.
	last, _ := f.sessions.LastSequence("p1")
	assert.Equal(t, int64(0), last)
}

func TestDurableIntent_AppendFailureWithholdsAck(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")
	f.durability.failAll = true

	in, req := durableTilePlacement("p1", 1, board.Position{X: 1, Y: 1})
	_, err := f.room.ProcessDurableIntent(context.Background(), in, req)
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.PersistenceFailed, ce.Entry.Key)

	last, _ := f.sessions.LastSequence("p1")
	assert.Equal(t, int64(0), last, "sequence must not advance without durability")

	// The placement must not survive the failed append.
	view, err := f.room.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, board.EmptyTile, view.Board.Cells[1*8+1].TileType,
		"board must not show state that was never persisted")
}

func TestDurableIntent_RetrySucceedsAfterPersistenceRecovers(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")
	f.durability.failAll = true

	in, req := durableTilePlacement("p1", 1, board.Position{X: 1, Y: 1})
	_, err := f.room.ProcessDurableIntent(context.Background(), in, req)
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.PersistenceFailed, ce.Entry.Key)

	f.durability.failAll = false
	ack, err := f.room.ProcessDurableIntent(context.Background(), in, req)
	require.NoError(t, err, "same intent must apply cleanly once persistence recovers")
	assert.Equal(t, "applied", ack.Status)
	assert.True(t, ack.Durability.Persisted)

	last, _ := f.sessions.LastSequence("p1")
	assert.Equal(t, int64(1), last)

	view, err := f.room.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, view.Board.Cells[1*8+1].TileType)
	assert.Equal(t, "p1", view.Board.Cells[1*8+1].LastUpdatedBy)
}

func TestDurableIntent_TileConflictBetweenPlayers(t *testing.T) {
	f := newFixture(t)
	f.joinPlayer(t, "p1", "client-1")
	f.joinPlayer(t, "p2", "client-2")

	in1, req1 := durableTilePlacement("p1", 1, board.Position{X: 3, Y: 3})
	_, err := f.room.ProcessDurableIntent(context.Background(), in1, req1)
	require.NoError(t, err)

	in2, req2 := durableTilePlacement("p2", 1, board.Position{X: 3, Y: 3})
	_, err = f.room.ProcessDurableIntent(context.Background(), in2, req2)
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.PrecedenceConflict, ce.Entry.Key)

	// The loser's sequence is not consumed; the winner's tile stands.
	last, _ := f.sessions.LastSequence("p2")
	assert.Equal(t, int64(0), last)
	view, err := f.room.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", view.Board.Cells[3*8+3].LastUpdatedBy)
}

func TestClose_RejectsFurtherJoinsAndActions(t *testing.T) {
	f := newFixture(t)
	sink := f.joinPlayer(t, "p1", "client-1")

	f.room.Close()
	require.Len(t, sink.byType(room.EventRoomClosed), 1)

	err := f.room.Join(context.Background(), room.JoinOptions{PlayerID: "p2", ClientID: "client-2"})
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.InstanceTerminated, ce.Entry.Key)

	in, req := durableTilePlacement("p1", 1, board.Position{X: 0, Y: 0})
	_, err = f.room.ProcessDurableIntent(context.Background(), in, req)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.InstanceTerminated, ce.Entry.Key)
}
