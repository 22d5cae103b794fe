package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dkirby-ms/tilemud-sub004/internal/admission"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/action"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/lobby"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/sequence"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
	"github.com/dkirby-ms/tilemud-sub004/internal/gateway"
	"github.com/dkirby-ms/tilemud-sub004/internal/httpapi"
	"github.com/dkirby-ms/tilemud-sub004/internal/protocol"
	"github.com/dkirby-ms/tilemud-sub004/internal/ratelimit"
	"github.com/dkirby-ms/tilemud-sub004/internal/storage/postgres"
)

type fakeOwnership struct {
	owners map[string]string
}

func (f *fakeOwnership) OwnedBy(_ context.Context, characterID, userID string) (bool, error) {
	owner, ok := f.owners[characterID]
	if !ok {
		return false, admission.ErrCharacterNotFound
	}
	return owner == userID, nil
}

// fakeCapacity counts live sessions against a fixed seat map.
type fakeCapacity struct {
	sessions *session.Store
	capacity map[string]int
}

func (f *fakeCapacity) Seats(instanceID string) (int, int, bool) {
	total, ok := f.capacity[instanceID]
	if !ok {
		return 0, 0, false
	}
	occupied := 0
	for _, s := range f.sessions.ListByInstance(instanceID) {
		if s.Status == session.StatusActive || s.Status == session.StatusGrace {
			occupied++
		}
	}
	return occupied, total, true
}

type fakeProfiles struct {
	profiles map[string]postgres.CharacterProfile
}

func (f *fakeProfiles) Get(_ context.Context, characterID string) (postgres.CharacterProfile, error) {
	p, ok := f.profiles[characterID]
	if !ok {
		return postgres.CharacterProfile{}, postgres.ErrProfileNotFound
	}
	return p, nil
}

type memoryDurability struct{}

func (memoryDurability) AppendAction(context.Context, room.AppendInput) (room.DurabilityRecord, error) {
	return room.DurabilityRecord{ActionEventID: "evt-1", PersistedAt: time.Unix(1, 0)}, nil
}

func (memoryDurability) GetBySessionAndSequence(context.Context, string, int64) (room.DurabilityRecord, bool, error) {
	return room.DurabilityRecord{}, false, nil
}

type staticResolver struct {
	room *room.Room
}

func (s *staticResolver) RoomFor(instanceID string) (*room.Room, bool) {
	if instanceID == s.room.InstanceID() {
		return s.room, true
	}
	return nil, false
}

// echoFactory reuses the instance id as the room id without creating a room.
type echoFactory struct{}

func (echoFactory) CreateRoom(instanceID string, _ ruleset.RuleSet) (string, error) {
	return instanceID, nil
}

type fixture struct {
	router   http.Handler
	clk      *clock.Fake
	cfg      config.Config
	sessions *session.Store
	drain    *admission.Drain
	room     *room.Room
	verifier *httpapi.JWTVerifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(10_000, 0))
	logger := zaptest.NewLogger(t)
	cfg := config.Default()

	sessions := session.NewStore(clk, nil)
	queue := admission.NewQueue(cfg.Admission.MaxQueueLength, clk, nil)
	tokens := admission.NewConfirmationTokens(clk, admission.DefaultConfirmationTTL)
	drain := admission.NewDrain()
	limiter := ratelimit.New(map[string]config.ChannelConfig{
		action.ChannelTileAction:     {Limit: 20, WindowMs: 10_000},
		action.ChannelChatInInstance: {Limit: 5, WindowMs: 10_000},
	}, ratelimit.NewMemoryStore(), clk, nil)
	verifier := httpapi.NewJWTVerifier(config.AuthConfig{JWTSecret: "test-secret"})

	ownership := &fakeOwnership{owners: map[string]string{
		"char-1": "user-1",
		"char-2": "user-2",
		"char-3": "user-3",
	}}
	capacity := &fakeCapacity{sessions: sessions, capacity: map[string]int{"inst-1": 2}}

	controller := admission.NewController(admission.Deps{
		Config:    cfg.Admission,
		Server:    cfg.Server,
		Verifier:  verifier,
		Ownership: ownership,
		Limiter:   limiter,
		Drain:     drain,
		Sessions:  sessions,
		Queue:     queue,
		Tokens:    tokens,
		Capacity:  capacity,
		Clock:     clk,
		Logger:    logger,
	})

	rs := ruleset.RuleSet{
		ID:      "rs-1",
		Version: "1.0.0",
		Metadata: ruleset.Metadata{
			MaxPlayers: 4,
			Board:      ruleset.BoardSpec{Width: 8, Height: 8},
			Placement: ruleset.PlacementSpec{
				Adjacency:                   ruleset.AdjacencyNone,
				AllowFirstPlacementAnywhere: true,
			},
		},
	}
	evaluator := sequence.NewEvaluator(sessions)
	rm := room.New("inst-1", rs, room.Deps{
		Pipeline:    action.NewPipeline(limiter),
		Handler:     action.NewHandler(logger),
		Evaluator:   evaluator,
		Durability:  memoryDurability{},
		Clock:       clk,
		Logger:      logger,
		GracePeriod: time.Minute,
	})
	resolver := &staticResolver{room: rm}
	gw := gateway.New(sessions, evaluator, resolver, nil, clk, "1.0.0", logger, nil)

	rulesets := ruleset.NewService(ruleset.DefaultLimits, clk, logger)
	_, err := rulesets.Publish("1.0.0", rs.Metadata)
	require.NoError(t, err)
	battleLobby := lobby.New(rulesets, echoFactory{}, clk, logger)

	profiles := &fakeProfiles{profiles: map[string]postgres.CharacterProfile{
		"char-1": {
			CharacterID: "char-1",
			UserID:      "user-1",
			DisplayName: "Aster",
			PositionX:   2,
			PositionY:   3,
			Health:      100,
			Stats:       map[string]any{"strength": float64(7)},
			Inventory:   map[string]any{"slots": []any{"torch"}},
		},
		"char-2": {CharacterID: "char-2", UserID: "user-2", DisplayName: "Briar"},
	}}

	srv := httpapi.NewServer(httpapi.Deps{
		Config:      cfg,
		Controller:  controller,
		Drain:       drain,
		Queue:       queue,
		Sessions:    sessions,
		Capacity:    capacity,
		Connections: gw,
		Profiles:    profiles,
		Verifier:    verifier,
		Rooms:       resolver,
		Gateway:     gw,
		Lobby:       battleLobby,
		Clock:       clk,
		Logger:      logger,
	})
	return &fixture{
		router:   srv.Router(),
		clk:      clk,
		cfg:      cfg,
		sessions: sessions,
		drain:    drain,
		room:     rm,
		verifier: verifier,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) connect(t *testing.T, user, character string, extra map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := f.verifier.Sign(user)
	require.NoError(t, err)
	body := map[string]any{"characterId": character, "clientVersion": "1.0.0"}
	for k, v := range extra {
		body[k] = v
	}
	return f.do(t, http.MethodPost, "/instances/inst-1/connect", token, body)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestConnect_Success(t *testing.T) {
	f := setup(t)
	w := f.connect(t, "user-1", "char-1", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "success", body["outcome"])
	assert.Equal(t, "CONNECTED", body["uiState"])
	assert.Equal(t, "NONE", body["nextAction"])
	assert.NotEmpty(t, body["sessionId"])
	assert.NotEmpty(t, body["reconnectionToken"])
	assert.Contains(t, body["websocketUrl"], "/instances/inst-1/ws")

	cc, ok := body["connectionConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(f.cfg.Session.HeartbeatIntervalMs), cc["heartbeatInterval"])
	assert.Equal(t, float64(f.cfg.Session.ReconnectDelayMs), cc["reconnectDelay"])
	assert.Equal(t, float64(f.cfg.Session.MaxReconnectAttempts), cc["maxReconnectAttempts"])

	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))
	assert.NotEmpty(t, w.Header().Get("X-Response-Time"))
	assert.Equal(t, "10000ms", w.Header().Get("X-Admission-Timeout"))
}

func TestConnect_MissingBearer(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodPost, "/instances/inst-1/connect", "",
		map[string]any{"characterId": "char-1", "clientVersion": "1.0.0"})

	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "failed", body["outcome"])
	assert.Equal(t, "authentication_required", body["reason"])
	assert.Equal(t, "LOGIN", body["nextAction"])
	assert.Equal(t, "ERROR", body["uiState"])
	assert.NotEmpty(t, body["userMessage"])
}

func TestConnect_VersionMismatch(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-1")
	require.NoError(t, err)
	w := f.do(t, http.MethodPost, "/instances/inst-1/connect", token,
		map[string]any{"characterId": "char-1", "clientVersion": "9.9.9"})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "version_mismatch", body["reason"])
	assert.Equal(t, "UPGRADE", body["nextAction"])
}

func TestConnect_UnknownInstance(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-1")
	require.NoError(t, err)
	w := f.do(t, http.MethodPost, "/instances/ghost/connect", token,
		map[string]any{"characterId": "char-1", "clientVersion": "1.0.0"})

	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "not_found", body["reason"])
}

func TestConnect_QueuedWhenFull(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.connect(t, "user-1", "char-1", nil).Code)
	require.Equal(t, http.StatusOK, f.connect(t, "user-2", "char-2", nil).Code)

	w := f.connect(t, "user-3", "char-3", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "queued", body["outcome"])
	assert.Equal(t, float64(1), body["position"])
	assert.Equal(t, "QUEUED", body["uiState"])
	assert.Equal(t, "WAIT", body["nextAction"])
	assert.NotEmpty(t, body["sessionId"])
	assert.Greater(t, body["estimatedWait"], float64(0))
}

func TestConnect_ReplacementFlow(t *testing.T) {
	f := setup(t)
	first := decodeBody[map[string]any](t, f.connect(t, "user-1", "char-1", nil))
	originalSession := first["sessionId"].(string)

	w := f.connect(t, "user-1", "char-1", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	conflict := decodeBody[map[string]any](t, w)
	assert.Equal(t, "already_in_session", conflict["reason"])
	assert.Equal(t, "REPLACEMENT_PROMPT", conflict["uiState"])
	assert.Equal(t, "CONFIRM", conflict["nextAction"])

	existing, ok := conflict["existingSession"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, originalSession, existing["sessionId"])

	options, ok := conflict["replacementOptions"].(map[string]any)
	require.True(t, ok)
	confirmation := options["confirmationToken"].(string)
	require.NotEmpty(t, confirmation)

	w = f.connect(t, "user-1", "char-1", map[string]any{
		"replaceExisting":   true,
		"confirmationToken": confirmation,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replaced := decodeBody[map[string]any](t, w)
	assert.NotEqual(t, originalSession, replaced["sessionId"])

	_, stillThere := f.sessions.Get(originalSession)
	assert.False(t, stillThere)
}

func TestConnect_RateLimited(t *testing.T) {
	f := setup(t)
	var last *httptest.ResponseRecorder
	for i := 0; i < f.cfg.Admission.RateLimit+1; i++ {
		last = f.connect(t, "user-1", "char-1", nil)
	}

	require.Equal(t, http.StatusTooManyRequests, last.Code)
	body := decodeBody[map[string]any](t, last)
	assert.Equal(t, "rate_limited", body["reason"])
	assert.Equal(t, "WAIT", body["nextAction"])
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, last.Header().Get("X-RateLimit-Reset"))
}

func TestConnect_DrainMode(t *testing.T) {
	f := setup(t)
	f.drain.Enable(f.clk.Now().Add(10 * time.Minute))

	w := f.connect(t, "user-3", "char-3", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "maintenance", body["reason"])
	assert.Equal(t, "WAIT", body["nextAction"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	info, ok := body["maintenanceInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "drain", info["type"])
	assert.Equal(t, true, info["allowsQueueProcessing"])
	assert.Equal(t, false, info["acceptsNewConnections"])

	// Queue status stays reachable while draining.
	status := f.do(t, http.MethodGet, "/instances/inst-1/queue/status", "", map[string]any{})
	require.Equal(t, http.StatusOK, status.Code)
	statusBody := decodeBody[map[string]any](t, status)
	assert.Equal(t, true, statusBody["drainMode"])
}

func TestQueueStatus_ReportsStanding(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.connect(t, "user-1", "char-1", nil).Code)
	require.Equal(t, http.StatusOK, f.connect(t, "user-2", "char-2", nil).Code)
	require.Equal(t, http.StatusAccepted, f.connect(t, "user-3", "char-3", nil).Code)

	w := f.do(t, http.MethodGet, "/instances/inst-1/queue/status?characterId=char-3", "", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, float64(1), body["position"])
	assert.Greater(t, body["estimatedWait"], float64(0))
	assert.Equal(t, float64(1), body["queueLength"])
	assert.Equal(t, float64(2), body["serverCapacity"])
	assert.Equal(t, float64(0), body["activeConnections"])
}

func TestQueueStatus_UnknownInstance(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/instances/ghost/queue/status", "", map[string]any{})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBootstrap_ReturnsFullState(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.connect(t, "user-1", "char-1", nil).Code)
	token, err := f.verifier.Sign("user-1")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/session/bootstrap", token,
		map[string]any{"characterId": "char-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "1.0", body["version"])
	assert.NotEmpty(t, body["issuedAt"])

	sess, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user-1", sess["userId"])
	assert.Equal(t, "active", sess["status"])
	assert.Equal(t, float64(0), sess["lastSequenceNumber"])

	state := body["state"].(map[string]any)
	character := state["character"].(map[string]any)
	assert.Equal(t, "char-1", character["characterId"])
	assert.Equal(t, "Aster", character["displayName"])
	position := character["position"].(map[string]any)
	assert.Equal(t, float64(2), position["x"])
	assert.Equal(t, float64(3), position["y"])

	rec := body["reconnect"].(map[string]any)
	assert.NotEmpty(t, rec["token"])
	assert.NotEmpty(t, rec["expiresAt"])

	realtime, ok := body["realtime"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "inst-1", realtime["roomId"])
}

func TestBootstrap_RejectsOtherUsersCharacter(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-2")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/session/bootstrap", token,
		map[string]any{"characterId": "char-1"})
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "character_not_owned", body["reason"])
}

func TestBootstrap_UnknownCharacter(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-1")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/session/bootstrap", token,
		map[string]any{"characterId": "nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "character_not_found", body["reason"])
}

func TestBootstrap_WithoutActiveSession(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-2")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/session/bootstrap", token,
		map[string]any{"characterId": "char-2"})
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "session_not_found", body["reason"])
}

func TestBootstrap_MissingBearer(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodPost, "/api/session/bootstrap", "",
		map[string]any{"characterId": "char-1"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLobbyJoin_AllocatesFreshInstance(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-1")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/lobby/join", token,
		map[string]any{"mode": "solo", "rulesetVersion": "1.0.0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody[map[string]any](t, w)
	assert.NotEmpty(t, body["instanceId"])
	assert.Equal(t, body["instanceId"], body["roomId"])
	assert.Equal(t, "1.0.0", body["rulesetVersion"])
	assert.Equal(t, float64(4), body["maxPlayers"])
	assert.Equal(t, true, body["fresh"])
}

func TestLobbyJoin_MatchmakingReusesOpenInstance(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-1")
	require.NoError(t, err)

	first := decodeBody[map[string]any](t, f.do(t, http.MethodPost, "/lobby/join", token,
		map[string]any{"mode": "matchmaking"}))
	require.NotEmpty(t, first["instanceId"])
	assert.Equal(t, true, first["fresh"])

	w := f.do(t, http.MethodPost, "/lobby/join", token,
		map[string]any{"mode": "matchmaking"})
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeBody[map[string]any](t, w)
	assert.Equal(t, first["instanceId"], second["instanceId"])
	assert.NotEqual(t, true, second["fresh"])
}

func TestLobbyJoin_UnknownRulesetVersion(t *testing.T) {
	f := setup(t)
	token, err := f.verifier.Sign("user-1")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/lobby/join", token,
		map[string]any{"mode": "solo", "rulesetVersion": "9.9.9"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLobbyJoin_MissingBearer(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodPost, "/lobby/join", "", map[string]any{"mode": "solo"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebsocket_MissingSessionParam(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/instances/inst-1/ws", "", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebsocket_UnknownSession(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := strings.Replace(srv.URL, "http", "ws", 1) + "/instances/inst-1/ws?sessionId=ghost"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeEventError, env.Type)

	event := struct {
		Code string `json:"code"`
	}{}
	require.NoError(t, json.Unmarshal(env.Payload, &event))
	assert.Equal(t, "session_not_found", event.Code)
}
