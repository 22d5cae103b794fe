// Package httpapi exposes the admission, queue status, session bootstrap,
// and websocket upgrade endpoints over chi. Every admission response
// carries correlation, timing, and rate-limit headers plus the uiState,
// userMessage, and nextAction hints clients render directly.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/admission"
	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/config"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/lobby"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
	"github.com/dkirby-ms/tilemud-sub004/internal/gateway"
	"github.com/dkirby-ms/tilemud-sub004/internal/protocol"
	"github.com/dkirby-ms/tilemud-sub004/internal/reconnect"
	"github.com/dkirby-ms/tilemud-sub004/internal/storage/postgres"
)

// UI states advertised to the client shell.
const (
	UIStateConnecting        = "CONNECTING"
	UIStateConnected         = "CONNECTED"
	UIStateQueued            = "QUEUED"
	UIStateReplacementPrompt = "REPLACEMENT_PROMPT"
	UIStateError             = "ERROR"
)

// Next actions the client shell is guided toward.
const (
	NextActionWait     = "WAIT"
	NextActionRedirect = "REDIRECT"
	NextActionRetry    = "RETRY"
	NextActionUpgrade  = "UPGRADE"
	NextActionLogin    = "LOGIN"
	NextActionConfirm  = "CONFIRM"
	NextActionNone     = "NONE"
)

// bootstrapVersion labels the bootstrap payload shape.
const bootstrapVersion = "1.0"

// maintenanceRetryAfter is advertised when drain mode gives no estimate.
const maintenanceRetryAfter = 30 * time.Second

// confirmationTokenTTLSeconds is surfaced in replacementOptions.
const confirmationTokenTTLSeconds = 60

// ProfileStore loads character profiles for bootstrap and ownership checks.
type ProfileStore interface {
	Get(ctx context.Context, characterID string) (postgres.CharacterProfile, error)
}

// ConnectionCounter reports attached realtime connections.
type ConnectionCounter interface {
	ClientCount() int
}

// Deps carries the server's collaborators. Reconnects and Gateway may be
// nil; the endpoints depending on them degrade gracefully.
type Deps struct {
	Config      config.Config
	Controller  *admission.Controller
	Drain       *admission.Drain
	Queue       *admission.Queue
	Sessions    *session.Store
	Capacity    admission.CapacityProvider
	Connections ConnectionCounter
	Profiles    ProfileStore
	Verifier    *JWTVerifier
	Reconnects  *reconnect.Service
	Rooms       gateway.RoomResolver
	Gateway     *gateway.Gateway
	Lobby       *lobby.Lobby
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Server is the HTTP front of the realtime backend.
type Server struct {
	cfg         config.Config
	controller  *admission.Controller
	drain       *admission.Drain
	queue       *admission.Queue
	sessions    *session.Store
	capacity    admission.CapacityProvider
	connections ConnectionCounter
	profiles    ProfileStore
	verifier    *JWTVerifier
	reconnects  *reconnect.Service
	rooms       gateway.RoomResolver
	gw          *gateway.Gateway
	lobby       *lobby.Lobby
	clk         clock.Clock
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// NewServer creates the HTTP server.
//
// Precondition: Config, Controller, Drain, Queue, Sessions, Capacity,
// Verifier, Clock, and Logger must be set.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:         d.Config,
		controller:  d.Controller,
		drain:       d.Drain,
		queue:       d.Queue,
		sessions:    d.Sessions,
		capacity:    d.Capacity,
		connections: d.Connections,
		profiles:    d.Profiles,
		verifier:    d.Verifier,
		reconnects:  d.Reconnects,
		rooms:       d.Rooms,
		gw:          d.Gateway,
		lobby:       d.Lobby,
		clk:         d.Clock,
		logger:      d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/instances/{instanceID}", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)
		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/ws", s.handleWebsocket)
	})
	r.Post("/lobby/join", s.handleLobbyJoin)
	r.Post("/api/session/bootstrap", s.handleBootstrap)
	return r
}

type connectRequest struct {
	CharacterID       string `json:"characterId"`
	ClientVersion     string `json:"clientVersion"`
	ReconnectionToken string `json:"reconnectionToken,omitempty"`
	ReplaceExisting   bool   `json:"replaceExisting,omitempty"`
	ConfirmationToken string `json:"confirmationToken,omitempty"`
}

type connectionConfig struct {
	HeartbeatInterval    int `json:"heartbeatInterval"`
	ReconnectDelay       int `json:"reconnectDelay"`
	MaxReconnectAttempts int `json:"maxReconnectAttempts"`
}

type successResponse struct {
	Outcome           string           `json:"outcome"`
	SessionID         string           `json:"sessionId"`
	ReconnectionToken string           `json:"reconnectionToken"`
	UIState           string           `json:"uiState"`
	UserMessage       string           `json:"userMessage"`
	NextAction        string           `json:"nextAction"`
	WebsocketURL      string           `json:"websocketUrl"`
	ConnectionConfig  connectionConfig `json:"connectionConfig"`
}

type queuedResponse struct {
	Outcome       string `json:"outcome"`
	Position      int    `json:"position"`
	EstimatedWait int64  `json:"estimatedWait"`
	SessionID     string `json:"sessionId"`
	UIState       string `json:"uiState"`
	UserMessage   string `json:"userMessage"`
	NextAction    string `json:"nextAction"`
}

type errorBody struct {
	NumericCode string         `json:"numericCode"`
	Reason      string         `json:"reason"`
	Category    string         `json:"category"`
	Retryable   bool           `json:"retryable"`
	Details     map[string]any `json:"details,omitempty"`
}

type replacementOptions struct {
	ConfirmationToken string `json:"confirmationToken"`
	ExpiresInSeconds  int    `json:"expiresInSeconds"`
}

type failedResponse struct {
	Outcome            string                     `json:"outcome"`
	Reason             string                     `json:"reason"`
	UIState            string                     `json:"uiState"`
	UserMessage        string                     `json:"userMessage"`
	NextAction         string                     `json:"nextAction"`
	Error              errorBody                  `json:"error"`
	CorrelationID      string                     `json:"correlationId,omitempty"`
	RetryAfter         int64                      `json:"retryAfter,omitempty"`
	ExistingSession    *admission.SessionSummary  `json:"existingSession,omitempty"`
	ReplacementOptions *replacementOptions        `json:"replacementOptions,omitempty"`
	MaintenanceInfo    *admission.MaintenanceInfo `json:"maintenanceInfo,omitempty"`
}

// handleConnect drives one admission attempt, or a grace resumption when
// the body presents a reconnection token.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")

	var body connectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeCatalogError(w, http.StatusBadRequest, uuid.NewString(),
			catalog.NewError(catalog.InvalidRequest).WithDetails("reason", "malformed body"))
		return
	}

	if body.ReconnectionToken != "" {
		s.handleResume(w, r, instanceID, body)
		return
	}

	out := s.controller.Attempt(r.Context(), admission.Request{
		AuthToken:        bearerToken(r),
		ClientBuild:      body.ClientVersion,
		ProtocolVersion:  body.ClientVersion,
		CharacterID:      body.CharacterID,
		InstanceID:       instanceID,
		RemoteIP:         remoteIP(r),
		AllowReplacement: body.ReplaceExisting,
		ReplacementToken: body.ConfirmationToken,
	})

	switch out.Status {
	case admission.StatusSuccess:
		s.joinRoom(r.Context(), instanceID, body.CharacterID)
		s.admissionHeaders(w, out, http.StatusOK)
		writeJSON(w, http.StatusOK, successResponse{
			Outcome:           "success",
			SessionID:         out.SessionID,
			ReconnectionToken: out.ReconnectToken,
			UIState:           UIStateConnected,
			UserMessage:       "Connected. Entering the battle.",
			NextAction:        NextActionNone,
			WebsocketURL:      s.websocketURL(r, instanceID),
			ConnectionConfig:  s.connectionConfig(),
		})
	case admission.StatusQueued:
		s.admissionHeaders(w, out, http.StatusAccepted)
		writeJSON(w, http.StatusAccepted, queuedResponse{
			Outcome:       "queued",
			Position:      out.Position,
			EstimatedWait: int64(out.EstimatedWait.Seconds()),
			SessionID:     out.SessionID,
			UIState:       UIStateQueued,
			UserMessage:   "The battle is full. You are in the waiting queue.",
			NextAction:    NextActionWait,
		})
	default:
		status := statusForReason(out.Reason)
		s.admissionHeaders(w, out, status)
		writeJSON(w, status, s.failedBody(out))
	}
}

// handleResume redeems a reconnection token inside the grace window. The
// stored token must match the presented one; anything else is answered as
// an expired grace window.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, instanceID string, body connectRequest) {
	correlationID := uuid.NewString()
	if s.reconnects == nil {
		s.writeCatalogError(w, http.StatusGone, correlationID,
			catalog.NewError(catalog.GracePeriodExpired).WithDetails("characterId", body.CharacterID))
		return
	}
	if _, err := s.verifier.Verify(r.Context(), bearerToken(r)); err != nil {
		s.writeCatalogError(w, http.StatusUnauthorized, correlationID,
			catalog.NewError(catalog.AuthenticationRequired))
		return
	}

	record, found, err := s.reconnects.FindByPlayer(r.Context(), body.CharacterID)
	if err != nil {
		s.writeCatalogError(w, http.StatusInternalServerError, correlationID,
			catalog.WrapError(catalog.InternalError, err))
		return
	}
	if !found || record.InstanceID != instanceID || record.Token != body.ReconnectionToken {
		s.writeCatalogError(w, http.StatusGone, correlationID,
			catalog.NewError(catalog.GracePeriodExpired).WithDetails("characterId", body.CharacterID))
		return
	}

	resumed, err := s.reconnects.AttemptReconnect(r.Context(), reconnect.ReconnectInput{
		PlayerID:     body.CharacterID,
		InstanceID:   instanceID,
		NewSessionID: uuid.NewString(),
	})
	if err != nil {
		ce := catalog.AsCatalog(err)
		s.writeCatalogError(w, statusForReason(ce.Entry.Key), correlationID, ce)
		return
	}

	// Rotate the in-memory session to the new id, carrying the acknowledged
	// sequence across the disconnect.
	if prev, ok := s.sessions.Get(record.SessionID); ok {
		_ = s.sessions.Remove(prev.ID)
		prev.ID = resumed.SessionID
		prev.Status = session.StatusActive
		prev.GraceExpiresAt = time.Time{}
		if err := s.sessions.CreateOrUpdate(prev); err != nil {
			s.writeCatalogError(w, http.StatusInternalServerError, correlationID,
				catalog.AsCatalog(err))
			return
		}
	}

	s.joinRoom(r.Context(), instanceID, body.CharacterID)

	w.Header().Set("X-Correlation-Id", correlationID)
	w.Header().Set("X-Admission-Timeout", strconv.Itoa(s.cfg.Admission.TimeoutMs)+"ms")
	writeJSON(w, http.StatusOK, successResponse{
		Outcome:           "success",
		SessionID:         resumed.SessionID,
		ReconnectionToken: resumed.Token,
		UIState:           UIStateConnected,
		UserMessage:       "Reconnected. Your session was restored.",
		NextAction:        NextActionNone,
		WebsocketURL:      s.websocketURL(r, instanceID),
		ConnectionConfig:  s.connectionConfig(),
	})
}

// joinRoom places the admitted character into its battle room. A rejoin
// of a known player marks it active again; failures are logged and left
// to the realtime attach to surface.
func (s *Server) joinRoom(ctx context.Context, instanceID, characterID string) {
	if s.rooms == nil {
		return
	}
	rm, ok := s.rooms.RoomFor(instanceID)
	if !ok {
		return
	}
	displayName := characterID
	if s.profiles != nil {
		if profile, err := s.profiles.Get(ctx, characterID); err == nil {
			displayName = profile.DisplayName
		}
	}
	if err := rm.Join(ctx, room.JoinOptions{
		PlayerID:    characterID,
		DisplayName: displayName,
	}); err != nil {
		s.logger.Warn("joining battle room after admission",
			zap.String("instance_id", instanceID),
			zap.String("character_id", characterID),
			zap.Error(err),
		)
	}
}

type lobbyJoinRequest struct {
	Mode           string `json:"mode,omitempty"`
	RulesetVersion string `json:"rulesetVersion,omitempty"`
	IsPrivate      bool   `json:"isPrivate,omitempty"`
}

// handleLobbyJoin allocates or reuses a joinable battle instance for the
// caller. The answer carries the instance id admission expects.
func (s *Server) handleLobbyJoin(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	w.Header().Set("X-Correlation-Id", correlationID)

	if s.lobby == nil {
		s.writeCatalogError(w, http.StatusNotFound, correlationID,
			catalog.NewError(catalog.NotFound).WithDetails("resource", "lobby"))
		return
	}
	if _, err := s.verifier.Verify(r.Context(), bearerToken(r)); err != nil {
		s.writeCatalogError(w, http.StatusUnauthorized, correlationID,
			catalog.NewError(catalog.AuthenticationRequired))
		return
	}

	var body lobbyJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeCatalogError(w, http.StatusBadRequest, correlationID,
			catalog.NewError(catalog.InvalidRequest).WithDetails("reason", "malformed body"))
		return
	}
	mode := lobby.Mode(body.Mode)
	if mode == "" {
		mode = lobby.ModeMatchmaking
	}

	ready, err := s.lobby.CreateOrJoin(lobby.Request{
		Mode:           mode,
		RulesetVersion: body.RulesetVersion,
		IsPrivate:      body.IsPrivate,
		RequestID:      correlationID,
	})
	if err != nil {
		ce := catalog.AsCatalog(err)
		s.writeCatalogError(w, statusForReason(ce.Entry.Key), correlationID, ce)
		return
	}
	writeJSON(w, http.StatusOK, ready)
}

type queueStatusResponse struct {
	Position          int   `json:"position,omitempty"`
	EstimatedWait     int64 `json:"estimatedWait,omitempty"`
	QueueLength       int   `json:"queueLength"`
	ServerCapacity    int   `json:"serverCapacity"`
	ActiveConnections int   `json:"activeConnections"`
	DrainMode         bool  `json:"drainMode,omitempty"`
}

// handleQueueStatus reports queue standing. It stays reachable under drain
// so queued clients can keep polling.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	correlationID := uuid.NewString()

	_, capacity, ok := s.capacity.Seats(instanceID)
	if !ok {
		s.writeCatalogError(w, http.StatusNotFound, correlationID,
			catalog.NewError(catalog.NotFound).WithDetails("instanceId", instanceID))
		return
	}

	resp := queueStatusResponse{
		QueueLength:    s.queue.Len(instanceID),
		ServerCapacity: capacity,
		DrainMode:      s.drain.Active(),
	}
	if s.connections != nil {
		resp.ActiveConnections = s.connections.ClientCount()
	}
	if characterID := r.URL.Query().Get("characterId"); characterID != "" {
		if position, wait, queued := s.controller.QueueStatus(instanceID, characterID); queued {
			resp.Position = position
			resp.EstimatedWait = int64(wait.Seconds())
		}
	}

	w.Header().Set("X-Correlation-Id", correlationID)
	w.Header().Set("X-Admission-Timeout", strconv.Itoa(s.cfg.Admission.TimeoutMs)+"ms")
	writeJSON(w, http.StatusOK, resp)
}

type bootstrapRequest struct {
	CharacterID string `json:"characterId"`
}

type bootstrapSession struct {
	SessionID          string `json:"sessionId"`
	UserID             string `json:"userId"`
	Status             string `json:"status"`
	ProtocolVersion    string `json:"protocolVersion"`
	LastSequenceNumber int64  `json:"lastSequenceNumber"`
}

type bootstrapCharacter struct {
	CharacterID string            `json:"characterId"`
	DisplayName string            `json:"displayName"`
	Position    protocol.Position `json:"position"`
	Health      int               `json:"health"`
	Stats       map[string]any    `json:"stats"`
	Inventory   map[string]any    `json:"inventory"`
}

type bootstrapWorld struct {
	Tiles []protocol.TileDelta `json:"tiles"`
}

type bootstrapState struct {
	Character bootstrapCharacter `json:"character"`
	World     *bootstrapWorld    `json:"world,omitempty"`
}

type bootstrapReconnect struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type bootstrapRealtime struct {
	Room   string `json:"room"`
	RoomID string `json:"roomId"`
}

type bootstrapResponse struct {
	Version   string             `json:"version"`
	IssuedAt  time.Time          `json:"issuedAt"`
	Session   bootstrapSession   `json:"session"`
	State     bootstrapState     `json:"state"`
	Reconnect bootstrapReconnect `json:"reconnect"`
	Realtime  *bootstrapRealtime `json:"realtime,omitempty"`
}

// handleBootstrap assembles the full client resync payload: session
// standing, persisted character state, the current world tiles, and a
// reconnect handle.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()
	w.Header().Set("X-Correlation-Id", correlationID)

	userID, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		s.writeCatalogError(w, http.StatusUnauthorized, correlationID,
			catalog.NewError(catalog.AuthenticationRequired))
		return
	}

	var body bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CharacterID == "" {
		s.writeCatalogError(w, http.StatusBadRequest, correlationID,
			catalog.NewError(catalog.InvalidRequest).WithDetails("missing", "characterId"))
		return
	}

	profile, err := s.profiles.Get(r.Context(), body.CharacterID)
	if err != nil {
		if errors.Is(err, postgres.ErrProfileNotFound) {
			s.writeCatalogError(w, http.StatusNotFound, correlationID,
				catalog.NewError(catalog.CharacterNotFound).WithDetails("characterId", body.CharacterID))
			return
		}
		s.writeCatalogError(w, http.StatusInternalServerError, correlationID,
			catalog.WrapError(catalog.InternalError, err))
		return
	}
	if profile.UserID != userID {
		s.writeCatalogError(w, http.StatusForbidden, correlationID,
			catalog.NewError(catalog.CharacterNotOwned).WithDetails("characterId", body.CharacterID))
		return
	}

	sess, ok := s.sessions.ActiveForCharacter(body.CharacterID)
	if !ok {
		s.writeCatalogError(w, http.StatusNotFound, correlationID,
			catalog.NewError(catalog.SessionNotFound).WithDetails("characterId", body.CharacterID))
		return
	}

	now := s.clk.Now()
	resp := bootstrapResponse{
		Version:  bootstrapVersion,
		IssuedAt: now,
		Session: bootstrapSession{
			SessionID:          sess.ID,
			UserID:             sess.UserID,
			Status:             string(sess.Status),
			ProtocolVersion:    sess.ProtocolVersion,
			LastSequenceNumber: sess.LastSequence,
		},
		State: bootstrapState{
			Character: bootstrapCharacter{
				CharacterID: profile.CharacterID,
				DisplayName: profile.DisplayName,
				Position:    protocol.Position{X: profile.PositionX, Y: profile.PositionY},
				Health:      profile.Health,
				Stats:       profile.Stats,
				Inventory:   profile.Inventory,
			},
		},
		Reconnect: s.reconnectHandle(r.Context(), body.CharacterID, now),
	}

	if s.rooms != nil {
		if rm, found := s.rooms.RoomFor(sess.InstanceID); found {
			resp.Realtime = &bootstrapRealtime{Room: "battle", RoomID: sess.InstanceID}
			if snap, snapErr := rm.Snapshot(sess.CharacterID); snapErr == nil {
				world := &bootstrapWorld{Tiles: make([]protocol.TileDelta, 0, len(snap.Board.Cells))}
				for i, cell := range snap.Board.Cells {
					if cell.LastUpdatedTick == 0 {
						continue
					}
					world.Tiles = append(world.Tiles, protocol.TileDelta{
						Index:    i,
						TileType: cell.TileType,
						Tick:     cell.LastUpdatedTick,
					})
				}
				resp.State.World = world
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// reconnectHandle returns the live grace token when one exists, and mints
// a fresh handle otherwise.
func (s *Server) reconnectHandle(ctx context.Context, characterID string, now time.Time) bootstrapReconnect {
	if s.reconnects != nil {
		if record, found, err := s.reconnects.FindByPlayer(ctx, characterID); err == nil && found {
			return bootstrapReconnect{Token: record.Token, ExpiresAt: record.ExpiresAt()}
		}
	}
	return bootstrapReconnect{
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(s.cfg.Reconnect.Grace()),
	}
}

// handleWebsocket upgrades the connection and hands it to the gateway.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		s.writeCatalogError(w, http.StatusBadRequest, uuid.NewString(),
			catalog.NewError(catalog.InvalidRequest).WithDetails("missing", "sessionId"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client, err := s.gw.Attach(conn, sessionID)
	if err != nil {
		ce := catalog.AsCatalog(err)
		if raw, encErr := protocol.Encode(protocol.TypeEventError, protocol.ErrorEventFrom("", 0, ce)); encErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
		_ = conn.Close()
		return
	}
	s.gw.ServeConn(r.Context(), client)
}

// failedBody converts a failed outcome into the wire shape, including the
// conflict and maintenance attachments when present.
func (s *Server) failedBody(out admission.Outcome) failedResponse {
	resp := failedResponse{
		Outcome:         "failed",
		Reason:          out.Reason,
		UIState:         uiStateFor(out.Reason),
		NextAction:      nextActionFor(out.Reason),
		CorrelationID:   out.CorrelationID,
		ExistingSession: out.ExistingSession,
		MaintenanceInfo: out.Maintenance,
	}
	if out.Err != nil {
		resp.UserMessage = out.Err.Entry.HumanMessage
		resp.Error = errorBody{
			NumericCode: out.Err.Entry.NumericCode,
			Reason:      out.Err.Entry.Reason,
			Category:    string(out.Err.Entry.Category),
			Retryable:   out.Err.Entry.Retryable,
			Details:     out.Err.Details,
		}
	}
	if out.RetryAfter > 0 {
		resp.RetryAfter = ceilSeconds(out.RetryAfter)
	}
	if out.ReplacementToken != "" {
		resp.ReplacementOptions = &replacementOptions{
			ConfirmationToken: out.ReplacementToken,
			ExpiresInSeconds:  confirmationTokenTTLSeconds,
		}
	}
	return resp
}

// writeCatalogError answers an endpoint-local failure in the admission
// failed-response shape.
func (s *Server) writeCatalogError(w http.ResponseWriter, status int, correlationID string, ce *catalog.Error) {
	w.Header().Set("X-Correlation-Id", correlationID)
	writeJSON(w, status, failedResponse{
		Outcome:       "failed",
		Reason:        ce.Entry.Key,
		UIState:       uiStateFor(ce.Entry.Key),
		UserMessage:   ce.Entry.HumanMessage,
		NextAction:    nextActionFor(ce.Entry.Key),
		CorrelationID: correlationID,
		Error: errorBody{
			NumericCode: ce.Entry.NumericCode,
			Reason:      ce.Entry.Reason,
			Category:    string(ce.Entry.Category),
			Retryable:   ce.Entry.Retryable,
			Details:     ce.Details,
		},
	})
}

// admissionHeaders stamps the response headers every admission reply
// carries. Retry-After accompanies 429 and 503.
func (s *Server) admissionHeaders(w http.ResponseWriter, out admission.Outcome, status int) {
	h := w.Header()
	h.Set("X-Response-Time", strconv.FormatInt(out.Duration.Milliseconds(), 10)+"ms")
	h.Set("X-Correlation-Id", out.CorrelationID)
	h.Set("X-Admission-Timeout", strconv.Itoa(s.cfg.Admission.TimeoutMs)+"ms")
	if out.RateLimit != nil {
		h.Set("X-RateLimit-Limit", strconv.Itoa(out.RateLimit.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(out.RateLimit.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(out.RateLimit.Reset.Unix(), 10))
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		retry := out.RetryAfter
		if retry <= 0 {
			retry = maintenanceRetryAfter
		}
		h.Set("Retry-After", strconv.FormatInt(ceilSeconds(retry), 10))
	}
}

func (s *Server) connectionConfig() connectionConfig {
	return connectionConfig{
		HeartbeatInterval:    s.cfg.Session.HeartbeatIntervalMs,
		ReconnectDelay:       s.cfg.Session.ReconnectDelayMs,
		MaxReconnectAttempts: s.cfg.Session.MaxReconnectAttempts,
	}
}

func (s *Server) websocketURL(r *http.Request, instanceID string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/instances/" + instanceID + "/ws"
}

func statusForReason(reason string) int {
	switch reason {
	case catalog.InvalidRequest:
		return http.StatusBadRequest
	case catalog.AuthenticationRequired:
		return http.StatusUnauthorized
	case catalog.CharacterNotOwned:
		return http.StatusForbidden
	case catalog.CharacterNotFound, catalog.NotFound:
		return http.StatusNotFound
	case catalog.Timeout:
		return http.StatusRequestTimeout
	case catalog.AlreadyInSession:
		return http.StatusConflict
	case catalog.GracePeriodExpired:
		return http.StatusGone
	case catalog.VersionMismatch:
		return http.StatusUnprocessableEntity
	case catalog.RateLimited, catalog.QueueFull:
		return http.StatusTooManyRequests
	case catalog.Maintenance:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func uiStateFor(reason string) string {
	if reason == catalog.AlreadyInSession {
		return UIStateReplacementPrompt
	}
	return UIStateError
}

func nextActionFor(reason string) string {
	switch reason {
	case catalog.AuthenticationRequired:
		return NextActionLogin
	case catalog.VersionMismatch:
		return NextActionUpgrade
	case catalog.AlreadyInSession:
		return NextActionConfirm
	case catalog.RateLimited, catalog.QueueFull, catalog.Maintenance:
		return NextActionWait
	case catalog.Timeout, catalog.InternalError, catalog.PersistenceFailed:
		return NextActionRetry
	case catalog.GracePeriodExpired:
		return NextActionRedirect
	default:
		return NextActionNone
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// remoteIP prefers the first X-Forwarded-For hop over the socket peer.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
