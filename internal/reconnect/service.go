// Package reconnect preserves player session state across brief
// disconnects. Grace records live in the shared cache under a two-key
// schema so a player's current instance is found without scanning:
//
//	reconnect:session:{playerId}:{instanceId} -> full session record
//	reconnect:player:{playerId}               -> {instanceId, sessionId}
//
// Both keys share the grace TTL and co-expire.
package reconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/board"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
)

// DefaultGracePeriod applies when a create request carries no explicit
// grace duration.
const DefaultGracePeriod = 60 * time.Second

const (
	sessionKeyPrefix = "reconnect:session:"
	playerKeyPrefix  = "reconnect:player:"
)

// PlayerState is the room-local state snapshot preserved for resumption.
type PlayerState struct {
	LastActionTick int64           `json:"lastActionTick"`
	Initiative     int             `json:"initiative"`
	Position       *board.Position `json:"position,omitempty"`
}

// Session is one grace record. The token is rotated on every successful
// resume and is consumed at most once.
type Session struct {
	Token          string         `json:"token"`
	SessionID      string         `json:"sessionId"`
	PlayerID       string         `json:"playerId"`
	InstanceID     string         `json:"instanceId"`
	PlayerState    PlayerState    `json:"playerState"`
	DisconnectedAt time.Time      `json:"disconnectedAt"`
	GracePeriodMs  int64          `json:"gracePeriodMs"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// GracePeriod returns the record's grace window as a duration.
func (s Session) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodMs) * time.Millisecond
}

// ExpiresAt returns the instant the grace window closes.
func (s Session) ExpiresAt() time.Time {
	return s.DisconnectedAt.Add(s.GracePeriod())
}

// pointerRecord is the compact payload under the player key.
type pointerRecord struct {
	InstanceID string `json:"instanceId"`
	SessionID  string `json:"sessionId"`
}

// CreateInput describes a new grace record.
type CreateInput struct {
	PlayerID       string
	InstanceID     string
	SessionID      string
	PlayerState    PlayerState
	DisconnectedAt time.Time
	GracePeriod    time.Duration // zero means DefaultGracePeriod
	Metadata       map[string]any
}

// ReconnectInput identifies a resumption attempt.
type ReconnectInput struct {
	PlayerID     string
	InstanceID   string
	NewSessionID string
}

// Stats summarizes the live grace records.
type Stats struct {
	Total      int            `json:"total"`
	ByInstance map[string]int `json:"byInstance"`
}

// Service manages grace records in the shared cache.
type Service struct {
	rdb     *redis.Client
	clk     clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewService creates a Service over the given cache client.
//
// Precondition: rdb, clk, and logger must be non-nil.
func NewService(rdb *redis.Client, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{rdb: rdb, clk: clk, logger: logger, metrics: metrics}
}

func sessionKey(playerID, instanceID string) string {
	return sessionKeyPrefix + playerID + ":" + instanceID
}

func playerKey(playerID string) string {
	return playerKeyPrefix + playerID
}

// CreateSession writes a grace record with TTL equal to the grace period.
//
// Postcondition: Both cache keys exist and co-expire at the grace deadline.
func (s *Service) CreateSession(ctx context.Context, in CreateInput) (Session, error) {
	grace := in.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	disconnectedAt := in.DisconnectedAt
	if disconnectedAt.IsZero() {
		disconnectedAt = s.clk.Now()
	}

	record := Session{
		Token:          uuid.NewString(),
		SessionID:      in.SessionID,
		PlayerID:       in.PlayerID,
		InstanceID:     in.InstanceID,
		PlayerState:    in.PlayerState,
		DisconnectedAt: disconnectedAt,
		GracePeriodMs:  grace.Milliseconds(),
		Metadata:       in.Metadata,
	}
	if err := s.write(ctx, record, grace); err != nil {
		return Session{}, err
	}

	s.logger.Debug("grace record created",
		zap.String("player_id", in.PlayerID),
		zap.String("instance_id", in.InstanceID),
		zap.Duration("grace", grace),
	)
	return record, nil
}

// AttemptReconnect resumes a session within its grace window: the session
// id rotates to newSessionID, a fresh token is issued, and the TTL resets
// to the remaining grace.
//
// Postcondition: Returns the updated record, or grace_period_expired when
// the window is gone (the stale record, if any, is purged).
func (s *Service) AttemptReconnect(ctx context.Context, in ReconnectInput) (Session, error) {
	record, found, err := s.load(ctx, in.PlayerID, in.InstanceID)
	if err != nil {
		return Session{}, err
	}
	if !found {
		s.metrics.RecordReconnect("expired")
		return Session{}, catalog.NewError(catalog.GracePeriodExpired).
			WithDetails("playerId", in.PlayerID).
			WithDetails("instanceId", in.InstanceID)
	}

	now := s.clk.Now()
	remaining := record.ExpiresAt().Sub(now)
	if remaining <= 0 {
		_ = s.RemoveSession(ctx, in.PlayerID, in.InstanceID)
		s.metrics.RecordReconnect("expired")
		return Session{}, catalog.NewError(catalog.GracePeriodExpired).
			WithDetails("playerId", in.PlayerID).
			WithDetails("instanceId", in.InstanceID)
	}

	record.SessionID = in.NewSessionID
	record.Token = uuid.NewString()
	if err := s.write(ctx, record, remaining); err != nil {
		s.metrics.RecordReconnect("error")
		return Session{}, err
	}

	s.metrics.RecordReconnect("success")
	s.logger.Info("session resumed within grace",
		zap.String("player_id", in.PlayerID),
		zap.String("instance_id", in.InstanceID),
		zap.Duration("remaining_grace", remaining),
	)
	return record, nil
}

// UpdatePlayerState replaces the preserved state on a live record without
// disturbing its TTL.
func (s *Service) UpdatePlayerState(ctx context.Context, playerID, instanceID string, state PlayerState) error {
	record, found, err := s.load(ctx, playerID, instanceID)
	if err != nil {
		return err
	}
	if !found {
		return catalog.NewError(catalog.GracePeriodExpired).
			WithDetails("playerId", playerID)
	}
	record.PlayerState = state

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding grace record: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(playerID, instanceID), payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("updating grace record: %w", err)
	}
	return nil
}

// ExtendGracePeriod pushes a live record's deadline out by extra and
// extends both key TTLs to match.
func (s *Service) ExtendGracePeriod(ctx context.Context, playerID, instanceID string, extra time.Duration) error {
	record, found, err := s.load(ctx, playerID, instanceID)
	if err != nil {
		return err
	}
	if !found {
		return catalog.NewError(catalog.GracePeriodExpired).
			WithDetails("playerId", playerID)
	}

	record.GracePeriodMs += extra.Milliseconds()
	remaining := record.ExpiresAt().Sub(s.clk.Now())
	if remaining <= 0 {
		return catalog.NewError(catalog.GracePeriodExpired).
			WithDetails("playerId", playerID)
	}
	return s.write(ctx, record, remaining)
}

// RemoveSession deletes both keys for (playerID, instanceID).
func (s *Service) RemoveSession(ctx context.Context, playerID, instanceID string) error {
	if err := s.rdb.Del(ctx, sessionKey(playerID, instanceID), playerKey(playerID)).Err(); err != nil {
		return fmt.Errorf("removing grace record: %w", err)
	}
	return nil
}

// FindByPlayer resolves a player's current grace record through the
// pointer key.
func (s *Service) FindByPlayer(ctx context.Context, playerID string) (Session, bool, error) {
	raw, err := s.rdb.Get(ctx, playerKey(playerID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("reading player pointer: %w", err)
	}
	var pointer pointerRecord
	if err := json.Unmarshal(raw, &pointer); err != nil {
		// Corrupt pointer: purge and report absent.
		_ = s.rdb.Del(ctx, playerKey(playerID)).Err()
		return Session{}, false, nil
	}
	return s.loadOrPurge(ctx, playerID, pointer.InstanceID)
}

// ListActiveSessions returns all live grace records, optionally filtered
// to one instance.
func (s *Service) ListActiveSessions(ctx context.Context, instanceID string) ([]Session, error) {
	var sessions []Session
	iter := s.rdb.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("reading grace record: %w", err)
		}
		var record Session
		if err := json.Unmarshal(raw, &record); err != nil {
			// Corrupt record at a known key: purge and move on.
			_ = s.rdb.Del(ctx, iter.Val()).Err()
			continue
		}
		if instanceID != "" && record.InstanceID != instanceID {
			continue
		}
		sessions = append(sessions, record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning grace records: %w", err)
	}
	return sessions, nil
}

// CleanupExpiredSessions removes records whose grace window has passed.
// TTL expiry handles the common case; this is the janitor's convergence
// backstop.
//
// Postcondition: Returns the number of records removed.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int, error) {
	sessions, err := s.ListActiveSessions(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.clk.Now()
	removed := 0
	for _, record := range sessions {
		if now.After(record.ExpiresAt()) {
			if err := s.RemoveSession(ctx, record.PlayerID, record.InstanceID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// GetSessionStats summarizes live grace records per instance.
func (s *Service) GetSessionStats(ctx context.Context) (Stats, error) {
	sessions, err := s.ListActiveSessions(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(sessions), ByInstance: make(map[string]int)}
	for _, record := range sessions {
		stats.ByInstance[record.InstanceID]++
	}
	return stats, nil
}

// EnsureKeyTTLs assigns fallback TTL to reconnect keys that lost theirs,
// and deletes pointer keys without TTL. Used by the janitor's orphan key
// phase.
//
// Postcondition: Returns the number of keys repaired or removed.
func (s *Service) EnsureKeyTTLs(ctx context.Context, fallback time.Duration) (int, error) {
	touched := 0
	for _, pattern := range []string{sessionKeyPrefix + "*", playerKeyPrefix + "*"} {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			ttl, err := s.rdb.TTL(ctx, key).Result()
			if err != nil {
				return touched, fmt.Errorf("reading ttl for %s: %w", key, err)
			}
			if ttl != -1 {
				continue // key already expires, or is already gone
			}
			if strings.HasPrefix(key, playerKeyPrefix) {
				if err := s.rdb.Del(ctx, key).Err(); err != nil {
					return touched, fmt.Errorf("deleting orphan pointer %s: %w", key, err)
				}
			} else {
				if err := s.rdb.Expire(ctx, key, fallback).Err(); err != nil {
					return touched, fmt.Errorf("assigning ttl to %s: %w", key, err)
				}
			}
			touched++
		}
		if err := iter.Err(); err != nil {
			return touched, fmt.Errorf("scanning for orphan keys: %w", err)
		}
	}
	return touched, nil
}

// load reads the session record, purging corrupt JSON.
func (s *Service) load(ctx context.Context, playerID, instanceID string) (Session, bool, error) {
	return s.loadOrPurge(ctx, playerID, instanceID)
}

func (s *Service) loadOrPurge(ctx context.Context, playerID, instanceID string) (Session, bool, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(playerID, instanceID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("reading grace record: %w", err)
	}
	var record Session
	if err := json.Unmarshal(raw, &record); err != nil {
		s.logger.Warn("purging corrupt grace record",
			zap.String("player_id", playerID),
			zap.String("instance_id", instanceID),
		)
		_ = s.RemoveSession(ctx, playerID, instanceID)
		return Session{}, false, nil
	}
	return record, true, nil
}

// write stores both keys with a shared TTL.
func (s *Service) write(ctx context.Context, record Session, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding grace record: %w", err)
	}
	pointer, err := json.Marshal(pointerRecord{InstanceID: record.InstanceID, SessionID: record.SessionID})
	if err != nil {
		return fmt.Errorf("encoding player pointer: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(record.PlayerID, record.InstanceID), payload, ttl)
	pipe.Set(ctx, playerKey(record.PlayerID), pointer, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing grace record: %w", err)
	}
	return nil
}

// RoomAdapter exposes the service through the battle room's grace
// contract.
type RoomAdapter struct {
	svc *Service
}

// NewRoomAdapter wraps svc for use by battle rooms.
func NewRoomAdapter(svc *Service) *RoomAdapter {
	return &RoomAdapter{svc: svc}
}

// CreateGrace writes a grace record from the room's leave bookkeeping.
func (a *RoomAdapter) CreateGrace(ctx context.Context, in room.GraceInput) error {
	_, err := a.svc.CreateSession(ctx, CreateInput{
		PlayerID:   in.PlayerID,
		InstanceID: in.InstanceID,
		SessionID:  in.SessionID,
		PlayerState: PlayerState{
			LastActionTick: in.LastActionTick,
			Initiative:     in.Initiative,
		},
		DisconnectedAt: in.DisconnectedAt,
		GracePeriod:    in.GracePeriod,
	})
	return err
}

// RemoveGrace deletes the player's grace record.
func (a *RoomAdapter) RemoveGrace(ctx context.Context, playerID, instanceID string) error {
	return a.svc.RemoveSession(ctx, playerID, instanceID)
}
