// Package lobby routes new clients to a joinable or fresh battle room for
// a requested rule set version.
package lobby

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
)

// Mode selects how a client is routed.
type Mode string

const (
	// ModeSolo always allocates a fresh instance.
	ModeSolo Mode = "solo"
	// ModeMatchmaking prefers an existing instance with open reservations.
	ModeMatchmaking Mode = "matchmaking"
)

// RoomFactory creates the actual battle room for a new instance. The lobby
// never owns rooms; it only tracks joinable entries.
type RoomFactory interface {
	CreateRoom(instanceID string, rs ruleset.RuleSet) (roomID string, err error)
}

// Request asks the lobby for a joinable instance.
type Request struct {
	Mode           Mode
	RulesetVersion string // empty means current latest
	IsPrivate      bool
	RequestID      string
}

// Ready is the routing answer: the instance the client should join.
type Ready struct {
	InstanceID     string `json:"instanceId"`
	RoomID         string `json:"roomId"`
	RulesetVersion string `json:"rulesetVersion"`
	MaxPlayers     int    `json:"maxPlayers"`
	Fresh          bool   `json:"fresh"`
	RequestID      string `json:"requestId,omitempty"`
}

type entry struct {
	roomID         string
	rulesetVersion string
	maxPlayers     int
	isPrivate      bool
	createdAt      time.Time
	reservations   []time.Time
}

// Lobby tracks instances that are still filling up. An entry disappears
// once its last reservation is consumed or decays.
type Lobby struct {
	mu       sync.Mutex
	rulesets *ruleset.Service
	factory  RoomFactory
	clk      clock.Clock
	logger   *zap.Logger
	entries  map[string]*entry
}

// New creates an empty Lobby.
//
// Precondition: rulesets, factory, clk, and logger must be non-nil.
func New(rulesets *ruleset.Service, factory RoomFactory, clk clock.Clock, logger *zap.Logger) *Lobby {
	return &Lobby{
		rulesets: rulesets,
		factory:  factory,
		clk:      clk,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// CreateOrJoin resolves the rule set and routes the client: matchmaking
// reuses the first open instance with a matching version, anything else
// allocates a fresh one through the room factory.
//
// Postcondition: The returned instance holds one reservation for the caller.
func (l *Lobby) CreateOrJoin(req Request) (Ready, error) {
	rs, err := l.resolveRuleset(req.RulesetVersion)
	if err != nil {
		return Ready{}, err
	}
	now := l.clk.Now()

	if req.Mode == ModeMatchmaking {
		if ready, ok := l.reserveExisting(rs.Version, now); ok {
			ready.RequestID = req.RequestID
			return ready, nil
		}
	}

	instanceID := uuid.NewString()
	roomID, err := l.factory.CreateRoom(instanceID, rs)
	if err != nil {
		return Ready{}, catalog.WrapError(catalog.InternalError, err)
	}

	l.mu.Lock()
	l.entries[instanceID] = &entry{
		roomID:         roomID,
		rulesetVersion: rs.Version,
		maxPlayers:     rs.Metadata.MaxPlayers,
		isPrivate:      req.IsPrivate,
		createdAt:      now,
		reservations:   []time.Time{now},
	}
	l.mu.Unlock()

	l.logger.Info("instance allocated",
		zap.String("instance_id", instanceID),
		zap.String("ruleset_version", rs.Version),
		zap.String("mode", string(req.Mode)),
	)
	return Ready{
		InstanceID:     instanceID,
		RoomID:         roomID,
		RulesetVersion: rs.Version,
		MaxPlayers:     rs.Metadata.MaxPlayers,
		Fresh:          true,
		RequestID:      req.RequestID,
	}, nil
}

// reserveExisting finds the oldest non-private entry with a matching
// version and open capacity, and adds one reservation to it.
func (l *Lobby) reserveExisting(version string, now time.Time) (Ready, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return l.entries[ids[i]].createdAt.Before(l.entries[ids[j]].createdAt)
	})

	for _, id := range ids {
		e := l.entries[id]
		if e.isPrivate || e.rulesetVersion != version {
			continue
		}
		if len(e.reservations) >= e.maxPlayers {
			continue
		}
		e.reservations = append(e.reservations, now)
		return Ready{
			InstanceID:     id,
			RoomID:         e.roomID,
			RulesetVersion: e.rulesetVersion,
			MaxPlayers:     e.maxPlayers,
		}, true
	}
	return Ready{}, false
}

// Release consumes one reservation for instanceID, on join completion or
// caller-side abandonment. The entry is dropped once no reservations
// remain.
func (l *Lobby) Release(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[instanceID]
	if !ok {
		return
	}
	if len(e.reservations) > 0 {
		e.reservations = e.reservations[1:]
	}
	if len(e.reservations) == 0 {
		delete(l.entries, instanceID)
	}
}

// ReleaseExpired decays reservations older than maxAge and removes drained
// entries. Returns the number of reservations released.
func (l *Lobby) ReleaseExpired(maxAge time.Duration) int {
	cutoff := l.clk.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()

	released := 0
	for id, e := range l.entries {
		kept := e.reservations[:0]
		for _, at := range e.reservations {
			if at.After(cutoff) {
				kept = append(kept, at)
			} else {
				released++
			}
		}
		e.reservations = kept
		if len(e.reservations) == 0 {
			delete(l.entries, id)
		}
	}
	return released
}

// ReservedSlots reports the open reservation count for instanceID.
func (l *Lobby) ReservedSlots(instanceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[instanceID]; ok {
		return len(e.reservations)
	}
	return 0
}

// Len returns the number of instances still filling up.
func (l *Lobby) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Lobby) resolveRuleset(version string) (ruleset.RuleSet, error) {
	if version != "" {
		return l.rulesets.RequireByVersion(version)
	}
	rs, ok := l.rulesets.Latest()
	if !ok {
		return ruleset.RuleSet{}, catalog.NewError(catalog.NotFound).
			WithDetails("resource", "ruleset")
	}
	return rs, nil
}
