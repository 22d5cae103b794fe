// Package session maintains in-memory realtime sessions with secondary
// indexes by user, character, and instance. All methods are safe for
// concurrent use. Session identity is stable for the whole lifecycle,
// including the reconnection grace window.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/observability"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusGrace       Status = "grace"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Session is one client's realtime session.
type Session struct {
	// ID is the opaque session identifier.
	ID string
	// UserID is the owning account.
	UserID string
	// CharacterID is the character this session plays.
	CharacterID string
	// InstanceID is the battle instance the session is attached to.
	InstanceID string
	// ProtocolVersion is the realtime protocol version negotiated at connect.
	ProtocolVersion string
	// Status is the lifecycle state.
	Status Status
	// LastSequence is the last acknowledged intent sequence number.
	// Monotonic non-decreasing.
	LastSequence int64
	// LastHeartbeatAt is the most recent heartbeat or intent arrival.
	LastHeartbeatAt time.Time
	// GraceExpiresAt is set only while Status is grace.
	GraceExpiresAt time.Time
	// CreatedAt is when the session was admitted.
	CreatedAt time.Time
}

// Store tracks sessions keyed by id with user/character/instance indexes.
type Store struct {
	mu       sync.RWMutex
	clk      clock.Clock
	metrics  *observability.Metrics
	sessions map[string]*Session
	byUser   map[string]map[string]bool
	byChar   map[string]map[string]bool
	byInst   map[string]map[string]bool
}

// NewStore creates an empty session Store.
//
// Precondition: clk must be non-nil.
func NewStore(clk clock.Clock, metrics *observability.Metrics) *Store {
	if clk == nil {
		panic("session.NewStore: clk must be non-nil")
	}
	return &Store{
		clk:      clk,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]bool),
		byChar:   make(map[string]map[string]bool),
		byInst:   make(map[string]map[string]bool),
	}
}

// CreateOrUpdate inserts the session, or overwrites an existing one with the
// same id. Creating a second active session for the same (userId, instanceId)
// fails with already_in_session; replacement is the admission controller's
// call, not the store's.
//
// Precondition: s.ID, s.UserID, s.CharacterID, s.InstanceID must be non-empty.
func (st *Store) CreateOrUpdate(s Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.Status == StatusActive {
		for id := range st.byUser[s.UserID] {
			other := st.sessions[id]
			if other.ID != s.ID && other.InstanceID == s.InstanceID && other.Status == StatusActive {
				st.metrics.RecordSessionOp("create", "rejected")
				return catalog.NewError(catalog.AlreadyInSession).
					WithDetails("existingSessionId", other.ID)
			}
		}
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = st.clk.Now()
	}
	if s.LastHeartbeatAt.IsZero() {
		s.LastHeartbeatAt = st.clk.Now()
	}

	if prev, exists := st.sessions[s.ID]; exists {
		st.unindex(prev)
	}
	cp := s
	st.sessions[s.ID] = &cp
	st.index(&cp)
	st.metrics.RecordSessionOp("create", "ok")
	st.updateGauge()
	return nil
}

// Get returns a copy of the session, if present.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetStatus transitions a session's lifecycle state. Leaving grace clears
// GraceExpiresAt.
func (st *Store) SetStatus(id string, status Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return catalog.NewError(catalog.SessionNotFound).WithDetails("sessionId", id)
	}
	s.Status = status
	if status != StatusGrace {
		s.GraceExpiresAt = time.Time{}
	}
	st.metrics.RecordSessionOp("set_status", "ok")
	return nil
}

// StartGrace moves a session into the grace state with the given deadline.
func (st *Store) StartGrace(id string, expiresAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return catalog.NewError(catalog.SessionNotFound).WithDetails("sessionId", id)
	}
	s.Status = StatusGrace
	s.GraceExpiresAt = expiresAt
	st.metrics.RecordSessionOp("start_grace", "ok")
	return nil
}

// RecordHeartbeat stamps the session's liveness.
func (st *Store) RecordHeartbeat(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return catalog.NewError(catalog.SessionNotFound).WithDetails("sessionId", id)
	}
	s.LastHeartbeatAt = st.clk.Now()
	return nil
}

// RecordActionSequence advances the acknowledged sequence to
// max(current, seq). It never regresses.
func (st *Store) RecordActionSequence(id string, seq int64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return catalog.NewError(catalog.SessionNotFound).WithDetails("sessionId", id)
	}
	if seq > s.LastSequence {
		s.LastSequence = seq
	}
	return nil
}

// LastSequence returns the session's acknowledged sequence number.
func (st *Store) LastSequence(id string) (int64, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return 0, false
	}
	return s.LastSequence, true
}

// ActiveForCharacter returns the active or grace session currently bound to
// the character, if any. Used by admission to drive replacement prompts.
func (st *Store) ActiveForCharacter(characterID string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for id := range st.byChar[characterID] {
		s := st.sessions[id]
		if s.Status == StatusActive || s.Status == StatusGrace {
			return *s, true
		}
	}
	return Session{}, false
}

// ListSessions returns copies of all sessions, ordered by creation time.
func (st *Store) ListSessions() []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListByInstance returns copies of all sessions attached to an instance.
func (st *Store) ListByInstance(instanceID string) []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Session, 0, len(st.byInst[instanceID]))
	for id := range st.byInst[instanceID] {
		out = append(out, *st.sessions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HasSessionForCharacter reports whether any session references the character.
func (st *Store) HasSessionForCharacter(characterID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byChar[characterID]) > 0
}

// GetExpiredGraceSessions returns sessions whose grace deadline plus buffer
// has passed at now.
func (st *Store) GetExpiredGraceSessions(now time.Time, buffer time.Duration) []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []Session
	for _, s := range st.sessions {
		if s.Status == StatusGrace && now.After(s.GraceExpiresAt.Add(buffer)) {
			out = append(out, *s)
		}
	}
	return out
}

// GetInactiveSessions returns active sessions without a heartbeat since cutoff.
func (st *Store) GetInactiveSessions(cutoff time.Time) []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []Session
	for _, s := range st.sessions {
		if s.Status == StatusActive && s.LastHeartbeatAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out
}

// Remove deletes a session and its index entries.
func (st *Store) Remove(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return catalog.NewError(catalog.SessionNotFound).WithDetails("sessionId", id)
	}
	st.unindex(s)
	delete(st.sessions, id)
	st.metrics.RecordSessionOp("remove", "ok")
	st.updateGauge()
	return nil
}

// Count returns the number of tracked sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) index(s *Session) {
	addTo := func(m map[string]map[string]bool, key string) {
		if m[key] == nil {
			m[key] = make(map[string]bool)
		}
		m[key][s.ID] = true
	}
	addTo(st.byUser, s.UserID)
	addTo(st.byChar, s.CharacterID)
	addTo(st.byInst, s.InstanceID)
}

func (st *Store) unindex(s *Session) {
	dropFrom := func(m map[string]map[string]bool, key string) {
		if set, ok := m[key]; ok {
			delete(set, s.ID)
			if len(set) == 0 {
				delete(m, key)
			}
		}
	}
	dropFrom(st.byUser, s.UserID)
	dropFrom(st.byChar, s.CharacterID)
	dropFrom(st.byInst, s.InstanceID)
}

func (st *Store) updateGauge() {
	if st.metrics == nil {
		return
	}
	st.metrics.ActiveSessions.Set(float64(len(st.sessions)))
}
