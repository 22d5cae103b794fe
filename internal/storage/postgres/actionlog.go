package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
)

// ErrActionEventNotFound is returned when an action event lookup yields no rows.
var ErrActionEventNotFound = errors.New("action event not found")

// ActionEvent is one durable action record. (SessionID, SequenceNumber) is
// unique; the log is the system of record for replay.
type ActionEvent struct {
	ActionID       string
	SessionID      string
	UserID         string
	CharacterID    string
	SequenceNumber int64
	ActionType     string
	Payload        map[string]any
	PersistedAt    time.Time
}

// ActionEventRepository provides append and replay queries over the
// durability log.
type ActionEventRepository struct {
	db *pgxpool.Pool
}

// NewActionEventRepository creates an ActionEventRepository backed by the
// given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewActionEventRepository(db *pgxpool.Pool) *ActionEventRepository {
	return &ActionEventRepository{db: db}
}

// Append persists exactly one record with a server-assigned action id.
//
// Postcondition: Returns the persisted event, or persistence_failed when
// the (session_id, sequence_number) pair already exists.
func (r *ActionEventRepository) Append(ctx context.Context, in room.AppendInput) (ActionEvent, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return ActionEvent{}, fmt.Errorf("encoding action payload: %w", err)
	}

	event := ActionEvent{
		ActionID:       uuid.NewString(),
		SessionID:      in.SessionID,
		UserID:         in.UserID,
		CharacterID:    in.CharacterID,
		SequenceNumber: in.SequenceNumber,
		ActionType:     in.ActionType,
		Payload:        in.Payload,
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO action_events
			(action_id, session_id, user_id, character_id, sequence_number, action_type, payload_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING persisted_at`,
		event.ActionID, event.SessionID, event.UserID, event.CharacterID,
		event.SequenceNumber, event.ActionType, payload,
	).Scan(&event.PersistedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ActionEvent{}, catalog.WrapError(catalog.PersistenceFailed, err).
				WithDetails("sessionId", in.SessionID).
				WithDetails("sequenceNumber", in.SequenceNumber)
		}
		return ActionEvent{}, fmt.Errorf("inserting action event: %w", err)
	}
	return event, nil
}

// GetBySessionAndSequence returns the event for a (session, sequence) pair.
//
// Postcondition: Returns the event or ErrActionEventNotFound.
func (r *ActionEventRepository) GetBySessionAndSequence(ctx context.Context, sessionID string, sequence int64) (ActionEvent, error) {
	return r.queryOne(ctx,
		`SELECT action_id, session_id, user_id, character_id, sequence_number,
		        action_type, payload_json, persisted_at
		 FROM action_events WHERE session_id = $1 AND sequence_number = $2`,
		sessionID, sequence)
}

// LatestForSession returns the event with the highest sequence number for
// sessionID.
//
// Postcondition: Returns the event or ErrActionEventNotFound.
func (r *ActionEventRepository) LatestForSession(ctx context.Context, sessionID string) (ActionEvent, error) {
	return r.queryOne(ctx,
		`SELECT action_id, session_id, user_id, character_id, sequence_number,
		        action_type, payload_json, persisted_at
		 FROM action_events WHERE session_id = $1
		 ORDER BY sequence_number DESC LIMIT 1`,
		sessionID)
}

// RecentForCharacter returns up to limit events for characterID, newest
// first.
//
// Precondition: limit must be positive; values above 500 are capped.
func (r *ActionEventRepository) RecentForCharacter(ctx context.Context, characterID string, limit int) ([]ActionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.db.Query(ctx,
		`SELECT action_id, session_id, user_id, character_id, sequence_number,
		        action_type, payload_json, persisted_at
		 FROM action_events WHERE character_id = $1
		 ORDER BY persisted_at DESC LIMIT $2`,
		characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing action events: %w", err)
	}
	defer rows.Close()

	events := make([]ActionEvent, 0, limit)
	for rows.Next() {
		event, err := scanActionEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *ActionEventRepository) queryOne(ctx context.Context, sql string, args ...any) (ActionEvent, error) {
	event, err := scanActionEvent(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ActionEvent{}, ErrActionEventNotFound
		}
		return ActionEvent{}, err
	}
	return event, nil
}

func scanActionEvent(row pgx.Row) (ActionEvent, error) {
	var event ActionEvent
	var payload []byte
	if err := row.Scan(
		&event.ActionID, &event.SessionID, &event.UserID, &event.CharacterID,
		&event.SequenceNumber, &event.ActionType, &payload, &event.PersistedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ActionEvent{}, pgx.ErrNoRows
		}
		return ActionEvent{}, fmt.Errorf("scanning action event row: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return ActionEvent{}, fmt.Errorf("decoding action payload: %w", err)
		}
	}
	return event, nil
}

// DurabilityLog adapts the repository to the battle room's durability
// contract.
type DurabilityLog struct {
	repo *ActionEventRepository
}

// NewDurabilityLog wraps repo for use by battle rooms.
func NewDurabilityLog(repo *ActionEventRepository) *DurabilityLog {
	return &DurabilityLog{repo: repo}
}

// AppendAction persists one record and returns its durable identity.
func (l *DurabilityLog) AppendAction(ctx context.Context, in room.AppendInput) (room.DurabilityRecord, error) {
	event, err := l.repo.Append(ctx, in)
	if err != nil {
		return room.DurabilityRecord{}, err
	}
	return room.DurabilityRecord{ActionEventID: event.ActionID, PersistedAt: event.PersistedAt}, nil
}

// GetBySessionAndSequence looks up the durable identity of a prior append.
func (l *DurabilityLog) GetBySessionAndSequence(ctx context.Context, sessionID string, sequence int64) (room.DurabilityRecord, bool, error) {
	event, err := l.repo.GetBySessionAndSequence(ctx, sessionID, sequence)
	if errors.Is(err, ErrActionEventNotFound) {
		return room.DurabilityRecord{}, false, nil
	}
	if err != nil {
		return room.DurabilityRecord{}, false, err
	}
	return room.DurabilityRecord{ActionEventID: event.ActionID, PersistedAt: event.PersistedAt}, true, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
