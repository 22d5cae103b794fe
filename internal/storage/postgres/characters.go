package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProfileNotFound is returned when a character profile lookup yields no rows.
var ErrProfileNotFound = errors.New("character profile not found")

// ErrProfileStale is returned when an update loses the optimistic
// concurrency race on updated_at.
var ErrProfileStale = errors.New("character profile was modified concurrently")

// CharacterProfile is the persisted character record used by session
// bootstrap.
type CharacterProfile struct {
	CharacterID string
	UserID      string
	DisplayName string
	PositionX   int
	PositionY   int
	Health      int
	Inventory   map[string]any
	Stats       map[string]any
	UpdatedAt   time.Time
}

// CharacterProfileRepository provides character profile persistence with
// optimistic concurrency on updated_at.
type CharacterProfileRepository struct {
	db *pgxpool.Pool
}

// NewCharacterProfileRepository creates a repository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewCharacterProfileRepository(db *pgxpool.Pool) *CharacterProfileRepository {
	return &CharacterProfileRepository{db: db}
}

// Create inserts a new profile.
//
// Postcondition: Returns the profile with UpdatedAt set.
func (r *CharacterProfileRepository) Create(ctx context.Context, p CharacterProfile) (CharacterProfile, error) {
	inventory, stats, err := encodeProfileBlobs(p)
	if err != nil {
		return CharacterProfile{}, err
	}
	err = r.db.QueryRow(ctx,
		`INSERT INTO character_profiles
			(character_id, user_id, display_name, position_x, position_y, health, inventory_json, stats_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING updated_at`,
		p.CharacterID, p.UserID, p.DisplayName, p.PositionX, p.PositionY, p.Health, inventory, stats,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return CharacterProfile{}, fmt.Errorf("inserting character profile: %w", err)
	}
	return p, nil
}

// Get retrieves a profile by character id.
//
// Postcondition: Returns the profile or ErrProfileNotFound.
func (r *CharacterProfileRepository) Get(ctx context.Context, characterID string) (CharacterProfile, error) {
	var p CharacterProfile
	var inventory, stats []byte
	err := r.db.QueryRow(ctx,
		`SELECT character_id, user_id, display_name, position_x, position_y,
		        health, inventory_json, stats_json, updated_at
		 FROM character_profiles WHERE character_id = $1`,
		characterID,
	).Scan(&p.CharacterID, &p.UserID, &p.DisplayName, &p.PositionX, &p.PositionY,
		&p.Health, &inventory, &stats, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CharacterProfile{}, ErrProfileNotFound
		}
		return CharacterProfile{}, fmt.Errorf("querying character profile: %w", err)
	}
	if err := decodeProfileBlobs(&p, inventory, stats); err != nil {
		return CharacterProfile{}, err
	}
	return p, nil
}

// OwnedBy reports whether characterID belongs to userID.
//
// Postcondition: Returns (true, nil) on ownership, (false, nil) when owned
// by someone else, or ErrProfileNotFound.
func (r *CharacterProfileRepository) OwnedBy(ctx context.Context, characterID, userID string) (bool, error) {
	var owner string
	err := r.db.QueryRow(ctx,
		`SELECT user_id FROM character_profiles WHERE character_id = $1`,
		characterID,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrProfileNotFound
		}
		return false, fmt.Errorf("querying character owner: %w", err)
	}
	return owner == userID, nil
}

// Update persists a modified profile, guarded by the UpdatedAt the caller
// read.
//
// Precondition: p.UpdatedAt must be the value returned by a prior read.
// Postcondition: Returns the profile with the new UpdatedAt, ErrProfileStale
// when another writer got there first, or ErrProfileNotFound.
func (r *CharacterProfileRepository) Update(ctx context.Context, p CharacterProfile) (CharacterProfile, error) {
	inventory, stats, err := encodeProfileBlobs(p)
	if err != nil {
		return CharacterProfile{}, err
	}
	err = r.db.QueryRow(ctx,
		`UPDATE character_profiles
		 SET display_name = $3, position_x = $4, position_y = $5, health = $6,
		     inventory_json = $7, stats_json = $8, updated_at = NOW()
		 WHERE character_id = $1 AND updated_at = $2
		 RETURNING updated_at`,
		p.CharacterID, p.UpdatedAt,
		p.DisplayName, p.PositionX, p.PositionY, p.Health, inventory, stats,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row missing or concurrently modified; disambiguate.
			var exists bool
			if probeErr := r.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM character_profiles WHERE character_id = $1)`,
				p.CharacterID,
			).Scan(&exists); probeErr != nil {
				return CharacterProfile{}, fmt.Errorf("probing character profile: %w", probeErr)
			}
			if exists {
				return CharacterProfile{}, ErrProfileStale
			}
			return CharacterProfile{}, ErrProfileNotFound
		}
		return CharacterProfile{}, fmt.Errorf("updating character profile: %w", err)
	}
	return p, nil
}

// ListByUser returns all profiles for userID, ordered by display name.
func (r *CharacterProfileRepository) ListByUser(ctx context.Context, userID string) ([]CharacterProfile, error) {
	rows, err := r.db.Query(ctx,
		`SELECT character_id, user_id, display_name, position_x, position_y,
		        health, inventory_json, stats_json, updated_at
		 FROM character_profiles WHERE user_id = $1 ORDER BY display_name ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing character profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]CharacterProfile, 0)
	for rows.Next() {
		var p CharacterProfile
		var inventory, stats []byte
		if err := rows.Scan(&p.CharacterID, &p.UserID, &p.DisplayName, &p.PositionX,
			&p.PositionY, &p.Health, &inventory, &stats, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning character profile row: %w", err)
		}
		if err := decodeProfileBlobs(&p, inventory, stats); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func encodeProfileBlobs(p CharacterProfile) (inventory, stats []byte, err error) {
	if inventory, err = json.Marshal(p.Inventory); err != nil {
		return nil, nil, fmt.Errorf("encoding inventory: %w", err)
	}
	if stats, err = json.Marshal(p.Stats); err != nil {
		return nil, nil, fmt.Errorf("encoding stats: %w", err)
	}
	return inventory, stats, nil
}

func decodeProfileBlobs(p *CharacterProfile, inventory, stats []byte) error {
	if len(inventory) > 0 {
		if err := json.Unmarshal(inventory, &p.Inventory); err != nil {
			return fmt.Errorf("decoding inventory: %w", err)
		}
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &p.Stats); err != nil {
			return fmt.Errorf("decoding stats: %w", err)
		}
	}
	return nil
}
