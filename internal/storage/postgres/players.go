package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Player represents a player account in the database.
type Player struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ErrPlayerNotFound is returned when a player lookup yields no results.
var ErrPlayerNotFound = errors.New("player not found")

// ErrPlayerExists is returned when attempting to create a duplicate username.
var ErrPlayerExists = errors.New("player already exists")

// ErrInvalidCredentials is returned when authentication fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// PlayerRepository provides player account persistence operations.
type PlayerRepository struct {
	db *pgxpool.Pool
}

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// Create inserts a new player with a bcrypt-hashed password.
//
// Precondition: username and password must be non-empty.
// Postcondition: Returns the created Player with ID and CreatedAt set,
// or ErrPlayerExists if the username is taken.
func (r *PlayerRepository) Create(ctx context.Context, username, password string) (Player, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return Player{}, fmt.Errorf("hashing password: %w", err)
	}

	player := Player{ID: uuid.NewString(), Username: username, PasswordHash: hash}
	err = r.db.QueryRow(ctx,
		`INSERT INTO players (player_id, username, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING created_at`,
		player.ID, username, hash,
	).Scan(&player.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Player{}, ErrPlayerExists
		}
		return Player{}, fmt.Errorf("inserting player: %w", err)
	}
	return player, nil
}

// Authenticate verifies credentials and returns the matching player.
//
// Postcondition: Returns the Player if credentials are valid,
// ErrPlayerNotFound if the username doesn't exist, or
// ErrInvalidCredentials if the password is wrong.
func (r *PlayerRepository) Authenticate(ctx context.Context, username, password string) (Player, error) {
	player, err := r.GetByUsername(ctx, username)
	if err != nil {
		return Player{}, err
	}
	if !CheckPassword(password, player.PasswordHash) {
		return Player{}, ErrInvalidCredentials
	}
	return player, nil
}

// GetByUsername retrieves a player by username.
//
// Postcondition: Returns the Player or ErrPlayerNotFound.
func (r *PlayerRepository) GetByUsername(ctx context.Context, username string) (Player, error) {
	var player Player
	err := r.db.QueryRow(ctx,
		`SELECT player_id, username, password_hash, created_at
		 FROM players WHERE username = $1`,
		username,
	).Scan(&player.ID, &player.Username, &player.PasswordHash, &player.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Player{}, ErrPlayerNotFound
		}
		return Player{}, fmt.Errorf("querying player: %w", err)
	}
	return player, nil
}

// Get retrieves a player by id.
//
// Postcondition: Returns the Player or ErrPlayerNotFound.
func (r *PlayerRepository) Get(ctx context.Context, playerID string) (Player, error) {
	var player Player
	err := r.db.QueryRow(ctx,
		`SELECT player_id, username, password_hash, created_at
		 FROM players WHERE player_id = $1`,
		playerID,
	).Scan(&player.ID, &player.Username, &player.PasswordHash, &player.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Player{}, ErrPlayerNotFound
		}
		return Player{}, fmt.Errorf("querying player: %w", err)
	}
	return player, nil
}

// HashPassword creates a bcrypt hash of the given password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
