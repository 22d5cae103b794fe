package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dkirby-ms/tilemud-sub004/internal/storage/postgres"
)

func TestHashPassword(t *testing.T) {
	hash, err := postgres.HashPassword("secret123")
	assert.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, "secret123", hash)
}

func TestCheckPassword(t *testing.T) {
	hash, err := postgres.HashPassword("mypassword")
	assert.NoError(t, err)
	assert.True(t, postgres.CheckPassword("mypassword", hash))
	assert.False(t, postgres.CheckPassword("wrongpassword", hash))
}

// Property: HashPassword always produces a hash that CheckPassword verifies.
func TestPropertyHashAndCheck(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// bcrypt has a max input length of 72 bytes
		password := rapid.StringMatching(`[a-zA-Z0-9!@#$%^&*]{1,64}`).Draw(t, "password")
		hash, err := postgres.HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword failed: %v", err)
		}
		if !postgres.CheckPassword(password, hash) {
			t.Fatalf("CheckPassword failed for password %q", password)
		}
	})
}

func uniqueUsername(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestPlayerRepository_CreateAndAuthenticate(t *testing.T) {
	repo := postgres.NewPlayerRepository(setupPool(t))
	ctx := context.Background()
	username := uniqueUsername("player")

	created, err := repo.Create(ctx, username, "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	authed, err := repo.Authenticate(ctx, username, "password123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, authed.ID)

	_, err = repo.Authenticate(ctx, username, "nope")
	assert.ErrorIs(t, err, postgres.ErrInvalidCredentials)

	_, err = repo.Authenticate(ctx, uniqueUsername("ghost"), "password123")
	assert.ErrorIs(t, err, postgres.ErrPlayerNotFound)
}

func TestPlayerRepository_DuplicateUsername(t *testing.T) {
	repo := postgres.NewPlayerRepository(setupPool(t))
	ctx := context.Background()
	username := uniqueUsername("player")

	_, err := repo.Create(ctx, username, "password123")
	require.NoError(t, err)

	_, err = repo.Create(ctx, username, "password456")
	assert.ErrorIs(t, err, postgres.ErrPlayerExists)
}

func TestPlayerRepository_Get(t *testing.T) {
	repo := postgres.NewPlayerRepository(setupPool(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, uniqueUsername("player"), "password123")
	require.NoError(t, err)

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Username, got.Username)
}
