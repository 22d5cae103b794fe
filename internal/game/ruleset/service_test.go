package ruleset_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/ruleset"
)

func newService() *ruleset.Service {
	return ruleset.NewService(ruleset.DefaultLimits, clock.NewFake(time.Unix(5000, 0)), zap.NewNop())
}

func baseMetadata() ruleset.Metadata {
	return ruleset.Metadata{
		Description: "standard battle",
		Tags:        []string{"ranked", "standard"},
		MaxPlayers:  8,
		Board: ruleset.BoardSpec{
			Width:  20,
			Height: 20,
			InitialTiles: []ruleset.InitialTile{
				{X: 10, Y: 10, TileType: 1},
			},
		},
		Placement: ruleset.PlacementSpec{
			Adjacency:                   ruleset.AdjacencyOrthogonal,
			AllowFirstPlacementAnywhere: true,
		},
	}
}

func TestPublish_AndRequireByVersion(t *testing.T) {
	svc := newService()
	published, err := svc.Publish("1.0.0", baseMetadata())
	require.NoError(t, err)
	assert.NotEmpty(t, published.ID)

	got, err := svc.RequireByVersion("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, published, got)

	byID, err := svc.RequireByID(published.ID)
	require.NoError(t, err)
	assert.Equal(t, published, byID)
}

func TestPublish_VersionConflict(t *testing.T) {
	svc := newService()
	_, err := svc.Publish("1.0.0", baseMetadata())
	require.NoError(t, err)

	_, err = svc.Publish("1.0.0", baseMetadata())
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.VersionConflict, ce.Entry.Key)
}

func TestPublish_InvalidVersion(t *testing.T) {
	svc := newService()
	for _, version := range []string{"1.0", "v1.0.0", "1.0.0-beta", "01.0.0", "", "1.0.0.0"} {
		_, err := svc.Publish(version, baseMetadata())
		var ce *catalog.Error
		require.True(t, errors.As(err, &ce), "version %q", version)
		assert.Equal(t, catalog.InvalidVersion, ce.Entry.Key, "version %q", version)
	}
}

func TestRequire_NotFound(t *testing.T) {
	svc := newService()
	_, err := svc.RequireByVersion("9.9.9")
	var ce *catalog.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, catalog.NotFound, ce.Entry.Key)

	_, err = svc.RequireByID("nope")
	assert.Error(t, err)
}

func TestPublish_NormalizesMetadata(t *testing.T) {
	svc := newService()
	meta := ruleset.Metadata{
		Tags:       []string{"Ranked", "ranked", "  ", "casual", "RANKED"},
		MaxPlayers: 100,
		Board:      ruleset.BoardSpec{Width: 500, Height: 0},
		Placement:  ruleset.PlacementSpec{Adjacency: "diagonal"},
		Extras: map[string]any{
			"scalar": "kept",
			"number": 42,
			"nested": map[string]any{"dropped": true},
		},
	}

	published, err := svc.Publish("2.0.0", meta)
	require.NoError(t, err)

	assert.Equal(t, []string{"Ranked", "casual"}, published.Metadata.Tags)
	assert.Equal(t, 64, published.Metadata.MaxPlayers)
	assert.Equal(t, 256, published.Metadata.Board.Width)
	assert.Equal(t, 1, published.Metadata.Board.Height)
	assert.Equal(t, ruleset.AdjacencyOrthogonal, published.Metadata.Placement.Adjacency)
	assert.Equal(t, "kept", published.Metadata.Extras["scalar"])
	assert.NotContains(t, published.Metadata.Extras, "nested")
}

func TestPublish_RequireReturnsNormalizedForm(t *testing.T) {
	svc := newService()
	published, err := svc.Publish("1.2.3", baseMetadata())
	require.NoError(t, err)

	got, err := svc.RequireByVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, published.Metadata, got.Metadata)
}

func TestReturnedValuesAreIndependentCopies(t *testing.T) {
	svc := newService()
	_, err := svc.Publish("1.0.0", baseMetadata())
	require.NoError(t, err)

	first, err := svc.RequireByVersion("1.0.0")
	require.NoError(t, err)
	first.Metadata.Tags[0] = "mutated"
	first.Metadata.Board.InitialTiles[0].TileType = 99

	second, err := svc.RequireByVersion("1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "ranked", second.Metadata.Tags[0])
	assert.Equal(t, 1, second.Metadata.Board.InitialTiles[0].TileType)
}

func TestLatest_OrdersBySemverNotLexically(t *testing.T) {
	svc := newService()
	for _, v := range []string{"1.0.0", "1.10.0", "1.9.0"} {
		_, err := svc.Publish(v, baseMetadata())
		require.NoError(t, err)
	}

	latest, ok := svc.Latest()
	require.True(t, ok)
	assert.Equal(t, "1.10.0", latest.Version)

	list := svc.List()
	require.Len(t, list, 3)
	assert.Equal(t, "1.0.0", list[0].Version)
	assert.Equal(t, "1.9.0", list[1].Version)
	assert.Equal(t, "1.10.0", list[2].Version)
}

func TestParseMetadata_GathersUnknownKeysIntoExtras(t *testing.T) {
	meta := ruleset.ParseMetadata(map[string]any{
		"description":  "custom",
		"max_players":  4,
		"tags":         []any{"a", "b"},
		"board":        map[string]any{"width": 8, "height": 8},
		"turn_timer":   30,
		"experimental": true,
	})

	assert.Equal(t, "custom", meta.Description)
	assert.Equal(t, 4, meta.MaxPlayers)
	assert.Equal(t, []string{"a", "b"}, meta.Tags)
	assert.Equal(t, 8, meta.Board.Width)
	assert.Equal(t, 30, meta.Extras["turn_timer"])
	assert.Equal(t, true, meta.Extras["experimental"])
}

func TestLoadDir_PublishesBundles(t *testing.T) {
	dir := t.TempDir()
	bundle := `
version: "3.0.0"
metadata:
  description: seeded
  max_players: 6
  board:
    width: 12
    height: 12
    initial_tiles:
      - x: 6
        y: 6
        tile_type: 2
  placement:
    adjacency: any
  season: spring
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "standard.yaml"), []byte(bundle), 0o600))

	svc := newService()
	n, err := svc.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rs, err := svc.RequireByVersion("3.0.0")
	require.NoError(t, err)
	assert.Equal(t, 6, rs.Metadata.MaxPlayers)
	assert.Equal(t, ruleset.AdjacencyAny, rs.Metadata.Placement.Adjacency)
	require.Len(t, rs.Metadata.Board.InitialTiles, 1)
	assert.Equal(t, 2, rs.Metadata.Board.InitialTiles[0].TileType)
	assert.Equal(t, "spring", rs.Metadata.Extras["season"])
}

func TestProperty_NormalizeIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		meta := ruleset.Metadata{
			MaxPlayers: rapid.IntRange(-10, 200).Draw(t, "players"),
			Board: ruleset.BoardSpec{
				Width:  rapid.IntRange(-10, 1000).Draw(t, "width"),
				Height: rapid.IntRange(-10, 1000).Draw(t, "height"),
			},
			Tags: rapid.SliceOfN(rapid.StringMatching(`[A-Za-z]{1,40}`), 0, 40).Draw(t, "tags"),
		}
		once := ruleset.Normalize(meta, ruleset.DefaultLimits)
		twice := ruleset.Normalize(once, ruleset.DefaultLimits)
		assert.Equal(t, once, twice)

		assert.GreaterOrEqual(t, once.MaxPlayers, 2)
		assert.LessOrEqual(t, once.MaxPlayers, 64)
		assert.GreaterOrEqual(t, once.Board.Width, 1)
		assert.LessOrEqual(t, once.Board.Width, 256)
		assert.LessOrEqual(t, len(once.Tags), 32)
	})
}
