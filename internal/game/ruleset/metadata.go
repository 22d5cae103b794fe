// Package ruleset provides immutable, versioned bundles of gameplay
// parameters: board shape, player caps, and tile placement rules.
package ruleset

import (
	"strings"
	"time"
)

// Adjacency controls which neighbouring cells a new tile may be placed next to.
type Adjacency string

const (
	// AdjacencyNone places no neighbour constraint.
	AdjacencyNone Adjacency = "none"
	// AdjacencyOrthogonal requires a neighbour in one of the four cardinal cells.
	AdjacencyOrthogonal Adjacency = "orthogonal"
	// AdjacencyAny requires a neighbour in any of the eight surrounding cells.
	AdjacencyAny Adjacency = "any"
)

// Limits bound normalization. The zero value is replaced by DefaultLimits.
type Limits struct {
	// MaxDimension caps board width and height (at most 256).
	MaxDimension int
	// MaxPlayers caps the per-instance player count (at most 64).
	MaxPlayers int
}

// DefaultLimits are the hard ceilings applied when no limits are configured.
var DefaultLimits = Limits{MaxDimension: 256, MaxPlayers: 64}

const (
	maxTags      = 32
	maxTagLength = 32
)

// InitialTile seeds one board cell at instance creation.
type InitialTile struct {
	X        int `yaml:"x" json:"x"`
	Y        int `yaml:"y" json:"y"`
	TileType int `yaml:"tile_type" json:"tileType"`
}

// BoardSpec is the board shape for a rule set.
type BoardSpec struct {
	Width        int           `yaml:"width" json:"width"`
	Height       int           `yaml:"height" json:"height"`
	InitialTiles []InitialTile `yaml:"initial_tiles" json:"initialTiles"`
}

// PlacementSpec controls tile placement validation.
type PlacementSpec struct {
	Adjacency                   Adjacency `yaml:"adjacency" json:"adjacency"`
	AllowFirstPlacementAnywhere bool      `yaml:"allow_first_placement_anywhere" json:"allowFirstPlacementAnywhere"`
}

// Metadata is the gameplay parameter bundle of one rule set version.
type Metadata struct {
	Description string         `yaml:"description" json:"description,omitempty"`
	Tags        []string       `yaml:"tags" json:"tags"`
	MaxPlayers  int            `yaml:"max_players" json:"maxPlayers"`
	Board       BoardSpec      `yaml:"board" json:"board"`
	Placement   PlacementSpec  `yaml:"placement" json:"placement"`
	Extras      map[string]any `yaml:"extras" json:"extras,omitempty"`
}

// RuleSet is one published, immutable version.
type RuleSet struct {
	ID        string
	Version   string
	CreatedAt time.Time
	Metadata  Metadata
}

// Normalize returns a copy of meta with all values forced into bounds:
// board dimensions clamped to [1, limits.MaxDimension], max players clamped
// to [2, limits.MaxPlayers], tags deduplicated case-insensitively and capped,
// adjacency defaulted to orthogonal, and extras restricted to JSON scalars.
func Normalize(meta Metadata, limits Limits) Metadata {
	if limits.MaxDimension < 1 || limits.MaxDimension > DefaultLimits.MaxDimension {
		limits.MaxDimension = DefaultLimits.MaxDimension
	}
	if limits.MaxPlayers < 2 || limits.MaxPlayers > DefaultLimits.MaxPlayers {
		limits.MaxPlayers = DefaultLimits.MaxPlayers
	}

	out := cloneMetadata(meta)

	out.Board.Width = clamp(out.Board.Width, 1, limits.MaxDimension)
	out.Board.Height = clamp(out.Board.Height, 1, limits.MaxDimension)
	out.MaxPlayers = clamp(out.MaxPlayers, 2, limits.MaxPlayers)

	out.Tags = normalizeTags(out.Tags)

	switch out.Placement.Adjacency {
	case AdjacencyNone, AdjacencyOrthogonal, AdjacencyAny:
	default:
		out.Placement.Adjacency = AdjacencyOrthogonal
	}

	// Drop initial tiles that fall outside the clamped board.
	kept := out.Board.InitialTiles[:0]
	for _, tile := range out.Board.InitialTiles {
		if tile.X >= 0 && tile.X < out.Board.Width &&
			tile.Y >= 0 && tile.Y < out.Board.Height && tile.TileType >= 0 {
			kept = append(kept, tile)
		}
	}
	out.Board.InitialTiles = kept

	out.Extras = scalarOnly(out.Extras)
	return out
}

// ParseMetadata builds a Metadata from an untyped document, gathering unknown
// top-level scalar keys into Extras. Known keys use their snake_case names.
func ParseMetadata(raw map[string]any) Metadata {
	var meta Metadata
	extras := make(map[string]any)

	for key, value := range raw {
		switch key {
		case "description":
			if s, ok := value.(string); ok {
				meta.Description = s
			}
		case "tags":
			meta.Tags = toStringSlice(value)
		case "max_players":
			meta.MaxPlayers = toInt(value)
		case "board":
			if m, ok := value.(map[string]any); ok {
				meta.Board = parseBoard(m)
			}
		case "placement":
			if m, ok := value.(map[string]any); ok {
				meta.Placement = parsePlacement(m)
			}
		case "extras":
			if m, ok := value.(map[string]any); ok {
				for k, v := range m {
					extras[k] = v
				}
			}
		default:
			extras[key] = value
		}
	}

	if len(extras) > 0 {
		meta.Extras = extras
	}
	return meta
}

func parseBoard(raw map[string]any) BoardSpec {
	spec := BoardSpec{
		Width:  toInt(raw["width"]),
		Height: toInt(raw["height"]),
	}
	tiles, ok := raw["initial_tiles"].([]any)
	if !ok {
		return spec
	}
	for _, entry := range tiles {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		spec.InitialTiles = append(spec.InitialTiles, InitialTile{
			X:        toInt(m["x"]),
			Y:        toInt(m["y"]),
			TileType: toInt(m["tile_type"]),
		})
	}
	return spec
}

func parsePlacement(raw map[string]any) PlacementSpec {
	spec := PlacementSpec{}
	if s, ok := raw["adjacency"].(string); ok {
		spec.Adjacency = Adjacency(s)
	}
	if b, ok := raw["allow_first_placement_anywhere"].(bool); ok {
		spec.AllowFirstPlacementAnywhere = b
	}
	return spec
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if len(tag) > maxTagLength {
			tag = tag[:maxTagLength]
		}
		lower := strings.ToLower(tag)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, tag)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

// scalarOnly keeps JSON-scalar extras and drops nested structures.
func scalarOnly(extras map[string]any) map[string]any {
	if len(extras) == 0 {
		return nil
	}
	out := make(map[string]any, len(extras))
	for k, v := range extras {
		switch v.(type) {
		case string, bool, int, int64, float64, nil:
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneMetadata(meta Metadata) Metadata {
	out := meta
	out.Tags = append([]string(nil), meta.Tags...)
	out.Board.InitialTiles = append([]InitialTile(nil), meta.Board.InitialTiles...)
	if meta.Extras != nil {
		out.Extras = make(map[string]any, len(meta.Extras))
		for k, v := range meta.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toStringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return append([]string(nil), vs...)
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
