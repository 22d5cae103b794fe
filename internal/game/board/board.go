// Package board holds the shared tile grid for one battle instance.
package board

import (
	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
)

// EmptyTile marks a cell with no tile. Placed tile types are non-negative.
const EmptyTile = -1

// SystemActor is recorded as lastUpdatedBy for seeded tiles.
const SystemActor = "system"

// Position addresses one cell. X is the column, Y the row.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Cell is one grid entry. The zero value is not valid; use New, which
// initializes every cell to EmptyTile.
type Cell struct {
	TileType        int    `json:"tileType"`
	LastUpdatedTick int64  `json:"lastUpdatedTick"`
	LastUpdatedBy   string `json:"lastUpdatedBy,omitempty"`
}

// Empty reports whether no tile occupies the cell.
func (c Cell) Empty() bool {
	return c.TileType == EmptyTile
}

// Board is a row-major grid of width*height cells. Cell (x, y) lives at
// index y*width + x. Board is not safe for concurrent use; the owning room
// serializes access.
type Board struct {
	width  int
	height int
	cells  []Cell
}

// New creates an empty board.
//
// Precondition: width and height must be positive.
func New(width, height int) *Board {
	cells := make([]Cell, width*height)
	for i := range cells {
		cells[i].TileType = EmptyTile
	}
	return &Board{width: width, height: height, cells: cells}
}

// Width returns the board width in cells.
func (b *Board) Width() int { return b.width }

// Height returns the board height in cells.
func (b *Board) Height() int { return b.height }

// InBounds reports whether pos addresses a cell on the board.
func (b *Board) InBounds(pos Position) bool {
	return pos.X >= 0 && pos.X < b.width && pos.Y >= 0 && pos.Y < b.height
}

// Index returns the row-major cell index for pos.
//
// Precondition: pos must be in bounds.
func (b *Board) Index(pos Position) int {
	return pos.Y*b.width + pos.X
}

// GetCell returns the cell at pos. Out-of-bounds positions return an
// empty cell and false.
func (b *Board) GetCell(pos Position) (Cell, bool) {
	if !b.InBounds(pos) {
		return Cell{TileType: EmptyTile}, false
	}
	return b.cells[b.Index(pos)], true
}

// CellAt returns the cell at a raw row-major index.
//
// Precondition: index must be in [0, width*height).
func (b *Board) CellAt(index int) Cell {
	return b.cells[index]
}

// ApplyTilePlacement writes tileType into the cell at pos.
//
// Precondition: pos in bounds, cell empty, tick not older than the cell's
// last update, tileType non-negative.
// Postcondition: On success the cell carries tileType, tick, and actor.
func (b *Board) ApplyTilePlacement(pos Position, tileType int, tick int64, actor string) error {
	if !b.InBounds(pos) {
		return catalog.NewError(catalog.InvalidTilePlacement).
			WithDetails("x", pos.X).
			WithDetails("y", pos.Y).
			WithDetails("width", b.width).
			WithDetails("height", b.height)
	}
	if tileType < 0 {
		return catalog.NewError(catalog.InvalidTilePlacement).
			WithDetails("tileType", tileType)
	}

	cell := &b.cells[b.Index(pos)]
	if !cell.Empty() {
		return catalog.NewError(catalog.PrecedenceConflict).
			WithDetails("x", pos.X).
			WithDetails("y", pos.Y).
			WithDetails("occupiedBy", cell.LastUpdatedBy).
			WithDetails("occupiedTick", cell.LastUpdatedTick)
	}
	if tick < cell.LastUpdatedTick {
		return catalog.NewError(catalog.InvalidTilePlacement).
			WithDetails("tick", tick).
			WithDetails("lastUpdatedTick", cell.LastUpdatedTick)
	}

	cell.TileType = tileType
	cell.LastUpdatedTick = tick
	cell.LastUpdatedBy = actor
	return nil
}

// SetCell overwrites the cell at pos, bypassing placement validation.
// Rooms use it to restore a cell after a placement that could not be
// persisted.
//
// Precondition: pos must be in bounds.
func (b *Board) SetCell(pos Position, cell Cell) {
	b.cells[b.Index(pos)] = cell
}

// HasOrthogonalNeighbor reports whether any of the four cardinal cells
// around pos holds a tile.
func (b *Board) HasOrthogonalNeighbor(pos Position) bool {
	neighbors := []Position{
		{X: pos.X, Y: pos.Y - 1},
		{X: pos.X, Y: pos.Y + 1},
		{X: pos.X - 1, Y: pos.Y},
		{X: pos.X + 1, Y: pos.Y},
	}
	return b.anyOccupied(neighbors)
}

// HasAnyNeighbor reports whether any of the eight surrounding cells
// around pos holds a tile.
func (b *Board) HasAnyNeighbor(pos Position) bool {
	var neighbors []Position
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			neighbors = append(neighbors, Position{X: pos.X + dx, Y: pos.Y + dy})
		}
	}
	return b.anyOccupied(neighbors)
}

func (b *Board) anyOccupied(positions []Position) bool {
	for _, pos := range positions {
		if cell, ok := b.GetCell(pos); ok && !cell.Empty() {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no cell on the board holds a tile.
func (b *Board) IsEmpty() bool {
	for i := range b.cells {
		if !b.cells[i].Empty() {
			return false
		}
	}
	return true
}

// Cells returns a copy of the row-major cell array.
func (b *Board) Cells() []Cell {
	return append([]Cell(nil), b.cells...)
}

// Clone returns an independent copy of the board.
func (b *Board) Clone() *Board {
	return &Board{width: b.width, height: b.height, cells: b.Cells()}
}
