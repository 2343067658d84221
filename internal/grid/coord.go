// Package grid tracks which map grids are created and loaded, the overlay
// layers applied to them, and which entities occupy each cell.
package grid

import (
	"errors"
	"math"
)

const (
	MaxGrids     = 64
	GridSize     = 533.3333
	CellsPerGrid = 8
	CellSize     = GridSize / CellsPerGrid
	TotalCells   = MaxGrids * CellsPerGrid
	CenterGridID = MaxGrids / 2
	CenterCellID = TotalCells / 2
	MapHalfSize  = GridSize * MaxGrids / 2
)

var (
	ErrInvalidCoord  = errors.New("invalid grid coordinate")
	ErrGridNotLoaded = errors.New("grid not loaded")
	ErrGridInUse     = errors.New("grid in use")
)

// GridCoord addresses one of the MaxGrids×MaxGrids grids of a map.
type GridCoord struct {
	X, Y int
}

func (g GridCoord) Valid() bool {
	return g.X >= 0 && g.X < MaxGrids && g.Y >= 0 && g.Y < MaxGrids
}

// ID flattens the coordinate into 0..MaxGrids²-1.
func (g GridCoord) ID() uint32 {
	return uint32(g.Y*MaxGrids + g.X)
}

// Origin returns the lowest cell of g.
func (g GridCoord) Origin() CellCoord {
	return CellCoord{X: g.X * CellsPerGrid, Y: g.Y * CellsPerGrid}
}

// CellCoord addresses one of the TotalCells×TotalCells cells of a map.
type CellCoord struct {
	X, Y int
}

func (c CellCoord) Valid() bool {
	return c.X >= 0 && c.X < TotalCells && c.Y >= 0 && c.Y < TotalCells
}

// Grid returns the grid containing c.
func (c CellCoord) Grid() GridCoord {
	return GridCoord{X: c.X / CellsPerGrid, Y: c.Y / CellsPerGrid}
}

func compute(v, size float64, center int) int {
	off := (v - size/2) / size
	return int(math.Floor(off + float64(center) + 0.5))
}

// ComputeGridCoord maps a world position onto its grid. The result is only
// meaningful when ValidPosition(x, y) holds.
func ComputeGridCoord(x, y float64) GridCoord {
	return GridCoord{X: compute(x, GridSize, CenterGridID), Y: compute(y, GridSize, CenterGridID)}
}

func ComputeCellCoord(x, y float64) CellCoord {
	return CellCoord{X: compute(x, CellSize, CenterCellID), Y: compute(y, CellSize, CenterCellID)}
}

func validAxis(v float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= MapHalfSize-0.5
}

// ValidPosition reports whether (x, y) lies inside the map square.
func ValidPosition(x, y float64) bool {
	return validAxis(x) && validAxis(y)
}
