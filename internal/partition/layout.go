package partition

import (
	"math"

	"github.com/l1jgo/worldshard/internal/grid"
)

// Layout splits the MaxGrids×MaxGrids grid square into a cols×rows block of
// partitions. Partition ids are 1-based, row-major.
type Layout struct {
	Count      uint32
	Cols       uint32
	Rows       uint32
	CellWidth  uint32 // grids per partition column
	CellHeight uint32 // grids per partition row
}

func NewLayout(count uint32) Layout {
	if count == 0 {
		count = 1
	}
	cols := uint32(math.Floor(math.Sqrt(float64(count))))
	if cols == 0 {
		cols = 1
	}
	rows := (count + cols - 1) / cols
	return Layout{
		Count:      count,
		Cols:       cols,
		Rows:       rows,
		CellWidth:  (grid.MaxGrids + cols - 1) / cols,
		CellHeight: (grid.MaxGrids + rows - 1) / rows,
	}
}

func clampGrid(v int) uint32 {
	switch {
	case v < 0:
		return 0
	case v >= grid.MaxGrids:
		return grid.MaxGrids - 1
	}
	return uint32(v)
}

func (l Layout) colRow(g grid.GridCoord) (col, row, gx, gy uint32) {
	gx, gy = clampGrid(g.X), clampGrid(g.Y)
	col = min(gx/l.CellWidth, l.Cols-1)
	row = min(gy/l.CellHeight, l.Rows-1)
	return col, row, gx, gy
}

// PartitionAt returns the partition owning grid g.
func (l Layout) PartitionAt(g grid.GridCoord) uint32 {
	if l.Count <= 1 {
		return 1
	}
	col, row, _, _ := l.colRow(g)
	index := row*l.Cols + col
	if index >= l.Count {
		index = l.Count - 1
	}
	return index + 1
}

// OverlapGrids converts a yard overlap into whole grids, at least one.
func OverlapGrids(overlap float64) uint32 {
	n := uint32(math.Ceil(overlap / grid.GridSize))
	if n == 0 {
		n = 1
	}
	return n
}

// NearBoundary reports whether g lies within overlapGrids of the edge of its
// layout cell.
func (l Layout) NearBoundary(g grid.GridCoord, overlapGrids uint32) bool {
	if l.Count <= 1 {
		return false
	}
	col, row, gx, gy := l.colRow(g)
	startX := col * l.CellWidth
	endX := min(startX+l.CellWidth-1, grid.MaxGrids-1)
	startY := row * l.CellHeight
	endY := min(startY+l.CellHeight-1, grid.MaxGrids-1)

	if gx-startX < overlapGrids || endX-gx < overlapGrids {
		return true
	}
	return gy-startY < overlapGrids || endY-gy < overlapGrids
}

// Adjacent returns the ids of the up to eight partitions touching pid.
func (l Layout) Adjacent(pid uint32) []uint32 {
	if l.Count <= 1 || pid == 0 || pid > l.Count {
		return nil
	}
	index := pid - 1
	prow, pcol := int(index/l.Cols), int(index%l.Cols)
	var out []uint32
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			r, c := prow+dr, pcol+dc
			if r < 0 || c < 0 || r >= int(l.Rows) || c >= int(l.Cols) {
				continue
			}
			n := uint32(r)*l.Cols + uint32(c)
			if n >= l.Count {
				continue
			}
			out = append(out, n+1)
		}
	}
	return out
}
