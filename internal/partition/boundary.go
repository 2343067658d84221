package partition

import (
	"sort"
	"sync"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/grid"
)

// BoundaryPosition is one entry of a batched boundary position report.
type BoundaryPosition struct {
	ID   ecs.EntityID
	X, Y float64
}

const boundaryCellSize = 100.0

type hashCell struct{ cx, cy int32 }

func boundaryCell(x, y float64) hashCell {
	return hashCell{
		cx: int32((x + grid.MapHalfSize) / boundaryCellSize),
		cy: int32((y + grid.MapHalfSize) / boundaryCellSize),
	}
}

type boundaryEntry struct {
	x, y float64
	cell hashCell
}

// boundarySet holds the boundary objects of one (map, partition) pair plus
// a 100-yard spatial hash over their last reported positions. Members
// registered without a position are not in the hash.
type boundarySet struct {
	mu      sync.Mutex
	members map[ecs.EntityID]*boundaryEntry
	cells   map[hashCell]map[ecs.EntityID]struct{}
}

func newBoundarySet() *boundarySet {
	return &boundarySet{
		members: make(map[ecs.EntityID]*boundaryEntry),
		cells:   make(map[hashCell]map[ecs.EntityID]struct{}),
	}
}

func (b *boundarySet) register(id ecs.EntityID) {
	if _, ok := b.members[id]; !ok {
		b.members[id] = nil
	}
}

func (b *boundarySet) update(id ecs.EntityID, x, y float64) {
	c := boundaryCell(x, y)
	if e := b.members[id]; e != nil {
		if e.cell == c {
			e.x, e.y = x, y
			return
		}
		b.unhash(id, e.cell)
	}
	b.members[id] = &boundaryEntry{x: x, y: y, cell: c}
	cell := b.cells[c]
	if cell == nil {
		cell = make(map[ecs.EntityID]struct{})
		b.cells[c] = cell
	}
	cell[id] = struct{}{}
}

func (b *boundarySet) unhash(id ecs.EntityID, c hashCell) {
	if cell := b.cells[c]; cell != nil {
		delete(cell, id)
		if len(cell) == 0 {
			delete(b.cells, c)
		}
	}
}

func (b *boundarySet) remove(id ecs.EntityID) {
	e, ok := b.members[id]
	if !ok {
		return
	}
	if e != nil {
		b.unhash(id, e.cell)
	}
	delete(b.members, id)
}

func (b *boundarySet) nearby(x, y, radius float64) []ecs.EntityID {
	var out []ecs.EntityID
	r2 := radius * radius
	span := int32(radius/boundaryCellSize) + 1
	center := boundaryCell(x, y)
	for dx := -span; dx <= span; dx++ {
		for dy := -span; dy <= span; dy++ {
			for id := range b.cells[hashCell{center.cx + dx, center.cy + dy}] {
				e := b.members[id]
				ex, ey := e.x-x, e.y-y
				if ex*ex+ey*ey <= r2 {
					out = append(out, id)
				}
			}
		}
	}
	sortIDs(out)
	return out
}

func (b *boundarySet) ids() []ecs.EntityID {
	out := make([]ecs.EntityID, 0, len(b.members))
	for id := range b.members {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []ecs.EntityID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
