package grid

import "github.com/l1jgo/worldshard/internal/core/ecs"

// Cell occupancy. A 3×3 block of cells around a position covers everything
// within one CellSize of it.

// Add places id into the cell at (px, py). The grid must be loaded.
func (x *Index) Add(id ecs.EntityID, px, py float64) error {
	if !ValidPosition(px, py) {
		return ErrInvalidCoord
	}
	c := ComputeCellCoord(px, py)
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.grids[c.Grid().ID()]
	if s == nil || !s.loaded {
		return ErrGridNotLoaded
	}
	x.addLocked(id, c, s)
	return nil
}

func (x *Index) addLocked(id ecs.EntityID, c CellCoord, s *gridState) {
	cell := x.cells[c]
	if cell == nil {
		cell = make(map[ecs.EntityID]struct{})
		x.cells[c] = cell
	}
	if _, ok := cell[id]; ok {
		return
	}
	cell[id] = struct{}{}
	s.occupants++
}

// Place loads the grid at (px, py) if needed and adds id there.
func (x *Index) Place(id ecs.EntityID, px, py float64) error {
	if !ValidPosition(px, py) {
		return ErrInvalidCoord
	}
	if _, err := x.EnsureLoaded(ComputeCellCoord(px, py)); err != nil {
		return err
	}
	return x.Add(id, px, py)
}

// Remove takes id out of the cell at (px, py). Unknown ids are ignored.
func (x *Index) Remove(id ecs.EntityID, px, py float64) {
	if !ValidPosition(px, py) {
		return
	}
	c := ComputeCellCoord(px, py)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id, c)
}

func (x *Index) removeLocked(id ecs.EntityID, c CellCoord) {
	cell := x.cells[c]
	if cell == nil {
		return
	}
	if _, ok := cell[id]; !ok {
		return
	}
	delete(cell, id)
	if len(cell) == 0 {
		delete(x.cells, c)
	}
	if s := x.grids[c.Grid().ID()]; s != nil {
		s.occupants--
		if s.occupants == 0 {
			s.idleSince = x.now()
		}
	}
}

// Move updates id's cell, loading the destination grid on demand. It reports
// whether the entity crossed into a different grid.
func (x *Index) Move(id ecs.EntityID, ox, oy, nx, ny float64) (bool, error) {
	if !ValidPosition(nx, ny) {
		return false, ErrInvalidCoord
	}
	to := ComputeCellCoord(nx, ny)
	if _, err := x.EnsureLoaded(to); err != nil {
		return false, err
	}

	x.mu.Lock()
	gridChanged := true
	if ValidPosition(ox, oy) {
		from := ComputeCellCoord(ox, oy)
		if from == to {
			if cell := x.cells[to]; cell != nil {
				if _, ok := cell[id]; ok {
					x.mu.Unlock()
					return false, nil
				}
			}
		}
		gridChanged = from.Grid() != to.Grid()
		x.removeLocked(id, from)
	}
	var pending []uint32
	s := x.state(to.Grid())
	if !s.loaded {
		// unloaded by a sweep between EnsureLoaded and here
		pending = x.loadLocked(to.Grid(), s)
	}
	x.addLocked(id, to, s)
	x.mu.Unlock()

	x.applyLayers(to.Grid(), pending)
	return gridChanged, nil
}

// Nearby returns every id in the 3×3 cell neighbourhood of (px, py).
func (x *Index) Nearby(px, py float64) []ecs.EntityID {
	if !ValidPosition(px, py) {
		return nil
	}
	c := ComputeCellCoord(px, py)
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []ecs.EntityID
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for id := range x.cells[CellCoord{X: c.X + dx, Y: c.Y + dy}] {
				out = append(out, id)
			}
		}
	}
	return out
}

// Occupants returns the number of ids placed in grid g.
func (x *Index) Occupants(g GridCoord) int {
	if !g.Valid() {
		return 0
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if s := x.grids[g.ID()]; s != nil {
		return s.occupants
	}
	return 0
}
