package grid

import (
	"sort"
	"sync"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"go.uber.org/zap"
)

// LayerLoader applies an overlay layer to a freshly loaded grid.
type LayerLoader interface {
	LoadLayer(g GridCoord, layerID uint32) error
}

// BaseLayer is marked loaded whenever a grid loads.
const BaseLayer uint32 = 0

type gridState struct {
	created   bool
	loaded    bool
	layers    map[uint32]struct{}
	occupants int
	idleSince time.Time
}

// Index holds grid lifecycle and cell occupancy for one map.
// Safe for concurrent use; the LayerLoader is called without the lock held.
type Index struct {
	mu     sync.RWMutex
	grids  [MaxGrids * MaxGrids]*gridState
	queued map[GridCoord][]uint32
	cells  map[CellCoord]map[ecs.EntityID]struct{}
	loader LayerLoader
	log    *zap.Logger
	now    func() time.Time
}

// NewIndex creates an empty index. loader may be nil.
func NewIndex(loader LayerLoader, log *zap.Logger) *Index {
	return &Index{
		queued: make(map[GridCoord][]uint32),
		cells:  make(map[CellCoord]map[ecs.EntityID]struct{}),
		loader: loader,
		log:    log,
		now:    time.Now,
	}
}

func (x *Index) state(g GridCoord) *gridState {
	s := x.grids[g.ID()]
	if s == nil {
		s = &gridState{layers: make(map[uint32]struct{})}
		x.grids[g.ID()] = s
	}
	return s
}

// EnsureCreated marks g created. Idempotent.
func (x *Index) EnsureCreated(g GridCoord) error {
	if !g.Valid() {
		return ErrInvalidCoord
	}
	x.mu.Lock()
	x.state(g).created = true
	x.mu.Unlock()
	return nil
}

// EnsureLoaded loads the grid containing c. It returns true only for the call
// that performed the load; queued layers are applied by that call.
func (x *Index) EnsureLoaded(c CellCoord) (bool, error) {
	if !c.Valid() {
		return false, ErrInvalidCoord
	}
	g := c.Grid()

	x.mu.Lock()
	s := x.state(g)
	if s.loaded {
		x.mu.Unlock()
		return false, nil
	}
	pending := x.loadLocked(g, s)
	x.mu.Unlock()

	x.applyLayers(g, pending)
	return true, nil
}

// loadLocked marks g loaded and returns the layers queued for it. The caller
// applies them with applyLayers after releasing the lock.
func (x *Index) loadLocked(g GridCoord, s *gridState) []uint32 {
	s.created = true
	s.loaded = true
	s.layers[BaseLayer] = struct{}{}
	s.idleSince = x.now()
	return append([]uint32(nil), x.queued[g]...)
}

func (x *Index) applyLayers(g GridCoord, layers []uint32) {
	for _, layer := range layers {
		x.applyLayer(g, layer)
	}
}

func (x *Index) applyLayer(g GridCoord, layer uint32) bool {
	if x.loader != nil {
		if err := x.loader.LoadLayer(g, layer); err != nil {
			x.log.Warn("layer load failed",
				zap.Int("grid_x", g.X), zap.Int("grid_y", g.Y),
				zap.Uint32("layer", layer), zap.Error(err))
			return false
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.state(g)
	if !s.loaded {
		return false
	}
	s.layers[layer] = struct{}{}
	return true
}

func (x *Index) IsCreated(g GridCoord) bool {
	if !g.Valid() {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := x.grids[g.ID()]
	return s != nil && s.created
}

func (x *Index) IsLoaded(g GridCoord) bool {
	if !g.Valid() {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := x.grids[g.ID()]
	return s != nil && s.loaded
}

// IsLoadedAt is IsLoaded for a world position.
func (x *Index) IsLoadedAt(px, py float64) bool {
	return ValidPosition(px, py) && x.IsLoaded(ComputeGridCoord(px, py))
}

// Unload drops g's loaded state and layers. Occupied grids stay loaded.
func (x *Index) Unload(g GridCoord) error {
	if !g.Valid() {
		return ErrInvalidCoord
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.unloadLocked(g)
}

func (x *Index) unloadLocked(g GridCoord) error {
	s := x.grids[g.ID()]
	if s == nil || !s.loaded {
		return ErrGridNotLoaded
	}
	if s.occupants > 0 {
		return ErrGridInUse
	}
	s.loaded = false
	s.layers = make(map[uint32]struct{})
	return nil
}

// QueueLayer registers an overlay for g. A loaded grid receives it now,
// an unloaded one on its next load.
func (x *Index) QueueLayer(g GridCoord, layer uint32) error {
	if !g.Valid() {
		return ErrInvalidCoord
	}
	x.mu.Lock()
	for _, l := range x.queued[g] {
		if l == layer {
			x.mu.Unlock()
			return nil
		}
	}
	x.queued[g] = append(x.queued[g], layer)
	s := x.grids[g.ID()]
	applyNow := s != nil && s.loaded
	if applyNow {
		_, applyNow = s.layers[layer]
		applyNow = !applyNow
	}
	x.mu.Unlock()

	if applyNow {
		x.applyLayer(g, layer)
	}
	return nil
}

// EnsureLayerLoaded loads the grid at c and then layer on it. It returns
// true if this call applied the layer.
func (x *Index) EnsureLayerLoaded(c CellCoord, layer uint32) (bool, error) {
	if _, err := x.EnsureLoaded(c); err != nil {
		return false, err
	}
	g := c.Grid()
	x.mu.RLock()
	_, have := x.grids[g.ID()].layers[layer]
	x.mu.RUnlock()
	if have {
		return false, nil
	}
	return x.applyLayer(g, layer), nil
}

// ClearLayer removes layer from every grid and from the pending queue.
func (x *Index) ClearLayer(layer uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for g, ls := range x.queued {
		out := ls[:0]
		for _, l := range ls {
			if l != layer {
				out = append(out, l)
			}
		}
		if len(out) == 0 {
			delete(x.queued, g)
		} else {
			x.queued[g] = out
		}
	}
	if layer == BaseLayer {
		return
	}
	for _, s := range x.grids {
		if s != nil {
			delete(s.layers, layer)
		}
	}
}

// LoadedLayers returns the layers applied to g in ascending order.
func (x *Index) LoadedLayers(g GridCoord) []uint32 {
	if !g.Valid() {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := x.grids[g.ID()]
	if s == nil {
		return nil
	}
	out := make([]uint32, 0, len(s.layers))
	for l := range s.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SweepIdle unloads grids that have been empty for at least idle.
func (x *Index) SweepIdle(idle time.Duration) []GridCoord {
	now := x.now()
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []GridCoord
	for id, s := range x.grids {
		if s == nil || !s.loaded || s.occupants > 0 {
			continue
		}
		if now.Sub(s.idleSince) < idle {
			continue
		}
		g := GridCoord{X: id % MaxGrids, Y: id / MaxGrids}
		if x.unloadLocked(g) == nil {
			out = append(out, g)
		}
	}
	return out
}

// Stats returns the number of created and loaded grids.
func (x *Index) Stats() (created, loaded int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, s := range x.grids {
		if s == nil {
			continue
		}
		if s.created {
			created++
		}
		if s.loaded {
			loaded++
		}
	}
	return created, loaded
}
