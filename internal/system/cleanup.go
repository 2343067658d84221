// Package system holds the shared-phase systems run on the coordinator after
// every partition of a tick has finished.
package system

import (
	"time"

	coresys "github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

// CleanupSystem frees entities destroyed during the tick. Phase 0 (Relocate).
type CleanupSystem struct {
	store *world.Store
	log   *zap.Logger
}

func NewCleanupSystem(store *world.Store, log *zap.Logger) *CleanupSystem {
	return &CleanupSystem{store: store, log: log}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseRelocate }

func (s *CleanupSystem) Update(_ time.Duration) {
	if ids := s.store.FlushDestroyed(); len(ids) > 0 {
		s.log.Debug("destroyed entities freed", zap.Int("count", len(ids)))
	}
}

// GridSweepSystem unloads grids that stayed empty for idle. It sweeps every
// `every` ticks; idle 0 disables it. Phase 5 (Cleanup).
type GridSweepSystem struct {
	grid      *grid.Index
	idle      time.Duration
	every     int
	tickCount int
	log       *zap.Logger
}

func NewGridSweepSystem(idx *grid.Index, idle time.Duration, every int, log *zap.Logger) *GridSweepSystem {
	if every < 1 {
		every = 1
	}
	return &GridSweepSystem{grid: idx, idle: idle, every: every, log: log}
}

func (s *GridSweepSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *GridSweepSystem) Update(_ time.Duration) {
	if s.idle <= 0 {
		return
	}
	s.tickCount++
	if s.tickCount < s.every {
		return
	}
	s.tickCount = 0
	if swept := s.grid.SweepIdle(s.idle); len(swept) > 0 {
		created, loaded := s.grid.Stats()
		s.log.Debug("idle grids unloaded",
			zap.Int("count", len(swept)), zap.Int("created", created), zap.Int("loaded", loaded))
	}
}
