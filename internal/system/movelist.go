package system

import (
	"time"

	coresys "github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/grid"
	"go.uber.org/zap"
)

// MoveListSystem applies the grid cell moves queued by non-player updates.
// Phase 2 (MoveList).
type MoveListSystem struct {
	moves *grid.MoveList
	grid  *grid.Index
	log   *zap.Logger
}

func NewMoveListSystem(moves *grid.MoveList, idx *grid.Index, log *zap.Logger) *MoveListSystem {
	return &MoveListSystem{moves: moves, grid: idx, log: log}
}

func (s *MoveListSystem) Phase() coresys.Phase { return coresys.PhaseMoveList }

func (s *MoveListSystem) Update(_ time.Duration) {
	if s.moves.Len() == 0 {
		return
	}
	moved, failed := s.moves.Flush(s.grid)
	if failed > 0 {
		s.log.Warn("queued cell moves failed", zap.Int("moved", moved), zap.Int("failed", failed))
	}
}
