package system

import (
	"context"
	"time"

	coresys "github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/partition"
	"go.uber.org/zap"
)

const ownershipSaveTimeout = 5 * time.Second

// OwnershipSource hands out changed sticky assignments, normally
// *partition.Manager.
type OwnershipSource interface {
	DrainOwnership() []partition.OwnershipRow
	RequeueOwnership(rows []partition.OwnershipRow)
}

// OwnershipSaver writes assignments, normally *persist.OwnershipRepo.
type OwnershipSaver interface {
	SaveBatch(ctx context.Context, rows []partition.OwnershipRow) error
}

// OwnershipPersistSystem periodically flushes changed player ownership rows.
// Only rows changed since the last flush are written; a failed batch is
// requeued for the next one. Phase 4 (Persist).
type OwnershipPersistSystem struct {
	source    OwnershipSource
	saver     OwnershipSaver
	log       *zap.Logger
	tickCount int
	interval  int // flush every N ticks
}

func NewOwnershipPersistSystem(source OwnershipSource, saver OwnershipSaver, log *zap.Logger, intervalTicks int) *OwnershipPersistSystem {
	if intervalTicks < 1 {
		intervalTicks = 1
	}
	return &OwnershipPersistSystem{
		source:   source,
		saver:    saver,
		log:      log,
		interval: intervalTicks,
	}
}

func (s *OwnershipPersistSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *OwnershipPersistSystem) Update(_ time.Duration) {
	s.tickCount++
	if s.tickCount < s.interval {
		return
	}
	s.tickCount = 0
	if _, err := s.Flush(context.Background()); err != nil {
		s.log.Error("ownership save failed", zap.Error(err))
	}
}

// Flush writes every pending row now and returns how many were saved. It is
// also called once at shutdown.
func (s *OwnershipPersistSystem) Flush(ctx context.Context) (int, error) {
	rows := s.source.DrainOwnership()
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, ownershipSaveTimeout)
	defer cancel()
	if err := s.saver.SaveBatch(ctx, rows); err != nil {
		s.source.RequeueOwnership(rows)
		return 0, err
	}
	s.log.Info("ownership saved", zap.Int("rows", len(rows)))
	return len(rows), nil
}
