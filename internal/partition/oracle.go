package partition

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/grid"
)

// Oracle answers which partition owns a position and collects the boundary
// and counter reports partition workers produce. Manager is the default
// implementation; every method is safe to call from concurrent workers.
type Oracle interface {
	PartitionFor(mapID uint32, x, y float64, zone uint32, id ecs.EntityID) uint32
	PartitionCount(mapID uint32) uint32
	IsNearBoundary(mapID uint32, x, y float64) bool
	IsExcludedZone(zone uint32) bool

	PersistentPartition(mapID uint32, guid uint64) (uint32, bool)
	PersistOwnership(mapID uint32, guid uint64, pid uint32) bool

	SetOverride(mapID uint32, id ecs.EntityID, pid uint32, ttl time.Duration)
	BatchSetOverrides(mapID, pid uint32, ids []ecs.EntityID, ttl time.Duration)
	BatchUpdateBoundaryPositions(mapID, pid uint32, updates []BoundaryPosition)
	BatchUnregisterBoundary(mapID, pid uint32, ids []ecs.EntityID)
	UnregisterBoundaryObject(mapID, pid uint32, id ecs.EntityID)

	UpdatePlayerCount(mapID, pid, n uint32)
	UpdateCreatureCount(mapID, pid, n uint32)
	UpdateBoundaryCount(mapID, pid, n uint32)

	NotifyAttach(mapID, pid uint32, id ecs.EntityID)
	NotifyDetach(mapID, pid uint32, id ecs.EntityID)

	RecordCombatHandoff(mapID uint32)
	RecordPathHandoff(mapID uint32)
	ConsumeCombatHandoffs(mapID uint32) uint32
	ConsumePathHandoffs(mapID uint32) uint32

	// PredictCrossing projects (x, y) along (dx, dy) and reports the grid
	// ahead when it belongs to another partition.
	PredictCrossing(mapID uint32, x, y, dx, dy float64) (grid.GridCoord, bool)
}
