package tick

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

// PartitionContext is passed to every update of one partition in one tick.
// PartitionID 0 means the map is not partitioned and everything is local.
type PartitionContext struct {
	MapID       uint32
	PartitionID uint32
	Tick        uint64
	Now         time.Time
	Diff        time.Duration

	c  *Coordinator
	st *partState
}

// Owns reports whether id belongs to this partition.
func (pc *PartitionContext) Owns(id ecs.EntityID) bool {
	if pc.PartitionID == 0 {
		return true
	}
	pid, ok := pc.c.store.PartitionOf(id)
	return ok && pid == pc.PartitionID
}

// Relay queues p for the partition owning subject. It returns false, and
// queues nothing, when subject is owned here or unknown; check Owns first
// and apply local effects directly. A full target queue also returns false.
func (pc *PartitionContext) Relay(subject, other ecs.EntityID, p relay.Payload) bool {
	if pc.PartitionID == 0 || pc.c.relays == nil {
		return false
	}
	owner, ok := pc.c.store.PartitionOf(subject)
	if !ok || owner == pc.PartitionID {
		return false
	}
	return pc.c.relays.Enqueue(owner, subject, other, p)
}

// Find resolves id. Only entities pc owns may be mutated; for the rest read
// Settled, or use Peek.
func (pc *PartitionContext) Find(id ecs.EntityID) (*world.Entity, bool) {
	return pc.c.store.Find(id)
}

// Peek returns where id stood at the start of the tick.
func (pc *PartitionContext) Peek(id ecs.EntityID) (world.Position, bool) {
	e, ok := pc.c.store.Find(id)
	if !ok || !e.InWorld {
		return world.Position{}, false
	}
	return e.Settled, true
}

// Move repositions e, which pc must own. Player cells move immediately;
// other kinds are queued for the shared move-list phase.
func (pc *PartitionContext) Move(e *world.Entity, pos world.Position) error {
	if !grid.ValidPosition(pos.X, pos.Y) {
		return grid.ErrInvalidCoord
	}
	old := e.Pos
	e.Pos = pos
	switch {
	case pc.c.grid == nil:
	case e.IsPlayer() || pc.c.moves == nil:
		if _, err := pc.c.grid.Move(e.ID, old.X, old.Y, pos.X, pos.Y); err != nil {
			pc.c.log.Debug("cell move failed", zap.Stringer("entity", e.ID), zap.Error(err))
		}
	default:
		pc.c.moves.Push(e.ID, old.X, old.Y, pos.X, pos.Y)
	}
	return nil
}

// Destroy removes id from the world once every partition has finished this
// tick.
func (pc *PartitionContext) Destroy(id ecs.EntityID) {
	pc.st.destroys = append(pc.st.destroys, id)
}

// Logger returns the coordinator logger tagged with this partition.
func (pc *PartitionContext) Logger() *zap.Logger {
	return pc.c.log.With(zap.Uint32("partition", pc.PartitionID))
}
