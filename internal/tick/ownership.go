package tick

import (
	"errors"
	"fmt"
	"sort"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/core/event"
	"github.com/l1jgo/worldshard/internal/partition"
	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

// Register binds e to its partition. Call between ticks.
func (c *Coordinator) Register(e *world.Entity) (uint32, error) {
	if e == nil {
		return 0, world.ErrNilEntity
	}
	pid, err := c.store.Register(e.ID)
	if err != nil {
		return 0, err
	}
	if c.bus != nil {
		event.Emit(c.bus, event.EntityRegistered{EntityID: e.ID, MapID: c.mapID, PartitionID: pid})
	}
	return pid, nil
}

// Unregister releases id's ownership and drops any open relocation.
func (c *Coordinator) Unregister(id ecs.EntityID) error {
	pid, _ := c.store.PartitionOf(id)
	if err := c.store.Unregister(id); err != nil {
		return err
	}
	c.relocs.Rollback(id, "unregistered")
	delete(c.moved, id)
	if c.bus != nil {
		event.Emit(c.bus, event.EntityUnregistered{EntityID: id, MapID: c.mapID, PartitionID: pid})
	}
	return nil
}

// Move places id at pos right away. A resulting ownership change is applied
// at the start of the next tick. Call between ticks; partition updates use
// PartitionContext.Move.
func (c *Coordinator) Move(id ecs.EntityID, pos world.Position) error {
	if _, err := c.store.SetPosition(id, pos); err != nil {
		return fmt.Errorf("move %s: %w", id, err)
	}
	c.moved[id] = struct{}{}
	return nil
}

func (c *Coordinator) applyExternalMoves(rep *TickReport) {
	if len(c.moved) == 0 {
		return
	}
	ids := make([]ecs.EntityID, 0, len(c.moved))
	for id := range c.moved {
		ids = append(ids, id)
	}
	clear(c.moved)
	if !c.partitioned() {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e, ok := c.store.Find(id)
		from, owned := c.store.PartitionOf(id)
		if !ok || !owned || !e.InWorld {
			continue
		}
		to := c.oracle.PartitionFor(c.mapID, e.Pos.X, e.Pos.Y, e.Zone, id)
		if to == from || to == 0 || to > c.store.PartitionCount() {
			continue
		}
		c.relocate(ownershipChange{id: id, from: from, to: to}, rep)
	}
}

// applyOwnership runs the handoff protocol for every change recorded by the
// partitions, in partition order.
func (c *Coordinator) applyOwnership(rep *TickReport) {
	for _, st := range c.parts {
		for _, ch := range st.changes {
			c.relocate(ch, rep)
		}
	}
}

func (c *Coordinator) relocate(ch ownershipChange, rep *TickReport) {
	var x, y, z float64
	if e, ok := c.store.Find(ch.id); ok {
		x, y, z = e.Pos.X, e.Pos.Y, e.Pos.Z
	}
	if _, err := c.relocs.Begin(ch.id, c.mapID, ch.from, ch.to, x, y, z); err != nil {
		return
	}
	c.finish(ch.id, rep)
}

// finish validates and commits the open relocation of id, or rolls it back
// when the entity left the world meanwhile. It reports whether ownership
// moved.
func (c *Coordinator) finish(id ecs.EntityID, rep *TickReport) bool {
	txn, ok := c.relocs.Get(id)
	if !ok {
		return false
	}
	e, found := c.store.Find(id)
	if !found || !e.InWorld {
		if _, ok := c.relocs.Rollback(id, "entity left world"); ok && rep != nil {
			rep.RolledBack++
		}
		return false
	}
	if err := c.relocs.Validate(id); err != nil {
		return false
	}
	if err := c.store.MoveOwnership(id, txn.To); err != nil {
		if _, ok := c.relocs.Rollback(id, err.Error()); ok && rep != nil {
			rep.RolledBack++
		}
		return false
	}
	txn, err := c.relocs.Commit(id)
	if err != nil {
		return false
	}
	if rep != nil {
		rep.Committed++
	}
	c.afterCommit(e, txn)
	return true
}

func (c *Coordinator) afterCommit(e *world.Entity, txn partition.Txn) {
	if e.IsPlayer() {
		c.oracle.PersistOwnership(c.mapID, e.GUID, txn.To)
	}
	if c.bus != nil {
		event.Emit(c.bus, event.EntityRelocated{
			EntityID: e.ID, MapID: c.mapID, From: txn.From, To: txn.To,
			TxnID: txn.ID.String(), Tick: c.tick,
		})
	}

	if e.InCombat {
		c.oracle.RecordCombatHandoff(c.mapID)
		c.log.Warn("combat handoff",
			zap.Stringer("entity", e.ID), zap.Stringer("victim", e.Victim),
			zap.Uint32("map", c.mapID), zap.Uint32("from", txn.From), zap.Uint32("to", txn.To))
		if c.opts.CombatHandoff > 0 {
			c.oracle.SetOverride(c.mapID, e.ID, txn.To, c.opts.CombatHandoff)
			if !e.Victim.IsZero() {
				c.oracle.SetOverride(c.mapID, e.Victim, txn.To, c.opts.CombatHandoff)
			}
		}
		if c.bus != nil {
			event.Emit(c.bus, event.CombatHandoff{EntityID: e.ID, Victim: e.Victim, MapID: c.mapID, To: txn.To})
		}
	}

	if e.HasMotionIntent() {
		c.oracle.RecordPathHandoff(c.mapID)
		c.log.Debug("path handoff",
			zap.Stringer("entity", e.ID), zap.Uint32("from", txn.From), zap.Uint32("to", txn.To))
		if c.opts.PathHandoff > 0 {
			c.oracle.SetOverride(c.mapID, e.ID, txn.To, c.opts.PathHandoff)
		}
		if victim := e.ChaseVictim(); !victim.IsZero() && c.relays != nil {
			c.relays.Enqueue(txn.To, e.ID, victim, relay.PathChase{})
		}
	}
}

// ErrNotPartitioned is returned by the relocation API on an unpartitioned map.
var ErrNotPartitioned = errors.New("map is not partitioned")

// BeginRelocation opens a transfer of id to partition to. Call between
// ticks.
func (c *Coordinator) BeginRelocation(id ecs.EntityID, to uint32) (partition.Txn, error) {
	if !c.partitioned() {
		return partition.Txn{}, ErrNotPartitioned
	}
	from, ok := c.store.PartitionOf(id)
	e, found := c.store.Find(id)
	if !ok || !found {
		return partition.Txn{}, world.ErrUnknownEntity
	}
	if to == 0 || to > c.store.PartitionCount() {
		return partition.Txn{}, fmt.Errorf("%w: %d", world.ErrInvalidPartition, to)
	}
	return c.relocs.Begin(id, c.mapID, from, to, e.Pos.X, e.Pos.Y, e.Pos.Z)
}

// CommitRelocation completes the open transfer of id. It returns false when
// the entity had become invalid and the transfer was rolled back instead.
func (c *Coordinator) CommitRelocation(id ecs.EntityID) (bool, error) {
	if _, ok := c.relocs.Get(id); !ok {
		return false, partition.ErrNoRelocation
	}
	return c.finish(id, nil), nil
}

// RollbackRelocation abandons the open transfer of id.
func (c *Coordinator) RollbackRelocation(id ecs.EntityID, reason string) bool {
	_, ok := c.relocs.Rollback(id, reason)
	return ok
}
