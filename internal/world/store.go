package world

import (
	"errors"
	"fmt"
	"sync"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/partition"
	"go.uber.org/zap"
)

var (
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrAlreadyRegistered = errors.New("entity already registered")
	ErrInvalidPartition  = errors.New("invalid partition")
	ErrNilEntity         = errors.New("nil entity")
)

// Occupancy receives spawn, move and despawn positions, normally a
// *grid.Index.
type Occupancy interface {
	Place(id ecs.EntityID, x, y float64) error
	Move(id ecs.EntityID, ox, oy, nx, ny float64) (bool, error)
	Remove(id ecs.EntityID, x, y float64)
}

// StoreOptions configures a Store.
type StoreOptions struct {
	MapID       uint32
	Partitioned bool
}

type slot struct {
	pid   uint32
	index int
	kind  Kind
}

type bucketSet [numKinds][]ecs.EntityID

// Store owns every entity of one map and records which partition bucket
// holds it. Each registered entity sits in exactly one bucket; all
// structural changes happen under one lock.
type Store struct {
	opts   StoreOptions
	oracle partition.Oracle
	occ    Occupancy
	log    *zap.Logger

	mu      sync.RWMutex
	arena   *ecs.Arena[Entity]
	index   map[ecs.EntityID]slot
	buckets []bucketSet // indexed by partition id; 0 is the unpartitioned bucket
}

// NewStore creates a store. With Partitioned set the partition count comes
// from oracle and ids 1..count are valid; otherwise only partition 0 exists.
func NewStore(opts StoreOptions, oracle partition.Oracle, occ Occupancy, log *zap.Logger) *Store {
	if oracle == nil {
		opts.Partitioned = false
	}
	count := 0
	if opts.Partitioned {
		count = int(oracle.PartitionCount(opts.MapID))
	}
	return &Store{
		opts:    opts,
		oracle:  oracle,
		occ:     occ,
		log:     log,
		arena:   ecs.NewArena[Entity](),
		index:   make(map[ecs.EntityID]slot),
		buckets: make([]bucketSet, count+1),
	}
}

func (s *Store) MapID() uint32     { return s.opts.MapID }
func (s *Store) Partitioned() bool { return s.opts.Partitioned }

// PartitionCount returns the number of partitions; 0 when unpartitioned.
func (s *Store) PartitionCount() uint32 { return uint32(len(s.buckets) - 1) }

// Partitions lists the ids that carry buckets: 1..N, or just 0.
func (s *Store) Partitions() []uint32 {
	if !s.opts.Partitioned {
		return []uint32{0}
	}
	out := make([]uint32, 0, len(s.buckets)-1)
	for pid := 1; pid < len(s.buckets); pid++ {
		out = append(out, uint32(pid))
	}
	return out
}

func (s *Store) bucket(pid uint32) *bucketSet {
	if int(pid) >= len(s.buckets) || (s.opts.Partitioned && pid == 0) {
		panic(fmt.Sprintf("world: partition %d out of range (map %d, %d partitions)", pid, s.opts.MapID, len(s.buckets)-1))
	}
	return &s.buckets[pid]
}

// Spawn allocates a new in-world entity. It is not owned by any partition
// until Register.
func (s *Store) Spawn(kind Kind, pos Position, zone uint32) *Entity {
	e := &Entity{Kind: kind, Pos: pos, Settled: pos, Zone: zone, InWorld: true}
	s.mu.Lock()
	e.ID = s.arena.Insert(e)
	s.mu.Unlock()
	if s.occ != nil {
		if err := s.occ.Place(e.ID, pos.X, pos.Y); err != nil {
			s.log.Debug("spawn outside map", zap.Stringer("entity", e.ID), zap.Error(err))
		}
	}
	return e
}

func (s *Store) resolvePartition(e *Entity) uint32 {
	if !s.opts.Partitioned {
		return 0
	}
	if e.IsPlayer() && !s.oracle.IsExcludedZone(e.Zone) {
		if pid, ok := s.oracle.PersistentPartition(s.opts.MapID, e.GUID); ok {
			return pid
		}
	}
	return s.oracle.PartitionFor(s.opts.MapID, e.Pos.X, e.Pos.Y, e.Zone, e.ID)
}

func (s *Store) validPartition(pid uint32) bool {
	if !s.opts.Partitioned {
		return pid == 0
	}
	return pid >= 1 && int(pid) < len(s.buckets)
}

// Register binds id to the partition its position (or sticky ownership)
// selects. Entities off the map are refused with grid.ErrInvalidCoord.
func (s *Store) Register(id ecs.EntityID) (uint32, error) {
	s.mu.Lock()
	e, ok := s.arena.Get(id)
	if !ok {
		s.mu.Unlock()
		return 0, ErrUnknownEntity
	}
	if _, dup := s.index[id]; dup {
		s.mu.Unlock()
		return 0, ErrAlreadyRegistered
	}
	if !grid.ValidPosition(e.Pos.X, e.Pos.Y) {
		s.mu.Unlock()
		return 0, fmt.Errorf("register %s at (%g, %g): %w", id, e.Pos.X, e.Pos.Y, grid.ErrInvalidCoord)
	}
	pid := s.resolvePartition(e)
	if !s.validPartition(pid) {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %d for %s", ErrInvalidPartition, pid, id)
	}
	s.insertLocked(id, pid, e.Kind)
	s.mu.Unlock()

	if s.opts.Partitioned {
		s.oracle.NotifyAttach(s.opts.MapID, pid, id)
		if e.IsPlayer() {
			s.oracle.PersistOwnership(s.opts.MapID, e.GUID, pid)
		}
	}
	return pid, nil
}

func (s *Store) insertLocked(id ecs.EntityID, pid uint32, kind Kind) {
	b := s.bucket(pid)
	b[kind] = append(b[kind], id)
	s.index[id] = slot{pid: pid, index: len(b[kind]) - 1, kind: kind}
}

// removeLocked swap-removes id from its bucket and fixes the moved id's slot.
func (s *Store) removeLocked(id ecs.EntityID, sl slot) {
	b := s.bucket(sl.pid)
	list := b[sl.kind]
	if sl.index >= len(list) || list[sl.index] != id {
		panic(fmt.Sprintf("world: entity %s not at slot %d of partition %d bucket %s", id, sl.index, sl.pid, sl.kind))
	}
	last := len(list) - 1
	if sl.index != last {
		moved := list[last]
		list[sl.index] = moved
		ms := s.index[moved]
		ms.index = sl.index
		s.index[moved] = ms
	}
	b[sl.kind] = list[:last]
	delete(s.index, id)
}

// Unregister removes id from its bucket and from the boundary set.
func (s *Store) Unregister(id ecs.EntityID) error {
	s.mu.Lock()
	sl, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownEntity
	}
	s.removeLocked(id, sl)
	if e, ok := s.arena.Get(id); ok {
		e.BoundaryTracked = false
	}
	s.mu.Unlock()

	if s.opts.Partitioned {
		s.oracle.UnregisterBoundaryObject(s.opts.MapID, sl.pid, id)
		s.oracle.NotifyDetach(s.opts.MapID, sl.pid, id)
	}
	return nil
}

// RelocateOwnership recomputes id's partition and moves it if it changed.
func (s *Store) RelocateOwnership(id ecs.EntityID) (from, to uint32, changed bool, err error) {
	s.mu.RLock()
	e, ok := s.arena.Get(id)
	sl, indexed := s.index[id]
	s.mu.RUnlock()
	if !ok || !indexed {
		return 0, 0, false, ErrUnknownEntity
	}
	if !s.opts.Partitioned {
		return 0, 0, false, nil
	}
	to = s.oracle.PartitionFor(s.opts.MapID, e.Pos.X, e.Pos.Y, e.Zone, id)
	if to == sl.pid {
		return sl.pid, to, false, nil
	}
	if err := s.MoveOwnership(id, to); err != nil {
		return sl.pid, to, false, err
	}
	return sl.pid, to, true, nil
}

// MoveOwnership transfers id to partition to. Callers must ensure no
// partition is running.
func (s *Store) MoveOwnership(id ecs.EntityID, to uint32) error {
	if !s.validPartition(to) {
		return fmt.Errorf("%w: %d for %s", ErrInvalidPartition, to, id)
	}
	s.mu.Lock()
	sl, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownEntity
	}
	if sl.pid == to {
		s.mu.Unlock()
		return nil
	}
	s.removeLocked(id, sl)
	s.insertLocked(id, to, sl.kind)
	if e, ok := s.arena.Get(id); ok {
		e.BoundaryTracked = false
	}
	s.mu.Unlock()

	s.oracle.UnregisterBoundaryObject(s.opts.MapID, sl.pid, id)
	s.oracle.NotifyDetach(s.opts.MapID, sl.pid, id)
	s.oracle.NotifyAttach(s.opts.MapID, to, id)
	return nil
}

// Find resolves id to its entity. Stale ids miss.
func (s *Store) Find(id ecs.EntityID) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arena.Get(id)
}

// PartitionOf returns the partition currently owning id.
func (s *Store) PartitionOf(id ecs.EntityID) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.index[id]
	return sl.pid, ok
}

// Bucket returns a snapshot of partition pid's entities of one kind in slot
// order.
func (s *Store) Bucket(pid uint32, kind Kind) []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bucket(pid)[kind]
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.arena.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Players returns partition pid's players.
func (s *Store) Players(pid uint32) []*Entity { return s.Bucket(pid, KindPlayer) }

// NonPlayers returns every other kind of partition pid, kind by kind.
func (s *Store) NonPlayers(pid uint32) []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bucket(pid)
	n := 0
	for k := KindCreature; k < numKinds; k++ {
		n += len(b[k])
	}
	out := make([]*Entity, 0, n)
	for k := KindCreature; k < numKinds; k++ {
		for _, id := range b[k] {
			if e, ok := s.arena.Get(id); ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// Count returns how many entities partition pid owns.
func (s *Store) Count(pid uint32) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ids := range s.bucket(pid) {
		n += len(ids)
	}
	return n
}

// Len returns the number of registered entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Live returns the number of allocated entities, registered or not.
func (s *Store) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arena.Len()
}

// Each visits every allocated entity in slot order under the read lock.
func (s *Store) Each(fn func(*Entity)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.arena.Each(func(_ ecs.EntityID, e *Entity) { fn(e) })
}

// SetPosition places id at pos and returns where it was. Ownership is not
// recomputed. Positions off the map leave the entity untouched and return
// grid.ErrInvalidCoord. Called by the coordinator while no partition runs.
func (s *Store) SetPosition(id ecs.EntityID, pos Position) (Position, error) {
	if !grid.ValidPosition(pos.X, pos.Y) {
		return Position{}, fmt.Errorf("position (%g, %g): %w", pos.X, pos.Y, grid.ErrInvalidCoord)
	}
	s.mu.Lock()
	e, ok := s.arena.Get(id)
	if !ok {
		s.mu.Unlock()
		return Position{}, ErrUnknownEntity
	}
	old := e.Pos
	e.Pos = pos
	e.Settled = pos
	s.mu.Unlock()

	if s.occ != nil {
		if _, err := s.occ.Move(id, old.X, old.Y, pos.X, pos.Y); err != nil {
			s.log.Debug("move outside map", zap.Stringer("entity", id), zap.Error(err))
		}
	}
	return old, nil
}

// SnapshotPositions copies Pos into Settled for every entity. Called by the
// coordinator while no partition runs.
func (s *Store) SnapshotPositions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arena.Each(func(_ ecs.EntityID, e *Entity) { e.Settled = e.Pos })
}

// Destroy takes id out of the world now and frees it at FlushDestroyed.
func (s *Store) Destroy(id ecs.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.arena.Get(id)
	if !ok || !e.InWorld {
		return false
	}
	e.InWorld = false
	s.arena.MarkForDestruction(id)
	return true
}

// PendingDestroy returns how many entities await FlushDestroyed.
func (s *Store) PendingDestroy() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arena.PendingDestruction()
}

// FlushDestroyed unregisters and frees every destroyed entity.
func (s *Store) FlushDestroyed() []ecs.EntityID {
	type gone struct {
		id  ecs.EntityID
		pos Position
		pid uint32
		reg bool
	}
	var out []gone
	s.mu.Lock()
	s.arena.FlushDestroyQueue(func(id ecs.EntityID, e *Entity) {
		sl, reg := s.index[id]
		if reg {
			s.removeLocked(id, sl)
		}
		out = append(out, gone{id: id, pos: e.Pos, pid: sl.pid, reg: reg})
	})
	s.mu.Unlock()

	ids := make([]ecs.EntityID, 0, len(out))
	for _, g := range out {
		if s.occ != nil {
			s.occ.Remove(g.id, g.pos.X, g.pos.Y)
		}
		if g.reg && s.opts.Partitioned {
			s.oracle.UnregisterBoundaryObject(s.opts.MapID, g.pid, g.id)
			s.oracle.NotifyDetach(s.opts.MapID, g.pid, g.id)
		}
		ids = append(ids, g.id)
	}
	return ids
}

// CheckInvariants verifies that every indexed id sits at its recorded slot,
// no id appears in two buckets and every in-world registered entity is
// indexed under its own kind.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[ecs.EntityID]uint32, len(s.index))
	for pid := range s.buckets {
		for k, ids := range s.buckets[pid] {
			for i, id := range ids {
				if prev, dup := seen[id]; dup {
					return fmt.Errorf("entity %s in partitions %d and %d", id, prev, pid)
				}
				seen[id] = uint32(pid)
				sl, ok := s.index[id]
				if !ok {
					return fmt.Errorf("entity %s in partition %d bucket but not indexed", id, pid)
				}
				if sl.pid != uint32(pid) || sl.index != i || sl.kind != Kind(k) {
					return fmt.Errorf("entity %s indexed at %d/%d/%s, found at %d/%d/%s",
						id, sl.pid, sl.index, sl.kind, pid, i, Kind(k))
				}
				e, ok := s.arena.Get(id)
				if !ok {
					return fmt.Errorf("entity %s registered but freed", id)
				}
				if e.Kind != Kind(k) {
					return fmt.Errorf("entity %s of kind %s in %s bucket", id, e.Kind, Kind(k))
				}
			}
		}
	}
	if len(seen) != len(s.index) {
		return fmt.Errorf("index holds %d entities, buckets hold %d", len(s.index), len(seen))
	}
	return nil
}
