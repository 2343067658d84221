// Package tick drives one map through a tick: partition updates (inline or
// on the scheduler), the ownership handoffs they produce and the shared
// sequential phase.
package tick

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/core/event"
	"github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/partition"
	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/scheduler"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// boundaryApproachEvery is the tick interval of the moving-player lookahead.
const boundaryApproachEvery = 4

// Updater advances one entity by one tick on the worker owning it. It must
// only mutate entities pc owns; effects on other entities go through
// pc.Relay.
type Updater interface {
	Update(pc *PartitionContext, e *world.Entity)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(pc *PartitionContext, e *world.Entity)

func (f UpdaterFunc) Update(pc *PartitionContext, e *world.Entity) { f(pc, e) }

// Deps are the collaborators of a Coordinator. Relays, Applier, Pool, Grid,
// Moves, Shared and Bus may be nil.
type Deps struct {
	MapID       uint32
	Store       *world.Store
	Oracle      partition.Oracle
	Relays      *relay.Queues
	Applier     relay.Applier
	Pool        *scheduler.Pool
	Grid        *grid.Index
	Moves       *grid.MoveList
	Updater     Updater
	Shared      *system.Runner
	Bus         *event.Bus
	Relocations *partition.RelocationTable
}

// Options tune a Coordinator. A zero override duration disables that
// override.
type Options struct {
	Parallel         bool
	BoundaryOverride time.Duration
	CombatHandoff    time.Duration
	PathHandoff      time.Duration
	SlowPhase        time.Duration // whole-tick breakdown threshold
	SlowWorker       time.Duration // per-partition breakdown threshold
	PreloadAhead     bool
}

type ownershipChange struct {
	id       ecs.EntityID
	from, to uint32
}

// partState is written only by the worker running its partition, and read
// by the coordinator after the barrier.
type partState struct {
	ticks atomic.Uint64

	changes    []ownershipChange
	destroys   []ecs.EntityID
	preload    []grid.GridCoord
	nearCache  map[grid.GridCoord]bool
	positions  []partition.BoundaryPosition
	overrides  []ecs.EntityID
	unregister []ecs.EntityID
	report     PartitionReport
}

func (st *partState) reset() {
	st.changes = st.changes[:0]
	st.destroys = st.destroys[:0]
	st.preload = st.preload[:0]
	st.positions = st.positions[:0]
	st.overrides = st.overrides[:0]
	st.unregister = st.unregister[:0]
	clear(st.nearCache)
	st.report = PartitionReport{}
}

// Coordinator runs the ticks of one map. Tick, Move and the relocation
// methods must be called from one goroutine.
type Coordinator struct {
	mapID   uint32
	store   *world.Store
	oracle  partition.Oracle
	relays  *relay.Queues
	applier relay.Applier
	pool    *scheduler.Pool
	grid    *grid.Index
	moves   *grid.MoveList
	updater Updater
	shared  *system.Runner
	bus     *event.Bus
	relocs  *partition.RelocationTable
	opts    Options
	log     *zap.Logger

	tick  uint64
	parts []*partState
	moved map[ecs.EntityID]struct{}
}

func New(deps Deps, opts Options, log *zap.Logger) *Coordinator {
	if opts.SlowPhase <= 0 {
		opts.SlowPhase = 100 * time.Millisecond
	}
	if opts.SlowWorker <= 0 {
		opts.SlowWorker = 80 * time.Millisecond
	}
	if deps.Relocations == nil {
		deps.Relocations = partition.NewRelocationTable(500*time.Millisecond, log)
	}
	if deps.Updater == nil {
		deps.Updater = UpdaterFunc(func(*PartitionContext, *world.Entity) {})
	}
	c := &Coordinator{
		mapID:   deps.MapID,
		store:   deps.Store,
		oracle:  deps.Oracle,
		relays:  deps.Relays,
		applier: deps.Applier,
		pool:    deps.Pool,
		grid:    deps.Grid,
		moves:   deps.Moves,
		updater: deps.Updater,
		shared:  deps.Shared,
		bus:     deps.Bus,
		relocs:  deps.Relocations,
		opts:    opts,
		log:     log,
		moved:   make(map[ecs.EntityID]struct{}),
	}
	c.parts = make([]*partState, deps.Store.PartitionCount()+1)
	for i := range c.parts {
		c.parts[i] = &partState{nearCache: make(map[grid.GridCoord]bool)}
	}
	if c.relays != nil && !c.store.Partitioned() {
		c.relays.Enable(false)
	}
	return c
}

func (c *Coordinator) partitioned() bool { return c.store.Partitioned() }

// CurrentTick returns the number of the last tick started.
func (c *Coordinator) CurrentTick() uint64 { return c.tick }

// TicksCompleted returns how many ticks partition pid has finished.
func (c *Coordinator) TicksCompleted(pid uint32) uint64 {
	if int(pid) >= len(c.parts) {
		return 0
	}
	return c.parts[pid].ticks.Load()
}

// Tick runs one full tick of dt.
func (c *Coordinator) Tick(dt time.Duration) TickReport {
	start := time.Now()
	c.tick++
	rep := TickReport{Tick: c.tick}

	c.applyExternalMoves(&rep)
	rep.RolledBack += len(c.relocs.Expire())
	c.store.SnapshotPositions()
	for _, st := range c.parts {
		st.reset()
	}

	phase := time.Now()
	switch {
	case !c.partitioned():
		c.runUnpartitioned(dt, start)
	case c.opts.Parallel && c.pool != nil:
		c.runParallel(dt, start)
	default:
		c.runSequential(dt, start)
	}
	rep.PartitionPhase = time.Since(phase)

	ownership := time.Now()
	c.collect(&rep)
	c.applyOwnership(&rep)
	rep.OwnershipPhase = time.Since(ownership)

	shared := time.Now()
	if c.shared != nil {
		c.shared.Tick(dt)
		rep.SharedPhases = c.shared.LastTimings()
	}
	rep.SharedPhase = time.Since(shared)

	if c.partitioned() {
		rep.CombatHandoffs = c.oracle.ConsumeCombatHandoffs(c.mapID)
		rep.PathHandoffs = c.oracle.ConsumePathHandoffs(c.mapID)
	}
	rep.Duration = time.Since(start)
	if rep.Duration >= c.opts.SlowPhase {
		fields := []zap.Field{
			zap.Uint32("map", c.mapID), zap.Uint64("tick", c.tick),
			zap.Duration("total", rep.Duration), zap.Duration("partitions", rep.PartitionPhase),
			zap.Duration("ownership", rep.OwnershipPhase), zap.Duration("shared", rep.SharedPhase),
			zap.Int("committed", rep.Committed), zap.Int("rolled_back", rep.RolledBack),
		}
		c.log.Warn("slow tick phase breakdown", append(fields, sharedFields(rep.SharedPhases)...)...)
	}
	return rep
}

// sharedFields names each shared phase that took time, in phase order.
func sharedFields(timings map[system.Phase]time.Duration) []zap.Field {
	phases := make([]system.Phase, 0, len(timings))
	for p := range timings {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	out := make([]zap.Field, 0, len(phases))
	for _, p := range phases {
		out = append(out, zap.Duration("shared_"+p.String(), timings[p]))
	}
	return out
}

func (c *Coordinator) newContext(pid uint32, dt time.Duration, now time.Time) *PartitionContext {
	return &PartitionContext{
		MapID:       c.mapID,
		PartitionID: pid,
		Tick:        c.tick,
		Now:         now,
		Diff:        dt,
		c:           c,
		st:          c.parts[pid],
	}
}

func (c *Coordinator) runUnpartitioned(dt time.Duration, now time.Time) {
	c.runPartition(c.newContext(0, dt, now))
}

func (c *Coordinator) runSequential(dt time.Duration, now time.Time) {
	for _, pid := range c.store.Partitions() {
		c.runPartition(c.newContext(pid, dt, now))
	}
}

// inFlightLimit caps concurrently scheduled partitions; long ticks mean the
// host is already saturated.
func inFlightLimit(dt time.Duration) int64 {
	switch {
	case dt >= 200*time.Millisecond:
		return 3
	case dt >= 120*time.Millisecond:
		return 4
	case dt <= 35*time.Millisecond:
		return 6
	}
	return 5
}

// runParallel hands every partition to the pool and helps drain the
// partition queue until all of them have finished.
func (c *Coordinator) runParallel(dt time.Duration, now time.Time) {
	pids := c.store.Partitions()
	sem := semaphore.NewWeighted(inFlightLimit(dt))
	var completed atomic.Int32
	var inFlight sync.WaitGroup
	next := 0
	fill := func() {
		for next < len(pids) && !c.pool.Cancelled() && sem.TryAcquire(1) {
			pc := c.newContext(pids[next], dt, now)
			next++
			inFlight.Add(1)
			c.pool.SchedulePartition(scheduler.PartitionRequest{
				MapID:       c.mapID,
				PartitionID: pc.PartitionID,
				Diff:        dt,
				Run:         func() { c.runPartition(pc) },
				OnDone: func(scheduler.Timing) {
					sem.Release(1)
					completed.Add(1)
					inFlight.Done()
				},
			})
		}
	}
	fill()
	c.pool.RunPartitionTasksUntil(func() bool {
		fill()
		return int(completed.Load()) == len(pids) || c.pool.Cancelled()
	})
	// Deactivate finishes queued partitions without running them but lets
	// running ones complete; none may still touch partition state here.
	inFlight.Wait()
}

// runPartition is one partition's share of a tick: relays, players,
// non-players, boundary bookkeeping, ownership changes.
func (c *Coordinator) runPartition(pc *PartitionContext) {
	pid, st := pc.PartitionID, pc.st
	start := time.Now()
	rep := PartitionReport{ID: pid}

	if pid != 0 && c.relays != nil && c.applier != nil {
		rep.Relays = c.relays.Drain(pid, c.store, c.applier)
	}
	tRelays := time.Now()

	approach := pid != 0 && c.opts.PreloadAhead && c.tick%boundaryApproachEvery == 0
	players := c.store.Players(pid)
	for _, e := range players {
		if !e.InWorld {
			continue
		}
		rep.Players++
		c.updater.Update(pc, e)
		if approach && e.Moving && e.InWorld {
			dx, dy := math.Cos(e.Pos.O)*e.Speed, math.Sin(e.Pos.O)*e.Speed
			if g, ok := c.oracle.PredictCrossing(c.mapID, e.Pos.X, e.Pos.Y, dx, dy); ok {
				st.preload = append(st.preload, g)
			}
		}
	}
	tPlayers := time.Now()

	others := c.store.NonPlayers(pid)
	for _, e := range others {
		if !e.InWorld {
			continue
		}
		if e.Kind == world.KindCreature {
			rep.Creatures++
		}
		c.updater.Update(pc, e)
	}
	tOthers := time.Now()

	if pid != 0 {
		c.classify(pc, players, &rep)
		c.classify(pc, others, &rep)
		c.flushBoundary(pc)
		c.oracle.UpdatePlayerCount(c.mapID, pid, uint32(rep.Players))
		c.oracle.UpdateCreatureCount(c.mapID, pid, uint32(rep.Creatures))
		c.oracle.UpdateBoundaryCount(c.mapID, pid, uint32(rep.Boundary))
		c.recordChanges(pc, players)
		c.recordChanges(pc, others)
	}
	tBoundary := time.Now()

	rep.Took = tBoundary.Sub(start)
	st.report = rep
	st.ticks.Add(1)

	if rep.Took >= c.opts.SlowWorker {
		c.log.Warn("partition worker phase breakdown",
			zap.Uint32("map", c.mapID), zap.Uint32("partition", pid),
			zap.Duration("total", rep.Took), zap.Duration("relays", tRelays.Sub(start)),
			zap.Duration("players", tPlayers.Sub(tRelays)), zap.Int("player_count", rep.Players),
			zap.Duration("others", tOthers.Sub(tPlayers)), zap.Int("other_count", len(others)),
			zap.Duration("boundary", tBoundary.Sub(tOthers)), zap.Duration("diff", pc.Diff))
	}
}

// classify sorts pc's entities into the boundary batches using their
// post-update positions.
func (c *Coordinator) classify(pc *PartitionContext, list []*world.Entity, rep *PartitionReport) {
	st := pc.st
	for _, e := range list {
		if !e.InWorld {
			continue
		}
		g := grid.ComputeGridCoord(e.Pos.X, e.Pos.Y)
		near, ok := st.nearCache[g]
		if !ok {
			near = c.oracle.IsNearBoundary(c.mapID, e.Pos.X, e.Pos.Y)
			st.nearCache[g] = near
		}
		if near {
			rep.Boundary++
			st.overrides = append(st.overrides, e.ID)
			if !e.BoundaryTracked || e.Moving {
				st.positions = append(st.positions, partition.BoundaryPosition{ID: e.ID, X: e.Pos.X, Y: e.Pos.Y})
			}
			e.BoundaryTracked = true
			continue
		}
		if e.BoundaryTracked {
			st.unregister = append(st.unregister, e.ID)
			e.BoundaryTracked = false
		}
	}
}

func (c *Coordinator) flushBoundary(pc *PartitionContext) {
	st := pc.st
	if len(st.positions) > 0 {
		c.oracle.BatchUpdateBoundaryPositions(c.mapID, pc.PartitionID, st.positions)
	}
	if len(st.overrides) > 0 && c.opts.BoundaryOverride > 0 {
		c.oracle.BatchSetOverrides(c.mapID, pc.PartitionID, st.overrides, c.opts.BoundaryOverride)
	}
	if len(st.unregister) > 0 {
		c.oracle.BatchUnregisterBoundary(c.mapID, pc.PartitionID, st.unregister)
	}
}

// recordChanges notes every entity whose final position belongs to another
// partition. Each entity is visited once, so at most one change per tick.
func (c *Coordinator) recordChanges(pc *PartitionContext, list []*world.Entity) {
	count := c.store.PartitionCount()
	for _, e := range list {
		if !e.InWorld {
			continue
		}
		to := c.oracle.PartitionFor(c.mapID, e.Pos.X, e.Pos.Y, e.Zone, e.ID)
		if to == pc.PartitionID || to == 0 || to > count {
			continue
		}
		pc.st.changes = append(pc.st.changes, ownershipChange{id: e.ID, from: pc.PartitionID, to: to})
	}
}

// collect gathers partition reports after the barrier and applies the
// deferred destroys and grid preloads.
func (c *Coordinator) collect(rep *TickReport) {
	var preload []grid.GridCoord
	for pid, st := range c.parts {
		if pid == 0 && c.partitioned() {
			continue
		}
		rep.Partitions = append(rep.Partitions, st.report)
		for _, id := range st.destroys {
			if c.store.Destroy(id) {
				rep.Destroyed++
			}
		}
		preload = append(preload, st.preload...)
	}
	if len(preload) == 0 || c.grid == nil {
		return
	}
	sort.Slice(preload, func(i, j int) bool {
		if preload[i].Y != preload[j].Y {
			return preload[i].Y < preload[j].Y
		}
		return preload[i].X < preload[j].X
	})
	preload = compactCoords(preload)
	if c.pool != nil && c.pool.Activated() {
		c.pool.ScheduleGridPreload(c.grid, preload)
		return
	}
	for _, g := range preload {
		if _, err := c.grid.EnsureLoaded(g.Origin()); err != nil {
			c.log.Debug("grid preload failed", zap.Int("grid_x", g.X), zap.Int("grid_y", g.Y), zap.Error(err))
		}
	}
}

func compactCoords(s []grid.GridCoord) []grid.GridCoord {
	out := s[:0]
	for i, g := range s {
		if i == 0 || g != s[i-1] {
			out = append(out, g)
		}
	}
	return out
}
