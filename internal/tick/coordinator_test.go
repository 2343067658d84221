package tick

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/core/event"
	"github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/partition"
	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/scheduler"
	"github.com/l1jgo/worldshard/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const dt = 50 * time.Millisecond

// posIn returns a position in the middle of grid (gx, gy). With four
// partitions grids below 32 are negative: (20,20) is partition 1, (44,20)
// partition 2, (20,44) partition 3 and (44,44) partition 4.
func posIn(gx, gy int) world.Position {
	return world.Position{
		X: (float64(gx-grid.CenterGridID) + 0.5) * grid.GridSize,
		Y: (float64(gy-grid.CenterGridID) + 0.5) * grid.GridSize,
	}
}

type setup struct {
	partitions uint32 // 0 = unpartitioned
	opts       Options
	pool       *scheduler.Pool
	updater    Updater
	applier    relay.Applier
}

type harness struct {
	store  *world.Store
	mgr    *partition.Manager
	idx    *grid.Index
	relays *relay.Queues
	bus    *event.Bus
	coord  *Coordinator
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	count := s.partitions
	if count == 0 {
		count = 1
	}
	mgr := partition.NewManager(partition.Options{
		Enabled:       s.partitions > 0,
		DefaultCount:  count,
		BorderOverlap: 60,
	}, log)
	idx := grid.NewIndex(nil, log)
	store := world.NewStore(world.StoreOptions{Partitioned: s.partitions > 0}, mgr, idx, log)
	relays := relay.NewQueues(relay.Options{Partitions: store.PartitionCount(), Limit: 256, MaxBounces: 3}, log)
	bus := event.NewBus()
	h := &harness{store: store, mgr: mgr, idx: idx, relays: relays, bus: bus}
	h.coord = New(Deps{
		Store:   store,
		Oracle:  mgr,
		Relays:  relays,
		Applier: s.applier,
		Pool:    s.pool,
		Grid:    idx,
		Updater: s.updater,
		Bus:     bus,
	}, s.opts, log)
	return h
}

func (h *harness) spawn(t *testing.T, kind world.Kind, pos world.Position) *world.Entity {
	t.Helper()
	e := h.store.Spawn(kind, pos, 0)
	_, err := h.coord.Register(e)
	require.NoError(t, err)
	return e
}

func (h *harness) owner(t *testing.T, id ecs.EntityID) uint32 {
	t.Helper()
	pid, ok := h.store.PartitionOf(id)
	require.True(t, ok)
	return pid
}

func newActivePool(t *testing.T, workers int) *scheduler.Pool {
	t.Helper()
	p := scheduler.New(scheduler.Options{StallWarn: time.Second}, zaptest.NewLogger(t))
	p.Activate(workers)
	t.Cleanup(p.Deactivate)
	return p
}

// moveTo returns an updater that moves every entity matching id to pos on
// tick at.
func moveTo(id ecs.EntityID, at uint64, pos world.Position) UpdaterFunc {
	return func(pc *PartitionContext, e *world.Entity) {
		if e.ID == id && pc.Tick == at {
			_ = pc.Move(e, pos)
		}
	}
}

func TestBarrierCompletesEveryPartition(t *testing.T) {
	h := newHarness(t, setup{
		partitions: 4,
		opts:       Options{Parallel: true},
		pool:       newActivePool(t, 3),
	})
	for _, g := range [][2]int{{20, 20}, {44, 20}, {20, 44}, {44, 44}} {
		h.spawn(t, world.KindCreature, posIn(g[0], g[1]))
	}

	for i := 1; i <= 5; i++ {
		rep := h.coord.Tick(dt)
		require.Len(t, rep.Partitions, 4)
		for pid := uint32(1); pid <= 4; pid++ {
			assert.Equal(t, uint64(i), h.coord.TicksCompleted(pid), "partition %d after tick %d", pid, i)
		}
		_, creatures := rep.Entities()
		assert.Equal(t, 4, creatures)
	}
	assert.Equal(t, uint64(5), h.coord.CurrentTick())
}

func TestParallelWithoutWorkersDrainsCooperatively(t *testing.T) {
	pool := scheduler.New(scheduler.Options{}, zaptest.NewLogger(t))
	h := newHarness(t, setup{partitions: 4, opts: Options{Parallel: true}, pool: pool})
	h.spawn(t, world.KindCreature, posIn(20, 20))

	h.coord.Tick(dt)
	for pid := uint32(1); pid <= 4; pid++ {
		assert.Equal(t, uint64(1), h.coord.TicksCompleted(pid))
	}
	assert.Zero(t, pool.PendingPartition())
}

func TestTickReturnsAfterPoolShutdown(t *testing.T) {
	pool := scheduler.New(scheduler.Options{}, zaptest.NewLogger(t))
	pool.Activate(2)
	pool.Deactivate()
	h := newHarness(t, setup{partitions: 4, opts: Options{Parallel: true}, pool: pool})
	h.spawn(t, world.KindCreature, posIn(20, 20))

	done := make(chan TickReport)
	go func() { done <- h.coord.Tick(dt) }()
	select {
	case rep := <-done:
		assert.Len(t, rep.Partitions, 4)
		assert.Zero(t, h.coord.TicksCompleted(1), "partition never ran")
	case <-time.After(5 * time.Second):
		t.Fatal("tick blocked on a cancelled pool")
	}
}

func TestTickWaitsForRunningPartitionsOnDeactivate(t *testing.T) {
	pool := newActivePool(t, 2)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, setup{
		partitions: 4,
		opts:       Options{Parallel: true},
		pool:       pool,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			once.Do(func() { close(started) })
			<-release
		}),
	})
	h.spawn(t, world.KindCreature, posIn(20, 20))

	done := make(chan TickReport)
	go func() { done <- h.coord.Tick(dt) }()
	<-started
	go pool.Deactivate()
	require.Eventually(t, pool.Cancelled, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("tick returned while a partition was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
		assert.Equal(t, uint64(1), h.coord.TicksCompleted(1))
		require.NoError(t, h.store.CheckInvariants())
	case <-time.After(5 * time.Second):
		t.Fatal("tick never returned")
	}
}

func TestRelocationCommitsAtTickEnd(t *testing.T) {
	var id ecs.EntityID
	h := newHarness(t, setup{
		partitions: 4,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			moveTo(id, 1, posIn(44, 20))(pc, e)
		}),
	})
	var relocated []event.EntityRelocated
	event.Subscribe(h.bus, func(ev event.EntityRelocated) { relocated = append(relocated, ev) })

	e := h.spawn(t, world.KindCreature, posIn(20, 20))
	id = e.ID
	require.Equal(t, uint32(1), h.owner(t, id))

	rep := h.coord.Tick(dt)
	assert.Equal(t, 1, rep.Committed)
	assert.Zero(t, rep.RolledBack)
	assert.Equal(t, uint32(2), h.owner(t, id))
	assert.Zero(t, h.coord.relocs.Len())
	require.NoError(t, h.store.CheckInvariants())

	h.bus.SwapBuffers()
	h.bus.DispatchAll()
	require.Len(t, relocated, 1)
	assert.Equal(t, uint32(1), relocated[0].From)
	assert.Equal(t, uint32(2), relocated[0].To)
	assert.Equal(t, uint64(1), relocated[0].Tick)
	assert.NotEmpty(t, relocated[0].TxnID)

	rep = h.coord.Tick(dt)
	assert.Zero(t, rep.Committed, "no further change once settled")
}

func TestRelocationRolledBackWhenDestroyedMidFlight(t *testing.T) {
	var id ecs.EntityID
	h := newHarness(t, setup{
		partitions: 4,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			if e.ID != id {
				return
			}
			_ = pc.Move(e, posIn(44, 20))
			pc.Destroy(e.ID)
		}),
	})
	e := h.spawn(t, world.KindCreature, posIn(20, 20))
	id = e.ID

	rep := h.coord.Tick(dt)
	assert.Equal(t, 1, rep.Destroyed)
	assert.Equal(t, 1, rep.RolledBack)
	assert.Zero(t, rep.Committed)
	assert.Equal(t, uint32(1), h.owner(t, id), "ownership stays with the source")
	assert.False(t, e.InWorld)
	assert.Zero(t, h.coord.relocs.Len())
	assert.Equal(t, 1, h.store.PendingDestroy())
}

func TestPlayerRelocationRolledBackWhenDestroyedMidFlight(t *testing.T) {
	var id ecs.EntityID
	h := newHarness(t, setup{
		partitions: 4,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			if e.ID != id {
				return
			}
			_ = pc.Move(e, posIn(44, 20))
			pc.Destroy(e.ID)
		}),
	})
	e := h.store.Spawn(world.KindPlayer, posIn(20, 20), 0)
	e.GUID = 4242
	_, err := h.coord.Register(e)
	require.NoError(t, err)
	id = e.ID
	require.Equal(t, []partition.OwnershipRow{{GUID: 4242, MapID: 0, PartitionID: 1}}, h.mgr.DrainOwnership())

	rep := h.coord.Tick(dt)
	assert.Equal(t, 1, rep.RolledBack)
	assert.Zero(t, rep.Committed)
	assert.Equal(t, uint32(1), h.owner(t, id))
	assert.False(t, e.InWorld)

	pid, ok := h.mgr.PersistentPartition(0, 4242)
	require.True(t, ok)
	assert.Equal(t, uint32(1), pid, "sticky ownership keeps the source")
	assert.Empty(t, h.mgr.DrainOwnership(), "nothing persisted on rollback")
}

func TestOscillationWithinTickCommitsOnce(t *testing.T) {
	var id ecs.EntityID
	h := newHarness(t, setup{
		partitions: 4,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			if e.ID != id || pc.Tick != 1 {
				return
			}
			for i := 0; i < 5; i++ {
				_ = pc.Move(e, posIn(32, 20))
				_ = pc.Move(e, posIn(31, 20))
			}
			_ = pc.Move(e, posIn(32, 20))
		}),
	})
	e := h.spawn(t, world.KindCreature, posIn(31, 20))
	id = e.ID
	require.Equal(t, uint32(1), h.owner(t, id))

	rep := h.coord.Tick(dt)
	assert.Equal(t, 1, rep.Committed)
	assert.Equal(t, uint32(2), h.owner(t, id))
	assert.False(t, h.mgr.IsInBoundarySet(0, 1, id), "source set released on commit")

	rep = h.coord.Tick(dt)
	assert.Zero(t, rep.Committed)
	assert.True(t, h.mgr.IsInBoundarySet(0, 2, id))
	final := posIn(32, 20)
	assert.Contains(t, h.mgr.NearbyBoundaryObjects(0, 2, final.X, final.Y, 5), id)
}

func TestBoundaryOverridePinsOwner(t *testing.T) {
	var id ecs.EntityID
	h := newHarness(t, setup{
		partitions: 4,
		opts:       Options{BoundaryOverride: time.Minute},
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			if e.ID != id {
				return
			}
			if pc.Tick%2 == 0 {
				_ = pc.Move(e, posIn(32, 20))
			} else {
				_ = pc.Move(e, posIn(31, 20))
			}
		}),
	})
	e := h.spawn(t, world.KindCreature, posIn(31, 20))
	id = e.ID

	for i := 0; i < 6; i++ {
		rep := h.coord.Tick(dt)
		assert.Zero(t, rep.Committed, "tick %d", i+1)
		assert.Equal(t, uint32(1), h.owner(t, id))
	}
	assert.Equal(t, 1, h.mgr.BoundaryCount(0, 1))
}

// drift moves creatures east by a fixed step, wrapping at the map edge, and
// sends one unit of aggression per tick to the first game object.
type drift struct {
	anchor ecs.EntityID
}

func (d *drift) Update(pc *PartitionContext, e *world.Entity) {
	if e.Kind != world.KindCreature {
		return
	}
	pos := e.Pos
	pos.X += 170
	if pos.X > 3000 {
		pos.X = -3000
	}
	_ = pc.Move(e, pos)

	if pc.Owns(d.anchor) {
		if a, ok := pc.Find(d.anchor); ok {
			a.Speed++
		}
		return
	}
	pc.Relay(d.anchor, e.ID, relay.AggressionDelta{Amount: 1})
}

type speedApplier struct{}

func (speedApplier) ApplyRelay(_ uint32, msg relay.Message, subject, _ *world.Entity) {
	if d, ok := msg.Payload.(relay.AggressionDelta); ok {
		subject.Speed += d.Amount
	}
}

type snapshot struct {
	pos   world.Position
	owner uint32
	speed float64
}

func runScenario(t *testing.T, s setup, ticks int) map[ecs.EntityID]snapshot {
	t.Helper()
	d := &drift{}
	s.updater = d
	s.applier = speedApplier{}
	h := newHarness(t, s)

	d.anchor = h.spawn(t, world.KindGameObject, posIn(44, 44)).ID
	for i := 0; i < 24; i++ {
		gx := 24 + (i*3)%16
		gy := 20 + (i*7)%24
		h.spawn(t, world.KindCreature, posIn(gx, gy))
	}
	for i := 0; i < ticks; i++ {
		h.coord.Tick(dt)
	}
	require.NoError(t, h.store.CheckInvariants())

	out := make(map[ecs.EntityID]snapshot)
	h.store.Each(func(e *world.Entity) {
		pid, _ := h.store.PartitionOf(e.ID)
		speed := e.Speed
		if e.ID == d.anchor {
			// parallel partitions may drain a relay one tick earlier
			speed += float64(h.relays.Pending(pid))
		}
		out[e.ID] = snapshot{pos: e.Pos, owner: pid, speed: speed}
	})
	return out
}

func TestSequentialAndParallelAgree(t *testing.T) {
	seq := runScenario(t, setup{partitions: 4}, 40)
	par := runScenario(t, setup{
		partitions: 4,
		opts:       Options{Parallel: true},
		pool:       newActivePool(t, 4),
	}, 40)
	assert.Equal(t, seq, par)

	moved := 0
	for _, s := range seq {
		if s.owner == 2 || s.owner == 4 {
			moved++
		}
	}
	assert.Greater(t, moved, 1)
}

func TestSinglePartitionMatchesUnpartitioned(t *testing.T) {
	one := runScenario(t, setup{partitions: 1}, 30)
	none := runScenario(t, setup{}, 30)
	require.Len(t, none, len(one))
	for id, s := range one {
		assert.Equal(t, s.pos, none[id].pos)
		assert.Equal(t, s.speed, none[id].speed)
		assert.Equal(t, uint32(1), s.owner)
		assert.Equal(t, uint32(0), none[id].owner)
	}
}

func TestSinglePartitionParallelMatchesSequential(t *testing.T) {
	seq := runScenario(t, setup{partitions: 1}, 30)
	par := runScenario(t, setup{
		partitions: 1,
		opts:       Options{Parallel: true},
		pool:       newActivePool(t, 3),
	}, 30)
	assert.Equal(t, seq, par)
	for _, s := range par {
		assert.Equal(t, uint32(1), s.owner)
	}
}

func TestOffMapPositionsRejected(t *testing.T) {
	h := newHarness(t, setup{partitions: 4})

	far := h.store.Spawn(world.KindCreature, world.Position{X: 1e7, Y: -1e7}, 0)
	_, err := h.coord.Register(far)
	assert.ErrorIs(t, err, grid.ErrInvalidCoord)
	_, owned := h.store.PartitionOf(far.ID)
	assert.False(t, owned)

	e := h.spawn(t, world.KindCreature, posIn(20, 20))
	err = h.coord.Move(e.ID, world.Position{X: math.NaN(), Y: 5e6})
	assert.ErrorIs(t, err, grid.ErrInvalidCoord)
	assert.Equal(t, posIn(20, 20), e.Pos)

	rep := h.coord.Tick(dt)
	assert.Zero(t, rep.Committed)
	assert.Equal(t, uint32(1), h.owner(t, e.ID))
	assert.Equal(t, posIn(20, 20), e.Pos)
	require.NoError(t, h.store.CheckInvariants())
}

func TestUnpartitionedRunsEverythingInline(t *testing.T) {
	var relayed []bool
	h := newHarness(t, setup{
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			assert.True(t, pc.Owns(e.ID))
			relayed = append(relayed, pc.Relay(e.ID, 0, relay.AggressionDelta{Amount: 1}))
		}),
	})
	h.spawn(t, world.KindCreature, posIn(20, 20))
	h.spawn(t, world.KindPlayer, posIn(44, 44))

	rep := h.coord.Tick(dt)
	require.Len(t, rep.Partitions, 1)
	assert.Equal(t, uint32(0), rep.Partitions[0].ID)
	assert.Equal(t, 1, rep.Partitions[0].Players)
	assert.Equal(t, 1, rep.Partitions[0].Creatures)
	assert.Equal(t, uint64(1), h.coord.TicksCompleted(0))
	assert.Equal(t, []bool{false, false}, relayed)
	assert.False(t, h.relays.Enabled())

	_, err := h.coord.BeginRelocation(ecs.NewEntityID(1, 1), 1)
	assert.ErrorIs(t, err, ErrNotPartitioned)
}

type recordingApplier struct {
	mu  sync.Mutex
	got []relay.Message
	pid []uint32
}

func (a *recordingApplier) ApplyRelay(pid uint32, msg relay.Message, _, _ *world.Entity) {
	a.mu.Lock()
	a.got = append(a.got, msg)
	a.pid = append(a.pid, pid)
	a.mu.Unlock()
}

func TestRelayDeliveredNextTickToOwner(t *testing.T) {
	app := &recordingApplier{}
	var attacker, victim ecs.EntityID
	var local, remote bool
	h := newHarness(t, setup{
		partitions: 4,
		applier:    app,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			if e.ID != attacker || pc.Tick != 1 {
				return
			}
			local = pc.Relay(attacker, victim, relay.AggressionDelta{Amount: 3})
			remote = pc.Relay(victim, attacker, relay.AggressionDelta{Amount: 5})
		}),
	})
	// partition 4 runs last, so its relay to partition 1 waits a tick
	attacker = h.spawn(t, world.KindCreature, posIn(44, 44)).ID
	victim = h.spawn(t, world.KindCreature, posIn(20, 20)).ID

	h.coord.Tick(dt)
	assert.False(t, local, "own entities are never relayed")
	assert.True(t, remote)
	assert.Equal(t, 1, h.relays.Pending(1))
	assert.Empty(t, app.got)

	rep := h.coord.Tick(dt)
	require.Len(t, app.got, 1)
	assert.Equal(t, uint32(1), app.pid[0])
	assert.Equal(t, victim, app.got[0].Subject)
	assert.Equal(t, relay.AggressionDelta{Amount: 5}, app.got[0].Payload)
	assert.Equal(t, 1, rep.RelaysProcessed())
}

func TestPeekReadsTickStartPosition(t *testing.T) {
	var mover, watcher ecs.EntityID
	var seen []world.Position
	h := newHarness(t, setup{
		partitions: 4,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			switch e.ID {
			case mover:
				p := e.Pos
				p.Y += 10
				_ = pc.Move(e, p)
			case watcher:
				pos, ok := pc.Peek(mover)
				require.True(t, ok)
				seen = append(seen, pos)
			}
		}),
	})
	start := posIn(20, 20)
	mover = h.spawn(t, world.KindCreature, start).ID
	watcher = h.spawn(t, world.KindCreature, posIn(44, 44)).ID

	h.coord.Tick(dt)
	h.coord.Tick(dt)
	require.Len(t, seen, 2)
	assert.Equal(t, start.Y, seen[0].Y)
	assert.Equal(t, start.Y+10, seen[1].Y)
}

type chase struct{ target ecs.EntityID }

func (c chase) MotionTarget() (ecs.EntityID, bool) { return c.target, true }

func TestCombatHandoffPinsVictim(t *testing.T) {
	var id ecs.EntityID
	h := newHarness(t, setup{
		partitions: 4,
		opts:       Options{CombatHandoff: time.Minute},
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			moveTo(id, 1, posIn(44, 20))(pc, e)
		}),
	})
	var handoffs []event.CombatHandoff
	event.Subscribe(h.bus, func(ev event.CombatHandoff) { handoffs = append(handoffs, ev) })

	victim := h.spawn(t, world.KindPlayer, posIn(20, 24))
	e := h.spawn(t, world.KindCreature, posIn(20, 20))
	e.InCombat = true
	e.Victim = victim.ID
	id = e.ID

	rep := h.coord.Tick(dt)
	assert.Equal(t, 1, rep.Committed)
	assert.Equal(t, uint32(1), rep.CombatHandoffs)
	assert.Equal(t, uint32(2), h.mgr.PartitionFor(0, victim.Pos.X, victim.Pos.Y, 0, victim.ID))

	h.bus.SwapBuffers()
	h.bus.DispatchAll()
	require.Len(t, handoffs, 1)
	assert.Equal(t, victim.ID, handoffs[0].Victim)
	assert.Equal(t, uint32(2), handoffs[0].To)

	rep = h.coord.Tick(dt)
	assert.Equal(t, 1, rep.Committed, "victim follows its attacker")
	assert.Equal(t, uint32(2), h.owner(t, victim.ID))
}

func TestPathHandoffRequeuesChase(t *testing.T) {
	var id ecs.EntityID
	h := newHarness(t, setup{
		partitions: 4,
		opts:       Options{PathHandoff: time.Minute},
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			moveTo(id, 1, posIn(20, 44))(pc, e)
		}),
	})
	target := h.spawn(t, world.KindPlayer, posIn(44, 44))
	e := h.spawn(t, world.KindCreature, posIn(20, 20))
	e.Mechanics = chase{target: target.ID}
	id = e.ID

	rep := h.coord.Tick(dt)
	assert.Equal(t, 1, rep.Committed)
	assert.Equal(t, uint32(1), rep.PathHandoffs)
	assert.Equal(t, uint32(3), h.owner(t, id))
	assert.Equal(t, 1, h.relays.Pending(3), "chase re-issued on the new owner")
	assert.Equal(t, uint32(3), h.mgr.PartitionFor(0, 0, 0, 0, id), "override holds the new owner")
}

func TestExternalMoveRelocatesBeforePartitionsRun(t *testing.T) {
	var owners []uint32
	h := newHarness(t, setup{partitions: 4})
	e := h.spawn(t, world.KindPlayer, posIn(20, 20))
	h.coord.updater = UpdaterFunc(func(pc *PartitionContext, en *world.Entity) {
		if en.ID == e.ID {
			owners = append(owners, pc.PartitionID)
		}
	})

	require.NoError(t, h.coord.Move(e.ID, posIn(44, 44)))
	assert.Equal(t, posIn(44, 44), e.Settled)
	assert.Equal(t, 1, h.idx.Occupants(grid.GridCoord{X: 44, Y: 44}))

	rep := h.coord.Tick(dt)
	assert.Equal(t, 1, rep.Committed)
	assert.Equal(t, []uint32{4}, owners)
	assert.Equal(t, uint32(4), h.owner(t, e.ID))

	assert.ErrorIs(t, h.coord.Move(ecs.NewEntityID(99, 1), posIn(20, 20)), world.ErrUnknownEntity)
}

func TestRelocationAPI(t *testing.T) {
	h := newHarness(t, setup{partitions: 4})
	e := h.spawn(t, world.KindCreature, posIn(20, 20))

	txn, err := h.coord.BeginRelocation(e.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), txn.From)
	assert.Equal(t, uint32(3), txn.To)

	_, err = h.coord.BeginRelocation(e.ID, 2)
	assert.ErrorIs(t, err, partition.ErrRelocationInFlight)

	ok, err := h.coord.CommitRelocation(e.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), h.owner(t, e.ID))

	_, err = h.coord.CommitRelocation(e.ID)
	assert.ErrorIs(t, err, partition.ErrNoRelocation)

	_, err = h.coord.BeginRelocation(e.ID, 9)
	assert.ErrorIs(t, err, world.ErrInvalidPartition)

	_, err = h.coord.BeginRelocation(e.ID, 1)
	require.NoError(t, err)
	assert.True(t, h.coord.RollbackRelocation(e.ID, "test"))
	assert.False(t, h.coord.RollbackRelocation(e.ID, "test"))
	assert.Equal(t, uint32(3), h.owner(t, e.ID))
}

func TestCommitAfterLeavingWorldRollsBack(t *testing.T) {
	h := newHarness(t, setup{partitions: 4})
	e := h.spawn(t, world.KindCreature, posIn(20, 20))

	_, err := h.coord.BeginRelocation(e.ID, 2)
	require.NoError(t, err)
	require.True(t, h.store.Destroy(e.ID))

	ok, err := h.coord.CommitRelocation(e.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint32(1), h.owner(t, e.ID))
	assert.Zero(t, h.coord.relocs.Len())
}

func TestUnregisterEmitsAndClears(t *testing.T) {
	h := newHarness(t, setup{partitions: 4})
	var gone []event.EntityUnregistered
	event.Subscribe(h.bus, func(ev event.EntityUnregistered) { gone = append(gone, ev) })

	e := h.spawn(t, world.KindCreature, posIn(44, 20))
	_, err := h.coord.BeginRelocation(e.ID, 1)
	require.NoError(t, err)

	require.NoError(t, h.coord.Unregister(e.ID))
	assert.Zero(t, h.coord.relocs.Len())
	assert.ErrorIs(t, h.coord.Unregister(e.ID), world.ErrUnknownEntity)

	h.bus.SwapBuffers()
	h.bus.DispatchAll()
	require.Len(t, gone, 1)
	assert.Equal(t, uint32(2), gone[0].PartitionID)
}

func TestDeferredDestroyKeepsEntityForTick(t *testing.T) {
	var victim ecs.EntityID
	var peeked bool
	h := newHarness(t, setup{
		partitions: 4,
		updater: UpdaterFunc(func(pc *PartitionContext, e *world.Entity) {
			if e.ID == victim {
				pc.Destroy(e.ID)
				return
			}
			_, peeked = pc.Peek(victim)
		}),
	})
	victim = h.spawn(t, world.KindCreature, posIn(20, 20)).ID
	h.spawn(t, world.KindCreature, posIn(44, 44))

	rep := h.coord.Tick(dt)
	assert.True(t, peeked, "still in the world while partitions run")
	assert.Equal(t, 1, rep.Destroyed)

	h.coord.Tick(dt)
	assert.False(t, peeked)
}

func TestPreloadAheadLoadsNextGrid(t *testing.T) {
	h := newHarness(t, setup{partitions: 4, opts: Options{PreloadAhead: true}})
	e := h.spawn(t, world.KindPlayer, posIn(30, 20))
	e.Moving = true
	e.Speed = 400 // three seconds ahead lands two grids east

	ahead := grid.GridCoord{X: 32, Y: 20}
	for i := 0; i < boundaryApproachEvery-1; i++ {
		h.coord.Tick(dt)
	}
	assert.False(t, h.idx.IsLoaded(ahead))
	h.coord.Tick(dt)
	assert.True(t, h.idx.IsLoaded(ahead))
}

func TestInFlightLimit(t *testing.T) {
	tests := []struct {
		dt   time.Duration
		want int64
	}{
		{20 * time.Millisecond, 6},
		{35 * time.Millisecond, 6},
		{50 * time.Millisecond, 5},
		{120 * time.Millisecond, 4},
		{199 * time.Millisecond, 4},
		{250 * time.Millisecond, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inFlightLimit(tt.dt), tt.dt.String())
	}
}

type sleepSystem struct {
	phase system.Phase
	d     time.Duration
}

func (s sleepSystem) Phase() system.Phase    { return s.phase }
func (s sleepSystem) Update(_ time.Duration) { time.Sleep(s.d) }

func TestSlowTickBreaksDownSharedPhases(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)
	mgr := partition.NewManager(partition.Options{DefaultCount: 1}, log)
	store := world.NewStore(world.StoreOptions{}, mgr, nil, log)
	runner := system.NewRunner()
	runner.Register(sleepSystem{phase: system.PhaseEnvironment, d: 3 * time.Millisecond})
	runner.Register(sleepSystem{phase: system.PhaseRelocate})
	coord := New(Deps{Store: store, Oracle: mgr, Shared: runner}, Options{SlowPhase: time.Millisecond}, log)

	rep := coord.Tick(dt)
	assert.GreaterOrEqual(t, rep.SharedPhases[system.PhaseEnvironment], 3*time.Millisecond)
	assert.NotContains(t, rep.SharedPhases, system.PhaseScripts, "phases without systems are left out")

	entries := logs.FilterMessage("slow tick phase breakdown").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Contains(t, fields, "shared_environment")
	assert.NotContains(t, fields, "shared_scripts")
}
