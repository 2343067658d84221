package main

import (
	"math/rand"
	"slices"
	"time"

	"github.com/l1jgo/worldshard/internal/grid"
	"github.com/l1jgo/worldshard/internal/mechanics"
	"github.com/l1jgo/worldshard/internal/tick"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

const (
	demoSpread      = 8 * grid.GridSize // yards either side of the map centre
	demoWanderEvery = 20                // ticks between new player destinations
	demoWanderReach = 2 * grid.GridSize
	demoZoneGrids   = 16
)

// demo seeds and drives a synthetic population: wandering players and
// creatures that chase them across partition borders.
type demo struct {
	coord   *tick.Coordinator
	store   *world.Store
	rng     *rand.Rand
	log     *zap.Logger
	players []*world.Entity
	zoneSet map[uint32]struct{}
}

func newDemo(coord *tick.Coordinator, store *world.Store, rng *rand.Rand, log *zap.Logger) *demo {
	return &demo{coord: coord, store: store, rng: rng, log: log, zoneSet: make(map[uint32]struct{})}
}

func (d *demo) randomPos() world.Position {
	return world.Position{
		X: (d.rng.Float64()*2 - 1) * demoSpread,
		Y: (d.rng.Float64()*2 - 1) * demoSpread,
	}
}

func zoneOf(pos world.Position) uint32 {
	g := grid.ComputeGridCoord(pos.X, pos.Y)
	return uint32(g.Y/demoZoneGrids*(grid.MaxGrids/demoZoneGrids)+g.X/demoZoneGrids) + 1
}

func (d *demo) spawn(kind world.Kind, pos world.Position, speed float64) (*world.Entity, error) {
	zone := zoneOf(pos)
	d.zoneSet[zone] = struct{}{}
	e := d.store.Spawn(kind, pos, zone)
	e.Speed = speed
	if kind == world.KindPlayer {
		e.GUID = uint64(len(d.players) + 1)
	}
	if kind != world.KindCorpse {
		mechanics.Attach(e)
	}
	if _, err := d.coord.Register(e); err != nil {
		d.store.Destroy(e.ID)
		return nil, err
	}
	return e, nil
}

// seed spawns n entities: a quarter players, one in ten corpses and the rest
// creatures, each creature hunting a random player.
func (d *demo) seed(n int) error {
	if n <= 0 {
		return nil
	}
	nPlayers := max(n/4, 1)
	nCorpses := n / 10
	for range nPlayers {
		p, err := d.spawn(world.KindPlayer, d.randomPos(), 7)
		if err != nil {
			return err
		}
		d.players = append(d.players, p)
	}
	now := time.Now()
	for range nCorpses {
		c, err := d.spawn(world.KindCorpse, d.randomPos(), 0)
		if err != nil {
			return err
		}
		c.ExpiresAt = now.Add(time.Duration(30+d.rng.Intn(90)) * time.Second)
	}
	for range n - nPlayers - nCorpses {
		c, err := d.spawn(world.KindCreature, d.randomPos(), 8)
		if err != nil {
			return err
		}
		prey := d.players[d.rng.Intn(len(d.players))]
		mechanics.Of(c).Threat.Add(prey.ID, 1)
	}
	d.log.Info("demo population seeded",
		zap.Int("players", nPlayers), zap.Int("corpses", nCorpses),
		zap.Int("creatures", n-nPlayers-nCorpses), zap.Int("zones", len(d.zoneSet)))
	return nil
}

func (d *demo) zones() []uint32 {
	out := make([]uint32, 0, len(d.zoneSet))
	for z := range d.zoneSet {
		out = append(out, z)
	}
	slices.Sort(out)
	return out
}

// wander gives idle players a new destination. Runs between ticks only.
func (d *demo) wander(tickN uint64) {
	if tickN%demoWanderEvery != 0 {
		return
	}
	for _, p := range d.players {
		st := mechanics.Of(p)
		if !p.InWorld || st == nil || st.Intent.Active() {
			continue
		}
		x := p.Pos.X + (d.rng.Float64()*2-1)*demoWanderReach
		y := p.Pos.Y + (d.rng.Float64()*2-1)*demoWanderReach
		if !grid.ValidPosition(x, y) {
			continue
		}
		st.Intent = mechanics.Intent{Kind: mechanics.IntentPoint, X: x, Y: y}
	}
}
