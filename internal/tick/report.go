package tick

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/relay"
)

// PartitionReport is what one partition did in one tick.
type PartitionReport struct {
	ID        uint32
	Players   int
	Creatures int
	Boundary  int
	Relays    relay.DrainReport
	Took      time.Duration
}

// TickReport summarises one Tick.
type TickReport struct {
	Tick       uint64
	Partitions []PartitionReport

	Committed      int
	RolledBack     int
	Destroyed      int
	CombatHandoffs uint32
	PathHandoffs   uint32

	PartitionPhase time.Duration
	OwnershipPhase time.Duration
	SharedPhase    time.Duration
	SharedPhases   map[system.Phase]time.Duration // per shared-phase split of SharedPhase
	Duration       time.Duration
}

// RelaysProcessed sums drained relay messages over all partitions.
func (r TickReport) RelaysProcessed() int {
	n := 0
	for _, p := range r.Partitions {
		n += p.Relays.Processed
	}
	return n
}

// Entities sums the players and creatures updated this tick.
func (r TickReport) Entities() (players, creatures int) {
	for _, p := range r.Partitions {
		players += p.Players
		creatures += p.Creatures
	}
	return players, creatures
}
