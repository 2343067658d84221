package event

import "github.com/l1jgo/worldshard/internal/core/ecs"

// EntityRegistered fires when an entity is first bound to a partition.
type EntityRegistered struct {
	EntityID    ecs.EntityID
	MapID       uint32
	PartitionID uint32
}

type EntityUnregistered struct {
	EntityID    ecs.EntityID
	MapID       uint32
	PartitionID uint32
}

// EntityRelocated fires after a committed ownership transfer.
type EntityRelocated struct {
	EntityID ecs.EntityID
	MapID    uint32
	From     uint32
	To       uint32
	TxnID    string
	Tick     uint64
}

// CombatHandoff fires when a relocated entity was mid-combat.
type CombatHandoff struct {
	EntityID ecs.EntityID
	Victim   ecs.EntityID
	MapID    uint32
	To       uint32
}

// WeatherChanged fires when a zone's weather moves to a new state.
type WeatherChanged struct {
	Zone uint32
	From uint8
	To   uint8
}
