package world

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
)

// Kind tags the variant of a simulated object.
type Kind uint8

const (
	KindPlayer Kind = iota
	KindCreature
	KindGameObject
	KindDynamicObject
	KindCorpse
	numKinds
)

var kindNames = [...]string{"player", "creature", "gameobject", "dynamicobject", "corpse"}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "unknown"
}

// Kinds lists every kind in bucket order.
func Kinds() []Kind {
	return []Kind{KindPlayer, KindCreature, KindGameObject, KindDynamicObject, KindCorpse}
}

// Position is a continuous world position with facing O in radians.
type Position struct {
	X, Y, Z, O float64
}

// Mechanics is the per-entity simulation state. Only the partition owning
// the entity may touch it.
type Mechanics interface {
	// MotionTarget reports the chase target, if any, and whether the entity
	// is following a motion intent at all.
	MotionTarget() (chase ecs.EntityID, active bool)
}

// Entity is one simulated world object. Fields other than Settled belong to
// the owning partition while partitions run; Settled is written only between
// ticks and may be read by anyone.
type Entity struct {
	ID   ecs.EntityID
	GUID uint64 // stable character id for players, 0 otherwise
	Kind Kind
	Pos  Position
	Zone uint32

	// Settled is Pos as of the start of the current tick.
	Settled Position

	InWorld         bool
	InCombat        bool
	Victim          ecs.EntityID
	Moving          bool
	Speed           float64 // yards per second
	BoundaryTracked bool

	Mechanics Mechanics
	ExpiresAt time.Time // corpses
}

func (e *Entity) IsPlayer() bool { return e.Kind == KindPlayer }

// HasMotionIntent reports whether a creature is following a path or chase.
func (e *Entity) HasMotionIntent() bool {
	if e.Kind != KindCreature || e.Mechanics == nil {
		return false
	}
	_, active := e.Mechanics.MotionTarget()
	return active
}

// ChaseVictim returns the chase target of the current motion intent.
func (e *Entity) ChaseVictim() ecs.EntityID {
	if e.Mechanics == nil {
		return 0
	}
	id, _ := e.Mechanics.MotionTarget()
	return id
}
