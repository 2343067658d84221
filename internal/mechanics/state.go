// Package mechanics is the default per-entity simulation: aggression lists,
// auras and motion intents, advanced by the partition that owns each entity
// and fed by relay messages from the others.
package mechanics

import (
	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/world"
)

// State is the mechanics record attached to an entity.
type State struct {
	Threat Threat
	Buffs  Buffs
	Intent Intent

	Hits  uint32 // melee pulses landed
	Procs uint32 // procs received
}

var _ world.Mechanics = (*State)(nil)

func NewState() *State { return &State{} }

// MotionTarget reports the chase target and whether any intent is active.
func (s *State) MotionTarget() (ecs.EntityID, bool) {
	switch s.Intent.Kind {
	case IntentChase:
		return s.Intent.Target, true
	case IntentPoint, IntentAssist:
		return 0, true
	}
	return 0, false
}

// Of returns e's state, or nil when e carries none.
func Of(e *world.Entity) *State {
	if e == nil {
		return nil
	}
	s, _ := e.Mechanics.(*State)
	return s
}

// Attach gives e a state if it has none and returns it.
func Attach(e *world.Entity) *State {
	if s := Of(e); s != nil {
		return s
	}
	s := NewState()
	e.Mechanics = s
	return s
}

// syncCombat mirrors the top of the threat list onto the entity flags the
// coordinator reads.
func syncCombat(e *world.Entity, s *State) {
	top := s.Threat.Top()
	e.Victim = top
	e.InCombat = !top.IsZero()
}
