package relay

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
)

// Payload is the kind-specific body of a Message.
type Payload interface {
	Kind() Kind
	payload()
}

// AggressionDelta adds Amount aggression from Other onto Subject's list.
type AggressionDelta struct {
	Amount  float64
	School  uint32
	SpellID uint32
}

// AggressionAction clears (or with Reset, zeroes) Subject's whole list.
type AggressionAction struct {
	Reset bool
}

// AggressionTargetAction clears (or with Reset, zeroes) Other's entry on
// Subject's list.
type AggressionTargetAction struct {
	Reset bool
}

// Taunt forces Other to the top of Subject's list, or releases it with Fade.
type Taunt struct {
	Fade bool
}

// Proc fires a proc on Subject with Other as the counterpart.
type Proc struct {
	Flags    uint32
	Extra    uint32
	Amount   int32
	SpellID  uint32
	IsVictim bool
}

// Buff applies or removes SpellID on Subject; Other is the caster.
type Buff struct {
	SpellID    uint32
	EffectMask uint8
	Duration   time.Duration
	Remove     bool
	RemoveMode uint8
}

// PathChase points Subject's motion at Other.
type PathChase struct{}

// MovePoint sends Subject to a fixed point.
type MovePoint struct {
	PointID      uint32
	X, Y, Z      float64
	Speed        float64
	GeneratePath bool
}

// SeekAssist sends Subject toward an ally's position.
type SeekAssist struct {
	X, Y, Z float64
}

// SeekAssistDistract pauses Subject's motion for Duration.
type SeekAssistDistract struct {
	Duration time.Duration
}

func (AggressionDelta) Kind() Kind        { return KindAggressionDelta }
func (AggressionAction) Kind() Kind       { return KindAggressionClear }
func (AggressionTargetAction) Kind() Kind { return KindAggressionTargetClear }
func (Proc) Kind() Kind                   { return KindProc }
func (PathChase) Kind() Kind              { return KindPathChase }
func (MovePoint) Kind() Kind              { return KindMovePoint }
func (SeekAssist) Kind() Kind             { return KindSeekAssist }
func (SeekAssistDistract) Kind() Kind     { return KindSeekAssistDistract }

func (t Taunt) Kind() Kind {
	if t.Fade {
		return KindTauntFade
	}
	return KindTauntApply
}

func (b Buff) Kind() Kind {
	if b.Remove {
		return KindBuffRemove
	}
	return KindBuffApply
}

func (AggressionDelta) payload()        {}
func (AggressionAction) payload()       {}
func (AggressionTargetAction) payload() {}
func (Taunt) payload()                  {}
func (Proc) payload()                   {}
func (Buff) payload()                   {}
func (PathChase) payload()              {}
func (MovePoint) payload()              {}
func (SeekAssist) payload()             {}
func (SeekAssistDistract) payload()     {}

// Message is one queued effect. Subject is the entity to mutate; its owning
// partition is where the message must be applied.
type Message struct {
	QueuedAt time.Time
	Kind     Kind
	Subject  ecs.EntityID
	Other    ecs.EntityID
	Bounces  int
	Payload  Payload
}
