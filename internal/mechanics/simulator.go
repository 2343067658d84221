package mechanics

import (
	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/tick"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

// SimOptions tune a Simulator.
type SimOptions struct {
	MeleeRange  float64 // yards
	PulseThreat float64 // aggression added per melee pulse
	ProcEvery   uint32  // pulses between procs; 0 = never
	ProcFlags   uint32
}

// Simulator advances entities with a State by one tick: aura expiry, motion
// intents and melee pulses against the chase target. It implements
// tick.Updater.
type Simulator struct {
	opts SimOptions
	sink *Sink
	log  *zap.Logger
}

func NewSimulator(opts SimOptions, sink *Sink, log *zap.Logger) *Simulator {
	if opts.MeleeRange <= 0 {
		opts.MeleeRange = 5
	}
	if opts.PulseThreat <= 0 {
		opts.PulseThreat = 10
	}
	return &Simulator{opts: opts, sink: sink, log: log}
}

func (s *Simulator) Update(pc *tick.PartitionContext, e *world.Entity) {
	st := Of(e)
	if st == nil {
		return
	}
	for _, spell := range st.Buffs.Expire(pc.Now) {
		s.log.Debug("aura expired", zap.Stringer("entity", e.ID), zap.Uint32("spell", spell))
	}

	if e.Kind == world.KindCreature {
		s.pickTarget(pc, e, st)
	}
	if !st.Intent.Active() || st.Intent.Distracted(pc.Now) {
		e.Moving = false
		return
	}

	var gx, gy, stop float64
	switch st.Intent.Kind {
	case IntentChase:
		pos, ok := pc.Peek(st.Intent.Target)
		if !ok {
			st.Intent = Intent{}
			e.Moving = false
			return
		}
		gx, gy, stop = pos.X, pos.Y, s.opts.MeleeRange
	default:
		gx, gy = st.Intent.X, st.Intent.Y
	}

	speed := st.Intent.Speed
	if speed <= 0 {
		speed = e.Speed
	}
	next, arrived := step(e.Pos, gx, gy, speed*pc.Diff.Seconds(), stop)
	if next != e.Pos {
		if err := pc.Move(e, next); err != nil {
			s.log.Debug("move rejected", zap.Stringer("entity", e.ID), zap.Error(err))
			st.Intent = Intent{}
			e.Moving = false
			return
		}
	}
	e.Moving = !arrived

	if !arrived {
		return
	}
	if st.Intent.Kind == IntentChase {
		s.pulse(pc, e, st)
		return
	}
	st.Intent = Intent{}
}

// pickTarget points a creature's chase at the top of its threat list,
// dropping targets that left the world.
func (s *Simulator) pickTarget(pc *tick.PartitionContext, e *world.Entity, st *State) {
	for n := st.Threat.Len(); n >= 0; n-- {
		top := st.Threat.Top()
		if top.IsZero() {
			break
		}
		if _, ok := pc.Peek(top); ok {
			break
		}
		st.Threat.Remove(top)
	}
	syncCombat(e, st)
	if e.Victim.IsZero() || st.Intent.Kind == IntentPoint {
		return
	}
	if st.Intent.Kind != IntentChase || st.Intent.Target != e.Victim {
		st.Intent = Intent{Kind: IntentChase, Target: e.Victim}
	}
}

// pulse lands one melee hit on the chase target: aggression, and every
// ProcEvery hits a proc.
func (s *Simulator) pulse(pc *tick.PartitionContext, e *world.Entity, st *State) {
	target := st.Intent.Target
	st.Hits++
	s.affect(pc, target, e, relay.AggressionDelta{Amount: s.opts.PulseThreat})
	if s.opts.ProcEvery > 0 && st.Hits%s.opts.ProcEvery == 0 {
		s.affect(pc, target, e, relay.Proc{
			Flags:    s.opts.ProcFlags,
			Amount:   int32(s.opts.PulseThreat),
			IsVictim: true,
		})
	}
}

// affect applies p to subject directly when this partition owns it and
// relays it otherwise.
func (s *Simulator) affect(pc *tick.PartitionContext, subject ecs.EntityID, source *world.Entity, p relay.Payload) {
	if !pc.Owns(subject) {
		if !pc.Relay(subject, source.ID, p) {
			s.log.Debug("relay not queued", zap.Stringer("subject", subject), zap.Stringer("kind", p.Kind()))
		}
		return
	}
	target, ok := pc.Find(subject)
	if !ok || !target.InWorld {
		return
	}
	s.sink.ApplyRelay(pc.PartitionID, relay.Message{
		QueuedAt: pc.Now,
		Kind:     p.Kind(),
		Subject:  subject,
		Other:    source.ID,
		Payload:  p,
	}, target, source)
}

var _ tick.Updater = (*Simulator)(nil)
