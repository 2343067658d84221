package mechanics

import (
	"time"

	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/scripting"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

// ProcHook decides the effect of a proc, normally a *scripting.Engine.
type ProcHook interface {
	OnProc(ctx scripting.ProcContext) scripting.ProcResult
}

// Sink applies relay messages to the state of entities the draining
// partition owns. It keeps no state of its own and may be shared by every
// partition worker.
type Sink struct {
	mapID uint32
	hook  ProcHook
	now   func() time.Time
	log   *zap.Logger
}

// NewSink creates a sink. hook may be nil.
func NewSink(mapID uint32, hook ProcHook, log *zap.Logger) *Sink {
	return &Sink{mapID: mapID, hook: hook, now: time.Now, log: log}
}

// ApplyRelay implements relay.Applier. Entities without mechanics state
// ignore everything.
func (s *Sink) ApplyRelay(pid uint32, msg relay.Message, subject, other *world.Entity) {
	st := Of(subject)
	if st == nil {
		return
	}
	switch p := msg.Payload.(type) {
	case relay.AggressionDelta:
		st.Threat.Add(msg.Other, p.Amount)
		syncCombat(subject, st)

	case relay.AggressionAction:
		if p.Reset {
			st.Threat.Reset()
		} else {
			st.Threat.Clear()
		}
		syncCombat(subject, st)

	case relay.AggressionTargetAction:
		if p.Reset {
			st.Threat.ResetTarget(msg.Other)
		} else {
			st.Threat.Remove(msg.Other)
		}
		syncCombat(subject, st)

	case relay.Taunt:
		if p.Fade {
			st.Threat.Fade(msg.Other)
		} else {
			st.Threat.Taunt(msg.Other)
		}
		syncCombat(subject, st)

	case relay.Proc:
		st.Procs++
		s.proc(pid, msg, p, subject, other, st)

	case relay.Buff:
		if p.Remove {
			st.Buffs.Remove(p.SpellID)
			return
		}
		buf := Buff{SpellID: p.SpellID, Caster: msg.Other, EffectMask: p.EffectMask}
		if p.Duration > 0 {
			buf.Expires = s.now().Add(p.Duration)
		}
		st.Buffs.Apply(buf)

	case relay.PathChase:
		if other != nil && other.InWorld {
			st.Intent = Intent{Kind: IntentChase, Target: other.ID}
		}

	case relay.MovePoint:
		st.Intent = Intent{Kind: IntentPoint, PointID: p.PointID, X: p.X, Y: p.Y, Z: p.Z, Speed: p.Speed}

	case relay.SeekAssist:
		st.Intent = Intent{Kind: IntentAssist, X: p.X, Y: p.Y, Z: p.Z}

	case relay.SeekAssistDistract:
		st.Intent.DistractUntil = s.now().Add(p.Duration)
		subject.Moving = false

	default:
		s.log.Debug("relay payload ignored", zap.Stringer("kind", msg.Kind))
	}
}

func (s *Sink) proc(pid uint32, msg relay.Message, p relay.Proc, subject, other *world.Entity, st *State) {
	if s.hook == nil {
		return
	}
	res := s.hook.OnProc(scripting.ProcContext{
		MapID:       s.mapID,
		PartitionID: pid,
		Subject:     subject.ID,
		Other:       msg.Other,
		Flags:       p.Flags,
		Extra:       p.Extra,
		Amount:      p.Amount,
		SpellID:     p.SpellID,
		IsVictim:    p.IsVictim,
	})
	if res.Threat > 0 && other != nil {
		st.Threat.Add(other.ID, res.Threat)
		syncCombat(subject, st)
	}
	if res.ApplySpell != 0 {
		buf := Buff{SpellID: res.ApplySpell, Caster: msg.Other}
		if res.Duration > 0 {
			buf.Expires = s.now().Add(res.Duration)
		}
		st.Buffs.Apply(buf)
	}
}

var _ relay.Applier = (*Sink)(nil)
