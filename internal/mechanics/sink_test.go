package mechanics

import (
	"sync"
	"testing"
	"time"

	"github.com/l1jgo/worldshard/internal/relay"
	"github.com/l1jgo/worldshard/internal/scripting"
	"github.com/l1jgo/worldshard/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingHook struct {
	mu     sync.Mutex
	calls  []scripting.ProcContext
	result scripting.ProcResult
}

func (h *recordingHook) OnProc(ctx scripting.ProcContext) scripting.ProcResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, ctx)
	return h.result
}

var sinkNow = time.Unix(5000, 0)

func newTestSink(t *testing.T, hook ProcHook) *Sink {
	t.Helper()
	s := NewSink(7, hook, zaptest.NewLogger(t))
	s.now = func() time.Time { return sinkNow }
	return s
}

func entities() (subject, other *world.Entity) {
	subject = &world.Entity{ID: idA, Kind: world.KindCreature, InWorld: true}
	other = &world.Entity{ID: idB, Kind: world.KindPlayer, InWorld: true}
	Attach(subject)
	return subject, other
}

func apply(s *Sink, subject, other *world.Entity, p relay.Payload) {
	s.ApplyRelay(1, relay.Message{Kind: p.Kind(), Subject: subject.ID, Other: other.ID, Payload: p}, subject, other)
}

func TestSinkAggression(t *testing.T) {
	s := newTestSink(t, nil)
	subject, other := entities()
	st := Of(subject)

	apply(s, subject, other, relay.AggressionDelta{Amount: 12})
	assert.Equal(t, 12.0, st.Threat.Amount(idB))
	assert.True(t, subject.InCombat)
	assert.Equal(t, idB, subject.Victim)

	apply(s, subject, other, relay.AggressionTargetAction{Reset: true})
	assert.Equal(t, 0.0, st.Threat.Amount(idB))
	assert.Equal(t, 1, st.Threat.Len())

	apply(s, subject, other, relay.AggressionTargetAction{})
	assert.Zero(t, st.Threat.Len())
	assert.False(t, subject.InCombat)
	assert.True(t, subject.Victim.IsZero())

	apply(s, subject, other, relay.AggressionDelta{Amount: 4})
	apply(s, subject, other, relay.AggressionAction{Reset: true})
	assert.Equal(t, 1, st.Threat.Len())
	apply(s, subject, other, relay.AggressionAction{})
	assert.Zero(t, st.Threat.Len())
	assert.False(t, subject.InCombat)
}

func TestSinkTaunt(t *testing.T) {
	s := newTestSink(t, nil)
	subject, other := entities()
	st := Of(subject)
	st.Threat.Add(idC, 50)

	apply(s, subject, other, relay.Taunt{})
	assert.Equal(t, idB, subject.Victim)
	apply(s, subject, other, relay.Taunt{Fade: true})
	assert.Equal(t, idC, subject.Victim)
}

func TestSinkBuffs(t *testing.T) {
	s := newTestSink(t, nil)
	subject, other := entities()
	st := Of(subject)

	apply(s, subject, other, relay.Buff{SpellID: 9, EffectMask: 1, Duration: 3 * time.Second})
	buf, ok := st.Buffs.Get(9)
	require.True(t, ok)
	assert.Equal(t, idB, buf.Caster)
	assert.Equal(t, sinkNow.Add(3*time.Second), buf.Expires)

	apply(s, subject, other, relay.Buff{SpellID: 9, Remove: true})
	assert.False(t, st.Buffs.Has(9))
}

func TestSinkMotionIntents(t *testing.T) {
	s := newTestSink(t, nil)
	subject, other := entities()
	st := Of(subject)

	apply(s, subject, other, relay.PathChase{})
	assert.Equal(t, Intent{Kind: IntentChase, Target: idB}, st.Intent)

	apply(s, subject, other, relay.MovePoint{PointID: 4, X: 1, Y: 2, Z: 3, Speed: 7})
	assert.Equal(t, IntentPoint, st.Intent.Kind)
	assert.Equal(t, uint32(4), st.Intent.PointID)
	assert.Equal(t, 7.0, st.Intent.Speed)

	apply(s, subject, other, relay.SeekAssist{X: 10, Y: 20})
	assert.Equal(t, IntentAssist, st.Intent.Kind)

	subject.Moving = true
	apply(s, subject, other, relay.SeekAssistDistract{Duration: time.Second})
	assert.False(t, subject.Moving)
	assert.True(t, st.Intent.Distracted(sinkNow))
	assert.False(t, st.Intent.Distracted(sinkNow.Add(time.Second)))
	assert.Equal(t, IntentAssist, st.Intent.Kind, "distract pauses, keeps the goal")

	// a chase needs a live target
	other.InWorld = false
	st.Intent = Intent{}
	apply(s, subject, other, relay.PathChase{})
	assert.False(t, st.Intent.Active())
}

func TestSinkProcCallsHook(t *testing.T) {
	hook := &recordingHook{result: scripting.ProcResult{Threat: 6, ApplySpell: 1604, Duration: time.Second}}
	s := newTestSink(t, hook)
	subject, other := entities()
	st := Of(subject)

	apply(s, subject, other, relay.Proc{Flags: 1, Amount: 6, IsVictim: true})
	require.Len(t, hook.calls, 1)
	assert.Equal(t, uint32(7), hook.calls[0].MapID)
	assert.Equal(t, uint32(1), hook.calls[0].PartitionID)
	assert.Equal(t, idB, hook.calls[0].Other)
	assert.True(t, hook.calls[0].IsVictim)

	assert.Equal(t, uint32(1), st.Procs)
	assert.Equal(t, 6.0, st.Threat.Amount(idB))
	assert.True(t, st.Buffs.Has(1604))
	assert.True(t, subject.InCombat)
}

func TestSinkIgnoresEntitiesWithoutState(t *testing.T) {
	s := newTestSink(t, &recordingHook{})
	subject := &world.Entity{ID: idA, InWorld: true}
	other := &world.Entity{ID: idB, InWorld: true}
	apply(s, subject, other, relay.AggressionDelta{Amount: 1})
	assert.False(t, subject.InCombat)
}
