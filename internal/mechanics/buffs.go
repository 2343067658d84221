package mechanics

import (
	"slices"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
)

// Buff is one active spell aura. A zero Expires never expires.
type Buff struct {
	SpellID    uint32
	Caster     ecs.EntityID
	EffectMask uint8
	Expires    time.Time
}

// Buffs holds the active auras of one entity, keyed by spell.
type Buffs struct {
	active map[uint32]Buff
}

// Apply adds b, replacing (refreshing) an aura of the same spell.
func (b *Buffs) Apply(buf Buff) {
	if buf.SpellID == 0 {
		return
	}
	if b.active == nil {
		b.active = make(map[uint32]Buff)
	}
	b.active[buf.SpellID] = buf
}

func (b *Buffs) Remove(spellID uint32) bool {
	if _, ok := b.active[spellID]; !ok {
		return false
	}
	delete(b.active, spellID)
	return true
}

func (b *Buffs) Has(spellID uint32) bool {
	_, ok := b.active[spellID]
	return ok
}

func (b *Buffs) Get(spellID uint32) (Buff, bool) {
	buf, ok := b.active[spellID]
	return buf, ok
}

func (b *Buffs) Len() int { return len(b.active) }

// Expire removes every aura that ran out by now and returns their spells in
// ascending order.
func (b *Buffs) Expire(now time.Time) []uint32 {
	var gone []uint32
	for id, buf := range b.active {
		if !buf.Expires.IsZero() && !now.Before(buf.Expires) {
			gone = append(gone, id)
		}
	}
	for _, id := range gone {
		delete(b.active, id)
	}
	slices.Sort(gone)
	return gone
}
