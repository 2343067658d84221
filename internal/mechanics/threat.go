package mechanics

import "github.com/l1jgo/worldshard/internal/core/ecs"

// Threat is an aggression list with a cached top target. A taunt forces the
// top target until it fades.
type Threat struct {
	amounts map[ecs.EntityID]float64
	top     ecs.EntityID
	taunter ecs.EntityID
}

// Add accumulates amount from source and switches the top target once source
// exceeds it.
func (t *Threat) Add(source ecs.EntityID, amount float64) {
	if source.IsZero() || amount <= 0 {
		return
	}
	if t.amounts == nil {
		t.amounts = make(map[ecs.EntityID]float64)
	}
	t.amounts[source] += amount

	if t.top.IsZero() {
		t.top = source
		return
	}
	if source != t.top && t.amounts[source] > t.amounts[t.top] {
		t.top = source
	}
}

// Top returns the current target: the taunter if any, else the highest
// entry. Zero means the list is empty.
func (t *Threat) Top() ecs.EntityID {
	if !t.taunter.IsZero() {
		return t.taunter
	}
	return t.top
}

func (t *Threat) Taunted() bool { return !t.taunter.IsZero() }

// Taunt forces source to the top until it fades, raising its entry to match
// the current top.
func (t *Threat) Taunt(source ecs.EntityID) {
	if source.IsZero() {
		return
	}
	if t.amounts == nil {
		t.amounts = make(map[ecs.EntityID]float64)
	}
	if cur := t.amounts[t.top]; t.amounts[source] < cur {
		t.amounts[source] = cur
	} else if _, ok := t.amounts[source]; !ok {
		t.amounts[source] = 0
	}
	t.taunter = source
	if t.top.IsZero() {
		t.top = source
	}
}

// Fade releases a taunt held by source.
func (t *Threat) Fade(source ecs.EntityID) {
	if t.taunter == source {
		t.taunter = 0
	}
}

func (t *Threat) Amount(id ecs.EntityID) float64 { return t.amounts[id] }

func (t *Threat) Len() int { return len(t.amounts) }

// Remove drops id from the list (left the world, out of range).
func (t *Threat) Remove(id ecs.EntityID) {
	if _, ok := t.amounts[id]; !ok {
		return
	}
	delete(t.amounts, id)
	if t.taunter == id {
		t.taunter = 0
	}
	if t.top == id {
		t.top = t.maxTarget()
	}
}

// ResetTarget zeroes id's entry but keeps it listed.
func (t *Threat) ResetTarget(id ecs.EntityID) {
	if _, ok := t.amounts[id]; !ok {
		return
	}
	t.amounts[id] = 0
	if t.top == id {
		t.top = t.maxTarget()
	}
}

// Clear empties the list (death, evade).
func (t *Threat) Clear() {
	t.amounts = nil
	t.top = 0
	t.taunter = 0
}

// Reset zeroes every entry.
func (t *Threat) Reset() {
	for id := range t.amounts {
		t.amounts[id] = 0
	}
	t.top = t.maxTarget()
}

func (t *Threat) Total() float64 {
	var total float64
	for _, v := range t.amounts {
		total += v
	}
	return total
}

// maxTarget returns the highest entry, lowest id on ties.
func (t *Threat) maxTarget() ecs.EntityID {
	var best ecs.EntityID
	high := -1.0
	for id, v := range t.amounts {
		if v > high || (v == high && id < best) {
			high = v
			best = id
		}
	}
	return best
}
