package partition

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/l1jgo/worldshard/internal/core/ecs"
)

const overrideStripes = 16

type override struct {
	mapID   uint32
	pid     uint32
	expires time.Time
}

type overrideStripe struct {
	mu sync.Mutex
	m  map[ecs.EntityID]override
}

// overrideTable pins entities to a partition for a short time regardless of
// position. Stripes are picked by hashing the entity id.
type overrideTable struct {
	stripes [overrideStripes]overrideStripe
}

func newOverrideTable() *overrideTable {
	t := &overrideTable{}
	for i := range t.stripes {
		t.stripes[i].m = make(map[ecs.EntityID]override)
	}
	return t
}

func stripeIndex(id ecs.EntityID) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return int(xxhash.Sum64(b[:]) % overrideStripes)
}

func (t *overrideTable) set(id ecs.EntityID, mapID, pid uint32, expires time.Time) {
	s := &t.stripes[stripeIndex(id)]
	s.mu.Lock()
	s.m[id] = override{mapID: mapID, pid: pid, expires: expires}
	s.mu.Unlock()
}

// lookup returns the unexpired override for id on mapID. Expired entries are
// deleted on the way.
func (t *overrideTable) lookup(id ecs.EntityID, mapID uint32, now time.Time) (uint32, bool) {
	s := &t.stripes[stripeIndex(id)]
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.m[id]
	if !ok {
		return 0, false
	}
	if now.After(o.expires) {
		delete(s.m, id)
		return 0, false
	}
	if o.mapID != mapID {
		return 0, false
	}
	return o.pid, true
}

func (t *overrideTable) clear(id ecs.EntityID) {
	s := &t.stripes[stripeIndex(id)]
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (t *overrideTable) len() int {
	n := 0
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
