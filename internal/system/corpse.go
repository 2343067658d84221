package system

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	coresys "github.com/l1jgo/worldshard/internal/core/system"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

// CorpseExpirySystem destroys corpses whose ExpiresAt has passed. A zero
// ExpiresAt never expires. Phase 3 (Environment).
type CorpseExpirySystem struct {
	store *world.Store
	now   func() time.Time
	log   *zap.Logger
	buf   []ecs.EntityID
}

func NewCorpseExpirySystem(store *world.Store, log *zap.Logger) *CorpseExpirySystem {
	return &CorpseExpirySystem{store: store, now: time.Now, log: log}
}

func (s *CorpseExpirySystem) Phase() coresys.Phase { return coresys.PhaseEnvironment }

func (s *CorpseExpirySystem) Update(_ time.Duration) {
	now := s.now()
	s.buf = s.buf[:0]
	s.store.Each(func(e *world.Entity) {
		if e.Kind == world.KindCorpse && e.InWorld && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
			s.buf = append(s.buf, e.ID)
		}
	})
	// Destroy takes the store lock Each holds.
	n := 0
	for _, id := range s.buf {
		if s.store.Destroy(id) {
			n++
		}
	}
	if n > 0 {
		s.log.Debug("corpses expired", zap.Int("count", n))
	}
}
