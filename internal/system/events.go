package system

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/event"
	coresys "github.com/l1jgo/worldshard/internal/core/system"
)

// EventDispatchSystem swaps the bus buffers and delivers last tick's events.
// Phase 5 (Cleanup), registered after the other cleanup systems.
type EventDispatchSystem struct {
	bus        *event.Bus
	dispatched uint64
}

func NewEventDispatchSystem(bus *event.Bus) *EventDispatchSystem {
	return &EventDispatchSystem{bus: bus}
}

func (s *EventDispatchSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *EventDispatchSystem) Update(_ time.Duration) {
	s.bus.SwapBuffers()
	s.dispatched += uint64(s.bus.DispatchAll())
}

// Dispatched returns the number of events delivered so far.
func (s *EventDispatchSystem) Dispatched() uint64 { return s.dispatched }
