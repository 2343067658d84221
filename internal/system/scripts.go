package system

import (
	"time"

	coresys "github.com/l1jgo/worldshard/internal/core/system"
)

// MapScript is the scheduled script hook, normally *scripting.Engine.
type MapScript interface {
	OnMapUpdate(mapID uint32, diff time.Duration)
}

// ScriptScheduleSystem runs the map's on_map_update script once per tick.
// Phase 1 (Scripts).
type ScriptScheduleSystem struct {
	mapID  uint32
	script MapScript
}

// NewScriptScheduleSystem returns a no-op system when script is nil.
func NewScriptScheduleSystem(mapID uint32, script MapScript) *ScriptScheduleSystem {
	return &ScriptScheduleSystem{mapID: mapID, script: script}
}

func (s *ScriptScheduleSystem) Phase() coresys.Phase { return coresys.PhaseScripts }

func (s *ScriptScheduleSystem) Update(dt time.Duration) {
	if s.script == nil {
		return
	}
	s.script.OnMapUpdate(s.mapID, dt)
}
