package system

import "time"

// Phase defines execution ordering within the shared sequential section of a
// tick. It runs on the coordinator after every partition worker has finished.
type Phase int

const (
	PhaseRelocate    Phase = iota // 0: flush deferred destroys
	PhaseScripts                  // 1: scheduled map scripts
	PhaseMoveList                 // 2: queued grid cell moves
	PhaseEnvironment              // 3: weather, corpse expiry
	PhasePersist                  // 4: ownership flush
	PhaseCleanup                  // 5: event dispatch, idle grid sweep
)

var phaseNames = [...]string{"relocate", "scripts", "movelist", "environment", "persist", "cleanup"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// System is the interface every shared-phase system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
