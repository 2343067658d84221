package system

import (
	"sort"
	"time"
)

// Runner executes systems in phase order each tick.
type Runner struct {
	systems []System
	sorted  bool
	last    [PhaseCleanup + 1]time.Duration
}

func NewRunner() *Runner {
	return &Runner{
		systems: make([]System, 0, 16),
	}
}

func (r *Runner) Register(s System) {
	r.systems = append(r.systems, s)
	r.sorted = false
}

func (r *Runner) Len() int { return len(r.systems) }

func (r *Runner) Tick(dt time.Duration) {
	r.ensureSorted()
	r.last = [PhaseCleanup + 1]time.Duration{}
	for _, s := range r.systems {
		start := time.Now()
		s.Update(dt)
		if p := s.Phase(); p >= 0 && int(p) < len(r.last) {
			r.last[p] += time.Since(start)
		}
	}
}

// TickPhase runs only the systems registered for phase.
func (r *Runner) TickPhase(phase Phase, dt time.Duration) {
	r.ensureSorted()
	for _, s := range r.systems {
		if s.Phase() == phase {
			s.Update(dt)
		}
	}
}

// LastTimings returns per-phase wall time of the most recent Tick.
func (r *Runner) LastTimings() map[Phase]time.Duration {
	out := make(map[Phase]time.Duration, len(r.last))
	for p, d := range r.last {
		if d > 0 {
			out[Phase(p)] = d
		}
	}
	return out
}

func (r *Runner) ensureSorted() {
	if !r.sorted {
		sort.SliceStable(r.systems, func(i, j int) bool {
			return r.systems[i].Phase() < r.systems[j].Phase()
		})
		r.sorted = true
	}
}
