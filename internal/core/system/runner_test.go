package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	phase Phase
	name  string
	log   *[]string
}

func (r recorder) Phase() Phase         { return r.phase }
func (r recorder) Update(time.Duration) { *r.log = append(*r.log, r.name) }

func TestRunnerPhaseOrderStable(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recorder{PhaseCleanup, "cleanup", &log})
	r.Register(recorder{PhaseScripts, "scripts-a", &log})
	r.Register(recorder{PhaseRelocate, "relocate", &log})
	r.Register(recorder{PhaseScripts, "scripts-b", &log})

	r.Tick(100 * time.Millisecond)
	assert.Equal(t, []string{"relocate", "scripts-a", "scripts-b", "cleanup"}, log)
	assert.Equal(t, 4, r.Len())
}

func TestRunnerTickPhase(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recorder{PhasePersist, "persist", &log})
	r.Register(recorder{PhaseEnvironment, "weather", &log})

	r.TickPhase(PhasePersist, time.Second)
	assert.Equal(t, []string{"persist"}, log)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "movelist", PhaseMoveList.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
