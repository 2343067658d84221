package mechanics

import (
	"math"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/world"
)

// IntentKind selects what an entity is moving toward.
type IntentKind uint8

const (
	IntentIdle IntentKind = iota
	IntentChase
	IntentPoint
	IntentAssist
)

var intentNames = [...]string{"idle", "chase", "point", "assist"}

func (k IntentKind) String() string {
	if int(k) < len(intentNames) {
		return intentNames[k]
	}
	return "unknown"
}

// Intent is the current motion goal. Chase follows Target; Point and Assist
// head for (X, Y, Z). A zero Speed uses the entity's own.
type Intent struct {
	Kind          IntentKind
	Target        ecs.EntityID
	PointID       uint32
	X, Y, Z       float64
	Speed         float64
	DistractUntil time.Time
}

func (in Intent) Active() bool { return in.Kind != IntentIdle }

func (in Intent) Distracted(now time.Time) bool {
	return !in.DistractUntil.IsZero() && now.Before(in.DistractUntil)
}

// step moves from toward (x, y) by at most dist, facing the direction of
// travel, and reports whether it got within stop of the goal.
func step(from world.Position, x, y, dist, stop float64) (world.Position, bool) {
	dx, dy := x-from.X, y-from.Y
	d := math.Hypot(dx, dy)
	if d <= stop {
		return from, true
	}
	to := from
	to.O = math.Atan2(dy, dx)
	travel := min(dist, d-stop)
	to.X += dx / d * travel
	to.Y += dy / d * travel
	return to, d-travel <= stop
}

func distance(a world.Position, x, y float64) float64 {
	return math.Hypot(x-a.X, y-a.Y)
}
