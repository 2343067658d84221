// Package relay carries effects produced in one partition to the partition
// that owns the affected entity. Each partition drains its own queues at the
// start of its tick.
package relay

// Kind identifies a relay queue. Every partition has one queue per kind.
type Kind uint8

const (
	KindAggressionDelta Kind = iota
	KindAggressionClear
	KindAggressionTargetClear
	KindTauntApply
	KindTauntFade
	KindProc
	KindBuffApply
	KindBuffRemove
	KindPathChase
	KindMovePoint
	KindSeekAssist
	KindSeekAssistDistract
	NumKinds
)

var kindNames = [NumKinds]string{
	"aggression_delta",
	"aggression_clear",
	"aggression_target_clear",
	"taunt_apply",
	"taunt_fade",
	"proc",
	"buff_apply",
	"buff_remove",
	"path_chase",
	"move_point",
	"seek_assist",
	"seek_assist_distract",
}

// String returns the stable metric name of k.
func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return "unknown"
}

// needsOther reports whether a message of kind k is stale once its Other
// entity is gone.
func (k Kind) needsOther() bool {
	switch k {
	case KindBuffApply, KindBuffRemove, KindMovePoint, KindSeekAssist, KindSeekAssistDistract:
		return false
	}
	return true
}
