package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	magicAlive uint64 = 0xAC0DEF00D00DFEED
	magicFreed uint64 = 0xDEADDEADDEADDEAD
)

type requestKind uint8

const (
	kindGeneral requestKind = iota
	kindPartition
)

// PartitionRequest describes one partition update for a tick.
type PartitionRequest struct {
	MapID       uint32
	PartitionID uint32
	Diff        time.Duration
	Run         func()
	OnDone      func(Timing) // optional; zero Timing when Run never ran
}

// Timing records when a partition request was queued, started and ended.
type Timing struct {
	Enqueued  time.Time
	Started   time.Time
	Ended     time.Time
	QueueWait time.Duration
	Run       time.Duration
}

type request struct {
	magic    uint64
	kind     requestKind
	run      func()
	part     PartitionRequest
	enqueued time.Time
	timing   Timing
	finished bool
	pool     *Pool
}

var requestPool = sync.Pool{New: func() any { return new(request) }}

func (p *Pool) newRequest(kind requestKind) *request {
	r := requestPool.Get().(*request)
	r.magic = magicAlive
	r.kind = kind
	r.pool = p
	r.finished = false
	r.timing = Timing{}
	r.enqueued = time.Now()
	return r
}

// execute runs r unless its liveness tag is broken. A broken request is
// finished without running so waiters are still released.
func (r *request) execute(where string) bool {
	if r.magic != magicAlive {
		r.pool.log.Error("scheduler request liveness tag corrupted",
			zap.String("where", where), zap.String("magic", fmt.Sprintf("%#x", r.magic)),
			zap.Bool("fatal", true))
		r.finish()
		return false
	}
	switch r.kind {
	case kindPartition:
		if r.part.Run == nil {
			r.pool.log.Error("scheduler partition request without run func",
				zap.String("where", where), zap.Uint32("partition", r.part.PartitionID))
			r.finish()
			return false
		}
		r.pool.runPartition(r)
	default:
		if r.run == nil {
			r.pool.log.Error("scheduler request without run func", zap.String("where", where))
			r.finish()
			return false
		}
		r.run()
		r.finish()
	}
	return true
}

// finish calls a partition request's OnDone and releases r's pending
// count. Idempotent. Requests finished without running report a zero Timing.
func (r *request) finish() {
	if r.finished {
		return
	}
	r.finished = true
	if r.kind == kindPartition && r.part.OnDone != nil {
		r.part.OnDone(r.timing)
	}
	r.pool.finished(r.kind)
}

// destroy tags r as freed and returns it to the request pool. A second
// destroy is a no-op.
func (r *request) destroy() {
	if r.magic == magicFreed {
		return
	}
	r.magic = magicFreed
	r.run = nil
	r.part = PartitionRequest{}
	r.pool = nil
	requestPool.Put(r)
}
