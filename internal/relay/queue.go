package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"go.uber.org/zap"
)

const lockStripes = 16

// Options configures Queues.
type Options struct {
	Partitions   uint32        // highest valid partition id; 0 accepts any
	Limit        int           // per (partition, kind)
	MaxBounces   int           // re-routes before a message is dropped
	MetricsEvery int           // drains between latency log lines
	SlowDrain    time.Duration // drain cycles at least this long log a warning
}

type partQueues [NumKinds][]Message

type stripe struct {
	mu    sync.Mutex
	parts map[uint32]*partQueues
}

type kindCounters struct {
	enqueued   atomic.Uint64
	dropped    atomic.Uint64
	processed  atomic.Uint64
	stale      atomic.Uint64
	bounced    atomic.Uint64
	latencySum atomic.Int64 // nanoseconds
	latencyN   atomic.Uint64
	latencyMax atomic.Int64
}

// KindStats are cumulative counters of one kind across all partitions.
type KindStats struct {
	Enqueued   uint64
	Dropped    uint64
	Processed  uint64
	Stale      uint64
	Bounced    uint64
	LatencyAvg time.Duration
	LatencyMax time.Duration
}

// Queues holds the bounded relay queues of every partition of a map.
type Queues struct {
	opts    Options
	enabled atomic.Bool
	stripes [lockStripes]stripe
	stats   [NumKinds]kindCounters
	drains  atomic.Uint64
	now     func() time.Time
	log     *zap.Logger
}

func NewQueues(opts Options, log *zap.Logger) *Queues {
	if opts.Limit <= 0 {
		opts.Limit = 1024
	}
	if opts.MetricsEvery <= 0 {
		opts.MetricsEvery = 10
	}
	if opts.SlowDrain <= 0 {
		opts.SlowDrain = 10 * time.Millisecond
	}
	q := &Queues{opts: opts, now: time.Now, log: log}
	for i := range q.stripes {
		q.stripes[i].parts = make(map[uint32]*partQueues)
	}
	q.enabled.Store(true)
	return q
}

// Enable turns relaying on or off. Disabled queues accept nothing.
func (q *Queues) Enable(on bool) { q.enabled.Store(on) }

func (q *Queues) Enabled() bool { return q.enabled.Load() }

func (q *Queues) stripeFor(pid uint32) *stripe {
	return &q.stripes[pid%lockStripes]
}

// Enqueue queues payload for partition pid. It returns false when relaying
// is off, pid is not a partition of the map, or the queue is full.
func (q *Queues) Enqueue(pid uint32, subject, other ecs.EntityID, p Payload) bool {
	if p == nil || subject.IsZero() {
		return false
	}
	return q.push(pid, Message{
		QueuedAt: q.now(),
		Kind:     p.Kind(),
		Subject:  subject,
		Other:    other,
		Payload:  p,
	})
}

func (q *Queues) push(pid uint32, msg Message) bool {
	if pid == 0 || !q.enabled.Load() {
		return false
	}
	if q.opts.Partitions > 0 && pid > q.opts.Partitions {
		q.stats[msg.Kind].dropped.Add(1)
		q.log.Error("relay to unknown partition",
			zap.Uint32("partition", pid), zap.Uint32("partitions", q.opts.Partitions),
			zap.Stringer("kind", msg.Kind), zap.Stringer("subject", msg.Subject))
		return false
	}
	st := q.stripeFor(pid)
	st.mu.Lock()
	pq := st.parts[pid]
	if pq == nil {
		pq = &partQueues{}
		st.parts[pid] = pq
	}
	if len(pq[msg.Kind]) >= q.opts.Limit {
		st.mu.Unlock()
		q.stats[msg.Kind].dropped.Add(1)
		q.log.Warn("relay queue full, dropping",
			zap.Uint32("partition", pid), zap.Stringer("kind", msg.Kind),
			zap.Stringer("subject", msg.Subject), zap.Int("limit", q.opts.Limit))
		return false
	}
	pq[msg.Kind] = append(pq[msg.Kind], msg)
	st.mu.Unlock()
	q.stats[msg.Kind].enqueued.Add(1)
	return true
}

// Pending returns the number of queued messages for pid.
func (q *Queues) Pending(pid uint32) int {
	st := q.stripeFor(pid)
	st.mu.Lock()
	defer st.mu.Unlock()
	pq := st.parts[pid]
	if pq == nil {
		return 0
	}
	n := 0
	for _, msgs := range pq {
		n += len(msgs)
	}
	return n
}

func (q *Queues) HasPending(pid uint32) bool { return q.Pending(pid) > 0 }

// take swaps out pid's queue of kind k.
func (q *Queues) take(pid uint32, k Kind) []Message {
	st := q.stripeFor(pid)
	st.mu.Lock()
	defer st.mu.Unlock()
	pq := st.parts[pid]
	if pq == nil || len(pq[k]) == 0 {
		return nil
	}
	batch := pq[k]
	pq[k] = make([]Message, 0, min(len(batch), q.opts.Limit))
	return batch
}

// Stats returns cumulative counters per kind.
func (q *Queues) Stats() map[Kind]KindStats {
	out := make(map[Kind]KindStats, NumKinds)
	for k := Kind(0); k < NumKinds; k++ {
		c := &q.stats[k]
		s := KindStats{
			Enqueued:   c.enqueued.Load(),
			Dropped:    c.dropped.Load(),
			Processed:  c.processed.Load(),
			Stale:      c.stale.Load(),
			Bounced:    c.bounced.Load(),
			LatencyMax: time.Duration(c.latencyMax.Load()),
		}
		if n := c.latencyN.Load(); n > 0 {
			s.LatencyAvg = time.Duration(c.latencySum.Load() / int64(n))
		}
		out[k] = s
	}
	return out
}

// Totals sums Stats over all kinds.
func (q *Queues) Totals() KindStats {
	var t KindStats
	for _, s := range q.Stats() {
		t.Enqueued += s.Enqueued
		t.Dropped += s.Dropped
		t.Processed += s.Processed
		t.Stale += s.Stale
		t.Bounced += s.Bounced
		t.LatencyMax = max(t.LatencyMax, s.LatencyMax)
	}
	return t
}
