// Package scheduler runs partition updates and general tasks on a worker
// pool. Callers that are not pool workers can drain the queues themselves,
// so the same tasks run with or without worker goroutines.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/worldshard/internal/grid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures a Pool. Zero values take the defaults.
type Options struct {
	StallWarn       time.Duration // interval between stall diagnostics
	SlowTask        time.Duration // partition runs at least this long log a warning
	WorkerPoll      time.Duration // idle worker wait
	CooperativePoll time.Duration // pop wait of RunTasksUntil / RunPartitionTasksUntil
	SummaryPeriod   time.Duration // latency percentile log interval
}

// Health is a point-in-time view of the partition side of the pool.
type Health struct {
	ActiveWorkers        int
	PendingJobs          int
	PendingPartitionJobs int
	MaxRun               time.Duration
	OldestQueuedAge      time.Duration
}

// GridLoader loads grids ahead of use.
type GridLoader interface {
	EnsureLoaded(c grid.CellCoord) (bool, error)
}

type Pool struct {
	opts Options
	log  *zap.Logger

	general   *queue
	partition *queue
	wake      chan struct{}

	mu               sync.Mutex
	pending          int
	pendingPartition int
	idle             chan struct{} // closed when pending drops to zero

	cancelled atomic.Bool
	stop      chan struct{}
	group     *errgroup.Group
	workers   int

	active  atomic.Int32
	maxRun  atomic.Int64
	summary *latencySummary
}

func New(opts Options, log *zap.Logger) *Pool {
	if opts.StallWarn <= 0 {
		opts.StallWarn = 30 * time.Second
	}
	if opts.SlowTask <= 0 {
		opts.SlowTask = 200 * time.Millisecond
	}
	if opts.WorkerPoll <= 0 {
		opts.WorkerPoll = time.Millisecond
	}
	if opts.CooperativePoll <= 0 {
		opts.CooperativePoll = 2 * time.Millisecond
	}
	if opts.SummaryPeriod <= 0 {
		opts.SummaryPeriod = 30 * time.Second
	}
	return &Pool{
		opts:      opts,
		log:       log,
		general:   newQueue(),
		partition: newQueue(),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		summary:   newLatencySummary(opts.SummaryPeriod, log),
	}
}

// Schedule queues fn on the general queue.
func (p *Pool) Schedule(fn func()) {
	r := p.newRequest(kindGeneral)
	r.run = fn
	p.enqueue(r, p.general)
}

// SchedulePartition queues a partition update. Partition requests are
// always popped before general ones.
func (p *Pool) SchedulePartition(req PartitionRequest) {
	r := p.newRequest(kindPartition)
	r.part = req
	p.enqueue(r, p.partition)
}

// ScheduleGridPreload queues a general task that loads coords through loader.
func (p *Pool) ScheduleGridPreload(loader GridLoader, coords []grid.GridCoord) {
	if loader == nil || len(coords) == 0 {
		return
	}
	coords = append([]grid.GridCoord(nil), coords...)
	p.Schedule(func() {
		for _, g := range coords {
			if !g.Valid() {
				p.log.Error("grid preload: invalid grid", zap.Int("grid_x", g.X), zap.Int("grid_y", g.Y))
				continue
			}
			if _, err := loader.EnsureLoaded(g.Origin()); err != nil {
				p.log.Warn("grid preload failed",
					zap.Int("grid_x", g.X), zap.Int("grid_y", g.Y), zap.Error(err))
			}
		}
	})
}

func (p *Pool) enqueue(r *request, q *queue) {
	p.mu.Lock()
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	if r.kind == kindPartition {
		p.pendingPartition++
	}
	p.mu.Unlock()

	if !q.push(r) {
		// queue already cancelled
		r.finish()
		r.destroy()
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) finished(kind requestKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == kindPartition {
		p.pendingPartition--
	}
	p.pending--
	if p.pending == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}

// Pending returns the number of scheduled requests not yet finished.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// PendingPartition returns the partition share of Pending.
func (p *Pool) PendingPartition() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingPartition
}

// Wait blocks until every scheduled request has finished. It never gives
// up; a stall is reported every StallWarn interval.
func (p *Pool) Wait() {
	start := time.Now()
	ticker := time.NewTicker(p.opts.StallWarn)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		if p.pending == 0 {
			p.mu.Unlock()
			return
		}
		idle, pending := p.idle, p.pending
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ticker.C:
			p.log.Error("scheduler wait stalled",
				zap.Duration("elapsed", time.Since(start)), zap.Int("pending", pending),
				zap.Bool("fatal", true))
		}
	}
}

// RunTasksUntil executes general requests on the calling goroutine until
// done reports true or the pool is deactivated.
func (p *Pool) RunTasksUntil(done func() bool) {
	p.runUntil(p.general, "run_tasks_until", done)
}

// RunPartitionTasksUntil is RunTasksUntil for the partition queue.
func (p *Pool) RunPartitionTasksUntil(done func() bool) {
	p.runUntil(p.partition, "run_partition_tasks_until", done)
}

func (p *Pool) runUntil(q *queue, where string, done func() bool) {
	start := time.Now()
	lastWarn := start
	for !done() {
		if now := time.Now(); now.Sub(lastWarn) >= p.opts.StallWarn {
			p.log.Error("scheduler drain stalled",
				zap.String("where", where), zap.Duration("elapsed", now.Sub(start)),
				zap.Int("pending", p.Pending()), zap.Int("pending_partition", p.PendingPartition()),
				zap.Bool("fatal", true))
			lastWarn = now
		}
		r := q.popWait(p.opts.CooperativePoll)
		if r == nil {
			if q.isCancelled() {
				return
			}
			continue
		}
		p.dispatch(r, where)
	}
}

func (p *Pool) dispatch(r *request, where string) {
	if p.cancelled.Load() {
		r.finish()
	} else {
		r.execute(where)
	}
	r.destroy()
}

func (p *Pool) runPartition(r *request) {
	p.active.Add(1)
	start := time.Now()
	r.part.Run()
	end := time.Now()
	p.active.Add(-1)

	t := Timing{
		Enqueued:  r.enqueued,
		Started:   start,
		Ended:     end,
		QueueWait: max(start.Sub(r.enqueued), 0),
		Run:       end.Sub(start),
	}
	for {
		cur := p.maxRun.Load()
		if int64(t.Run) <= cur || p.maxRun.CompareAndSwap(cur, int64(t.Run)) {
			break
		}
	}
	if t.Run >= p.opts.SlowTask {
		p.log.Warn("slow partition worker",
			zap.Uint32("map", r.part.MapID), zap.Uint32("partition", r.part.PartitionID),
			zap.Duration("elapsed", t.Run), zap.Duration("queue_wait", t.QueueWait))
	}
	p.summary.record(r.part.MapID, r.part.PartitionID, t)
	r.timing = t
	r.finish()
}

// Activate starts n worker goroutines. Calling it on an active pool is a
// no-op.
func (p *Pool) Activate(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil || n <= 0 || p.cancelled.Load() {
		return
	}
	p.group = &errgroup.Group{}
	p.workers = n
	for i := 0; i < n; i++ {
		p.group.Go(func() error {
			p.worker()
			return nil
		})
	}
	p.log.Info("scheduler activated", zap.Int("workers", n))
}

func (p *Pool) worker() {
	t := time.NewTimer(p.opts.WorkerPoll)
	defer t.Stop()
	for !p.cancelled.Load() {
		r := p.partition.tryPop()
		if r == nil {
			r = p.general.tryPop()
		}
		if r == nil {
			t.Reset(p.opts.WorkerPoll)
			select {
			case <-p.wake:
			case <-p.stop:
				return
			case <-t.C:
			}
			continue
		}
		p.dispatch(r, "worker")
	}
}

// Deactivate cancels both queues, finishes whatever was still queued
// without running it, waits for in-flight requests and joins the workers.
// The pool cannot be reactivated.
func (p *Pool) Deactivate() {
	if p.cancelled.Swap(true) {
		return
	}
	left := append(p.partition.cancel(), p.general.cancel()...)
	for _, r := range left {
		r.finish()
		r.destroy()
	}
	close(p.stop)
	p.Wait()

	p.mu.Lock()
	g := p.group
	p.group = nil
	p.workers = 0
	p.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
	if len(left) > 0 {
		p.log.Info("scheduler deactivated", zap.Int("discarded", len(left)))
	}
}

// Cancelled reports whether Deactivate has been called.
func (p *Pool) Cancelled() bool { return p.cancelled.Load() }

func (p *Pool) Activated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers > 0
}

func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Health reports partition worker activity and the age of the oldest
// queued partition request.
func (p *Pool) Health() Health {
	h := Health{
		ActiveWorkers: int(p.active.Load()),
		MaxRun:        time.Duration(p.maxRun.Load()),
	}
	p.mu.Lock()
	h.PendingJobs = p.pending
	h.PendingPartitionJobs = p.pendingPartition
	p.mu.Unlock()
	if at, ok := p.partition.oldest(); ok {
		h.OldestQueuedAge = max(time.Since(at), 0)
	}
	return h
}

// Latency returns the current summary window of (mapID, partitionID).
func (p *Pool) Latency(mapID, partitionID uint32) (LatencySnapshot, bool) {
	return p.summary.snapshot(mapID, partitionID)
}
