package scheduler

import (
	"sync"
	"time"
)

// queue is a cancellable FIFO of requests with timed pops.
type queue struct {
	mu        sync.Mutex
	items     []*request
	ready     chan struct{}
	done      chan struct{}
	cancelled bool
}

func newQueue() *queue {
	return &queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push appends r. It returns false once the queue is cancelled.
func (q *queue) push(r *request) bool {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) tryPop() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

// popWait pops the head, waiting up to d for one to arrive. It returns nil
// on timeout or cancellation.
func (q *queue) popWait(d time.Duration) *request {
	if r := q.tryPop(); r != nil {
		return r
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.ready:
		return q.tryPop()
	case <-q.done:
		return nil
	case <-t.C:
		return q.tryPop()
	}
}

// cancel closes the queue, wakes blocked pops and returns what was still
// queued.
func (q *queue) cancel() []*request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return nil
	}
	q.cancelled = true
	close(q.done)
	left := q.items
	q.items = nil
	return left
}

func (q *queue) isCancelled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// oldest returns the enqueue time of the head.
func (q *queue) oldest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].enqueued, true
}
