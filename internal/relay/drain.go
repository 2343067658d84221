package relay

import (
	"time"

	"github.com/l1jgo/worldshard/internal/core/ecs"
	"github.com/l1jgo/worldshard/internal/world"
	"go.uber.org/zap"
)

// Resolver looks entities up at drain time.
type Resolver interface {
	Find(id ecs.EntityID) (*world.Entity, bool)
	PartitionOf(id ecs.EntityID) (uint32, bool)
}

// Applier performs the effect of a message on the owning partition. other
// is nil when the message kind does not need it and it is gone.
type Applier interface {
	ApplyRelay(pid uint32, msg Message, subject, other *world.Entity)
}

// DrainReport summarises one Drain call.
type DrainReport struct {
	Processed  int
	Stale      int
	Bounced    int
	Dropped    int
	LatencyMax time.Duration
	Took       time.Duration
}

type lookupCache struct {
	res     Resolver
	entries map[ecs.EntityID]*world.Entity
}

func (c *lookupCache) get(id ecs.EntityID) *world.Entity {
	if id.IsZero() {
		return nil
	}
	if e, ok := c.entries[id]; ok {
		return e
	}
	e, ok := c.res.Find(id)
	if !ok || !e.InWorld {
		e = nil
	}
	c.entries[id] = e
	return e
}

// Drain empties every queue of pid and applies what is still valid. Each
// queue is swapped out under its lock, so a message is handed out once.
// Messages whose subject moved to another partition are re-routed there
// until MaxBounces is reached.
func (q *Queues) Drain(pid uint32, res Resolver, app Applier) DrainReport {
	var rep DrainReport
	if pid == 0 {
		return rep
	}
	start := time.Now()
	now := q.now()
	emit := q.drains.Add(1)%uint64(q.opts.MetricsEvery) == 0
	cache := &lookupCache{res: res, entries: make(map[ecs.EntityID]*world.Entity, 128)}

	for k := Kind(0); k < NumKinds; k++ {
		batch := q.take(pid, k)
		if len(batch) == 0 {
			continue
		}
		c := &q.stats[k]
		var sum, maxLat time.Duration
		applied := 0
		for _, msg := range batch {
			subject := cache.get(msg.Subject)
			other := cache.get(msg.Other)
			if subject == nil || (other == nil && k.needsOther()) {
				rep.Stale++
				c.stale.Add(1)
				continue
			}
			owner, ok := res.PartitionOf(msg.Subject)
			if !ok {
				rep.Stale++
				c.stale.Add(1)
				continue
			}
			if owner != pid {
				if msg.Bounces >= q.opts.MaxBounces {
					rep.Stale++
					c.stale.Add(1)
					continue
				}
				msg.Bounces++
				if q.push(owner, msg) {
					rep.Bounced++
					c.bounced.Add(1)
				} else {
					rep.Dropped++
				}
				continue
			}

			app.ApplyRelay(pid, msg, subject, other)
			applied++
			lat := now.Sub(msg.QueuedAt)
			if lat < 0 {
				lat = 0
			}
			sum += lat
			maxLat = max(maxLat, lat)
		}

		rep.Processed += applied
		if applied == 0 {
			continue
		}
		c.processed.Add(uint64(applied))
		c.latencySum.Add(int64(sum))
		c.latencyN.Add(uint64(applied))
		for {
			cur := c.latencyMax.Load()
			if int64(maxLat) <= cur || c.latencyMax.CompareAndSwap(cur, int64(maxLat)) {
				break
			}
		}
		rep.LatencyMax = max(rep.LatencyMax, maxLat)
		if emit {
			q.log.Debug("relay latency",
				zap.Uint32("partition", pid), zap.Stringer("kind", k),
				zap.Duration("avg", sum/time.Duration(applied)), zap.Duration("max", maxLat),
				zap.Int("count", applied))
		}
	}

	rep.Took = time.Since(start)
	if rep.Took >= q.opts.SlowDrain {
		q.log.Warn("slow relay drain",
			zap.Uint32("partition", pid), zap.Duration("took", rep.Took),
			zap.Int("processed", rep.Processed), zap.Int("stale", rep.Stale),
			zap.Int("bounced", rep.Bounced))
	}
	return rep
}
