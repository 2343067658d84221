package scheduler

import (
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const summarySampleCap = 2048

// Percentiles holds p50/p95/p99 of one sample series.
type Percentiles struct {
	P50, P95, P99 time.Duration
}

// LatencySnapshot is the current window of one (map, partition).
type LatencySnapshot struct {
	Samples   uint64
	QueueWait Percentiles
	Run       Percentiles
	Total     Percentiles
}

type latencySeries struct {
	wait, run, total []time.Duration
	window           uint64
	lastLog          time.Time
}

type latencySummary struct {
	mu     sync.Mutex
	period time.Duration
	series map[uint64]*latencySeries
	log    *zap.Logger
}

func newLatencySummary(period time.Duration, log *zap.Logger) *latencySummary {
	return &latencySummary{
		period: period,
		series: make(map[uint64]*latencySeries),
		log:    log,
	}
}

func summaryKey(mapID, partitionID uint32) uint64 {
	return uint64(mapID)<<32 | uint64(partitionID)
}

func addSample(samples []time.Duration, v time.Duration) []time.Duration {
	if len(samples) < summarySampleCap {
		return append(samples, v)
	}
	copy(samples, samples[1:])
	samples[len(samples)-1] = v
	return samples
}

func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	q = min(max(q, 0), 1)
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	return sorted[int(math.Ceil(q*float64(len(sorted)-1)))]
}

func percentiles(samples []time.Duration) Percentiles {
	return Percentiles{
		P50: percentile(samples, 0.50),
		P95: percentile(samples, 0.95),
		P99: percentile(samples, 0.99),
	}
}

// record adds one partition timing. Once per period the window is logged
// and reset.
func (s *latencySummary) record(mapID, partitionID uint32, t Timing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := summaryKey(mapID, partitionID)
	ls := s.series[key]
	if ls == nil {
		ls = &latencySeries{lastLog: t.Ended}
		s.series[key] = ls
	}
	ls.wait = addSample(ls.wait, t.QueueWait)
	ls.run = addSample(ls.run, t.Run)
	ls.total = addSample(ls.total, t.QueueWait+t.Run)
	ls.window++

	if t.Ended.Sub(ls.lastLog) < s.period {
		return
	}
	wait, run, total := percentiles(ls.wait), percentiles(ls.run), percentiles(ls.total)
	s.log.Info("partition latency summary",
		zap.Uint32("map", mapID), zap.Uint32("partition", partitionID),
		zap.Uint64("samples", ls.window),
		zap.Duration("queue_wait_p50", wait.P50), zap.Duration("queue_wait_p95", wait.P95),
		zap.Duration("queue_wait_p99", wait.P99),
		zap.Duration("run_p50", run.P50), zap.Duration("run_p95", run.P95), zap.Duration("run_p99", run.P99),
		zap.Duration("total_p50", total.P50), zap.Duration("total_p95", total.P95),
		zap.Duration("total_p99", total.P99))
	ls.wait, ls.run, ls.total = ls.wait[:0], ls.run[:0], ls.total[:0]
	ls.window = 0
	ls.lastLog = t.Ended
}

func (s *latencySummary) snapshot(mapID, partitionID uint32) (LatencySnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.series[summaryKey(mapID, partitionID)]
	if ls == nil || ls.window == 0 {
		return LatencySnapshot{}, false
	}
	return LatencySnapshot{
		Samples:   ls.window,
		QueueWait: percentiles(ls.wait),
		Run:       percentiles(ls.run),
		Total:     percentiles(ls.total),
	}, true
}
