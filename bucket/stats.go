package bucket

import (
	"expvar"
	"sync"
)

// bucketStats aggregates engine counters. Counters are expvar-backed so the
// debug listener exposes them without extra plumbing.
type bucketStats struct {
	gets         *expvar.Int
	mutations    *expvar.Int
	expired      uintCounter
	backpressure uintCounter
}

// uintCounter is a tiny atomic counter for internals not worth an expvar
// name of their own.
type uintCounter struct {
	mu sync.Mutex
	v  uint64
}

func (c *uintCounter) Add(n uint64) {
	c.mu.Lock()
	c.v += n
	c.mu.Unlock()
}

func (c *uintCounter) Load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

var (
	statsOnce    sync.Once
	sharedGets   *expvar.Int
	sharedMutate *expvar.Int
)

func newBucketStats() *bucketStats {
	// expvar names are process-global; publish once and share across
	// bucket instances (tests create many).
	statsOnce.Do(func() {
		sharedGets = expvar.NewInt("epbucket.gets")
		sharedMutate = expvar.NewInt("epbucket.mutations")
	})
	return &bucketStats{gets: sharedGets, mutations: sharedMutate}
}

// StatsSnapshot is a point-in-time view of the engine counters.
type StatsSnapshot struct {
	Gets               int64
	Mutations          int64
	Expired            uint64
	Backpressure       uint64
	CheckpointMemory   int64
	PendingDestruction int64
	ItemsFlushed       uint64
	FlushCommits       uint64
	FlushFailures      uint64
	FlushP50Seconds    float64
	FlushP99Seconds    float64
}

// Stats gathers counters across the bucket's components.
func (b *bucketBase) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		Gets:               b.stats.gets.Value(),
		Mutations:          b.stats.mutations.Value(),
		Expired:            b.stats.expired.Load(),
		Backpressure:       b.stats.backpressure.Load(),
		PendingDestruction: b.destroyer.PendingMemory(),
	}
	for _, m := range b.CheckpointManagers() {
		snap.CheckpointMemory += m.MemUsage()
	}
	for _, f := range b.flushers {
		flushed, commits, failures := f.Stats()
		snap.ItemsFlushed += flushed
		snap.FlushCommits += commits
		snap.FlushFailures += failures
		snap.FlushP50Seconds = f.LatencyQuantile(0.5)
		snap.FlushP99Seconds = f.LatencyQuantile(0.99)
	}
	return snap
}
