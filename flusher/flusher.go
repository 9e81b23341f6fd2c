// Package flusher implements the background task draining the persistence
// cursor of each vBucket in a shard into the KVStore: batch extraction,
// flush-time deduplication, the atomic commit protocol and retry with
// exponential backoff.
package flusher

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/epbucket/checkpoint"
	"github.com/INLOpen/epbucket/core"
	"github.com/INLOpen/epbucket/kvstore"
	"github.com/INLOpen/epbucket/vbucket"
	"github.com/RoaringBitmap/roaring"
	"github.com/caio/go-tdigest/v4"
)

const (
	defaultBatchSize  = 1000
	initialRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// Options configures a Flusher.
type Options struct {
	Shard     int
	Store     kvstore.KVStore
	BatchSize int

	// Interval is the idle wakeup period; notifications wake the flusher
	// sooner.
	Interval time.Duration

	Clock  core.Clock
	Logger *slog.Logger
}

// pendingBatch is a batch that failed to commit and is retried verbatim on
// the next wakeup.
type pendingBatch struct {
	batch         *kvstore.FlushBatch
	highSeqno     uint64
	diskDelta     int64
	itemsFlushed  int
	nextRetry     time.Time
	retryDelay    time.Duration
	totalFailures int
}

// Flusher owns the vBuckets of one shard and drains them serially.
type Flusher struct {
	shard int
	store kvstore.KVStore

	// flushMu serializes batch extraction and commit.
	flushMu sync.Mutex

	mu       sync.Mutex
	vbuckets map[core.Vbid]*vbucket.VBucket
	dirty    *roaring.Bitmap
	pending  map[core.Vbid]*pendingBatch

	batchSize int
	interval  time.Duration

	notify   chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	clock  core.Clock
	logger *slog.Logger

	totalFlushed  atomic.Uint64
	totalCommits  atomic.Uint64
	totalFailures atomic.Uint64

	digestMu sync.Mutex
	latency  *tdigest.TDigest
}

// New creates a flusher for one shard.
func New(opts Options) *Flusher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Interval == 0 {
		opts.Interval = time.Second
	}
	digest, _ := tdigest.New()
	return &Flusher{
		shard:     opts.Shard,
		store:     opts.Store,
		vbuckets:  make(map[core.Vbid]*vbucket.VBucket),
		dirty:     roaring.New(),
		pending:   make(map[core.Vbid]*pendingBatch),
		batchSize: opts.BatchSize,
		interval:  opts.Interval,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "Flusher", "shard", opts.Shard),
		latency:   digest,
	}
}

// AddVBucket registers a vBucket with this shard's flusher.
func (f *Flusher) AddVBucket(vb *vbucket.VBucket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vbuckets[vb.ID()] = vb
	f.dirty.Add(uint32(vb.ID()))
}

// RemoveVBucket forgets a vBucket.
func (f *Flusher) RemoveVBucket(vbid core.Vbid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vbuckets, vbid)
	delete(f.pending, vbid)
	f.dirty.Remove(uint32(vbid))
}

// Notify marks a vBucket dirty and wakes the flusher.
func (f *Flusher) Notify(vbid core.Vbid) {
	f.mu.Lock()
	f.dirty.Add(uint32(vbid))
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Start launches the background flush loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop drains outstanding work and terminates the loop.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	f.wg.Wait()
	// Final synchronous sweep so a clean shutdown persists everything.
	f.FlushAll()
}

// Stats returns lifetime counters: items flushed, commits, failed commits.
func (f *Flusher) Stats() (flushed, commits, failures uint64) {
	return f.totalFlushed.Load(), f.totalCommits.Load(), f.totalFailures.Load()
}

// LatencyQuantile reports a flush-latency quantile in seconds (e.g. 0.99).
func (f *Flusher) LatencyQuantile(q float64) float64 {
	f.digestMu.Lock()
	defer f.digestMu.Unlock()
	return f.latency.Quantile(q)
}

func (f *Flusher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.notify:
		case <-ticker.C:
		case <-f.stop:
			return
		}
		f.FlushAll()
	}
}

// FlushAll drains every dirty vBucket once. Returns the number of items
// persisted.
func (f *Flusher) FlushAll() int {
	f.mu.Lock()
	dirty := f.dirty.Clone()
	f.dirty.Clear()
	vbs := make([]*vbucket.VBucket, 0, dirty.GetCardinality())
	it := dirty.Iterator()
	for it.HasNext() {
		if vb, ok := f.vbuckets[core.Vbid(it.Next())]; ok {
			vbs = append(vbs, vb)
		}
	}
	f.mu.Unlock()

	total := 0
	for _, vb := range vbs {
		n, err := f.FlushVBucket(vb)
		total += n
		if err != nil {
			// Keep the vBucket dirty; the pending batch retries next
			// wakeup.
			f.mu.Lock()
			f.dirty.Add(uint32(vb.ID()))
			f.mu.Unlock()
		}
	}
	return total
}

// FlushVBucket persists one batch for the vBucket. A previously failed
// batch is retried verbatim before new items are extracted. Flushes on one
// shard are serialized so batches reach the store in extraction order.
func (f *Flusher) FlushVBucket(vb *vbucket.VBucket) (int, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()
	f.mu.Lock()
	pend := f.pending[vb.ID()]
	f.mu.Unlock()

	if pend != nil {
		if f.clock.Now().Before(pend.nextRetry) {
			return 0, nil
		}
		if err := f.commitBatch(vb, pend); err != nil {
			return 0, err
		}
		f.mu.Lock()
		delete(f.pending, vb.ID())
		f.mu.Unlock()
	}

	flushed := 0
	for {
		cm := vb.CheckpointManager()
		items, hasMore, err := cm.ItemsForCursor(checkpoint.PersistenceCursorName, f.batchSize)
		if err != nil {
			return flushed, err
		}
		if len(items) == 0 {
			return flushed, nil
		}
		pend, err := f.buildBatch(vb, items)
		if err != nil {
			return flushed, err
		}
		if pend == nil {
			// Nothing but meta items: still persist the vbstate snapshot.
			pend = &pendingBatch{
				batch:      &kvstore.FlushBatch{State: vb.BuildVBucketState()},
				retryDelay: initialRetryDelay,
			}
		}
		if err := f.commitBatch(vb, pend); err != nil {
			f.mu.Lock()
			f.pending[vb.ID()] = pend
			f.mu.Unlock()
			return flushed, err
		}
		flushed += pend.itemsFlushed
		if !hasMore {
			return flushed, nil
		}
	}
}

// buildBatch applies flush-time deduplication: within the batch, the latest
// action per key per key-space wins.
func (f *Flusher) buildBatch(vb *vbucket.VBucket, items []*core.QueuedItem) (*pendingBatch, error) {
	type action struct {
		doc *kvstore.Document // nil means delete the key
		key kvstore.DiskDocKey
	}
	committed := make(map[string]*action)
	prepared := make(map[string]*action)
	var order []string // committed-space insertion order for stable batches

	highSeqno := uint64(0)
	count := 0
	for _, qi := range items {
		if qi.Op.IsMeta() {
			continue
		}
		if qi.BySeqno > highSeqno {
			highSeqno = qi.BySeqno
		}
		count++
		hk := qi.Key.HashKey()
		switch qi.Op {
		case core.OpMutation, core.OpDeletion, core.OpExpiration:
			if _, seen := committed[hk]; !seen {
				order = append(order, hk)
			}
			committed[hk] = &action{doc: docFromItem(qi, false)}
		case core.OpCommitSyncWrite:
			if _, seen := committed[hk]; !seen {
				order = append(order, hk)
			}
			committed[hk] = &action{doc: docFromItem(qi, false)}
			// The commit tombstones the prepared-space entry.
			prepared[hk] = &action{key: kvstore.MakeDiskDocKey(qi.Key, true)}
		case core.OpPendingSyncWrite:
			prepared[hk] = &action{doc: docFromItem(qi, true)}
		case core.OpAbortSyncWrite:
			// Aborts persist as a prepared-space tombstone carrying the
			// deletion time in the expiry field.
			prepared[hk] = &action{doc: docFromItem(qi, true)}
		}
	}
	if count == 0 {
		return nil, nil
	}

	batch := &kvstore.FlushBatch{}
	var diskDelta int64
	for _, hk := range order {
		act := committed[hk]
		doc := act.doc
		wasLive := f.committedDocLive(vb.ID(), doc.Key)
		willLive := !doc.Deleted
		if willLive && !wasLive {
			diskDelta++
		} else if !willLive && wasLive {
			diskDelta--
		}
		batch.Sets = append(batch.Sets, doc)
	}
	for _, act := range prepared {
		if act.doc != nil {
			batch.Sets = append(batch.Sets, act.doc)
		} else {
			batch.Deletes = append(batch.Deletes, act.key)
		}
	}
	batch.State = vb.BuildVBucketState()

	return &pendingBatch{
		batch:        batch,
		highSeqno:    highSeqno,
		diskDelta:    diskDelta,
		itemsFlushed: count,
		retryDelay:   initialRetryDelay,
	}, nil
}

// docFromItem maps a queued item to its on-disk record.
func docFromItem(qi *core.QueuedItem, preparedSpace bool) *kvstore.Document {
	doc := &kvstore.Document{
		Key:      kvstore.MakeDiskDocKey(qi.Key, preparedSpace),
		Value:    qi.Value,
		Datatype: qi.Datatype,
		Flags:    qi.Flags,
		Expiry:   qi.Expiry,
		Cas:      qi.Cas,
		BySeqno:  qi.BySeqno,
		RevSeqno: qi.RevSeqno,
		Deleted:  qi.Deleted,
		State:    qi.State,
	}
	if qi.Durability != nil {
		doc.Level = qi.Durability.Level
	}
	return doc
}

func (f *Flusher) committedDocLive(vbid core.Vbid, key kvstore.DiskDocKey) bool {
	doc, err := f.store.Get(vbid, key)
	if err != nil {
		if !errors.Is(err, core.ErrKeyNotFound) {
			f.logger.Warn("pre-flush lookup failed", "vb", vbid, "error", err)
		}
		return false
	}
	return !doc.Deleted
}

func (f *Flusher) commitBatch(vb *vbucket.VBucket, pend *pendingBatch) error {
	start := f.clock.Now()
	err := f.store.Commit(vb.ID(), pend.batch)
	if err != nil {
		f.totalFailures.Add(1)
		pend.totalFailures++
		pend.nextRetry = f.clock.Now().Add(pend.retryDelay)
		pend.retryDelay *= 2
		if pend.retryDelay > maxRetryDelay {
			pend.retryDelay = maxRetryDelay
		}
		f.logger.Warn("flush commit failed; will retry",
			"vb", vb.ID(), "failures", pend.totalFailures,
			"next_delay", pend.retryDelay, "error", err)
		return err
	}

	f.totalCommits.Add(1)
	f.totalFlushed.Add(uint64(pend.itemsFlushed))
	f.observeLatency(f.clock.Now().Sub(start))

	vb.AdjustOnDiskItems(pend.diskDelta)
	if pend.highSeqno > 0 {
		vb.NotifyPersistedSeqno(pend.highSeqno)
	}
	return nil
}

func (f *Flusher) observeLatency(d time.Duration) {
	f.digestMu.Lock()
	defer f.digestMu.Unlock()
	if err := f.latency.AddWeighted(d.Seconds(), 1); err != nil {
		f.logger.Debug("latency digest add failed", "error", err)
	}
}
