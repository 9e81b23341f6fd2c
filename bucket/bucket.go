// Package bucket assembles the engine: the vBucket map, the per-shard
// flushers, and the background tasks (checkpoint remover and destroyer,
// durability timeouts, expiry pager). Two concrete bucket types share one
// base: EPBucket persists through a KVStore, EphemeralBucket keeps
// everything resident.
package bucket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/epbucket/checkpoint"
	"github.com/INLOpen/epbucket/config"
	"github.com/INLOpen/epbucket/core"
	"github.com/INLOpen/epbucket/flusher"
	"github.com/INLOpen/epbucket/hooks"
	"github.com/INLOpen/epbucket/kvstore"
	"github.com/INLOpen/epbucket/vbucket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Bucket is the operation surface shared by the persistent and ephemeral
// implementations.
type Bucket interface {
	Name() string

	VBucket(vbid core.Vbid) (*vbucket.VBucket, bool)
	SetVBucketState(vbid core.Vbid, state core.VBState, topology core.Topology) error

	Get(ctx context.Context, vbid core.Vbid, key core.DocKey) (*vbucket.GetResult, error)
	Set(ctx context.Context, vbid core.Vbid, m vbucket.Mutation) (vbucket.MutationResult, error)
	Add(ctx context.Context, vbid core.Vbid, m vbucket.Mutation) (vbucket.MutationResult, error)
	Replace(ctx context.Context, vbid core.Vbid, m vbucket.Mutation) (vbucket.MutationResult, error)
	Delete(ctx context.Context, vbid core.Vbid, key core.DocKey, cas uint64,
		durability *core.DurabilityRequirements, cookie *core.PendingCookie) (vbucket.MutationResult, error)

	SeqnoAcknowledged(vbid core.Vbid, node string, seqno uint64) error

	Close() error
}

// Options configures bucket construction.
type Options struct {
	NodeName string
	Clock    core.Clock
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Hooks    hooks.Manager
}

// bucketBase carries everything common to both bucket types.
type bucketBase struct {
	name string
	cfg  *config.Config

	store    kvstore.KVStore
	vbuckets *xsync.MapOf[uint16, *vbucket.VBucket]

	flushers  []*flusher.Flusher
	destroyer *checkpoint.Destroyer
	remover   *checkpoint.Remover

	hooks  hooks.Manager
	tracer trace.Tracer
	clock  core.Clock
	logger *slog.Logger

	nodeName            string
	supportsPersistence bool

	defaultTimeout  time.Duration
	timeoutInterval time.Duration
	pagerInterval   time.Duration
	highWatermark   int

	stats *bucketStats

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newBase(cfg *config.Config, opts Options, store kvstore.KVStore, persistent bool) *bucketBase {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("epbucket")
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NopManager()
	}
	logger := opts.Logger.With("bucket", cfg.Bucket.Name)
	b := &bucketBase{
		name:                cfg.Bucket.Name,
		cfg:                 cfg,
		store:               store,
		vbuckets:            xsync.NewMapOf[uint16, *vbucket.VBucket](),
		destroyer:           checkpoint.NewDestroyer(logger),
		hooks:               opts.Hooks,
		tracer:              opts.Tracer,
		clock:               opts.Clock,
		logger:              logger,
		nodeName:            opts.NodeName,
		supportsPersistence: persistent,
		defaultTimeout:      config.ParseDuration(cfg.Durability.DefaultTimeout, 30*time.Second, logger),
		timeoutInterval:     config.ParseDuration(cfg.Durability.TimeoutInterval, 25*time.Millisecond, logger),
		pagerInterval:       config.ParseDuration(cfg.Expiry.PagerInterval, 10*time.Minute, logger),
		highWatermark:       cfg.Flusher.PersistenceHighWatermark,
		stats:               newBucketStats(),
		stop:                make(chan struct{}),
	}
	b.remover = checkpoint.NewRemover(b, checkpoint.RemoverOptions{
		Quota:           cfg.Checkpoint.MemoryQuotaBytes,
		UpperMark:       cfg.Checkpoint.UpperMark,
		LowerMark:       cfg.Checkpoint.LowerMark,
		Interval:        config.ParseDuration(cfg.Checkpoint.RemoverInterval, time.Second, logger),
		EagerRemoval:    cfg.Checkpoint.EagerRemoval,
		ProcessRSSQuota: cfg.Checkpoint.ProcessRSSQuotaBytes,
		Logger:          logger,
		Clock:           opts.Clock,
	})
	if persistent {
		for shard := 0; shard < cfg.Bucket.NumShards; shard++ {
			b.flushers = append(b.flushers, flusher.New(flusher.Options{
				Shard:     shard,
				Store:     store,
				BatchSize: cfg.Flusher.BatchSize,
				Interval:  config.ParseDuration(cfg.Flusher.Interval, time.Second, logger),
				Clock:     opts.Clock,
				Logger:    logger,
			}))
		}
	}
	return b
}

// Name returns the bucket name.
func (b *bucketBase) Name() string { return b.name }

// CheckpointManagers implements checkpoint.ManagerSource for the remover.
func (b *bucketBase) CheckpointManagers() []*checkpoint.Manager {
	var out []*checkpoint.Manager
	b.vbuckets.Range(func(_ uint16, vb *vbucket.VBucket) bool {
		out = append(out, vb.CheckpointManager())
		return true
	})
	return out
}

// VBucket returns the vBucket with the given id.
func (b *bucketBase) VBucket(vbid core.Vbid) (*vbucket.VBucket, bool) {
	return b.vbuckets.Load(uint16(vbid))
}

func (b *bucketBase) vb(vbid core.Vbid) (*vbucket.VBucket, error) {
	vb, ok := b.vbuckets.Load(uint16(vbid))
	if !ok {
		return nil, core.ErrNotMyVBucket
	}
	return vb, nil
}

func (b *bucketBase) shardFor(vbid core.Vbid) *flusher.Flusher {
	if len(b.flushers) == 0 {
		return nil
	}
	return b.flushers[int(vbid)%len(b.flushers)]
}

// SetVBucketState creates the vBucket on first use and transitions it,
// wiring it to its shard's flusher.
func (b *bucketBase) SetVBucketState(vbid core.Vbid, state core.VBState, topology core.Topology) error {
	if int(vbid) >= b.cfg.Bucket.NumVBuckets {
		return fmt.Errorf("%w: vbid %d out of range", core.ErrNotMyVBucket, vbid)
	}
	vb, ok := b.vbuckets.Load(uint16(vbid))
	if !ok {
		fresh, err := b.createVBucket(vbid, state, topology, nil)
		if err != nil {
			return err
		}
		actual, loaded := b.vbuckets.LoadOrStore(uint16(vbid), fresh)
		if !loaded {
			if f := b.shardFor(vbid); f != nil {
				f.AddVBucket(actual)
			}
			b.hooks.Trigger(context.Background(), hooks.Event{
				Type: hooks.EventPostStateChange, Vbid: vbid, Payload: state,
			})
			return nil
		}
		vb = actual
	}
	if err := vb.SetState(state, topology); err != nil {
		return err
	}
	b.notifyFlusher(vbid)
	b.hooks.Trigger(context.Background(), hooks.Event{
		Type: hooks.EventPostStateChange, Vbid: vbid, Payload: state,
	})
	return nil
}

func (b *bucketBase) createVBucket(vbid core.Vbid, state core.VBState, topology core.Topology, seed *kvstore.VBucketState) (*vbucket.VBucket, error) {
	opts := vbucket.Options{
		ID:                      vbid,
		State:                   state,
		Topology:                topology,
		NodeName:                b.nodeName,
		SupportsPersistence:     b.supportsPersistence,
		MaxCheckpointItems:      b.cfg.Checkpoint.MaxItemsPerCheckpoint,
		EagerCheckpointRemoval:  b.cfg.Checkpoint.EagerRemoval,
		Destroyer:               b.destroyer,
		DefaultSyncWriteTimeout: b.defaultTimeout,
		Clock:                   b.clock,
		Logger:                  b.logger,
	}
	if seed != nil {
		opts.InitialHighSeqno = seed.HighSeqno
		opts.InitialCheckpointID = seed.CheckpointID + 1
		opts.MaxCas = seed.MaxCas
		opts.PurgeSeqno = seed.PurgeSeqno
		opts.FailoverTable = seed.FailoverTable
	}
	return vbucket.New(opts)
}

func (b *bucketBase) notifyFlusher(vbid core.Vbid) {
	if f := b.shardFor(vbid); f != nil {
		f.Notify(vbid)
	}
}

// checkBackpressure rejects writes while the persistence queue is beyond
// the high watermark.
func (b *bucketBase) checkBackpressure(vb *vbucket.VBucket) error {
	if !b.supportsPersistence || b.highWatermark <= 0 {
		return nil
	}
	backlog := vb.CheckpointManager().NumItemsForCursor(checkpoint.PersistenceCursorName)
	if backlog > b.highWatermark {
		b.stats.backpressure.Add(1)
		return fmt.Errorf("%w: %d items queued for persistence", core.ErrTmpFail, backlog)
	}
	return nil
}

// Get reads a key.
func (b *bucketBase) Get(ctx context.Context, vbid core.Vbid, key core.DocKey) (*vbucket.GetResult, error) {
	_, span := b.tracer.Start(ctx, "Bucket.Get")
	defer span.End()
	vb, err := b.vb(vbid)
	if err != nil {
		return nil, err
	}
	b.stats.gets.Add(1)
	return vb.Get(key)
}

// Set upserts a key.
func (b *bucketBase) Set(ctx context.Context, vbid core.Vbid, m vbucket.Mutation) (vbucket.MutationResult, error) {
	return b.mutate(ctx, vbid, "Bucket.Set", func(vb *vbucket.VBucket) (vbucket.MutationResult, error) {
		return vb.Set(m)
	})
}

// Add inserts a key that must not exist.
func (b *bucketBase) Add(ctx context.Context, vbid core.Vbid, m vbucket.Mutation) (vbucket.MutationResult, error) {
	return b.mutate(ctx, vbid, "Bucket.Add", func(vb *vbucket.VBucket) (vbucket.MutationResult, error) {
		return vb.Add(m)
	})
}

// Replace updates a key that must exist.
func (b *bucketBase) Replace(ctx context.Context, vbid core.Vbid, m vbucket.Mutation) (vbucket.MutationResult, error) {
	return b.mutate(ctx, vbid, "Bucket.Replace", func(vb *vbucket.VBucket) (vbucket.MutationResult, error) {
		return vb.Replace(m)
	})
}

// Delete removes a key.
func (b *bucketBase) Delete(ctx context.Context, vbid core.Vbid, key core.DocKey, cas uint64,
	durability *core.DurabilityRequirements, cookie *core.PendingCookie) (vbucket.MutationResult, error) {
	return b.mutate(ctx, vbid, "Bucket.Delete", func(vb *vbucket.VBucket) (vbucket.MutationResult, error) {
		return vb.Delete(key, cas, durability, cookie)
	})
}

func (b *bucketBase) mutate(ctx context.Context, vbid core.Vbid, op string,
	fn func(vb *vbucket.VBucket) (vbucket.MutationResult, error)) (vbucket.MutationResult, error) {
	_, span := b.tracer.Start(ctx, op, trace.WithAttributes(attribute.Int("vb", int(vbid))))
	defer span.End()

	vb, err := b.vb(vbid)
	if err != nil {
		return vbucket.MutationResult{}, err
	}
	if err := b.checkBackpressure(vb); err != nil {
		return vbucket.MutationResult{}, err
	}
	res, err := fn(vb)
	if err == nil || err == core.ErrWouldBlock {
		b.stats.mutations.Add(1)
		b.notifyFlusher(vbid)
	}
	return res, err
}

// SeqnoAcknowledged feeds a replica's ack into the vBucket's durability
// monitor; resulting commits are flushed promptly.
func (b *bucketBase) SeqnoAcknowledged(vbid core.Vbid, node string, seqno uint64) error {
	vb, err := b.vb(vbid)
	if err != nil {
		return err
	}
	vb.SeqnoAcknowledged(node, seqno)
	b.notifyFlusher(vbid)
	return nil
}

// Commit completes a tracked prepare out of band.
func (b *bucketBase) Commit(vbid core.Vbid, key core.DocKey, prepareSeqno uint64) error {
	vb, err := b.vb(vbid)
	if err != nil {
		return err
	}
	if err := vb.Commit(key, prepareSeqno); err != nil {
		return err
	}
	b.hooks.Trigger(context.Background(), hooks.Event{
		Type: hooks.EventPostCommit, Vbid: vbid, Key: key, Seqno: prepareSeqno,
	})
	b.notifyFlusher(vbid)
	return nil
}

// Abort aborts a tracked prepare.
func (b *bucketBase) Abort(vbid core.Vbid, key core.DocKey, prepareSeqno uint64) error {
	vb, err := b.vb(vbid)
	if err != nil {
		return err
	}
	if err := vb.Abort(key, prepareSeqno); err != nil {
		return err
	}
	b.hooks.Trigger(context.Background(), hooks.Event{
		Type: hooks.EventPostAbort, Vbid: vbid, Key: key, Seqno: prepareSeqno,
	})
	b.notifyFlusher(vbid)
	return nil
}

// start launches the shared background tasks.
func (b *bucketBase) start() {
	b.destroyer.Start()
	b.remover.Start()
	for _, f := range b.flushers {
		f.Start()
	}
	b.wg.Add(2)
	go b.durabilityTimeoutLoop()
	go b.expiryPagerLoop()
}

// Close stops tasks, drains the flushers and closes the store.
func (b *bucketBase) Close() error {
	b.hooks.Trigger(context.Background(), hooks.Event{Type: hooks.EventPreShutdown})
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.wg.Wait()
	for _, f := range b.flushers {
		f.Stop()
	}
	b.remover.Stop()
	b.destroyer.Stop()
	b.hooks.Stop()
	return b.store.Close()
}
