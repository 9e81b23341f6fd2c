package bucket

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/epbucket/compressors"
	"github.com/INLOpen/epbucket/config"
	"github.com/INLOpen/epbucket/core"
	"github.com/INLOpen/epbucket/hooks"
	"github.com/INLOpen/epbucket/kvstore"
	"golang.org/x/sync/errgroup"
)

// EPBucket is the persistent bucket: vBuckets drain through per-shard
// flushers into a KVStore and are rebuilt from it at warmup.
type EPBucket struct {
	*bucketBase
}

var _ Bucket = (*EPBucket)(nil)

// NewEPBucket opens (or creates) a persistent bucket. A nil store opens
// the log store at cfg.Storage.Dir.
func NewEPBucket(cfg *config.Config, opts Options, store kvstore.KVStore) (*EPBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		comp, err := compressors.ForName(cfg.Storage.Compression)
		if err != nil {
			return nil, err
		}
		store, err = kvstore.OpenLogKVStore(kvstore.LogOptions{
			Dir:        cfg.Storage.Dir,
			Compressor: comp,
			NoSync:     cfg.Storage.NoSync,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}
	b := &EPBucket{bucketBase: newBase(cfg, opts, store, true)}
	if err := b.warmup(); err != nil {
		store.Close()
		return nil, err
	}
	b.start()
	return b, nil
}

// warmup rebuilds every persisted vBucket, loading shards concurrently.
func (b *EPBucket) warmup() error {
	vbids := b.store.ListVBuckets()
	if len(vbids) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(b.cfg.Bucket.NumShards)
	for _, vbid := range vbids {
		g.Go(func() error {
			seed, err := b.store.GetVBucketState(vbid)
			if err != nil {
				return fmt.Errorf("load vbucket state %s: %w", vbid, err)
			}
			state, err := core.ParseVBState(seed.State)
			if err != nil {
				return err
			}
			topology := core.Topology{}
			if len(seed.Topology) > 0 {
				topology = core.NewTopology(seed.Topology[0]...)
			}
			vb, err := b.createVBucket(vbid, state, topology, seed)
			if err != nil {
				return err
			}
			if err := vb.LoadFromStore(b.store); err != nil {
				return err
			}
			b.vbuckets.Store(uint16(vbid), vb)
			if f := b.shardFor(vbid); f != nil {
				f.AddVBucket(vb)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.logger.Info("warmup complete", "vbuckets", len(vbids))
	return nil
}

// CompactVBucket runs compaction for one vBucket: expiry callbacks feed
// back into the engine as deletions, purged tombstones advance the purge
// seqno.
func (b *EPBucket) CompactVBucket(ctx context.Context, vbid core.Vbid, purgeBeforeSeqno uint64) (kvstore.CompactionResult, error) {
	_, span := b.tracer.Start(ctx, "Bucket.CompactVBucket")
	defer span.End()

	vb, err := b.vb(vbid)
	if err != nil {
		return kvstore.CompactionResult{}, err
	}
	b.hooks.Trigger(ctx, hooks.Event{Type: hooks.EventPreCompaction, Vbid: vbid})

	res, err := b.store.Compact(vbid, kvstore.CompactionConfig{
		Now:              uint32(b.clock.Now().Unix()),
		PurgeBeforeSeqno: purgeBeforeSeqno,
	}, kvstore.CompactionCallbacks{
		OnExpired: func(doc *kvstore.Document) {
			key, err := doc.Key.DocKey()
			if err != nil {
				return
			}
			if vb.ExpireIfNeeded(key) {
				b.notifyFlusher(vbid)
			}
		},
	})
	if err != nil {
		return res, err
	}
	if res.PurgeSeqno > 0 {
		vb.SetPurgeSeqno(res.PurgeSeqno)
	}
	b.hooks.Trigger(ctx, hooks.Event{Type: hooks.EventPostCompaction, Vbid: vbid, Payload: res})
	return res, nil
}

// DeleteVBucket tears a vBucket down and removes it from disk.
func (b *EPBucket) DeleteVBucket(vbid core.Vbid) error {
	vb, ok := b.vbuckets.LoadAndDelete(uint16(vbid))
	if !ok {
		return core.ErrNotMyVBucket
	}
	if f := b.shardFor(vbid); f != nil {
		f.RemoveVBucket(vbid)
	}
	if err := vb.SetState(core.VBDead, core.Topology{}); err != nil && !errors.Is(err, core.ErrNotMyVBucket) {
		return err
	}
	return b.store.DeleteVBucket(vbid)
}

// FlushVBucketForTest synchronously drains one vBucket's persistence
// cursor. Intended for tests and tooling.
func (b *EPBucket) FlushVBucketForTest(vbid core.Vbid) error {
	vb, err := b.vb(vbid)
	if err != nil {
		return err
	}
	f := b.shardFor(vbid)
	if f == nil {
		return nil
	}
	_, err = f.FlushVBucket(vb)
	return err
}
