// Package vbucket implements the per-shard unit of the bucket: the hash
// table over both key spaces, the state machine, and the public mutation
// operations feeding the checkpoint manager and the durability monitor.
package vbucket

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/epbucket/checkpoint"
	"github.com/INLOpen/epbucket/core"
	"github.com/INLOpen/epbucket/durability"
	"github.com/INLOpen/epbucket/kvstore"
	"github.com/puzpuzpuz/xsync/v3"
)

// Options configures a VBucket.
type Options struct {
	ID       core.Vbid
	State    core.VBState
	Topology core.Topology

	// NodeName is this node's name in replication topologies.
	NodeName string

	// SupportsPersistence is false on ephemeral buckets, which reject
	// durability levels that require disk.
	SupportsPersistence bool

	MaxCheckpointItems      int
	EagerCheckpointRemoval  bool
	Destroyer               checkpoint.DestroyerQueue
	DefaultSyncWriteTimeout time.Duration

	Clock  core.Clock
	Logger *slog.Logger

	// Warmup seeds.
	InitialHighSeqno    uint64
	InitialCheckpointID uint64
	MaxCas              uint64
	PurgeSeqno          uint64
	FailoverTable       []kvstore.FailoverEntry

	// SeqnoAckSink receives this replica's HPS advances for forwarding to
	// the active node.
	SeqnoAckSink func(vbid core.Vbid, seqno uint64)
}

// Mutation is a frontend write request.
type Mutation struct {
	Key      core.DocKey
	Value    []byte
	Datatype core.Datatype
	Flags    uint32
	Expiry   uint32

	// Cas, when non-zero, must match the stored value's CAS.
	Cas uint64

	// Durability turns the mutation into a SyncWrite.
	Durability *core.DurabilityRequirements

	// Cookie is parked when the mutation becomes a SyncWrite.
	Cookie *core.PendingCookie
}

// MutationResult reports the outcome of an accepted mutation.
type MutationResult struct {
	Cas   uint64
	Seqno uint64
}

// GetResult is a read response.
type GetResult struct {
	Value    []byte
	Datatype core.Datatype
	Flags    uint32
	Expiry   uint32
	Cas      uint64
	Seqno    uint64
	Deleted  bool
}

// VBucket integrates the hash table, the checkpoint manager and the
// durability monitor for one shard of the keyspace.
type VBucket struct {
	id core.Vbid

	// stateMu guards state, topology and the monitor role. Lock order:
	// stateMu before any checkpoint-manager or hash-table access.
	stateMu  sync.RWMutex
	state    core.VBState
	topology core.Topology

	ht  *HashTable
	cm  *checkpoint.Manager
	adm *durability.ActiveMonitor
	pdm *durability.PassiveMonitor

	hlc   *core.HLC
	clock core.Clock

	nodeName            string
	supportsPersistence bool
	syncWriteTimeout    time.Duration

	numItems         atomic.Int64
	onDiskItems      atomic.Int64
	collectionCounts *xsync.MapOf[core.CollectionID, *atomic.Int64]

	purgeSeqno         atomic.Uint64
	mightContainXattrs atomic.Bool
	failoverMu         sync.Mutex
	failoverTable      []kvstore.FailoverEntry

	seqnoAckSink func(core.Vbid, uint64)
	logger       *slog.Logger
}

// New creates a vBucket in the given state.
func New(opts Options) (*VBucket, error) {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	vb := &VBucket{
		id:                  opts.ID,
		state:               opts.State,
		topology:            opts.Topology,
		ht:                  NewHashTable(),
		hlc:                 core.NewHLC(opts.Clock, opts.MaxCas),
		clock:               opts.Clock,
		nodeName:            opts.NodeName,
		supportsPersistence: opts.SupportsPersistence,
		syncWriteTimeout:    opts.DefaultSyncWriteTimeout,
		collectionCounts:    xsync.NewMapOf[core.CollectionID, *atomic.Int64](),
		failoverTable:       append([]kvstore.FailoverEntry(nil), opts.FailoverTable...),
		seqnoAckSink:        opts.SeqnoAckSink,
		logger:              opts.Logger.With("component", "VBucket", "vb", opts.ID),
	}
	vb.purgeSeqno.Store(opts.PurgeSeqno)
	vb.cm = checkpoint.NewManager(checkpoint.Options{
		Vbid:                  opts.ID,
		MaxItemsPerCheckpoint: opts.MaxCheckpointItems,
		InitialHighSeqno:      opts.InitialHighSeqno,
		InitialCheckpointID:   opts.InitialCheckpointID,
		EagerRemoval:          opts.EagerCheckpointRemoval,
		Destroyer:             opts.Destroyer,
		Logger:                opts.Logger,
	})
	switch opts.State {
	case core.VBActive:
		adm, err := durability.NewActiveMonitor(durability.ActiveOptions{
			Node:           opts.NodeName,
			Topology:       opts.Topology,
			DefaultTimeout: opts.DefaultSyncWriteTimeout,
			Clock:          opts.Clock,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		vb.adm = adm
	default:
		vb.pdm = durability.NewPassiveMonitor(durability.PassiveOptions{
			Node:   opts.NodeName,
			Logger: opts.Logger,
		})
	}
	return vb, nil
}

// ID returns the vBucket id.
func (vb *VBucket) ID() core.Vbid { return vb.id }

// State returns the current replication state.
func (vb *VBucket) State() core.VBState {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	return vb.state
}

// Topology returns the current durability chain.
func (vb *VBucket) Topology() core.Topology {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	return vb.topology
}

// CheckpointManager exposes the vBucket's checkpoint manager to the flusher
// and replication streams.
func (vb *VBucket) CheckpointManager() *checkpoint.Manager { return vb.cm }

// DurabilityMonitor returns the current monitor role.
func (vb *VBucket) DurabilityMonitor() durability.Monitor {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	if vb.adm != nil {
		return vb.adm
	}
	return vb.pdm
}

// HighSeqno returns the seqno of the last queued item.
func (vb *VBucket) HighSeqno() uint64 { return vb.cm.HighSeqno() }

// NumItems returns the user-visible committed item count.
func (vb *VBucket) NumItems() int64 { return vb.numItems.Load() }

// OnDiskItems returns the persisted committed item count.
func (vb *VBucket) OnDiskItems() int64 { return vb.onDiskItems.Load() }

// AdjustOnDiskItems is invoked by the flusher after a successful commit.
func (vb *VBucket) AdjustOnDiskItems(delta int64) {
	vb.onDiskItems.Add(delta)
}

// CollectionItemCount returns the committed item count of one collection.
func (vb *VBucket) CollectionItemCount(cid core.CollectionID) int64 {
	if c, ok := vb.collectionCounts.Load(cid); ok {
		return c.Load()
	}
	return 0
}

func (vb *VBucket) adjustCollectionCount(cid core.CollectionID, delta int64) {
	c, _ := vb.collectionCounts.LoadOrStore(cid, &atomic.Int64{})
	c.Add(delta)
}

// MarkMightContainXattrs records that an xattr-bearing document was stored.
func (vb *VBucket) MarkMightContainXattrs() { vb.mightContainXattrs.Store(true) }

// AddFailoverEntry appends a failover-table row at the current high seqno.
// SetState does not call it: a promotion adds no row by itself.
func (vb *VBucket) AddFailoverEntry(uuid uint64) {
	vb.failoverMu.Lock()
	defer vb.failoverMu.Unlock()
	vb.failoverTable = append(vb.failoverTable, kvstore.FailoverEntry{
		UUID:  uuid,
		Seqno: vb.cm.HighSeqno(),
	})
}

// BuildVBucketState snapshots the metadata record persisted with each flush
// batch.
func (vb *VBucket) BuildVBucketState() *kvstore.VBucketState {
	vb.stateMu.RLock()
	state := vb.state
	topology := vb.topology
	vb.stateMu.RUnlock()

	dm := vb.DurabilityMonitor()
	ckptID, _ := vb.cm.CursorCheckpointID(checkpoint.PersistenceCursorName)

	vb.failoverMu.Lock()
	failovers := append([]kvstore.FailoverEntry(nil), vb.failoverTable...)
	vb.failoverMu.Unlock()

	st := &kvstore.VBucketState{
		State:              state.String(),
		HighSeqno:          vb.cm.HighSeqno(),
		HighPreparedSeqno:  dm.HighPreparedSeqno(),
		HighCompletedSeqno: dm.HighCompletedSeqno(),
		MaxCas:             vb.hlc.MaxCas(),
		FailoverTable:      failovers,
		PurgeSeqno:         vb.purgeSeqno.Load(),
		MaxVisibleSeqno:    vb.cm.HighSeqno(),
		CheckpointID:       ckptID,
		MightContainXattrs: vb.mightContainXattrs.Load(),
	}
	if !topology.IsNull() {
		st.Topology = [][]string{append([]string(nil), topology.Chain...)}
	}
	return st
}

// requireActive gates frontend operations on the vBucket state.
func (vb *VBucket) requireActive() error {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	if vb.state != core.VBActive {
		return core.ErrNotMyVBucket
	}
	return nil
}

// SetState transitions the vBucket, switching the durability monitor role
// and migrating outstanding prepares. A nil topology on promotion keeps
// prepares parked until a chain arrives.
func (vb *VBucket) SetState(next core.VBState, topology core.Topology) error {
	vb.stateMu.Lock()
	prev := vb.state

	var completions []durability.Completion
	var demotedCookies []*core.PendingCookie

	switch {
	case next == core.VBDead:
		if vb.adm != nil {
			completions = vb.adm.AbortAll()
		}
		vb.adm = nil
		vb.pdm = durability.NewPassiveMonitor(durability.PassiveOptions{
			Node: vb.nodeName, Logger: vb.logger,
		})
	case next == core.VBActive && vb.adm == nil:
		adm, err := durability.ConvertToActive(vb.pdm, durability.ActiveOptions{
			Node:           vb.nodeName,
			Topology:       topology,
			DefaultTimeout: vb.syncWriteTimeout,
			Clock:          vb.clock,
			Logger:         vb.logger,
		})
		if err != nil {
			vb.stateMu.Unlock()
			return err
		}
		vb.adm = adm
		vb.pdm = nil
	case next == core.VBActive && vb.adm != nil:
		done, err := vb.adm.SetReplicationTopology(topology)
		if err != nil {
			vb.stateMu.Unlock()
			return err
		}
		completions = done
	case next != core.VBActive && vb.adm != nil:
		pdm, cookies := durability.ConvertToPassive(vb.adm, durability.PassiveOptions{
			Node: vb.nodeName, Logger: vb.logger,
		})
		vb.pdm = pdm
		vb.adm = nil
		demotedCookies = cookies
	}

	vb.state = next
	vb.topology = topology
	vb.stateMu.Unlock()

	vb.cm.QueueSetVBucketState(next)
	vb.logger.Info("vbucket state change", "from", prev, "to", next, "topology", topology)

	if next == core.VBDead {
		// In-flight prepares are ambiguous, not aborted on disk: remove
		// them from the prepared space and notify without queueing aborts.
		for _, c := range completions {
			vb.ht.DeletePrepared(c.Item.Key)
			if c.Cookie != nil {
				c.Cookie.Notify(core.ErrSyncWriteAmbiguous)
			}
		}
	} else {
		vb.applyCompletions(completions)
	}
	for _, cookie := range demotedCookies {
		cookie.Notify(core.ErrSyncWriteAmbiguous)
	}
	return nil
}

// UpdateTopology installs a new chain on an active vBucket.
func (vb *VBucket) UpdateTopology(topology core.Topology) error {
	return vb.SetState(core.VBActive, topology)
}

// SeqnoAcknowledged records a replica's acknowledgement up to seqno; on the
// active this may commit prepares.
func (vb *VBucket) SeqnoAcknowledged(node string, seqno uint64) {
	vb.stateMu.RLock()
	adm := vb.adm
	vb.stateMu.RUnlock()
	if adm == nil {
		return
	}
	vb.applyCompletions(adm.SeqnoAckReceived(node, seqno))
}

// NotifyPersistedSeqno is the flusher's callback after a successful flush.
func (vb *VBucket) NotifyPersistedSeqno(seqno uint64) {
	vb.stateMu.RLock()
	adm, pdm := vb.adm, vb.pdm
	vb.stateMu.RUnlock()
	if adm != nil {
		vb.applyCompletions(adm.NotifyLocalPersistence(seqno))
		return
	}
	hps := pdm.NotifyLocalPersistence(seqno)
	if vb.seqnoAckSink != nil && hps > 0 {
		vb.seqnoAckSink(vb.id, hps)
	}
}

// ProcessDurabilityTimeout aborts tracked prepares whose deadline passed.
func (vb *VBucket) ProcessDurabilityTimeout(now time.Time) {
	vb.stateMu.RLock()
	adm := vb.adm
	vb.stateMu.RUnlock()
	if adm == nil {
		return
	}
	vb.applyCompletions(adm.ProcessTimeout(now))
}

// applyCompletions turns monitor verdicts into commit/abort items and
// cookie notifications. Runs without holding stateMu.
func (vb *VBucket) applyCompletions(completions []durability.Completion) {
	for _, c := range completions {
		if c.Commit {
			vb.commitPrepare(c.Item)
			if c.Cookie != nil {
				c.Cookie.Notify(nil)
			}
		} else {
			vb.abortPrepare(c.Item)
			if c.Cookie != nil {
				c.Cookie.Notify(c.Reason)
			}
		}
	}
}

// commitPrepare queues the CommitSyncWrite item and applies the prepared
// value to the committed space.
func (vb *VBucket) commitPrepare(prepare *core.QueuedItem) {
	commit := &core.QueuedItem{
		Key:          prepare.Key,
		Value:        prepare.Value,
		Datatype:     prepare.Datatype,
		Flags:        prepare.Flags,
		Expiry:       prepare.Expiry,
		Cas:          prepare.Cas,
		RevSeqno:     prepare.RevSeqno,
		Op:           core.OpCommitSyncWrite,
		State:        core.CommittedViaPrepare,
		Deleted:      prepare.Deleted,
		PrepareSeqno: prepare.BySeqno,
	}
	if prepare.Deleted {
		// A SyncDelete commit tombstones the committed space.
		commit.Expiry = uint32(vb.clock.Now().Unix())
	}
	seqno := vb.cm.Queue(commit)
	vb.cm.UpdateHighCompletedSeqno(prepare.BySeqno)

	existing, hadLive := vb.ht.GetCommitted(prepare.Key)
	wasLive := hadLive && !existing.Deleted
	vb.ht.SetCommitted(&StoredValue{
		Key:      prepare.Key,
		Value:    prepare.Value,
		Datatype: prepare.Datatype,
		Flags:    prepare.Flags,
		Expiry:   commit.Expiry,
		Cas:      prepare.Cas,
		BySeqno:  seqno,
		RevSeqno: prepare.RevSeqno,
		Deleted:  prepare.Deleted,
		State:    core.CommittedViaPrepare,
	})
	vb.ht.DeletePrepared(prepare.Key)

	if prepare.Deleted && wasLive {
		vb.numItems.Add(-1)
		vb.adjustCollectionCount(prepare.Key.Collection, -1)
	} else if !prepare.Deleted && !wasLive {
		vb.numItems.Add(1)
		vb.adjustCollectionCount(prepare.Key.Collection, 1)
	}
}

// abortPrepare queues the AbortSyncWrite item and clears the prepared
// space. The abort persists as a prepared-space tombstone whose expiry
// field carries the deletion time.
func (vb *VBucket) abortPrepare(prepare *core.QueuedItem) {
	abort := &core.QueuedItem{
		Key:          prepare.Key,
		Op:           core.OpAbortSyncWrite,
		State:        core.PrepareAborted,
		Deleted:      true,
		Expiry:       uint32(vb.clock.Now().Unix()),
		Cas:          prepare.Cas,
		PrepareSeqno: prepare.BySeqno,
	}
	vb.cm.Queue(abort)
	vb.cm.UpdateHighCompletedSeqno(prepare.BySeqno)
	vb.ht.DeletePrepared(prepare.Key)
}

// Commit completes an outstanding prepare out of band (the replica-driven
// or administrative path).
func (vb *VBucket) Commit(key core.DocKey, prepareSeqno uint64) error {
	vb.stateMu.RLock()
	adm := vb.adm
	vb.stateMu.RUnlock()
	if adm == nil {
		return core.ErrNotMyVBucket
	}
	c, err := adm.Remove(key, prepareSeqno, true)
	if err != nil {
		return err
	}
	vb.applyCompletions([]durability.Completion{c})
	return nil
}

// Abort aborts an outstanding prepare.
func (vb *VBucket) Abort(key core.DocKey, prepareSeqno uint64) error {
	vb.stateMu.RLock()
	adm := vb.adm
	vb.stateMu.RUnlock()
	if adm == nil {
		return core.ErrNotMyVBucket
	}
	c, err := adm.Remove(key, prepareSeqno, false)
	if err != nil {
		return err
	}
	c.Reason = nil // not used: the cookie is notified ambiguous below
	vb.abortPrepare(c.Item)
	if c.Cookie != nil {
		c.Cookie.Notify(core.ErrSyncWriteAmbiguous)
	}
	return nil
}

// PurgeSeqno returns the highest purged tombstone seqno.
func (vb *VBucket) PurgeSeqno() uint64 { return vb.purgeSeqno.Load() }

// SetPurgeSeqno records a compaction's purge watermark.
func (vb *VBucket) SetPurgeSeqno(seqno uint64) {
	for {
		cur := vb.purgeSeqno.Load()
		if seqno <= cur || vb.purgeSeqno.CompareAndSwap(cur, seqno) {
			return
		}
	}
}

var errNoChange = fmt.Errorf("no change")

// Get returns the committed value for the key. An expired value is lazily
// deleted and reported as missing.
func (vb *VBucket) Get(key core.DocKey) (*GetResult, error) {
	if err := vb.requireActive(); err != nil {
		return nil, err
	}
	sv, ok := vb.ht.GetCommitted(key)
	if !ok || sv.Deleted {
		return nil, core.ErrKeyNotFound
	}
	if sv.IsExpired(vb.clock.Now()) {
		vb.processExpiry(key)
		return nil, core.ErrKeyNotFound
	}
	return &GetResult{
		Value:    sv.Value,
		Datatype: sv.Datatype,
		Flags:    sv.Flags,
		Expiry:   sv.Expiry,
		Cas:      sv.Cas,
		Seqno:    sv.BySeqno,
	}, nil
}

// GetMeta returns metadata for the key, including tombstones.
func (vb *VBucket) GetMeta(key core.DocKey) (*GetResult, error) {
	if err := vb.requireActive(); err != nil {
		return nil, err
	}
	sv, ok := vb.ht.GetCommitted(key)
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return &GetResult{
		Datatype: sv.Datatype,
		Flags:    sv.Flags,
		Expiry:   sv.Expiry,
		Cas:      sv.Cas,
		Seqno:    sv.BySeqno,
		Deleted:  sv.Deleted,
	}, nil
}

// PageExpired scans the committed space and converts values whose TTL has
// passed into deletions. Returns the number expired. Driven by the expiry
// pager task.
func (vb *VBucket) PageExpired(now time.Time) int {
	if vb.State() != core.VBActive {
		return 0
	}
	var expired []core.DocKey
	vb.ht.ForEachCommitted(func(sv *StoredValue) bool {
		if !sv.Deleted && sv.IsExpired(now) {
			expired = append(expired, sv.Key)
		}
		return true
	})
	for _, key := range expired {
		vb.processExpiry(key)
	}
	return len(expired)
}

// ExpireIfNeeded converts the key's committed value into a deletion if its
// TTL has passed. Driven by compaction expiry callbacks. Returns true if
// the value was expired.
func (vb *VBucket) ExpireIfNeeded(key core.DocKey) bool {
	if vb.State() != core.VBActive {
		return false
	}
	sv, ok := vb.ht.GetCommitted(key)
	if !ok || sv.Deleted || !sv.IsExpired(vb.clock.Now()) {
		return false
	}
	vb.processExpiry(key)
	return true
}

// processExpiry converts an expired committed value into a deletion.
func (vb *VBucket) processExpiry(key core.DocKey) {
	now := vb.clock.Now()
	var expired *StoredValue
	err := vb.ht.MutateCommitted(key, func(existing *StoredValue) (*StoredValue, error) {
		if existing == nil || existing.Deleted || !existing.IsExpired(now) {
			return existing, errNoChange
		}
		next := existing.clone()
		next.Deleted = true
		next.Value = nil
		next.Cas = vb.hlc.Next()
		next.RevSeqno++
		next.Expiry = uint32(now.Unix())
		expired = next
		return next, nil
	})
	if err != nil || expired == nil {
		return
	}
	item := &core.QueuedItem{
		Key:      key,
		Op:       core.OpExpiration,
		State:    core.CommittedViaMutation,
		Deleted:  true,
		Expiry:   uint32(now.Unix()),
		Cas:      expired.Cas,
		RevSeqno: expired.RevSeqno,
	}
	seqno := vb.cm.Queue(item)
	vb.ht.MutateCommitted(key, func(existing *StoredValue) (*StoredValue, error) {
		if existing == nil || existing.Cas != expired.Cas {
			return existing, errNoChange
		}
		next := existing.clone()
		next.BySeqno = seqno
		return next, nil
	})
	vb.numItems.Add(-1)
	vb.adjustCollectionCount(key.Collection, -1)
	vb.logger.Debug("expired on access", "key", key)
}
