// Package kvstore defines the durable store contract consumed by the
// flusher, plus two implementations: an in-memory store for tests and
// ephemeral buckets, and an append-only log store for persistent buckets.
package kvstore

import (
	"github.com/INLOpen/epbucket/core"
)

// Document is one record in a vBucket's on-disk key space.
type Document struct {
	Key      DiskDocKey
	Value    []byte
	Datatype core.Datatype
	Flags    uint32

	// Expiry is the absolute expiry in unix seconds. On a deleted record
	// (including an aborted prepare) it carries the deletion time; the
	// compactor discriminates on the key space, never on this field alone.
	Expiry uint32

	Cas      uint64
	BySeqno  uint64
	RevSeqno uint64
	Deleted  bool
	State    core.CommittedState

	// Level records the durability level of a prepared-space record so a
	// warmup can rebuild the durability monitor.
	Level core.Level
}

// FailoverEntry is one row of a vBucket's failover table.
type FailoverEntry struct {
	UUID  uint64 `json:"id"`
	Seqno uint64 `json:"seq"`
}

// VBucketState is the per-vBucket metadata record persisted atomically with
// every flush batch.
type VBucketState struct {
	State              string          `json:"state"`
	Topology           [][]string      `json:"topology,omitempty"`
	HighSeqno          uint64          `json:"high_seqno"`
	HighPreparedSeqno  uint64          `json:"high_prepared_seqno"`
	HighCompletedSeqno uint64          `json:"high_completed_seqno"`
	MaxCas             uint64          `json:"max_cas"`
	FailoverTable      []FailoverEntry `json:"failover_table,omitempty"`
	PurgeSeqno         uint64          `json:"purge_seqno"`
	MaxVisibleSeqno    uint64          `json:"max_visible_seqno"`
	CheckpointID       uint64          `json:"checkpoint_id"`
	MightContainXattrs bool            `json:"might_contain_xattrs"`
	HlcEpochSeqno      uint64          `json:"hlc_epoch_seqno"`
}

// Clone returns a deep copy.
func (s *VBucketState) Clone() *VBucketState {
	c := *s
	c.FailoverTable = append([]FailoverEntry(nil), s.FailoverTable...)
	c.Topology = nil
	for _, chain := range s.Topology {
		c.Topology = append(c.Topology, append([]string(nil), chain...))
	}
	return &c
}

// FlushBatch is one logical transaction against a vBucket: document sets,
// document deletes and the updated vbucket state, committed atomically.
type FlushBatch struct {
	Sets    []*Document
	Deletes []DiskDocKey
	State   *VBucketState
}

// ScanFn receives documents in bySeqno order; returning false stops the
// scan.
type ScanFn func(doc *Document) bool

// CompactionConfig controls one compaction run.
type CompactionConfig struct {
	// Now is the wall time used for expiry checks, in unix seconds.
	Now uint32
	// PurgeBeforeSeqno drops committed-space tombstones with a lower seqno.
	PurgeBeforeSeqno uint64
}

// CompactionCallbacks notify the engine about documents the compactor
// touched. OnExpired fires for live committed-space documents whose expiry
// has passed; prepared-space records never expire regardless of their
// expiry field. OnPurged fires for dropped tombstones.
type CompactionCallbacks struct {
	OnExpired func(doc *Document)
	OnPurged  func(key DiskDocKey)
}

// CompactionResult summarises a compaction run.
type CompactionResult struct {
	ExpiredCount int
	PurgedCount  int
	PurgeSeqno   uint64
}

// RollbackResult reports the outcome of a rollback request.
type RollbackResult struct {
	// Success is false if the store could not roll back to the target and
	// wiped the vBucket instead.
	Success   bool
	HighSeqno uint64
}

// KVStore is the narrow durable-storage contract. Writes to one vBucket are
// serialized by the implementation; reads may run concurrently with writes.
type KVStore interface {
	// Commit applies the batch and the vbucket state as one atomic unit.
	Commit(vbid core.Vbid, batch *FlushBatch) error

	// Get returns the document stored under the disk key, or
	// core.ErrKeyNotFound. Deleted documents (tombstones) are returned.
	Get(vbid core.Vbid, key DiskDocKey) (*Document, error)

	// GetVBucketState returns the last committed state record, or
	// core.ErrKeyNotFound for an unknown vBucket.
	GetVBucketState(vbid core.Vbid) (*VBucketState, error)

	// ScanBySeqno streams the live (latest-version) documents with seqno in
	// [start, end] in increasing order.
	ScanBySeqno(vbid core.Vbid, start, end uint64, fn ScanFn) error

	// Compact runs expiry and tombstone purging over the vBucket.
	Compact(vbid core.Vbid, cfg CompactionConfig, cb CompactionCallbacks) (CompactionResult, error)

	// Rollback discards all mutations with seqno above target.
	Rollback(vbid core.Vbid, target uint64) (RollbackResult, error)

	// DeleteVBucket removes every trace of the vBucket.
	DeleteVBucket(vbid core.Vbid) error

	// ListVBuckets enumerates vBuckets with persisted state.
	ListVBuckets() []core.Vbid

	Close() error
}
