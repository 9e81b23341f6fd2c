package core

import "fmt"

// Operation tags a QueuedItem with the kind of event it carries through the
// checkpoint pipeline.
type Operation uint8

const (
	OpMutation Operation = iota
	OpDeletion
	OpExpiration
	OpPendingSyncWrite
	OpCommitSyncWrite
	OpAbortSyncWrite
	OpCheckpointStart
	OpCheckpointEnd
	OpSetVBucketState
)

func (op Operation) String() string {
	switch op {
	case OpMutation:
		return "mutation"
	case OpDeletion:
		return "deletion"
	case OpExpiration:
		return "expiration"
	case OpPendingSyncWrite:
		return "pending_sync_write"
	case OpCommitSyncWrite:
		return "commit_sync_write"
	case OpAbortSyncWrite:
		return "abort_sync_write"
	case OpCheckpointStart:
		return "checkpoint_start"
	case OpCheckpointEnd:
		return "checkpoint_end"
	case OpSetVBucketState:
		return "set_vbucket_state"
	}
	return fmt.Sprintf("operation(%d)", uint8(op))
}

// IsMeta reports whether the operation is a checkpoint meta item rather than
// a document mutation.
func (op Operation) IsMeta() bool {
	switch op {
	case OpCheckpointStart, OpCheckpointEnd, OpSetVBucketState:
		return true
	}
	return false
}

// IsDurabilityOp reports whether the operation participates in the SyncWrite
// protocol. Durability operations are never deduplicated in checkpoints.
func (op Operation) IsDurabilityOp() bool {
	switch op {
	case OpPendingSyncWrite, OpCommitSyncWrite, OpAbortSyncWrite:
		return true
	}
	return false
}

// CommittedState describes where a stored value sits in the SyncWrite
// lifecycle.
type CommittedState uint8

const (
	// CommittedViaMutation is a plain committed mutation.
	CommittedViaMutation CommittedState = iota
	// CommittedViaPrepare is a committed value that reached the committed
	// key space through a SyncWrite commit.
	CommittedViaPrepare
	// Pending is an in-flight prepare in the prepared key space.
	Pending
	// PrepareCommitted marks a prepared-space record whose commit has been
	// processed; kept on disk only as a tombstone.
	PrepareCommitted
	// PrepareAborted marks an aborted prepare.
	PrepareAborted
)

func (cs CommittedState) String() string {
	switch cs {
	case CommittedViaMutation:
		return "committed_via_mutation"
	case CommittedViaPrepare:
		return "committed_via_prepare"
	case Pending:
		return "pending"
	case PrepareCommitted:
		return "prepare_committed"
	case PrepareAborted:
		return "prepare_aborted"
	}
	return fmt.Sprintf("committed_state(%d)", uint8(cs))
}

// IsCommitted reports whether the state belongs to the committed key space.
func (cs CommittedState) IsCommitted() bool {
	return cs == CommittedViaMutation || cs == CommittedViaPrepare
}

// IsPrepareNamespace reports whether the state belongs to the prepared key
// space on disk.
func (cs CommittedState) IsPrepareNamespace() bool {
	return cs == Pending || cs == PrepareCommitted || cs == PrepareAborted
}

// QueuedItem is the unit of work flowing from a vBucket operation through
// its CheckpointManager to the flusher and any replication cursors.
// Instances are shared between cursors and must be treated as immutable once
// queued.
type QueuedItem struct {
	Key      DocKey
	Value    []byte
	Datatype Datatype
	Flags    uint32

	// Expiry is the absolute expiry in unix seconds, 0 for none. On a
	// SyncDelete prepare this field carries the deletion time instead; the
	// compactor must discriminate on State, not on this field being set.
	Expiry uint32

	Cas      uint64
	BySeqno  uint64
	RevSeqno uint64

	Op      Operation
	State   CommittedState
	Deleted bool

	// Durability is set on OpPendingSyncWrite items only.
	Durability *DurabilityRequirements

	// PrepareSeqno links an OpCommitSyncWrite / OpAbortSyncWrite item back
	// to the prepare it completes.
	PrepareSeqno uint64

	// NewState is set on OpSetVBucketState meta items.
	NewState VBState
}

// IsPending reports whether this item is an in-flight prepare.
func (qi *QueuedItem) IsPending() bool {
	return qi.Op == OpPendingSyncWrite
}

// IsCommittedMutation reports whether the item lands in the committed key
// space when persisted.
func (qi *QueuedItem) IsCommittedMutation() bool {
	switch qi.Op {
	case OpMutation, OpDeletion, OpExpiration, OpCommitSyncWrite:
		return true
	}
	return false
}

// Size estimates the memory footprint attributed to the item while it is
// held in a checkpoint.
func (qi *QueuedItem) Size() int64 {
	const itemOverhead = 96
	return qi.Key.Size() + int64(len(qi.Value)) + itemOverhead
}

func (qi *QueuedItem) String() string {
	return fmt.Sprintf("{%s key:%s seqno:%d cas:%x}", qi.Op, qi.Key, qi.BySeqno, qi.Cas)
}
