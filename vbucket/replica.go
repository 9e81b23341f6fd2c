package vbucket

import (
	"fmt"

	"github.com/INLOpen/epbucket/checkpoint"
	"github.com/INLOpen/epbucket/core"
)

// Replica-side entry points, fed by the external DCP consumer. Items arrive
// with their seqnos already assigned by the active node.

func (vb *VBucket) requirePassive() error {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	if vb.state != core.VBReplica && vb.state != core.VBPending {
		return core.ErrNotMyVBucket
	}
	return nil
}

// ReceiveSnapshotMarker starts a new checkpoint for the announced snapshot.
func (vb *VBucket) ReceiveSnapshotMarker(snap core.SnapshotRange, ctype checkpoint.Type) error {
	if err := vb.requirePassive(); err != nil {
		return err
	}
	vb.cm.ApplySnapshotMarker(snap, ctype)
	return nil
}

// ReceiveMutation applies a replicated mutation, deletion or expiration.
// Deletions are accepted with any datatype, including XATTR|JSON: some
// producers emit that combination and the consumer must tolerate it.
func (vb *VBucket) ReceiveMutation(item *core.QueuedItem) error {
	if err := vb.requirePassive(); err != nil {
		return err
	}
	switch item.Op {
	case core.OpMutation, core.OpDeletion, core.OpExpiration:
	default:
		return fmt.Errorf("%w: op %s on mutation path", core.ErrInvalidArguments, item.Op)
	}
	if err := vb.cm.QueueWithSeqno(item); err != nil {
		return err
	}
	vb.hlc.Observe(item.Cas)
	if item.Datatype.IsXattr() {
		vb.MarkMightContainXattrs()
	}

	existing, had := vb.ht.GetCommitted(item.Key)
	wasLive := had && !existing.Deleted
	vb.ht.SetCommitted(&StoredValue{
		Key:      item.Key,
		Value:    item.Value,
		Datatype: item.Datatype,
		Flags:    item.Flags,
		Expiry:   item.Expiry,
		Cas:      item.Cas,
		BySeqno:  item.BySeqno,
		RevSeqno: item.RevSeqno,
		Deleted:  item.Deleted,
		State:    core.CommittedViaMutation,
	})
	if item.Deleted && wasLive {
		vb.numItems.Add(-1)
		vb.adjustCollectionCount(item.Key.Collection, -1)
	} else if !item.Deleted && !wasLive {
		vb.numItems.Add(1)
		vb.adjustCollectionCount(item.Key.Collection, 1)
	}
	return nil
}

// ReceivePrepare applies a replicated SyncWrite prepare and tracks it in
// the passive monitor.
func (vb *VBucket) ReceivePrepare(item *core.QueuedItem) error {
	if err := vb.requirePassive(); err != nil {
		return err
	}
	if item.Op != core.OpPendingSyncWrite || item.Durability == nil {
		return fmt.Errorf("%w: malformed prepare", core.ErrInvalidArguments)
	}
	if err := vb.cm.QueueWithSeqno(item); err != nil {
		return err
	}
	vb.hlc.Observe(item.Cas)
	vb.ht.SetPrepared(&StoredValue{
		Key:      item.Key,
		Value:    item.Value,
		Datatype: item.Datatype,
		Flags:    item.Flags,
		Expiry:   item.Expiry,
		Cas:      item.Cas,
		BySeqno:  item.BySeqno,
		RevSeqno: item.RevSeqno,
		Deleted:  item.Deleted,
		State:    core.Pending,
	})
	vb.stateMu.RLock()
	pdm := vb.pdm
	vb.stateMu.RUnlock()
	if pdm != nil {
		pdm.TrackPrepare(item)
	}
	return nil
}

// ReceiveCommit applies a replicated commit of an earlier prepare.
func (vb *VBucket) ReceiveCommit(key core.DocKey, prepareSeqno, commitSeqno uint64) error {
	if err := vb.requirePassive(); err != nil {
		return err
	}
	prepared, ok := vb.ht.GetPrepared(key)
	if !ok {
		// The prepare may have been deduplicated away by a disk backfill;
		// the commit still has to advance the seqno and HCS.
		vb.stateMu.RLock()
		pdm := vb.pdm
		vb.stateMu.RUnlock()
		if pdm != nil {
			pdm.CompleteSyncWrite(key, prepareSeqno)
		}
		return vb.cm.QueueWithSeqno(&core.QueuedItem{
			Key:          key,
			Op:           core.OpCommitSyncWrite,
			State:        core.CommittedViaPrepare,
			BySeqno:      commitSeqno,
			PrepareSeqno: prepareSeqno,
		})
	}

	item := &core.QueuedItem{
		Key:          key,
		Value:        prepared.Value,
		Datatype:     prepared.Datatype,
		Flags:        prepared.Flags,
		Expiry:       prepared.Expiry,
		Cas:          prepared.Cas,
		RevSeqno:     prepared.RevSeqno,
		Op:           core.OpCommitSyncWrite,
		State:        core.CommittedViaPrepare,
		Deleted:      prepared.Deleted,
		BySeqno:      commitSeqno,
		PrepareSeqno: prepareSeqno,
	}
	if err := vb.cm.QueueWithSeqno(item); err != nil {
		return err
	}
	vb.cm.UpdateHighCompletedSeqno(prepareSeqno)

	existing, had := vb.ht.GetCommitted(key)
	wasLive := had && !existing.Deleted
	vb.ht.SetCommitted(&StoredValue{
		Key:      key,
		Value:    prepared.Value,
		Datatype: prepared.Datatype,
		Flags:    prepared.Flags,
		Expiry:   prepared.Expiry,
		Cas:      prepared.Cas,
		BySeqno:  commitSeqno,
		RevSeqno: prepared.RevSeqno,
		Deleted:  prepared.Deleted,
		State:    core.CommittedViaPrepare,
	})
	vb.ht.DeletePrepared(key)

	if prepared.Deleted && wasLive {
		vb.numItems.Add(-1)
		vb.adjustCollectionCount(key.Collection, -1)
	} else if !prepared.Deleted && !wasLive {
		vb.numItems.Add(1)
		vb.adjustCollectionCount(key.Collection, 1)
	}

	vb.stateMu.RLock()
	pdm := vb.pdm
	vb.stateMu.RUnlock()
	if pdm != nil {
		pdm.CompleteSyncWrite(key, prepareSeqno)
	}
	return nil
}

// ReceiveAbort applies a replicated abort of an earlier prepare.
func (vb *VBucket) ReceiveAbort(key core.DocKey, prepareSeqno, abortSeqno uint64) error {
	if err := vb.requirePassive(); err != nil {
		return err
	}
	item := &core.QueuedItem{
		Key:          key,
		Op:           core.OpAbortSyncWrite,
		State:        core.PrepareAborted,
		Deleted:      true,
		Expiry:       uint32(vb.clock.Now().Unix()),
		BySeqno:      abortSeqno,
		PrepareSeqno: prepareSeqno,
	}
	if err := vb.cm.QueueWithSeqno(item); err != nil {
		return err
	}
	vb.cm.UpdateHighCompletedSeqno(prepareSeqno)
	vb.ht.DeletePrepared(key)

	vb.stateMu.RLock()
	pdm := vb.pdm
	vb.stateMu.RUnlock()
	if pdm != nil {
		pdm.CompleteSyncWrite(key, prepareSeqno)
	}
	return nil
}

// ReceiveSnapshotEnd marks the end of the current snapshot, advancing the
// HPS and acknowledging it towards the active.
func (vb *VBucket) ReceiveSnapshotEnd(snapEnd uint64) error {
	if err := vb.requirePassive(); err != nil {
		return err
	}
	vb.stateMu.RLock()
	pdm := vb.pdm
	vb.stateMu.RUnlock()
	if pdm == nil {
		return nil
	}
	hps := pdm.SnapshotEndReceived(snapEnd)
	if vb.seqnoAckSink != nil && hps > 0 {
		vb.seqnoAckSink(vb.id, hps)
	}
	return nil
}
