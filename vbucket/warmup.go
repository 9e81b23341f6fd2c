package vbucket

import (
	"fmt"
	"math"

	"github.com/INLOpen/epbucket/core"
	"github.com/INLOpen/epbucket/kvstore"
)

// LoadFromStore rebuilds the hash table, the item counters and the
// outstanding-prepare trackers from the persisted key spaces. Called once
// at bucket warmup, before the vBucket serves traffic.
func (vb *VBucket) LoadFromStore(store kvstore.KVStore) error {
	var scanErr error
	highPersisted := uint64(0)
	err := store.ScanBySeqno(vb.id, 1, math.MaxUint64, func(doc *kvstore.Document) bool {
		key, err := doc.Key.DocKey()
		if err != nil {
			scanErr = fmt.Errorf("%s: corrupt disk key: %w", vb.id, err)
			return false
		}
		if doc.BySeqno > highPersisted {
			highPersisted = doc.BySeqno
		}
		sv := &StoredValue{
			Key:      key,
			Value:    doc.Value,
			Datatype: doc.Datatype,
			Flags:    doc.Flags,
			Expiry:   doc.Expiry,
			Cas:      doc.Cas,
			BySeqno:  doc.BySeqno,
			RevSeqno: doc.RevSeqno,
			Deleted:  doc.Deleted,
			State:    doc.State,
		}
		vb.hlc.Observe(doc.Cas)
		if doc.Datatype.IsXattr() {
			vb.MarkMightContainXattrs()
		}

		if doc.Key.IsPrepared() {
			// Only in-flight prepares are resurrected; committed and
			// aborted prepared-space tombstones stay on disk.
			if doc.State == core.Pending {
				vb.ht.SetPrepared(sv)
				vb.trackWarmedUpPrepare(doc)
			}
			return true
		}

		vb.ht.SetCommitted(sv)
		if !doc.Deleted {
			vb.numItems.Add(1)
			vb.onDiskItems.Add(1)
			vb.adjustCollectionCount(key.Collection, 1)
		}
		return true
	})
	if err != nil {
		return err
	}
	if scanErr != nil {
		return scanErr
	}
	if highPersisted > 0 {
		// Everything loaded was persisted by definition.
		vb.NotifyPersistedSeqno(highPersisted)
	}
	return nil
}

func (vb *VBucket) trackWarmedUpPrepare(doc *kvstore.Document) {
	key, _ := doc.Key.DocKey()
	item := &core.QueuedItem{
		Key:      key,
		Value:    doc.Value,
		Datatype: doc.Datatype,
		Flags:    doc.Flags,
		Expiry:   doc.Expiry,
		Cas:      doc.Cas,
		BySeqno:  doc.BySeqno,
		RevSeqno: doc.RevSeqno,
		Op:       core.OpPendingSyncWrite,
		State:    core.Pending,
		Deleted:  doc.Deleted,
		Durability: &core.DurabilityRequirements{
			Level:   doc.Level,
			Timeout: -1, // a warmed-up prepare never times out
		},
	}
	vb.stateMu.RLock()
	adm, pdm := vb.adm, vb.pdm
	vb.stateMu.RUnlock()
	if adm != nil {
		vb.applyCompletions(adm.Track(item, nil))
		return
	}
	pdm.TrackPrepare(item)
}
