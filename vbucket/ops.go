package vbucket

import (
	"fmt"
	"strconv"
	"time"

	"github.com/INLOpen/epbucket/core"
)

type storeMode uint8

const (
	modeSet storeMode = iota
	modeAdd
	modeReplace
)

// Set upserts the key. With durability set it becomes a SyncWrite and
// returns core.ErrWouldBlock with the cookie parked.
func (vb *VBucket) Set(m Mutation) (MutationResult, error) {
	return vb.store(m, modeSet)
}

// Add stores the key only if no live committed value exists.
func (vb *VBucket) Add(m Mutation) (MutationResult, error) {
	return vb.store(m, modeAdd)
}

// Replace stores the key only if a live committed value exists.
func (vb *VBucket) Replace(m Mutation) (MutationResult, error) {
	return vb.store(m, modeReplace)
}

func (vb *VBucket) store(m Mutation, mode storeMode) (MutationResult, error) {
	if err := vb.requireActive(); err != nil {
		return MutationResult{}, err
	}
	if m.Datatype.IsXattr() {
		vb.MarkMightContainXattrs()
	}
	if m.Durability != nil {
		return vb.storeDurable(m, mode, false)
	}

	now := vb.clock.Now()
	if err := vb.pendingPrepareConflict(m.Key); err != nil {
		return MutationResult{}, err
	}

	cas := vb.hlc.Next()
	var wasLive bool
	var revSeqno uint64
	err := vb.ht.MutateCommitted(m.Key, func(existing *StoredValue) (*StoredValue, error) {
		if err := checkStorePreconditions(existing, m.Cas, mode, now); err != nil {
			return existing, err
		}
		wasLive = existing != nil && !existing.Deleted && !existing.IsExpired(now)
		revSeqno = 1
		if existing != nil {
			revSeqno = existing.RevSeqno + 1
		}
		return &StoredValue{
			Key:      m.Key,
			Value:    m.Value,
			Datatype: m.Datatype,
			Flags:    m.Flags,
			Expiry:   m.Expiry,
			Cas:      cas,
			RevSeqno: revSeqno,
			State:    core.CommittedViaMutation,
		}, nil
	})
	if err != nil {
		return MutationResult{}, err
	}

	item := &core.QueuedItem{
		Key:      m.Key,
		Value:    m.Value,
		Datatype: m.Datatype,
		Flags:    m.Flags,
		Expiry:   m.Expiry,
		Cas:      cas,
		RevSeqno: revSeqno,
		Op:       core.OpMutation,
		State:    core.CommittedViaMutation,
	}
	seqno := vb.cm.Queue(item)
	vb.backfillSeqno(m.Key, cas, seqno)

	if !wasLive {
		vb.numItems.Add(1)
		vb.adjustCollectionCount(m.Key.Collection, 1)
	}
	return MutationResult{Cas: cas, Seqno: seqno}, nil
}

// storeDurable queues a PendingSyncWrite and parks the cookie.
func (vb *VBucket) storeDurable(m Mutation, mode storeMode, deletion bool) (MutationResult, error) {
	vb.stateMu.RLock()
	adm := vb.adm
	vb.stateMu.RUnlock()
	if adm == nil {
		return MutationResult{}, core.ErrNotMyVBucket
	}
	if m.Durability.Level.RequiresLocalPersistence() && !vb.supportsPersistence {
		return MutationResult{}, fmt.Errorf("%w: level %s on an ephemeral bucket",
			core.ErrDurabilityInvalidLevel, m.Durability.Level)
	}
	if err := adm.CheckAdmission(*m.Durability); err != nil {
		return MutationResult{}, err
	}
	if err := vb.pendingPrepareConflict(m.Key); err != nil {
		return MutationResult{}, err
	}

	now := vb.clock.Now()
	existing, _ := vb.ht.GetCommitted(m.Key)
	if err := checkStorePreconditions(existing, m.Cas, mode, now); err != nil {
		return MutationResult{}, err
	}
	if deletion && (existing == nil || existing.Deleted || existing.IsExpired(now)) {
		return MutationResult{}, core.ErrKeyNotFound
	}

	cas := vb.hlc.Next()
	revSeqno := uint64(1)
	if existing != nil {
		revSeqno = existing.RevSeqno + 1
	}
	item := &core.QueuedItem{
		Key:        m.Key,
		Value:      m.Value,
		Datatype:   m.Datatype,
		Flags:      m.Flags,
		Expiry:     m.Expiry,
		Cas:        cas,
		RevSeqno:   revSeqno,
		Op:         core.OpPendingSyncWrite,
		State:      core.Pending,
		Deleted:    deletion,
		Durability: m.Durability,
	}
	if deletion {
		// SyncDelete: the expiry field carries the deletion time. The
		// compactor discriminates on committed-state, so this is safe.
		item.Value = nil
		item.Expiry = uint32(now.Unix())
	}
	seqno := vb.cm.Queue(item)

	vb.ht.SetPrepared(&StoredValue{
		Key:      m.Key,
		Value:    item.Value,
		Datatype: item.Datatype,
		Flags:    item.Flags,
		Expiry:   item.Expiry,
		Cas:      cas,
		BySeqno:  seqno,
		RevSeqno: revSeqno,
		Deleted:  deletion,
		State:    core.Pending,
	})

	vb.applyCompletions(adm.Track(item, m.Cookie))
	return MutationResult{Cas: cas, Seqno: seqno}, core.ErrWouldBlock
}

// Delete removes the key. With durability set it becomes a SyncDelete.
func (vb *VBucket) Delete(key core.DocKey, cas uint64, durability *core.DurabilityRequirements, cookie *core.PendingCookie) (MutationResult, error) {
	if err := vb.requireActive(); err != nil {
		return MutationResult{}, err
	}
	if durability != nil {
		return vb.storeDurable(Mutation{
			Key: key, Cas: cas, Durability: durability, Cookie: cookie,
		}, modeSet, true)
	}

	now := vb.clock.Now()
	if err := vb.pendingPrepareConflict(key); err != nil {
		return MutationResult{}, err
	}

	newCas := vb.hlc.Next()
	var revSeqno uint64
	err := vb.ht.MutateCommitted(key, func(existing *StoredValue) (*StoredValue, error) {
		if existing == nil || existing.Deleted || existing.IsExpired(now) {
			return existing, core.ErrKeyNotFound
		}
		if existing.IsLocked(now) && cas != existing.Cas {
			return existing, core.ErrLocked
		}
		if cas != 0 && cas != existing.Cas {
			return existing, core.ErrCasMismatch
		}
		revSeqno = existing.RevSeqno + 1
		next := existing.clone()
		next.Deleted = true
		next.Value = nil
		next.Cas = newCas
		next.RevSeqno = revSeqno
		next.Expiry = uint32(now.Unix())
		next.lockedUntil = time.Time{}
		return next, nil
	})
	if err != nil {
		return MutationResult{}, err
	}

	item := &core.QueuedItem{
		Key:      key,
		Op:       core.OpDeletion,
		State:    core.CommittedViaMutation,
		Deleted:  true,
		Cas:      newCas,
		RevSeqno: revSeqno,
		Expiry:   uint32(now.Unix()),
	}
	seqno := vb.cm.Queue(item)
	vb.backfillSeqno(key, newCas, seqno)

	vb.numItems.Add(-1)
	vb.adjustCollectionCount(key.Collection, -1)
	return MutationResult{Cas: newCas, Seqno: seqno}, nil
}

// Touch updates the key's expiry without changing the value.
func (vb *VBucket) Touch(key core.DocKey, expiry uint32) (MutationResult, error) {
	sv, err := vb.Get(key)
	if err != nil {
		return MutationResult{}, err
	}
	return vb.Set(Mutation{
		Key:      key,
		Value:    sv.Value,
		Datatype: sv.Datatype,
		Flags:    sv.Flags,
		Expiry:   expiry,
		Cas:      sv.Cas,
	})
}

// GetAndLock returns the value and locks it for the given duration.
func (vb *VBucket) GetAndLock(key core.DocKey, lockTime time.Duration) (*GetResult, error) {
	if err := vb.requireActive(); err != nil {
		return nil, err
	}
	now := vb.clock.Now()
	var out *GetResult
	err := vb.ht.MutateCommitted(key, func(existing *StoredValue) (*StoredValue, error) {
		if existing == nil || existing.Deleted || existing.IsExpired(now) {
			return existing, core.ErrKeyNotFound
		}
		if existing.IsLocked(now) {
			return existing, core.ErrLocked
		}
		next := existing.clone()
		next.lockedUntil = now.Add(lockTime)
		next.Cas = vb.hlc.Next()
		out = &GetResult{
			Value:    next.Value,
			Datatype: next.Datatype,
			Flags:    next.Flags,
			Expiry:   next.Expiry,
			Cas:      next.Cas,
			Seqno:    next.BySeqno,
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unlock releases a GetAndLock hold; the cas must match the lock cas.
func (vb *VBucket) Unlock(key core.DocKey, cas uint64) error {
	if err := vb.requireActive(); err != nil {
		return err
	}
	now := vb.clock.Now()
	return vb.ht.MutateCommitted(key, func(existing *StoredValue) (*StoredValue, error) {
		if existing == nil || existing.Deleted {
			return existing, core.ErrKeyNotFound
		}
		if !existing.IsLocked(now) {
			return existing, core.ErrTmpFail
		}
		if existing.Cas != cas {
			return existing, core.ErrLocked
		}
		next := existing.clone()
		next.lockedUntil = time.Time{}
		return next, nil
	})
}

// Append concatenates value after the stored value.
func (vb *VBucket) Append(key core.DocKey, value []byte, cas uint64) (MutationResult, error) {
	return vb.concat(key, value, cas, false)
}

// Prepend concatenates value before the stored value.
func (vb *VBucket) Prepend(key core.DocKey, value []byte, cas uint64) (MutationResult, error) {
	return vb.concat(key, value, cas, true)
}

func (vb *VBucket) concat(key core.DocKey, value []byte, cas uint64, front bool) (MutationResult, error) {
	sv, err := vb.Get(key)
	if err != nil {
		if err == core.ErrKeyNotFound {
			return MutationResult{}, core.ErrNotStored
		}
		return MutationResult{}, err
	}
	if cas != 0 && cas != sv.Cas {
		return MutationResult{}, core.ErrCasMismatch
	}
	var combined []byte
	if front {
		combined = append(append([]byte(nil), value...), sv.Value...)
	} else {
		combined = append(append([]byte(nil), sv.Value...), value...)
	}
	return vb.Set(Mutation{
		Key:      key,
		Value:    combined,
		Datatype: sv.Datatype,
		Flags:    sv.Flags,
		Expiry:   sv.Expiry,
		Cas:      sv.Cas,
	})
}

// Increment adds delta to a numeric value, creating it at initial when
// absent.
func (vb *VBucket) Increment(key core.DocKey, delta, initial uint64, expiry uint32) (uint64, MutationResult, error) {
	return vb.arith(key, delta, initial, expiry, false)
}

// Decrement subtracts delta from a numeric value, flooring at zero.
func (vb *VBucket) Decrement(key core.DocKey, delta, initial uint64, expiry uint32) (uint64, MutationResult, error) {
	return vb.arith(key, delta, initial, expiry, true)
}

func (vb *VBucket) arith(key core.DocKey, delta, initial uint64, expiry uint32, negative bool) (uint64, MutationResult, error) {
	sv, err := vb.Get(key)
	switch {
	case err == core.ErrKeyNotFound:
		res, err := vb.Add(Mutation{
			Key:    key,
			Value:  []byte(strconv.FormatUint(initial, 10)),
			Expiry: expiry,
		})
		return initial, res, err
	case err != nil:
		return 0, MutationResult{}, err
	}

	cur, parseErr := strconv.ParseUint(string(sv.Value), 10, 64)
	if parseErr != nil {
		return 0, MutationResult{}, fmt.Errorf("%w: non-numeric value", core.ErrInvalidArguments)
	}
	var next uint64
	if negative {
		if delta > cur {
			next = 0
		} else {
			next = cur - delta
		}
	} else {
		next = cur + delta
	}
	res, err := vb.Set(Mutation{
		Key:    key,
		Value:  []byte(strconv.FormatUint(next, 10)),
		Flags:  sv.Flags,
		Expiry: sv.Expiry,
		Cas:    sv.Cas,
	})
	return next, res, err
}

// Evict drops a resident committed value's body from memory, keeping the
// metadata. Dirty (not yet persisted) values cannot be evicted.
func (vb *VBucket) Evict(key core.DocKey, persistedUpTo uint64) error {
	if err := vb.requireActive(); err != nil {
		return err
	}
	return vb.ht.MutateCommitted(key, func(existing *StoredValue) (*StoredValue, error) {
		if existing == nil || existing.Deleted {
			return existing, core.ErrKeyNotFound
		}
		if existing.BySeqno > persistedUpTo {
			return existing, core.ErrTmpFail
		}
		next := existing.clone()
		next.Value = nil
		return next, nil
	})
}

// pendingPrepareConflict rejects a mutation while the key has an entry in
// the prepared space. A prepare still tracked by the monitor is in flight;
// an untracked one is mid-completion (e.g. re-commit after a topology
// change or warmup) and resolves shortly.
func (vb *VBucket) pendingPrepareConflict(key core.DocKey) error {
	if _, pending := vb.ht.GetPrepared(key); !pending {
		return nil
	}
	vb.stateMu.RLock()
	adm := vb.adm
	vb.stateMu.RUnlock()
	if adm != nil && !adm.HasPendingPrepare(key) {
		return core.ErrSyncWriteReCommitInProgress
	}
	return core.ErrSyncWriteInProgress
}

// checkStorePreconditions applies the shared cas/existence rules.
func checkStorePreconditions(existing *StoredValue, cas uint64, mode storeMode, now time.Time) error {
	live := existing != nil && !existing.Deleted && !existing.IsExpired(now)
	if existing != nil && existing.IsLocked(now) && cas != existing.Cas {
		return core.ErrLocked
	}
	switch mode {
	case modeAdd:
		if live {
			return core.ErrKeyExists
		}
	case modeReplace:
		if !live {
			return core.ErrKeyNotFound
		}
	}
	if cas != 0 {
		if !live {
			return core.ErrKeyNotFound
		}
		if existing.Cas != cas {
			return core.ErrCasMismatch
		}
	}
	return nil
}

// backfillSeqno records the assigned seqno on the stored value, matching by
// cas so a racing overwrite is left alone.
func (vb *VBucket) backfillSeqno(key core.DocKey, cas, seqno uint64) {
	vb.ht.MutateCommitted(key, func(existing *StoredValue) (*StoredValue, error) {
		if existing == nil || existing.Cas != cas {
			return existing, errNoChange
		}
		next := existing.clone()
		next.BySeqno = seqno
		return next, nil
	})
}
