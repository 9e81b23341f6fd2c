package kvstore

import (
	"fmt"
	"sync"

	"github.com/INLOpen/epbucket/core"
	"github.com/INLOpen/skiplist"
)

func seqnoComparator(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// memoryVBucket holds one vBucket's documents: a key-addressed map plus a
// seqno-ordered skiplist for range scans. The skiplist keeps every version
// ever written; scans emit an entry only while it is still the live version
// in the map.
type memoryVBucket struct {
	docs    map[string]*Document
	bySeqno *skiplist.SkipList[uint64, *Document]
	state   *VBucketState
}

func newMemoryVBucket() *memoryVBucket {
	return &memoryVBucket{
		docs:    make(map[string]*Document),
		bySeqno: skiplist.NewWithComparator[uint64, *Document](seqnoComparator),
	}
}

func (v *memoryVBucket) isLive(doc *Document) bool {
	cur, ok := v.docs[string(doc.Key)]
	return ok && cur.BySeqno == doc.BySeqno
}

// MemoryKVStore is the no-op-storage KVStore: full contract, nothing on
// disk. It backs ephemeral buckets and test fixtures.
type MemoryKVStore struct {
	mu       sync.RWMutex
	vbuckets map[core.Vbid]*memoryVBucket

	// FailCommits makes every Commit fail while positive, decrementing per
	// attempt. Test hook for flusher retry behaviour.
	FailCommits int
}

var _ KVStore = (*MemoryKVStore)(nil)

// NewMemoryKVStore creates an empty store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{vbuckets: make(map[core.Vbid]*memoryVBucket)}
}

func (s *MemoryKVStore) vb(vbid core.Vbid, create bool) *memoryVBucket {
	v, ok := s.vbuckets[vbid]
	if !ok && create {
		v = newMemoryVBucket()
		s.vbuckets[vbid] = v
	}
	return v
}

// Commit implements KVStore.
func (s *MemoryKVStore) Commit(vbid core.Vbid, batch *FlushBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommits > 0 {
		s.FailCommits--
		return fmt.Errorf("%w: injected commit failure", core.ErrTmpFail)
	}
	v := s.vb(vbid, true)
	for _, doc := range batch.Sets {
		v.docs[string(doc.Key)] = doc
		v.bySeqno.Insert(doc.BySeqno, doc)
	}
	for _, key := range batch.Deletes {
		delete(v.docs, string(key))
	}
	if batch.State != nil {
		v.state = batch.State.Clone()
	}
	return nil
}

// Get implements KVStore.
func (s *MemoryKVStore) Get(vbid core.Vbid, key DiskDocKey) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.vb(vbid, false)
	if v == nil {
		return nil, core.ErrKeyNotFound
	}
	doc, ok := v.docs[string(key)]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return doc, nil
}

// GetVBucketState implements KVStore.
func (s *MemoryKVStore) GetVBucketState(vbid core.Vbid) (*VBucketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.vb(vbid, false)
	if v == nil || v.state == nil {
		return nil, core.ErrKeyNotFound
	}
	return v.state.Clone(), nil
}

// ScanBySeqno implements KVStore.
func (s *MemoryKVStore) ScanBySeqno(vbid core.Vbid, start, end uint64, fn ScanFn) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.vb(vbid, false)
	if v == nil {
		return nil
	}
	v.bySeqno.Range(func(seqno uint64, doc *Document) bool {
		if seqno < start {
			return true
		}
		if seqno > end {
			return false
		}
		if v.isLive(doc) && !fn(doc) {
			return false
		}
		return true
	})
	return nil
}

// Compact implements KVStore. Prepared-space records are exempt from
// expiry: a SyncDelete prepare reuses the expiry field as its deletion
// time.
func (s *MemoryKVStore) Compact(vbid core.Vbid, cfg CompactionConfig, cb CompactionCallbacks) (CompactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vb(vbid, false)
	if v == nil {
		return CompactionResult{}, nil
	}
	var res CompactionResult
	for key, doc := range v.docs {
		if DiskDocKey(key).IsPrepared() {
			continue
		}
		if doc.Deleted {
			if doc.BySeqno < cfg.PurgeBeforeSeqno {
				delete(v.docs, key)
				res.PurgedCount++
				if doc.BySeqno > res.PurgeSeqno {
					res.PurgeSeqno = doc.BySeqno
				}
				if cb.OnPurged != nil {
					cb.OnPurged(doc.Key)
				}
			}
			continue
		}
		if doc.Expiry != 0 && doc.Expiry <= cfg.Now {
			res.ExpiredCount++
			if cb.OnExpired != nil {
				cb.OnExpired(doc)
			}
		}
	}
	if v.state != nil && res.PurgeSeqno > v.state.PurgeSeqno {
		v.state.PurgeSeqno = res.PurgeSeqno
	}
	return res, nil
}

// Rollback implements KVStore.
func (s *MemoryKVStore) Rollback(vbid core.Vbid, target uint64) (RollbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vb(vbid, false)
	if v == nil {
		return RollbackResult{Success: true}, nil
	}
	if target == 0 {
		s.vbuckets[vbid] = newMemoryVBucket()
		return RollbackResult{Success: false}, nil
	}
	rebuilt := newMemoryVBucket()
	v.bySeqno.Range(func(seqno uint64, doc *Document) bool {
		if seqno > target {
			return true
		}
		cur, ok := rebuilt.docs[string(doc.Key)]
		if !ok || doc.BySeqno > cur.BySeqno {
			rebuilt.docs[string(doc.Key)] = doc
		}
		rebuilt.bySeqno.Insert(seqno, doc)
		return true
	})
	rebuilt.state = v.state
	if rebuilt.state != nil {
		rebuilt.state.HighSeqno = target
	}
	s.vbuckets[vbid] = rebuilt
	return RollbackResult{Success: true, HighSeqno: target}, nil
}

// DeleteVBucket implements KVStore.
func (s *MemoryKVStore) DeleteVBucket(vbid core.Vbid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vbuckets, vbid)
	return nil
}

// ListVBuckets implements KVStore.
func (s *MemoryKVStore) ListVBuckets() []core.Vbid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Vbid, 0, len(s.vbuckets))
	for vbid, v := range s.vbuckets {
		if v.state != nil {
			out = append(out, vbid)
		}
	}
	return out
}

// Close implements KVStore.
func (s *MemoryKVStore) Close() error { return nil }
