package vbucket

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/INLOpen/epbucket/core"
)

// StoredValue is the in-memory resident form of a document in one of the
// two key spaces of a vBucket.
type StoredValue struct {
	Key      core.DocKey
	Value    []byte
	Datatype core.Datatype
	Flags    uint32
	Expiry   uint32
	Cas      uint64
	BySeqno  uint64
	RevSeqno uint64
	Deleted  bool
	State    core.CommittedState

	lockedUntil time.Time
}

// IsLocked reports whether a GetAndLock holds the value at the given time.
func (sv *StoredValue) IsLocked(now time.Time) bool {
	return !sv.lockedUntil.IsZero() && now.Before(sv.lockedUntil)
}

// IsExpired reports whether the value's TTL has passed.
func (sv *StoredValue) IsExpired(now time.Time) bool {
	return sv.Expiry != 0 && uint32(now.Unix()) >= sv.Expiry
}

func (sv *StoredValue) clone() *StoredValue {
	c := *sv
	return &c
}

const numStripes = 64

type hashStripe struct {
	mu        sync.RWMutex
	committed map[string]*StoredValue
	prepared  map[string]*StoredValue
}

// HashTable is the striped key → StoredValue map of a vBucket, holding the
// committed and prepared key spaces side by side. Stripe locks are held
// only for the duration of one access and never across checkpoint appends
// or I/O.
type HashTable struct {
	stripes [numStripes]hashStripe
}

// NewHashTable creates an empty table.
func NewHashTable() *HashTable {
	ht := &HashTable{}
	for i := range ht.stripes {
		ht.stripes[i].committed = make(map[string]*StoredValue)
		ht.stripes[i].prepared = make(map[string]*StoredValue)
	}
	return ht
}

func (ht *HashTable) stripe(key core.DocKey) *hashStripe {
	h := fnv.New32a()
	h.Write(key.Encode())
	return &ht.stripes[h.Sum32()%numStripes]
}

// GetCommitted returns a copy of the committed-space value.
func (ht *HashTable) GetCommitted(key core.DocKey) (*StoredValue, bool) {
	s := ht.stripe(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sv, ok := s.committed[key.HashKey()]
	if !ok {
		return nil, false
	}
	return sv.clone(), true
}

// GetPrepared returns a copy of the prepared-space value.
func (ht *HashTable) GetPrepared(key core.DocKey) (*StoredValue, bool) {
	s := ht.stripe(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sv, ok := s.prepared[key.HashKey()]
	if !ok {
		return nil, false
	}
	return sv.clone(), true
}

// SetCommitted installs the value in the committed space.
func (ht *HashTable) SetCommitted(sv *StoredValue) {
	s := ht.stripe(sv.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[sv.Key.HashKey()] = sv
}

// SetPrepared installs the value in the prepared space.
func (ht *HashTable) SetPrepared(sv *StoredValue) {
	s := ht.stripe(sv.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared[sv.Key.HashKey()] = sv
}

// DeleteCommitted removes the committed-space entry.
func (ht *HashTable) DeleteCommitted(key core.DocKey) bool {
	s := ht.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.committed[key.HashKey()]
	delete(s.committed, key.HashKey())
	return ok
}

// DeletePrepared removes the prepared-space entry.
func (ht *HashTable) DeletePrepared(key core.DocKey) bool {
	s := ht.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.prepared[key.HashKey()]
	delete(s.prepared, key.HashKey())
	return ok
}

// MutateCommitted runs fn on the live committed-space entry (nil if absent)
// under the stripe lock. fn returns the replacement value, or nil to
// delete; returning an error leaves the entry untouched.
func (ht *HashTable) MutateCommitted(key core.DocKey, fn func(existing *StoredValue) (*StoredValue, error)) error {
	s := ht.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	hk := key.HashKey()
	next, err := fn(s.committed[hk])
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.committed, hk)
	} else {
		s.committed[hk] = next
	}
	return nil
}

// ForEachCommitted visits a snapshot of every committed-space value.
// Stripe locks are released between stripes.
func (ht *HashTable) ForEachCommitted(fn func(sv *StoredValue) bool) {
	for i := range ht.stripes {
		s := &ht.stripes[i]
		s.mu.RLock()
		values := make([]*StoredValue, 0, len(s.committed))
		for _, sv := range s.committed {
			values = append(values, sv.clone())
		}
		s.mu.RUnlock()
		for _, sv := range values {
			if !fn(sv) {
				return
			}
		}
	}
}

// NumCommitted counts live (non-deleted) committed-space entries.
func (ht *HashTable) NumCommitted() int {
	n := 0
	for i := range ht.stripes {
		s := &ht.stripes[i]
		s.mu.RLock()
		for _, sv := range s.committed {
			if !sv.Deleted {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// NumPrepared counts prepared-space entries.
func (ht *HashTable) NumPrepared() int {
	n := 0
	for i := range ht.stripes {
		s := &ht.stripes[i]
		s.mu.RLock()
		n += len(s.prepared)
		s.mu.RUnlock()
	}
	return n
}
