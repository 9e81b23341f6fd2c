package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CollectionID scopes a key to a collection. IDs 0 and 1 are reserved.
type CollectionID uint32

const (
	CollectionDefault CollectionID = 0
	CollectionSystem  CollectionID = 1
)

// DocKey is a logical document key: a collection id plus the raw key bytes.
// The same DocKey can exist at most once in each of the committed and
// prepared key spaces of a vBucket.
type DocKey struct {
	Collection CollectionID
	Key        []byte
}

// NewDocKey builds a DocKey in the default collection.
func NewDocKey(key string) DocKey {
	return DocKey{Collection: CollectionDefault, Key: []byte(key)}
}

// NewCollectionDocKey builds a DocKey in the given collection.
func NewCollectionDocKey(cid CollectionID, key string) DocKey {
	return DocKey{Collection: cid, Key: []byte(key)}
}

// Encode renders the key in its storage form: an unsigned varint collection
// prefix followed by the raw key bytes.
func (k DocKey) Encode() []byte {
	buf := make([]byte, binary.MaxVarintLen32+len(k.Key))
	n := binary.PutUvarint(buf, uint64(k.Collection))
	n += copy(buf[n:], k.Key)
	return buf[:n]
}

// DecodeDocKey parses a collection-prefixed key produced by Encode.
func DecodeDocKey(data []byte) (DocKey, error) {
	cid, n := binary.Uvarint(data)
	if n <= 0 {
		return DocKey{}, fmt.Errorf("invalid collection prefix in key")
	}
	key := make([]byte, len(data)-n)
	copy(key, data[n:])
	return DocKey{Collection: CollectionID(cid), Key: key}, nil
}

// Equal reports whether two DocKeys identify the same document.
func (k DocKey) Equal(o DocKey) bool {
	return k.Collection == o.Collection && bytes.Equal(k.Key, o.Key)
}

// HashKey returns the map key form, usable as a Go map key.
func (k DocKey) HashKey() string {
	return string(k.Encode())
}

func (k DocKey) String() string {
	if k.Collection == CollectionDefault {
		return string(k.Key)
	}
	return fmt.Sprintf("cid:%d:%s", k.Collection, k.Key)
}

// Size returns the in-memory footprint attributed to the key.
func (k DocKey) Size() int64 {
	return int64(len(k.Key)) + 4
}
