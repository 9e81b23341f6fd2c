package kvstore

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/epbucket/core"
)

// Key-space discriminator bytes. Committed sorts before prepared so the two
// key spaces interleave deterministically in ordered scans.
const (
	nsCommitted byte = 0x00
	nsPrepared  byte = 0x01
)

// DiskDocKey is the on-disk key form: a key-space discriminator byte
// followed by the collection-prefixed document key. The discriminator lets
// the committed and prepared entries for the same logical key coexist.
type DiskDocKey []byte

// MakeDiskDocKey encodes a DocKey into its disk form.
func MakeDiskDocKey(key core.DocKey, prepared bool) DiskDocKey {
	ns := nsCommitted
	if prepared {
		ns = nsPrepared
	}
	encoded := key.Encode()
	out := make([]byte, 1+len(encoded))
	out[0] = ns
	copy(out[1:], encoded)
	return out
}

// IsPrepared reports whether the key addresses the prepared key space.
func (k DiskDocKey) IsPrepared() bool {
	return len(k) > 0 && k[0] == nsPrepared
}

// IsCommitted reports whether the key addresses the committed key space.
func (k DiskDocKey) IsCommitted() bool {
	return len(k) > 0 && k[0] == nsCommitted
}

// DocKey strips the discriminator and decodes the logical key.
func (k DiskDocKey) DocKey() (core.DocKey, error) {
	if len(k) < 2 {
		return core.DocKey{}, fmt.Errorf("disk key too short (len %d)", len(k))
	}
	return core.DecodeDocKey(k[1:])
}

// Equal compares two disk keys bytewise.
func (k DiskDocKey) Equal(o DiskDocKey) bool {
	return bytes.Equal(k, o)
}

// Compare orders disk keys bytewise: committed space first, then prepared.
func (k DiskDocKey) Compare(o DiskDocKey) int {
	return bytes.Compare(k, o)
}

func (k DiskDocKey) String() string {
	dk, err := k.DocKey()
	if err != nil {
		return fmt.Sprintf("invalid:%x", []byte(k))
	}
	if k.IsPrepared() {
		return "pre:" + dk.String()
	}
	return dk.String()
}
