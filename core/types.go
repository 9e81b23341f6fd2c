package core

import "fmt"

// Vbid identifies a vBucket, the unit of sharding, replication and
// durability. The keyspace of a bucket is statically partitioned across
// vBuckets by key hash.
type Vbid uint16

func (v Vbid) String() string {
	return fmt.Sprintf("vb:%d", uint16(v))
}

// VBState is the replication state of a vBucket.
type VBState uint8

const (
	VBActive VBState = iota
	VBReplica
	VBPending
	VBDead
)

func (s VBState) String() string {
	switch s {
	case VBActive:
		return "active"
	case VBReplica:
		return "replica"
	case VBPending:
		return "pending"
	case VBDead:
		return "dead"
	}
	return "unknown"
}

// ParseVBState converts the wire/disk string form back to a VBState.
func ParseVBState(s string) (VBState, error) {
	switch s {
	case "active":
		return VBActive, nil
	case "replica":
		return VBReplica, nil
	case "pending":
		return VBPending, nil
	case "dead":
		return VBDead, nil
	}
	return VBDead, fmt.Errorf("unknown vbucket state %q", s)
}

// Datatype is a bitmask describing the encoding of a stored value.
type Datatype uint8

const (
	DatatypeRaw    Datatype = 0x00
	DatatypeJSON   Datatype = 0x01
	DatatypeSnappy Datatype = 0x02
	DatatypeXattr  Datatype = 0x04
)

// IsSnappy reports whether the value bytes are snappy block-compressed.
func (d Datatype) IsSnappy() bool { return d&DatatypeSnappy != 0 }

// IsXattr reports whether the value carries extended attributes.
func (d Datatype) IsXattr() bool { return d&DatatypeXattr != 0 }

// IsJSON reports whether the (decompressed) value is JSON.
func (d Datatype) IsJSON() bool { return d&DatatypeJSON != 0 }
