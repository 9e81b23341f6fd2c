package core

import "fmt"

// SnapshotRange is the [start, end] seqno span covered by a checkpoint or a
// replication snapshot marker.
type SnapshotRange struct {
	Start uint64
	End   uint64
}

func (r SnapshotRange) String() string {
	return fmt.Sprintf("{%d,%d}", r.Start, r.End)
}

// Contains reports whether seqno falls inside the range.
func (r SnapshotRange) Contains(seqno uint64) bool {
	return seqno >= r.Start && seqno <= r.End
}
