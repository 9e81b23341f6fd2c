// Package checkpoint implements the per-vBucket ordered in-memory log of
// mutations: Checkpoints, the CheckpointManager that owns them, consumer
// cursors, and the memory reclamation machinery (item expelling, closed
// checkpoint removal, deferred destruction).
package checkpoint

import (
	"fmt"

	"github.com/INLOpen/epbucket/core"
)

// Type classifies the origin of a checkpoint's snapshot.
type Type uint8

const (
	// TypeMemory is a checkpoint of locally generated mutations.
	TypeMemory Type = iota
	// TypeDisk is a checkpoint received from a replica backfill snapshot.
	TypeDisk
	// TypeInitialDisk is the first disk checkpoint of a backfill.
	TypeInitialDisk
)

// IsDisk reports whether the checkpoint carries a disk snapshot.
func (t Type) IsDisk() bool { return t == TypeDisk || t == TypeInitialDisk }

func (t Type) String() string {
	switch t {
	case TypeMemory:
		return "memory"
	case TypeDisk:
		return "disk"
	case TypeInitialDisk:
		return "initial_disk"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// State is the lifecycle state of a checkpoint. A manager has exactly one
// open checkpoint, at the tail of its list.
type State uint8

const (
	StateOpen State = iota
	StateClosed
)

const (
	keySpaceCommitted = 'c'
	keySpacePrepared  = 'p'
)

// indexKey discriminates the two key spaces inside the per-checkpoint key
// index.
func indexKey(key core.DocKey, prepared bool) string {
	space := byte(keySpaceCommitted)
	if prepared {
		space = keySpacePrepared
	}
	return string(space) + key.HashKey()
}

// Checkpoint is an ordered run of queued items covering one snapshot range.
// Items are addressed by absolute position: the item at items[i] has
// position baseOffset+i. Expelling advances baseOffset; deduplication
// leaves nil holes that readers skip. Mutation of a checkpoint is always
// mediated by its Manager, under the manager lock.
type Checkpoint struct {
	id    uint64
	vbid  core.Vbid
	ctype Type
	state State
	snap  core.SnapshotRange

	items      []*core.QueuedItem
	baseOffset int

	// keyIndex maps key-space-discriminated keys to absolute positions for
	// open-checkpoint deduplication. Cleared on close.
	keyIndex map[string]int

	numItems     int // non-meta, non-hole items currently held
	numMetaItems int
	memUsage     int64

	numCursors int

	// highCompletedSeqno is captured from the vBucket when the checkpoint
	// closes.
	highCompletedSeqno uint64
}

func newCheckpoint(vbid core.Vbid, id uint64, ctype Type, snap core.SnapshotRange, highSeqno uint64) *Checkpoint {
	c := &Checkpoint{
		id:       id,
		vbid:     vbid,
		ctype:    ctype,
		state:    StateOpen,
		snap:     snap,
		keyIndex: make(map[string]int),
	}
	start := &core.QueuedItem{
		Key:     core.NewDocKey(fmt.Sprintf("checkpoint_start:%d", id)),
		Op:      core.OpCheckpointStart,
		BySeqno: highSeqno,
	}
	c.appendItem(start)
	return c
}

// ID returns the checkpoint's id, monotonic per vBucket.
func (c *Checkpoint) ID() uint64 { return c.id }

// Type returns the checkpoint's snapshot type.
func (c *Checkpoint) Type() Type { return c.ctype }

// State returns Open or Closed.
func (c *Checkpoint) State() State { return c.state }

// Snapshot returns the seqno range the checkpoint covers.
func (c *Checkpoint) Snapshot() core.SnapshotRange { return c.snap }

// NumItems returns the number of live, non-meta items.
func (c *Checkpoint) NumItems() int { return c.numItems }

// NumCursors returns the number of cursors currently inside the checkpoint.
func (c *Checkpoint) NumCursors() int { return c.numCursors }

// MemUsage returns the estimated memory held by the checkpoint's items.
func (c *Checkpoint) MemUsage() int64 { return c.memUsage }

// HighCompletedSeqno returns the vBucket HCS captured at close time, 0
// while the checkpoint is still open.
func (c *Checkpoint) HighCompletedSeqno() uint64 { return c.highCompletedSeqno }

// endPos is the absolute position one past the last item.
func (c *Checkpoint) endPos() int {
	return c.baseOffset + len(c.items)
}

func (c *Checkpoint) appendItem(qi *core.QueuedItem) int {
	pos := c.endPos()
	c.items = append(c.items, qi)
	c.memUsage += qi.Size()
	if qi.Op.IsMeta() {
		c.numMetaItems++
	} else {
		c.numItems++
	}
	return pos
}

// itemAt returns the item at absolute position pos, nil for holes or
// out-of-range positions.
func (c *Checkpoint) itemAt(pos int) *core.QueuedItem {
	i := pos - c.baseOffset
	if i < 0 || i >= len(c.items) {
		return nil
	}
	return c.items[i]
}

// dedupAt knocks out the item at absolute position pos, leaving a hole.
func (c *Checkpoint) dedupAt(pos int) {
	i := pos - c.baseOffset
	old := c.items[i]
	c.items[i] = nil
	c.memUsage -= old.Size()
	c.numItems--
}

// close seals the checkpoint: appends the CheckpointEnd meta item, records
// the high completed seqno and drops the key index.
func (c *Checkpoint) close(highSeqno, highCompletedSeqno uint64) {
	end := &core.QueuedItem{
		Key:     core.NewDocKey(fmt.Sprintf("checkpoint_end:%d", c.id)),
		Op:      core.OpCheckpointEnd,
		BySeqno: highSeqno,
	}
	c.appendItem(end)
	c.state = StateClosed
	c.highCompletedSeqno = highCompletedSeqno
	c.keyIndex = nil
}

// expelUpTo removes the prefix of items up to and including absolute
// position limit, returning the number of live items removed and the memory
// recovered. Caller guarantees no cursor sits below limit.
func (c *Checkpoint) expelUpTo(limit int) (count int, mem int64) {
	if limit >= c.endPos() {
		limit = c.endPos() - 1
	}
	cut := limit - c.baseOffset + 1
	if cut <= 0 {
		return 0, 0
	}
	for _, qi := range c.items[:cut] {
		if qi == nil {
			continue
		}
		c.memUsage -= qi.Size()
		if qi.Op.IsMeta() {
			c.numMetaItems--
		} else {
			c.numItems--
			count++
		}
		mem += qi.Size()
	}
	c.items = c.items[cut:]
	c.baseOffset += cut
	return count, mem
}
