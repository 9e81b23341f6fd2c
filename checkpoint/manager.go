package checkpoint

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/epbucket/core"
)

// DestroyerQueue receives detached checkpoints for asynchronous freeing.
type DestroyerQueue interface {
	QueueForDestruction(list []*Checkpoint)
}

// Options configures a Manager.
type Options struct {
	Vbid core.Vbid

	// MaxItemsPerCheckpoint closes the open checkpoint when an item is
	// queued while it already holds this many items.
	MaxItemsPerCheckpoint int

	// InitialHighSeqno seeds seqno generation after warmup.
	InitialHighSeqno uint64

	// InitialCheckpointID seeds checkpoint ids after warmup.
	InitialCheckpointID uint64

	// EagerRemoval removes a closed checkpoint synchronously as soon as the
	// last cursor steps out of it. Otherwise removal waits for the
	// background remover.
	EagerRemoval bool

	// Destroyer, when set, takes ownership of detached checkpoints.
	Destroyer DestroyerQueue

	Logger *slog.Logger
}

const defaultMaxItemsPerCheckpoint = 10000

// RemovalResult reports what RemoveClosedUnrefCheckpoints reclaimed.
type RemovalResult struct {
	Count  int
	Memory int64
}

// ExpelResult reports what ExpelUnreferencedCheckpointItems reclaimed.
type ExpelResult struct {
	Count  int
	Memory int64
}

// Manager owns the ordered checkpoint list of one vBucket: exactly one open
// checkpoint at the tail, zero or more closed ones before it, plus the
// cursor registry. Seqno assignment and checkpoint append happen atomically
// under the manager lock.
type Manager struct {
	mu   sync.Mutex
	vbid core.Vbid

	checkpoints []*Checkpoint
	cursors     map[string]*Cursor

	nextSeqno    uint64
	nextCkptID   uint64
	maxItems     int
	eagerRemoval bool

	// highCompletedSeqno mirrors the vBucket HCS; captured into checkpoints
	// as they close.
	highCompletedSeqno uint64

	destroyer DestroyerQueue
	logger    *slog.Logger
}

// NewManager creates a manager with one empty open checkpoint and the
// persistence cursor registered at its start.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	maxItems := opts.MaxItemsPerCheckpoint
	if maxItems <= 0 {
		maxItems = defaultMaxItemsPerCheckpoint
	}
	ckptID := opts.InitialCheckpointID
	if ckptID == 0 {
		ckptID = 1
	}
	m := &Manager{
		vbid:         opts.Vbid,
		cursors:      make(map[string]*Cursor),
		nextSeqno:    opts.InitialHighSeqno + 1,
		nextCkptID:   ckptID,
		maxItems:     maxItems,
		eagerRemoval: opts.EagerRemoval,
		destroyer:    opts.Destroyer,
		logger:       opts.Logger.With("component", "CheckpointManager", "vb", opts.Vbid),
	}
	snap := core.SnapshotRange{Start: opts.InitialHighSeqno + 1, End: opts.InitialHighSeqno}
	m.checkpoints = []*Checkpoint{newCheckpoint(m.vbid, m.nextCkptID, TypeMemory, snap, opts.InitialHighSeqno)}
	m.nextCkptID++

	pc := &Cursor{name: PersistenceCursorName, ckpt: m.open(), pos: -1}
	pc.ckpt.numCursors++
	m.cursors[PersistenceCursorName] = pc
	return m
}

func (m *Manager) open() *Checkpoint {
	return m.checkpoints[len(m.checkpoints)-1]
}

// HighSeqno returns the seqno of the last queued item.
func (m *Manager) HighSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeqno - 1
}

// OpenCheckpointID returns the id of the open checkpoint.
func (m *Manager) OpenCheckpointID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open().id
}

// NumCheckpoints returns the current length of the checkpoint list.
func (m *Manager) NumCheckpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

// MemUsage returns the estimated memory held by all checkpoints.
func (m *Manager) MemUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, c := range m.checkpoints {
		total += c.memUsage
	}
	return total
}

// UpdateHighCompletedSeqno records the vBucket's HCS so it can be captured
// into checkpoints as they close.
func (m *Manager) UpdateHighCompletedSeqno(seqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seqno > m.highCompletedSeqno {
		m.highCompletedSeqno = seqno
	}
}

// Queue appends the item to the open checkpoint, assigning the next seqno.
// It returns the assigned seqno. Queueing rules may first close the open
// checkpoint and start a new one.
func (m *Manager) Queue(qi *core.QueuedItem) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	qi.BySeqno = m.nextSeqno
	m.nextSeqno++
	m.queueLocked(qi)
	return qi.BySeqno
}

// QueueWithSeqno appends an item whose seqno was assigned remotely (the DCP
// replica path). Seqnos must arrive in increasing order.
func (m *Manager) QueueWithSeqno(qi *core.QueuedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qi.BySeqno < m.nextSeqno {
		return fmt.Errorf("%w: seqno %d regresses below %d", core.ErrInvalidArguments, qi.BySeqno, m.nextSeqno)
	}
	m.nextSeqno = qi.BySeqno + 1
	m.queueLocked(qi)
	return nil
}

// QueueSetVBucketState appends a SetVBucketState meta item so that cursors
// observe the transition in-order. Meta items do not consume a seqno.
func (m *Manager) QueueSetVBucketState(state core.VBState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qi := &core.QueuedItem{
		Key:      core.NewDocKey(fmt.Sprintf("set_vbucket_state:%s", state)),
		Op:       core.OpSetVBucketState,
		NewState: state,
		BySeqno:  m.nextSeqno - 1,
	}
	m.open().appendItem(qi)
}

func (m *Manager) queueLocked(qi *core.QueuedItem) {
	open := m.open()

	switch {
	case qi.Op == core.OpCommitSyncWrite || qi.Op == core.OpAbortSyncWrite:
		// A commit or abort never shares a checkpoint with items queued
		// before it; in particular not with its own prepare.
		if open.numItems > 0 {
			open = m.addNewOpenCheckpoint(TypeMemory)
		}
	case qi.Op == core.OpPendingSyncWrite:
		// A prepare never dedups against, or coexists with, an earlier
		// entry for the same key in the open checkpoint.
		_, inCommitted := open.keyIndex[indexKey(qi.Key, false)]
		_, inPrepared := open.keyIndex[indexKey(qi.Key, true)]
		if inCommitted || inPrepared {
			open = m.addNewOpenCheckpoint(TypeMemory)
		}
	default:
		// Committed-space mutations dedup within the open checkpoint,
		// keeping the latest. No dedup against a CommitSyncWrite, and none
		// once a cursor has consumed the earlier entry.
		if pos, ok := open.keyIndex[indexKey(qi.Key, false)]; ok {
			existing := open.itemAt(pos)
			if (existing != nil && existing.Op.IsDurabilityOp()) || m.anyCursorAtOrBeyond(open, pos) {
				open = m.addNewOpenCheckpoint(TypeMemory)
			} else {
				open.dedupAt(pos)
			}
		}
	}

	if open.numItems >= m.maxItems {
		open = m.addNewOpenCheckpoint(TypeMemory)
	}

	pos := open.appendItem(qi)
	if !qi.Op.IsMeta() && open.keyIndex != nil {
		open.keyIndex[indexKey(qi.Key, qi.State.IsPrepareNamespace())] = pos
	}
	if qi.BySeqno > open.snap.End {
		open.snap.End = qi.BySeqno
	}
}

// anyCursorAtOrBeyond reports whether a cursor inside ckpt has already
// consumed the item at absolute position pos.
func (m *Manager) anyCursorAtOrBeyond(ckpt *Checkpoint, pos int) bool {
	for _, c := range m.cursors {
		if c.ckpt == ckpt && c.pos >= pos {
			return true
		}
	}
	return false
}

// addNewOpenCheckpoint closes the open checkpoint and starts a new one of
// the given type.
func (m *Manager) addNewOpenCheckpoint(ctype Type) *Checkpoint {
	return m.addNewOpenCheckpointWithSnap(ctype, core.SnapshotRange{Start: m.nextSeqno, End: m.nextSeqno - 1})
}

func (m *Manager) addNewOpenCheckpointWithSnap(ctype Type, snap core.SnapshotRange) *Checkpoint {
	high := m.nextSeqno - 1
	m.open().close(high, m.highCompletedSeqno)
	c := newCheckpoint(m.vbid, m.nextCkptID, ctype, snap, high)
	m.nextCkptID++
	m.checkpoints = append(m.checkpoints, c)
	return c
}

// ApplySnapshotMarker starts a new checkpoint covering the announced
// replication snapshot. Items queued afterwards via QueueWithSeqno belong
// to it.
func (m *Manager) ApplySnapshotMarker(snap core.SnapshotRange, ctype Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := m.open()
	if open.numItems == 0 && open.state == StateOpen {
		// Empty open checkpoint: retarget it instead of rotating.
		open.ctype = ctype
		open.snap = snap
		return
	}
	m.addNewOpenCheckpointWithSnap(ctype, snap)
}

// RegisterCursor adds a named cursor at the oldest available position.
// Non-droppable cursors survive memory pressure.
func (m *Manager) RegisterCursor(name string, droppable bool) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cursors[name]; exists {
		return nil, fmt.Errorf("%w: cursor %q already registered", core.ErrKeyExists, name)
	}
	oldest := m.checkpoints[0]
	c := &Cursor{name: name, ckpt: oldest, pos: oldest.baseOffset - 1, droppable: droppable}
	oldest.numCursors++
	m.cursors[name] = c
	return c, nil
}

// RemoveCursor unregisters a cursor. The persistence cursor cannot be
// removed.
func (m *Manager) RemoveCursor(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeCursorLocked(name, false)
}

func (m *Manager) removeCursorLocked(name string, dropped bool) error {
	if name == PersistenceCursorName {
		return fmt.Errorf("%w: persistence cursor cannot be removed", core.ErrInvalidArguments)
	}
	c, ok := m.cursors[name]
	if !ok {
		return fmt.Errorf("%w: cursor %q", core.ErrKeyNotFound, name)
	}
	c.ckpt.numCursors--
	c.dropped = dropped
	delete(m.cursors, name)
	if m.eagerRemoval {
		m.eagerRemoveLocked()
	}
	return nil
}

// Cursor returns the registered cursor with the given name.
func (m *Manager) Cursor(name string) (*Cursor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	return c, ok
}

// Next returns the next queued item for the cursor, stepping across closed
// checkpoint boundaries as needed. ok is false when the cursor has drained
// the open checkpoint.
func (m *Manager) Next(c *Cursor) (*core.QueuedItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked(c)
}

func (m *Manager) nextLocked(c *Cursor) (*core.QueuedItem, bool) {
	for {
		ckpt := c.ckpt
		pos := c.pos + 1
		if pos < ckpt.baseOffset {
			pos = ckpt.baseOffset
		}
		for ; pos < ckpt.endPos(); pos++ {
			if qi := ckpt.itemAt(pos); qi != nil {
				c.pos = pos
				return qi, true
			}
		}
		if ckpt.state == StateOpen {
			c.pos = ckpt.endPos() - 1
			return nil, false
		}
		// Step into the next checkpoint.
		next := m.checkpointAfter(ckpt)
		if next == nil {
			// Closed tail checkpoint can only happen transiently; treat as
			// drained.
			return nil, false
		}
		ckpt.numCursors--
		c.ckpt = next
		c.pos = next.baseOffset - 1
		next.numCursors++
		if m.eagerRemoval {
			m.eagerRemoveLocked()
		}
	}
}

func (m *Manager) checkpointAfter(c *Checkpoint) *Checkpoint {
	for i, ckpt := range m.checkpoints {
		if ckpt == c {
			if i+1 < len(m.checkpoints) {
				return m.checkpoints[i+1]
			}
			return nil
		}
	}
	return nil
}

// CursorCheckpointID returns the id of the checkpoint the cursor is in.
func (m *Manager) CursorCheckpointID(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return 0, fmt.Errorf("%w: cursor %q", core.ErrKeyNotFound, name)
	}
	return c.ckpt.id, nil
}

// ItemsForCursor extracts up to limit items for the cursor, advancing it.
// Memory checkpoints are never split: once limit is reached the extraction
// continues to the checkpoint boundary. Disk checkpoints may be split
// across batches. hasMore reports whether items remain after extraction.
func (m *Manager) ItemsForCursor(name string, limit int) (items []*core.QueuedItem, hasMore bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: cursor %q", core.ErrKeyNotFound, name)
	}
	for {
		qi, ok := m.nextLocked(c)
		if !ok {
			return items, false, nil
		}
		items = append(items, qi)
		if len(items) >= limit {
			// Disk checkpoints may be split mid-checkpoint; memory
			// checkpoints only at a checkpoint boundary.
			if c.ckpt.ctype.IsDisk() || qi.Op == core.OpCheckpointEnd {
				return items, m.remainingLocked(c) > 0, nil
			}
		}
	}
}

// NumItemsForCursor counts the live items the cursor has not yet consumed.
func (m *Manager) NumItemsForCursor(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return 0
	}
	return m.remainingLocked(c)
}

func (m *Manager) remainingLocked(c *Cursor) int {
	total := 0
	counting := false
	for _, ckpt := range m.checkpoints {
		if ckpt == c.ckpt {
			counting = true
			for pos := c.pos + 1; pos < ckpt.endPos(); pos++ {
				if qi := ckpt.itemAt(pos); qi != nil && !qi.Op.IsMeta() {
					total++
				}
			}
			continue
		}
		if counting {
			total += ckpt.numItems
		}
	}
	return total
}

// RemoveClosedUnrefCheckpoints unlinks closed checkpoints with no cursors
// from the front of the list and hands them to the destroyer.
func (m *Manager) RemoveClosedUnrefCheckpoints() RemovalResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeClosedUnrefLocked()
}

func (m *Manager) removeClosedUnrefLocked() RemovalResult {
	var detached []*Checkpoint
	var res RemovalResult
	for len(m.checkpoints) > 1 {
		front := m.checkpoints[0]
		if front.state != StateClosed || front.numCursors > 0 {
			break
		}
		m.checkpoints = m.checkpoints[1:]
		res.Count++
		res.Memory += front.memUsage
		detached = append(detached, front)
	}
	if len(detached) > 0 {
		if m.destroyer != nil {
			m.destroyer.QueueForDestruction(detached)
		}
		m.logger.Debug("removed closed unreferenced checkpoints",
			"count", res.Count, "memory", res.Memory)
	}
	return res
}

func (m *Manager) eagerRemoveLocked() {
	m.removeClosedUnrefLocked()
}

// ExpelUnreferencedCheckpointItems removes items below every cursor from
// closed checkpoints, preserving the checkpoint skeletons.
func (m *Manager) ExpelUnreferencedCheckpointItems() ExpelResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res ExpelResult
	for _, ckpt := range m.checkpoints {
		if ckpt.numCursors == 0 {
			continue
		}
		// Only the oldest checkpoint holding a cursor can have items below
		// every cursor: cursors in it have consumed nothing further on.
		if ckpt.state != StateClosed {
			break
		}
		low := -1
		for _, c := range m.cursors {
			if c.ckpt != ckpt {
				continue
			}
			if low == -1 || c.pos < low {
				low = c.pos
			}
		}
		if low >= ckpt.baseOffset {
			count, mem := ckpt.expelUpTo(low)
			res.Count += count
			res.Memory += mem
		}
		break
	}
	if res.Count > 0 {
		m.logger.Debug("expelled checkpoint items", "count", res.Count, "memory", res.Memory)
	}
	return res
}

// DropSlowestCursor removes the droppable cursor with the most unconsumed
// items. Its consumer must fall back to a disk backfill.
func (m *Manager) DropSlowestCursor() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var worst *Cursor
	worstLag := -1
	for _, c := range m.cursors {
		if !c.droppable {
			continue
		}
		lag := m.remainingLocked(c)
		if lag > worstLag {
			worst, worstLag = c, lag
		}
	}
	if worst == nil {
		return "", false
	}
	if err := m.removeCursorLocked(worst.name, true); err != nil {
		return "", false
	}
	m.logger.Info("dropped slow cursor", "cursor", worst.name, "lag", worstLag)
	return worst.name, true
}
