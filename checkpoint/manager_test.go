package checkpoint

import (
	"fmt"
	"testing"

	"github.com/INLOpen/epbucket/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutation(key, value string) *core.QueuedItem {
	return &core.QueuedItem{
		Key:   core.NewDocKey(key),
		Value: []byte(value),
		Op:    core.OpMutation,
		State: core.CommittedViaMutation,
	}
}

func prepare(key, value string) *core.QueuedItem {
	return &core.QueuedItem{
		Key:        core.NewDocKey(key),
		Value:      []byte(value),
		Op:         core.OpPendingSyncWrite,
		State:      core.Pending,
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
	}
}

func commit(key, value string, prepareSeqno uint64) *core.QueuedItem {
	return &core.QueuedItem{
		Key:          core.NewDocKey(key),
		Value:        []byte(value),
		Op:           core.OpCommitSyncWrite,
		State:        core.CommittedViaPrepare,
		PrepareSeqno: prepareSeqno,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Options{Vbid: 0})
}

// drain pulls every available non-meta item for the cursor.
func drain(t *testing.T, m *Manager, name string) []*core.QueuedItem {
	t.Helper()
	c, ok := m.Cursor(name)
	require.True(t, ok)
	var out []*core.QueuedItem
	for {
		qi, ok := m.Next(c)
		if !ok {
			return out
		}
		if !qi.Op.IsMeta() {
			out = append(out, qi)
		}
	}
}

func TestManager_SeqnoAssignmentIsMonotonicFromOne(t *testing.T) {
	m := newTestManager(t)
	for i := 1; i <= 5; i++ {
		seqno := m.Queue(mutation(fmt.Sprintf("k%d", i), "v"))
		assert.Equal(t, uint64(i), seqno)
	}
	assert.Equal(t, uint64(5), m.HighSeqno())
}

func TestManager_DedupKeepsLatestMutation(t *testing.T) {
	m := newTestManager(t)

	m.Queue(mutation("a", "1"))
	m.Queue(mutation("a", "2"))
	m.Queue(mutation("b", "1"))

	items := drain(t, m, PersistenceCursorName)
	require.Len(t, items, 2, "open checkpoint should hold 2 items after dedup")
	assert.Equal(t, "a", string(items[0].Key.Key))
	assert.Equal(t, []byte("2"), items[0].Value)
	assert.Equal(t, uint64(2), items[0].BySeqno, "surviving item keeps the newer seqno")
	assert.Equal(t, "b", string(items[1].Key.Key))
	assert.Equal(t, uint64(3), items[1].BySeqno)
}

func TestManager_PrepareAfterCommittedMutationOpensNewCheckpoint(t *testing.T) {
	m := newTestManager(t)
	m.Queue(mutation("a", "1"))
	m.Queue(mutation("a", "2"))
	m.Queue(mutation("b", "1"))
	require.Equal(t, 1, m.NumCheckpoints())

	m.Queue(prepare("a", "3"))
	assert.Equal(t, 2, m.NumCheckpoints(), "prepare for a deduped key must open a new checkpoint")
	assert.Equal(t, uint64(2), m.OpenCheckpointID())
}

func TestManager_CommitNeverSharesCheckpointWithPrepare(t *testing.T) {
	m := newTestManager(t)
	prepSeqno := m.Queue(prepare("k", "v"))
	require.Equal(t, uint64(1), prepSeqno)

	m.Queue(commit("k", "v", prepSeqno))
	assert.Equal(t, 2, m.NumCheckpoints())

	items := drain(t, m, PersistenceCursorName)
	require.Len(t, items, 2)
	assert.Equal(t, core.OpPendingSyncWrite, items[0].Op)
	assert.Equal(t, core.OpCommitSyncWrite, items[1].Op)
	assert.Equal(t, uint64(2), items[1].BySeqno)
}

func TestManager_NoDedupAcrossDurabilityOps(t *testing.T) {
	m := newTestManager(t)
	s1 := m.Queue(prepare("k", "v1"))
	m.Queue(commit("k", "v1", s1))
	s3 := m.Queue(prepare("k", "v2"))
	require.Equal(t, uint64(3), s3)

	items := drain(t, m, PersistenceCursorName)
	require.Len(t, items, 3, "prepare/commit/prepare must all survive")
}

func TestManager_MaxItemsRotatesCheckpoint(t *testing.T) {
	m := NewManager(Options{Vbid: 0, MaxItemsPerCheckpoint: 2})
	m.Queue(mutation("a", "1"))
	m.Queue(mutation("b", "1"))
	require.Equal(t, 1, m.NumCheckpoints())
	m.Queue(mutation("c", "1"))
	assert.Equal(t, 2, m.NumCheckpoints(), "third item should rotate the checkpoint")
}

func TestManager_CursorObservesMetaItemsInOrder(t *testing.T) {
	m := newTestManager(t)
	m.Queue(prepare("k", "v"))
	m.Queue(commit("k", "v", 1))

	c, ok := m.Cursor(PersistenceCursorName)
	require.True(t, ok)

	var ops []core.Operation
	for {
		qi, ok := m.Next(c)
		if !ok {
			break
		}
		ops = append(ops, qi.Op)
	}
	assert.Equal(t, []core.Operation{
		core.OpCheckpointStart,
		core.OpPendingSyncWrite,
		core.OpCheckpointEnd,
		core.OpCheckpointStart,
		core.OpCommitSyncWrite,
	}, ops)
}

func TestManager_RemovalRequiresNoCursors(t *testing.T) {
	m := newTestManager(t)
	m.Queue(prepare("k", "v"))
	m.Queue(commit("k", "v", 1)) // closes checkpoint 1

	// Persistence cursor still sits at the start of checkpoint 1.
	res := m.RemoveClosedUnrefCheckpoints()
	assert.Zero(t, res.Count, "checkpoint with a cursor must not be removed")

	drain(t, m, PersistenceCursorName) // moves the cursor into checkpoint 2

	res = m.RemoveClosedUnrefCheckpoints()
	assert.Equal(t, 1, res.Count)
	assert.Positive(t, res.Memory)
	assert.Equal(t, 1, m.NumCheckpoints())
}

func TestManager_EagerRemovalOnCursorAdvance(t *testing.T) {
	m := NewManager(Options{Vbid: 0, EagerRemoval: true})
	m.Queue(prepare("k", "v"))
	m.Queue(commit("k", "v", 1))
	require.Equal(t, 2, m.NumCheckpoints())

	drain(t, m, PersistenceCursorName)
	assert.Equal(t, 1, m.NumCheckpoints(), "eager mode removes as the cursor steps out")
}

func TestManager_ExpelBelowAllCursors(t *testing.T) {
	m := NewManager(Options{Vbid: 0, MaxItemsPerCheckpoint: 4})
	slow, err := m.RegisterCursor("stream:slow", true)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		m.Queue(mutation(fmt.Sprintf("k%d", i), "v"))
	}
	m.Queue(mutation("k4", "v")) // rotates; checkpoint 1 now closed

	// Persistence consumed everything in checkpoint 1; slow cursor read
	// only the first two items.
	drain(t, m, PersistenceCursorName)
	for i := 0; i < 3; i++ { // checkpoint_start + 2 items
		_, ok := m.Next(slow)
		require.True(t, ok)
	}

	before := m.MemUsage()
	res := m.ExpelUnreferencedCheckpointItems()
	assert.Equal(t, 2, res.Count, "only the two items both cursors passed are expellable")
	assert.Positive(t, res.Memory)
	assert.Less(t, m.MemUsage(), before)

	// Remaining items are still readable by the slow cursor.
	var keys []string
	for {
		qi, ok := m.Next(slow)
		if !ok {
			break
		}
		if !qi.Op.IsMeta() {
			keys = append(keys, string(qi.Key.Key))
		}
	}
	assert.Equal(t, []string{"k2", "k3", "k4"}, keys)
}

func TestManager_ItemsForCursorBatching(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 10; i++ {
		m.Queue(mutation(fmt.Sprintf("k%d", i), "v"))
	}
	// All ten live in the single open memory checkpoint: the no-split rule
	// means a smaller limit still drains it.
	items, hasMore, err := m.ItemsForCursor(PersistenceCursorName, 3)
	require.NoError(t, err)
	assert.False(t, hasMore)
	var n int
	for _, qi := range items {
		if !qi.Op.IsMeta() {
			n++
		}
	}
	assert.Equal(t, 10, n)
}

func TestManager_DiskCheckpointMayBeSplit(t *testing.T) {
	m := newTestManager(t)
	m.ApplySnapshotMarker(core.SnapshotRange{Start: 1, End: 6}, TypeDisk)
	for i := 1; i <= 6; i++ {
		require.NoError(t, m.QueueWithSeqno(&core.QueuedItem{
			Key:     core.NewDocKey(fmt.Sprintf("k%d", i)),
			Op:      core.OpMutation,
			State:   core.CommittedViaMutation,
			BySeqno: uint64(i),
		}))
	}
	items, hasMore, err := m.ItemsForCursor(PersistenceCursorName, 3)
	require.NoError(t, err)
	assert.True(t, hasMore, "disk checkpoint extraction may stop mid-checkpoint")
	assert.Len(t, items, 3)
}

func TestManager_ApplySnapshotMarkerRetargetsEmptyOpen(t *testing.T) {
	m := newTestManager(t)
	m.ApplySnapshotMarker(core.SnapshotRange{Start: 1, End: 10}, TypeInitialDisk)
	assert.Equal(t, 1, m.NumCheckpoints(), "empty open checkpoint is retargeted, not rotated")

	m.QueueWithSeqno(&core.QueuedItem{
		Key: core.NewDocKey("k"), Op: core.OpMutation,
		State: core.CommittedViaMutation, BySeqno: 5,
	})
	m.ApplySnapshotMarker(core.SnapshotRange{Start: 11, End: 20}, TypeDisk)
	assert.Equal(t, 2, m.NumCheckpoints(), "non-empty open checkpoint rotates on marker")
}

func TestManager_QueueWithSeqnoRejectsRegression(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.QueueWithSeqno(&core.QueuedItem{
		Key: core.NewDocKey("k"), Op: core.OpMutation,
		State: core.CommittedViaMutation, BySeqno: 5,
	}))
	err := m.QueueWithSeqno(&core.QueuedItem{
		Key: core.NewDocKey("k2"), Op: core.OpMutation,
		State: core.CommittedViaMutation, BySeqno: 4,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidArguments)
}

func TestManager_PersistenceCursorCannotBeRemoved(t *testing.T) {
	m := newTestManager(t)
	err := m.RemoveCursor(PersistenceCursorName)
	require.Error(t, err)
}

func TestManager_DropSlowestCursor(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegisterCursor("stream:a", true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.Queue(mutation(fmt.Sprintf("k%d", i), "v"))
	}
	drain(t, m, PersistenceCursorName)

	name, ok := m.DropSlowestCursor()
	require.True(t, ok)
	assert.Equal(t, "stream:a", name)

	_, ok = m.DropSlowestCursor()
	assert.False(t, ok, "persistence cursor is never droppable")
}

func TestManager_CursorPrefixesAgree(t *testing.T) {
	// Two cursors observe identical prefixes up to the slower position.
	m := newTestManager(t)
	stream, err := m.RegisterCursor("stream:x", true)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		m.Queue(mutation(fmt.Sprintf("k%d", i), "v"))
	}

	persisted := drain(t, m, PersistenceCursorName)

	var streamed []*core.QueuedItem
	for i := 0; i < 4; i++ {
		qi, ok := m.Next(stream)
		require.True(t, ok)
		if !qi.Op.IsMeta() {
			streamed = append(streamed, qi)
		}
	}
	for i, qi := range streamed {
		assert.Equal(t, persisted[i].BySeqno, qi.BySeqno)
		assert.Equal(t, persisted[i].Key, qi.Key)
	}
}

func TestManager_SetVBucketStateItemVisibleToCursors(t *testing.T) {
	m := newTestManager(t)
	m.Queue(mutation("k", "v"))
	m.QueueSetVBucketState(core.VBReplica)

	c, ok := m.Cursor(PersistenceCursorName)
	require.True(t, ok)
	var ops []core.Operation
	for {
		qi, ok := m.Next(c)
		if !ok {
			break
		}
		ops = append(ops, qi.Op)
		if qi.Op == core.OpSetVBucketState {
			assert.Equal(t, core.VBReplica, qi.NewState)
		}
	}
	assert.Equal(t, []core.Operation{
		core.OpCheckpointStart, core.OpMutation, core.OpSetVBucketState,
	}, ops)
	assert.Equal(t, uint64(1), m.HighSeqno(), "meta item consumes no seqno")
}

func TestDestroyer_SwapAndFree(t *testing.T) {
	d := NewDestroyer(nil)

	m := NewManager(Options{Vbid: 0, Destroyer: d})
	m.Queue(prepare("k", "v"))
	m.Queue(commit("k", "v", 1))
	drain(t, m, PersistenceCursorName)

	res := m.RemoveClosedUnrefCheckpoints()
	require.Equal(t, 1, res.Count)
	assert.Equal(t, res.Memory, d.PendingMemory(), "detached memory is tracked until destruction")

	d.Start()
	d.Stop()
	assert.Zero(t, d.PendingMemory())
}
