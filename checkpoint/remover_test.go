package checkpoint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	managers []*Manager
}

func (f *fakeSource) CheckpointManagers() []*Manager {
	return append([]*Manager(nil), f.managers...)
}

// buildLoadedManager queues n items, rotates them into a closed checkpoint
// and leaves the persistence cursor behind or ahead of it.
func buildLoadedManager(t *testing.T, n int, drainCursor bool) *Manager {
	t.Helper()
	m := NewManager(Options{Vbid: 0, MaxItemsPerCheckpoint: n})
	for i := 0; i < n; i++ {
		m.Queue(mutation(fmt.Sprintf("k%d", i), "v"))
	}
	m.Queue(mutation("rotate", "v"))
	require.Equal(t, 2, m.NumCheckpoints())
	if drainCursor {
		drain(t, m, PersistenceCursorName)
	}
	return m
}

func TestRemover_NoPressureNoWork(t *testing.T) {
	m := buildLoadedManager(t, 8, true)
	r := NewRemover(&fakeSource{managers: []*Manager{m}}, RemoverOptions{
		Quota: 1 << 30,
	})
	assert.Zero(t, r.MemToClear())
	assert.Zero(t, r.RunOnce())
	assert.Equal(t, 2, m.NumCheckpoints(), "no reclamation below the watermark")
}

func TestRemover_RemovalStageFirst(t *testing.T) {
	m := buildLoadedManager(t, 8, true)
	// Tiny quota: everything above the lower mark must go.
	r := NewRemover(&fakeSource{managers: []*Manager{m}}, RemoverOptions{Quota: 1})
	require.Positive(t, r.MemToClear())

	recovered := r.RunOnce()
	assert.Positive(t, recovered)
	assert.Equal(t, 1, m.NumCheckpoints(), "closed unreferenced checkpoint removed")
}

func TestRemover_FallsBackToExpel(t *testing.T) {
	// Cursor still inside the closed checkpoint: removal finds nothing,
	// expelling reclaims what the cursor has passed.
	m := NewManager(Options{Vbid: 0, MaxItemsPerCheckpoint: 4})
	for i := 0; i < 5; i++ {
		m.Queue(mutation(fmt.Sprintf("k%d", i), "v"))
	}
	c, ok := m.Cursor(PersistenceCursorName)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		_, ok := m.Next(c)
		require.True(t, ok)
	}

	r := NewRemover(&fakeSource{managers: []*Manager{m}}, RemoverOptions{Quota: 1})
	recovered := r.RunOnce()
	assert.Positive(t, recovered, "expel stage should reclaim passed items")
	assert.Equal(t, 2, m.NumCheckpoints(), "checkpoint skeletons are preserved")
}

func TestRemover_DropsSlowCursorsLast(t *testing.T) {
	m := buildLoadedManager(t, 8, true)
	_, err := m.RegisterCursor("stream:slow", true)
	require.NoError(t, err)
	// Slow cursor pins the closed checkpoint; stages 1-2 cannot free it
	// entirely, so the cursor gets dropped.
	r := NewRemover(&fakeSource{managers: []*Manager{m}}, RemoverOptions{Quota: 1})
	r.RunOnce()

	_, ok := m.Cursor("stream:slow")
	assert.False(t, ok, "slow cursor dropped under pressure")
	assert.Equal(t, 1, m.NumCheckpoints())
}

func TestRemover_SortsByCheckpointMemory(t *testing.T) {
	small := buildLoadedManager(t, 2, true)
	big := buildLoadedManager(t, 64, true)
	src := &fakeSource{managers: []*Manager{small, big}}
	r := NewRemover(src, RemoverOptions{Quota: 1})
	byMem := r.managersByDescendingMem()
	require.Len(t, byMem, 2)
	assert.Same(t, big, byMem[0], "vBuckets visited by descending checkpoint memory")
}
