package durability

import (
	"testing"
	"time"

	"github.com/INLOpen/epbucket/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingItem(key string, seqno uint64, level core.Level) *core.QueuedItem {
	return &core.QueuedItem{
		Key:        core.NewDocKey(key),
		Value:      []byte("v"),
		Op:         core.OpPendingSyncWrite,
		State:      core.Pending,
		BySeqno:    seqno,
		Durability: &core.DurabilityRequirements{Level: level},
	}
}

func newActive(t *testing.T, clock core.Clock, nodes ...string) *ActiveMonitor {
	t.Helper()
	a, err := NewActiveMonitor(ActiveOptions{
		Node:     "active",
		Topology: core.NewTopology(nodes...),
		Clock:    clock,
	})
	require.NoError(t, err)
	return a
}

func TestActive_MajorityCommitsOnReplicaAck(t *testing.T) {
	a := newActive(t, nil, "active", "replica")

	done := a.Track(pendingItem("k", 2, core.LevelMajority), core.NewPendingCookie())
	assert.Empty(t, done, "one ack of two-node chain is not a majority")
	assert.Equal(t, 1, a.NumTracked())
	assert.Equal(t, uint64(2), a.HighPreparedSeqno())

	done = a.SeqnoAckReceived("replica", 2)
	require.Len(t, done, 1)
	assert.True(t, done[0].Commit)
	assert.Equal(t, uint64(2), done[0].Item.BySeqno)
	assert.Zero(t, a.NumTracked())
	assert.Equal(t, uint64(2), a.HighCompletedSeqno())
}

func TestActive_SingleNodeChainCommitsImmediately(t *testing.T) {
	a := newActive(t, nil, "active")
	done := a.Track(pendingItem("k", 1, core.LevelMajority), core.NewPendingCookie())
	require.Len(t, done, 1)
	assert.True(t, done[0].Commit)
}

func TestActive_PersistToMajorityNeedsLocalPersistence(t *testing.T) {
	a := newActive(t, nil, "active", "replica")

	done := a.Track(pendingItem("k", 1, core.LevelPersistToMajority), core.NewPendingCookie())
	assert.Empty(t, done)
	assert.Zero(t, a.HighPreparedSeqno(), "persist level holds HPS until local persistence")

	done = a.SeqnoAckReceived("replica", 1)
	assert.Empty(t, done, "majority alone is insufficient at persist_to_majority")

	done = a.NotifyLocalPersistence(1)
	require.Len(t, done, 1)
	assert.True(t, done[0].Commit)
	assert.Equal(t, uint64(1), a.HighPreparedSeqno())
}

func TestActive_MajorityAndPersistOnMaster(t *testing.T) {
	a := newActive(t, nil, "active", "replica")

	a.Track(pendingItem("k", 1, core.LevelMajorityAndPersistOnMaster), core.NewPendingCookie())
	done := a.NotifyLocalPersistence(1)
	assert.Empty(t, done, "local persistence without replica ack is not a majority")

	done = a.SeqnoAckReceived("replica", 1)
	require.Len(t, done, 1)
	assert.True(t, done[0].Commit)
}

func TestActive_CommitsStrictlyInOrder(t *testing.T) {
	a := newActive(t, nil, "active", "replica")

	a.Track(pendingItem("k1", 1, core.LevelPersistToMajority), core.NewPendingCookie())
	a.Track(pendingItem("k2", 2, core.LevelMajority), core.NewPendingCookie())

	// Seqno 2 is fully acknowledged but must wait behind seqno 1.
	done := a.SeqnoAckReceived("replica", 2)
	assert.Empty(t, done, "no out-of-order commit")

	done = a.NotifyLocalPersistence(1)
	require.Len(t, done, 2, "unblocking the head releases the queue in order")
	assert.Equal(t, uint64(1), done[0].Item.BySeqno)
	assert.Equal(t, uint64(2), done[1].Item.BySeqno)
}

func TestActive_ThreeNodeChainMajority(t *testing.T) {
	a := newActive(t, nil, "active", "r1", "r2")

	a.Track(pendingItem("k", 1, core.LevelMajority), core.NewPendingCookie())
	done := a.SeqnoAckReceived("r1", 1)
	require.Len(t, done, 1, "active + one replica is a majority of three")
}

func TestActive_AckFromUnknownNodeIgnored(t *testing.T) {
	a := newActive(t, nil, "active", "replica")
	a.Track(pendingItem("k", 1, core.LevelMajority), core.NewPendingCookie())
	done := a.SeqnoAckReceived("stranger", 1)
	assert.Empty(t, done)
	assert.Equal(t, 1, a.NumTracked())
}

func TestActive_TimeoutAbortsWithAmbiguous(t *testing.T) {
	clock := core.NewMockClock(time.Unix(0, 0))
	a, err := NewActiveMonitor(ActiveOptions{
		Node:           "active",
		Topology:       core.NewTopology("active", "replica"),
		Clock:          clock,
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	cookie := core.NewPendingCookie()
	a.Track(pendingItem("k", 1, core.LevelMajority), cookie)

	clock.Advance(6 * time.Second)
	done := a.ProcessTimeout(clock.Now())
	require.Len(t, done, 1)
	assert.False(t, done[0].Commit)
	assert.ErrorIs(t, done[0].Reason, core.ErrSyncWriteAmbiguous)
	assert.Zero(t, a.NumTracked())

	// A replica ack arriving after the abort is discarded.
	assert.Empty(t, a.SeqnoAckReceived("replica", 1))
}

func TestActive_LateAckAfterClientAbortDiscarded(t *testing.T) {
	a := newActive(t, nil, "active", "replica")
	a.Track(pendingItem("k", 1, core.LevelMajority), core.NewPendingCookie())

	done, err := a.Remove(core.NewDocKey("k"), 1, false)
	require.NoError(t, err)
	assert.False(t, done.Commit)
	assert.Equal(t, uint64(1), a.HighCompletedSeqno())

	assert.Empty(t, a.SeqnoAckReceived("replica", 1))
}

func TestActive_DeadStateAbortsAll(t *testing.T) {
	a := newActive(t, nil, "active", "replica")
	a.Track(pendingItem("k1", 1, core.LevelMajority), core.NewPendingCookie())
	a.Track(pendingItem("k2", 2, core.LevelMajority), core.NewPendingCookie())

	done := a.AbortAll()
	require.Len(t, done, 2)
	for _, c := range done {
		assert.False(t, c.Commit)
		assert.ErrorIs(t, c.Reason, core.ErrSyncWriteAmbiguous)
	}
	assert.Zero(t, a.NumTracked())
}

func TestActive_TopologyChangeReEvaluates(t *testing.T) {
	a := newActive(t, nil, "active", "replica")
	a.Track(pendingItem("k", 1, core.LevelMajority), core.NewPendingCookie())

	// Chain shrinks to the active alone: majority of one is already met.
	done, err := a.SetReplicationTopology(core.NewTopology("active"))
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.True(t, done[0].Commit)
}

func TestActive_TopologyTooLargeRejected(t *testing.T) {
	_, err := NewActiveMonitor(ActiveOptions{
		Node:     "active",
		Topology: core.NewTopology("active", "r1", "r2", "r3"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDurabilityImpossible)
}

func TestActive_AdmissionWithNullTopology(t *testing.T) {
	a, err := NewActiveMonitor(ActiveOptions{Node: "active"})
	require.NoError(t, err)
	err = a.CheckAdmission(core.DurabilityRequirements{Level: core.LevelMajority})
	assert.ErrorIs(t, err, core.ErrDurabilityImpossible)
}
