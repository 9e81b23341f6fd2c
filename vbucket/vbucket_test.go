package vbucket

import (
	"testing"
	"time"

	"github.com/INLOpen/epbucket/checkpoint"
	"github.com/INLOpen/epbucket/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newActiveVB(t *testing.T, clock core.Clock, nodes ...string) *VBucket {
	t.Helper()
	if clock == nil {
		clock = core.NewMockClock(time.Unix(1_700_000_000, 0))
	}
	if len(nodes) == 0 {
		nodes = []string{"active", "replica"}
	}
	vb, err := New(Options{
		ID:                  0,
		State:               core.VBActive,
		Topology:            core.NewTopology(nodes...),
		NodeName:            "active",
		SupportsPersistence: true,
		Clock:               clock,
	})
	require.NoError(t, err)
	return vb
}

func set(t *testing.T, vb *VBucket, key, value string) MutationResult {
	t.Helper()
	res, err := vb.Set(Mutation{Key: core.NewDocKey(key), Value: []byte(value)})
	require.NoError(t, err)
	return res
}

func TestVBucket_SetGetRoundTrip(t *testing.T) {
	vb := newActiveVB(t, nil)

	res := set(t, vb, "k", "v1")
	assert.Equal(t, uint64(1), res.Seqno)
	assert.NotZero(t, res.Cas)

	got, err := vb.Get(core.NewDocKey("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Equal(t, res.Cas, got.Cas)
	assert.Equal(t, int64(1), vb.NumItems())
	assert.Equal(t, int64(1), vb.CollectionItemCount(core.CollectionDefault))
}

func TestVBucket_SeqnosAreStrictlyMonotonicFromOne(t *testing.T) {
	vb := newActiveVB(t, nil)
	var last uint64
	for i := 0; i < 10; i++ {
		res := set(t, vb, "k", "v")
		assert.Equal(t, last+1, res.Seqno)
		last = res.Seqno
	}
}

func TestVBucket_AddAndReplaceSemantics(t *testing.T) {
	vb := newActiveVB(t, nil)

	_, err := vb.Replace(Mutation{Key: core.NewDocKey("k"), Value: []byte("v")})
	assert.ErrorIs(t, err, core.ErrKeyNotFound)

	_, err = vb.Add(Mutation{Key: core.NewDocKey("k"), Value: []byte("v")})
	require.NoError(t, err)

	_, err = vb.Add(Mutation{Key: core.NewDocKey("k"), Value: []byte("v2")})
	assert.ErrorIs(t, err, core.ErrKeyExists)

	_, err = vb.Replace(Mutation{Key: core.NewDocKey("k"), Value: []byte("v2")})
	assert.NoError(t, err)
}

func TestVBucket_CasMismatch(t *testing.T) {
	vb := newActiveVB(t, nil)
	res := set(t, vb, "k", "v")

	_, err := vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("x"), Cas: res.Cas + 1})
	assert.ErrorIs(t, err, core.ErrCasMismatch)

	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("x"), Cas: res.Cas})
	assert.NoError(t, err)
}

func TestVBucket_DeleteAdjustsCounts(t *testing.T) {
	vb := newActiveVB(t, nil)
	set(t, vb, "k", "v")

	_, err := vb.Delete(core.NewDocKey("k"), 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), vb.NumItems())
	assert.Equal(t, int64(0), vb.CollectionItemCount(core.CollectionDefault))

	_, err = vb.Get(core.NewDocKey("k"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound)

	_, err = vb.Delete(core.NewDocKey("k"), 0, nil, nil)
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestVBucket_SyncWriteCommitOnAck(t *testing.T) {
	// Scenario: plain set, then a durable set at level majority committed
	// by the replica's ack.
	vb := newActiveVB(t, nil)
	set(t, vb, "k", "v1")

	cookie := core.NewPendingCookie()
	res, err := vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v2"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     cookie,
	})
	require.ErrorIs(t, err, core.ErrWouldBlock)
	assert.Equal(t, uint64(2), res.Seqno, "prepare takes seqno 2")

	// The committed value is unchanged while the prepare is in flight.
	got, err := vb.Get(core.NewDocKey("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)

	vb.SeqnoAcknowledged("replica", 2)

	result, ok := cookie.TryResult()
	require.True(t, ok, "cookie notified after commit")
	assert.NoError(t, result)

	got, err = vb.Get(core.NewDocKey("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
	assert.Equal(t, uint64(3), vb.HighSeqno(), "commit takes seqno 3")
	assert.Equal(t, uint64(2), vb.DurabilityMonitor().HighCompletedSeqno())
	assert.Equal(t, int64(1), vb.NumItems(), "replace commit leaves the count unchanged")
}

func TestVBucket_SecondWriterRejectedWhilePrepareInFlight(t *testing.T) {
	vb := newActiveVB(t, nil)
	_, err := vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     core.NewPendingCookie(),
	})
	require.ErrorIs(t, err, core.ErrWouldBlock)

	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("other")})
	assert.ErrorIs(t, err, core.ErrSyncWriteInProgress)

	_, err = vb.Delete(core.NewDocKey("k"), 0, nil, nil)
	assert.ErrorIs(t, err, core.ErrSyncWriteInProgress)

	_, err = vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("other"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     core.NewPendingCookie(),
	})
	assert.ErrorIs(t, err, core.ErrSyncWriteInProgress)
}

func TestVBucket_AbortThenRePrepare(t *testing.T) {
	// Prepare seqno 1, abort seqno 2, new prepare seqno 3.
	vb := newActiveVB(t, nil)

	cookie1 := core.NewPendingCookie()
	res, err := vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     cookie1,
	})
	require.ErrorIs(t, err, core.ErrWouldBlock)
	require.Equal(t, uint64(1), res.Seqno)

	require.NoError(t, vb.Abort(core.NewDocKey("k"), 1))
	assert.Equal(t, uint64(2), vb.HighSeqno(), "abort takes seqno 2")
	result, ok := cookie1.TryResult()
	require.True(t, ok)
	assert.ErrorIs(t, result, core.ErrSyncWriteAmbiguous)

	cookie2 := core.NewPendingCookie()
	res, err = vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v2"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     cookie2,
	})
	require.ErrorIs(t, err, core.ErrWouldBlock)
	assert.Equal(t, uint64(3), res.Seqno)
	assert.Equal(t, int64(0), vb.NumItems())
	_, ok = cookie2.TryResult()
	assert.False(t, ok, "second prepare still parked")
}

func TestVBucket_TopologyTooLargeRejectsSyncWrites(t *testing.T) {
	vb, err := New(Options{
		ID:                  0,
		State:               core.VBActive,
		NodeName:            "active",
		SupportsPersistence: true,
	})
	require.NoError(t, err)
	err = vb.UpdateTopology(core.NewTopology("active", "r1", "r2", "r3"))
	require.ErrorIs(t, err, core.ErrDurabilityImpossible)

	// The invalid chain never installed; SyncWrites stay impossible.
	_, err = vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     core.NewPendingCookie(),
	})
	assert.ErrorIs(t, err, core.ErrDurabilityImpossible)

	// Plain mutations are unaffected.
	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("v")})
	assert.NoError(t, err)
}

func TestVBucket_EphemeralRejectsPersistLevels(t *testing.T) {
	vb, err := New(Options{
		ID:       0,
		State:    core.VBActive,
		Topology: core.NewTopology("active"),
		NodeName: "active",
	})
	require.NoError(t, err)

	for _, level := range []core.Level{core.LevelMajorityAndPersistOnMaster, core.LevelPersistToMajority} {
		_, err := vb.Set(Mutation{
			Key:        core.NewDocKey("k"),
			Value:      []byte("v"),
			Durability: &core.DurabilityRequirements{Level: level},
			Cookie:     core.NewPendingCookie(),
		})
		assert.ErrorIs(t, err, core.ErrDurabilityInvalidLevel, level)
	}
}

func TestVBucket_DurabilityTimeout(t *testing.T) {
	clock := core.NewMockClock(time.Unix(1_700_000_000, 0))
	vb := newActiveVB(t, clock)

	cookie := core.NewPendingCookie()
	_, err := vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority, Timeout: time.Second},
		Cookie:     cookie,
	})
	require.ErrorIs(t, err, core.ErrWouldBlock)

	clock.Advance(2 * time.Second)
	vb.ProcessDurabilityTimeout(clock.Now())

	result, ok := cookie.TryResult()
	require.True(t, ok)
	assert.ErrorIs(t, result, core.ErrSyncWriteAmbiguous)

	// The abort has freed the key for new writers.
	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("v2")})
	assert.NoError(t, err)
}

func TestVBucket_DeadStateAbortsInflight(t *testing.T) {
	vb := newActiveVB(t, nil)
	cookie := core.NewPendingCookie()
	_, err := vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     cookie,
	})
	require.ErrorIs(t, err, core.ErrWouldBlock)

	require.NoError(t, vb.SetState(core.VBDead, core.Topology{}))

	result, ok := cookie.TryResult()
	require.True(t, ok)
	assert.ErrorIs(t, result, core.ErrSyncWriteAmbiguous)

	_, err = vb.Get(core.NewDocKey("k"))
	assert.ErrorIs(t, err, core.ErrNotMyVBucket)
}

func TestVBucket_ExpiryOnRead(t *testing.T) {
	clock := core.NewMockClock(time.Unix(1_700_000_000, 0))
	vb := newActiveVB(t, clock)

	_, err := vb.Set(Mutation{
		Key:    core.NewDocKey("k"),
		Value:  []byte("v"),
		Expiry: uint32(clock.Now().Unix()) + 5,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), vb.NumItems())

	clock.Advance(10 * time.Second)
	_, err = vb.Get(core.NewDocKey("k"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
	assert.Equal(t, int64(0), vb.NumItems(), "expiry decrements the item count")
	assert.Equal(t, uint64(2), vb.HighSeqno(), "expiration queues a deletion item")
}

func TestVBucket_GetAndLock(t *testing.T) {
	clock := core.NewMockClock(time.Unix(1_700_000_000, 0))
	vb := newActiveVB(t, clock)
	set(t, vb, "k", "v")

	locked, err := vb.GetAndLock(core.NewDocKey("k"), 15*time.Second)
	require.NoError(t, err)

	_, err = vb.GetAndLock(core.NewDocKey("k"), 15*time.Second)
	assert.ErrorIs(t, err, core.ErrLocked)

	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("x")})
	assert.ErrorIs(t, err, core.ErrLocked)

	// Mutation with the lock cas succeeds and releases the lock.
	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("x"), Cas: locked.Cas})
	assert.NoError(t, err)

	// Lock expires on its own.
	locked, err = vb.GetAndLock(core.NewDocKey("k"), 5*time.Second)
	require.NoError(t, err)
	clock.Advance(6 * time.Second)
	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("y")})
	assert.NoError(t, err)
}

func TestVBucket_UnlockRequiresMatchingCas(t *testing.T) {
	clock := core.NewMockClock(time.Unix(1_700_000_000, 0))
	vb := newActiveVB(t, clock)
	set(t, vb, "k", "v")

	locked, err := vb.GetAndLock(core.NewDocKey("k"), 15*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, vb.Unlock(core.NewDocKey("k"), locked.Cas+1), core.ErrLocked)
	assert.NoError(t, vb.Unlock(core.NewDocKey("k"), locked.Cas))

	_, err = vb.Set(Mutation{Key: core.NewDocKey("k"), Value: []byte("x")})
	assert.NoError(t, err)
}

func TestVBucket_CounterOps(t *testing.T) {
	vb := newActiveVB(t, nil)

	val, _, err := vb.Increment(core.NewDocKey("n"), 5, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), val, "missing key created at initial")

	val, _, err = vb.Increment(core.NewDocKey("n"), 5, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(105), val)

	val, _, err = vb.Decrement(core.NewDocKey("n"), 200, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), val, "decrement floors at zero")
}

func TestVBucket_AppendPrepend(t *testing.T) {
	vb := newActiveVB(t, nil)

	_, err := vb.Append(core.NewDocKey("k"), []byte("x"), 0)
	assert.ErrorIs(t, err, core.ErrNotStored)

	set(t, vb, "k", "mid")
	_, err = vb.Append(core.NewDocKey("k"), []byte("-end"), 0)
	require.NoError(t, err)
	_, err = vb.Prepend(core.NewDocKey("k"), []byte("start-"), 0)
	require.NoError(t, err)

	got, err := vb.Get(core.NewDocKey("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("start-mid-end"), got.Value)
}

func TestVBucket_ReplicaAppliesSnapshot(t *testing.T) {
	var acked uint64
	vb, err := New(Options{
		ID:       0,
		State:    core.VBReplica,
		NodeName: "replica",
		SeqnoAckSink: func(_ core.Vbid, seqno uint64) {
			acked = seqno
		},
	})
	require.NoError(t, err)

	require.NoError(t, vb.ReceiveSnapshotMarker(core.SnapshotRange{Start: 1, End: 3}, checkpoint.TypeMemory))
	require.NoError(t, vb.ReceiveMutation(&core.QueuedItem{
		Key: core.NewDocKey("a"), Value: []byte("1"), Op: core.OpMutation,
		State: core.CommittedViaMutation, BySeqno: 1, Cas: 10,
	}))
	require.NoError(t, vb.ReceivePrepare(&core.QueuedItem{
		Key: core.NewDocKey("k"), Value: []byte("v"), Op: core.OpPendingSyncWrite,
		State: core.Pending, BySeqno: 2, Cas: 20,
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
	}))
	require.NoError(t, vb.ReceiveSnapshotEnd(3))
	assert.Equal(t, uint64(3), acked, "snapshot end acknowledges the HPS")

	// Commit arrives in the next snapshot.
	require.NoError(t, vb.ReceiveSnapshotMarker(core.SnapshotRange{Start: 4, End: 4}, checkpoint.TypeMemory))
	require.NoError(t, vb.ReceiveCommit(core.NewDocKey("k"), 2, 4))

	assert.Equal(t, int64(2), vb.NumItems())
	assert.Equal(t, uint64(2), vb.DurabilityMonitor().HighCompletedSeqno())
	assert.Zero(t, vb.DurabilityMonitor().NumTracked())

	// Frontend writes are rejected on a replica.
	_, err = vb.Set(Mutation{Key: core.NewDocKey("x"), Value: []byte("v")})
	assert.ErrorIs(t, err, core.ErrNotMyVBucket)
}

func TestVBucket_TakeoverKeepsPrepareUntilTopologySet(t *testing.T) {
	// Scenario: replica persists a prepare, is promoted with a null
	// topology, and the prepare commits once the chain is installed.
	vb, err := New(Options{
		ID:                  0,
		State:               core.VBReplica,
		NodeName:            "n1",
		SupportsPersistence: true,
	})
	require.NoError(t, err)

	require.NoError(t, vb.ReceiveSnapshotMarker(core.SnapshotRange{Start: 1, End: 1}, checkpoint.TypeMemory))
	require.NoError(t, vb.ReceivePrepare(&core.QueuedItem{
		Key: core.NewDocKey("k"), Value: []byte("v"), Op: core.OpPendingSyncWrite,
		State: core.Pending, BySeqno: 1, Cas: 10,
		Durability: &core.DurabilityRequirements{Level: core.LevelPersistToMajority},
	}))
	require.NoError(t, vb.ReceiveSnapshotEnd(1))
	vb.NotifyPersistedSeqno(1)

	// Promotion with null topology: the prepare is retained.
	require.NoError(t, vb.SetState(core.VBActive, core.Topology{}))
	assert.Equal(t, 1, vb.DurabilityMonitor().NumTracked())

	// Topology arrives: immediate commit irrespective of level.
	require.NoError(t, vb.UpdateTopology(core.NewTopology("n1")))
	assert.Zero(t, vb.DurabilityMonitor().NumTracked())

	got, err := vb.Get(core.NewDocKey("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, uint64(2), vb.HighSeqno(), "commit queued at seqno 2")
}

func TestVBucket_DemotionNotifiesCookiesAmbiguous(t *testing.T) {
	vb := newActiveVB(t, nil)
	cookie := core.NewPendingCookie()
	_, err := vb.Set(Mutation{
		Key:        core.NewDocKey("k"),
		Value:      []byte("v"),
		Durability: &core.DurabilityRequirements{Level: core.LevelMajority},
		Cookie:     cookie,
	})
	require.ErrorIs(t, err, core.ErrWouldBlock)

	require.NoError(t, vb.SetState(core.VBReplica, core.Topology{}))
	result, ok := cookie.TryResult()
	require.True(t, ok)
	assert.ErrorIs(t, result, core.ErrSyncWriteAmbiguous)
	assert.Equal(t, 1, vb.DurabilityMonitor().NumTracked(), "prepare migrates to the passive monitor")
}

func TestVBucket_BuildVBucketState(t *testing.T) {
	vb := newActiveVB(t, nil)
	set(t, vb, "k", "v")

	st := vb.BuildVBucketState()
	assert.Equal(t, "active", st.State)
	assert.Equal(t, uint64(1), st.HighSeqno)
	assert.Equal(t, [][]string{{"active", "replica"}}, st.Topology)
	assert.NotZero(t, st.MaxCas)
	assert.Equal(t, uint64(1), st.CheckpointID)
}
