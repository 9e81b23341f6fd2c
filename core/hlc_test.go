package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHLC_Monotonic(t *testing.T) {
	clock := NewMockClock(time.Unix(1000, 0))
	hlc := NewHLC(clock, 0)

	first := hlc.Next()
	require.NotZero(t, first, "CAS must never be zero")

	// Clock frozen: successive values fall back to logical increments.
	second := hlc.Next()
	assert.Equal(t, first+1, second)

	// Clock advances past the logical component: physical time wins.
	clock.Advance(time.Second)
	third := hlc.Next()
	assert.Greater(t, third, second)
	assert.Equal(t, uint64(clock.Now().UnixNano()), third)
}

func TestHLC_ObserveRemoteCas(t *testing.T) {
	clock := NewMockClock(time.Unix(1000, 0))
	hlc := NewHLC(clock, 0)

	remote := uint64(clock.Now().UnixNano()) + uint64(time.Hour)
	hlc.Observe(remote)
	assert.Greater(t, hlc.Next(), remote, "local CAS must stay above observed remote CAS")
}

func TestPendingCookie_SingleNotification(t *testing.T) {
	cookie := NewPendingCookie()

	_, ok := cookie.TryResult()
	assert.False(t, ok, "no result before notification")

	cookie.Notify(nil)
	cookie.Notify(ErrSyncWriteAmbiguous) // late duplicate is dropped

	err, ok := cookie.TryResult()
	require.True(t, ok)
	assert.NoError(t, err, "first notification wins")
}
