package hooks

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/INLOpen/epbucket/core"
	"github.com/stretchr/testify/assert"
)

type asyncListener struct {
	count atomic.Int32
}

func (a *asyncListener) OnEvent(_ context.Context, _ Event) { a.count.Add(1) }
func (a *asyncListener) IsAsync() bool                      { return true }

func TestManager_SyncDelivery(t *testing.T) {
	m := NewManager(nil)
	var seen []EventType
	m.Register(EventPostSet, ListenerFunc(func(_ context.Context, ev Event) {
		seen = append(seen, ev.Type)
	}))

	m.Trigger(context.Background(), Event{Type: EventPostSet, Vbid: 1, Key: core.NewDocKey("k")})
	m.Trigger(context.Background(), Event{Type: EventPostDelete}) // no listener

	assert.Equal(t, []EventType{EventPostSet}, seen)
}

func TestManager_AsyncDeliveryWaitsOnStop(t *testing.T) {
	m := NewManager(nil)
	l := &asyncListener{}
	m.Register(EventPostFlush, l)

	for i := 0; i < 10; i++ {
		m.Trigger(context.Background(), Event{Type: EventPostFlush})
	}
	m.Stop()
	assert.Equal(t, int32(10), l.count.Load())
}

func TestNopManager(t *testing.T) {
	m := NopManager()
	m.Register(EventPostSet, ListenerFunc(func(_ context.Context, _ Event) {
		t.Fatal("nop manager must not deliver")
	}))
	m.Trigger(context.Background(), Event{Type: EventPostSet})
	m.Stop()
}
