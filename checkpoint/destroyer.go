package checkpoint

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Destroyer frees detached checkpoints off the hot path. Producers splice
// checkpoints onto the pending list under a short lock; the background task
// swaps the list out and releases the memory outside it.
type Destroyer struct {
	mu        sync.Mutex
	toDestroy []*Checkpoint

	pendingMem atomic.Int64

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ DestroyerQueue = (*Destroyer)(nil)

// NewDestroyer creates a stopped destroyer; call Start to run it.
func NewDestroyer(logger *slog.Logger) *Destroyer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Destroyer{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		logger: logger.With("component", "CheckpointDestroyer"),
	}
}

// Start launches the background destruction task.
func (d *Destroyer) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// Stop terminates the task after draining the pending list.
func (d *Destroyer) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
	d.destroyPending()
}

// QueueForDestruction hands detached checkpoints to the destroyer and wakes
// it.
func (d *Destroyer) QueueForDestruction(list []*Checkpoint) {
	if len(list) == 0 {
		return
	}
	var mem int64
	for _, c := range list {
		mem += c.memUsage
	}
	d.pendingMem.Add(mem)
	d.mu.Lock()
	d.toDestroy = append(d.toDestroy, list...)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// PendingMemory returns the estimated memory awaiting destruction.
func (d *Destroyer) PendingMemory() int64 {
	return d.pendingMem.Load()
}

func (d *Destroyer) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.notify:
			d.destroyPending()
		case <-d.stop:
			return
		}
	}
}

func (d *Destroyer) destroyPending() {
	// Swap under the lock, free outside it.
	d.mu.Lock()
	pending := d.toDestroy
	d.toDestroy = nil
	d.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	var mem int64
	for _, c := range pending {
		mem += c.memUsage
		c.items = nil
		c.keyIndex = nil
	}
	d.pendingMem.Add(-mem)
	d.logger.Debug("destroyed checkpoints", "count", len(pending), "memory", mem)
}
