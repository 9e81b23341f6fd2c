package durability

import (
	"log/slog"
	"sync"

	"github.com/INLOpen/epbucket/core"
)

// PassiveOptions configures a PassiveMonitor.
type PassiveOptions struct {
	// Node is the chain name of the local node.
	Node   string
	Logger *slog.Logger
}

// PassiveMonitor tracks prepares received from the active over DCP. The
// high-prepared-seqno advances as snapshot ends arrive; for levels that
// demand persistence it additionally waits for the local flusher.
type PassiveMonitor struct {
	mu sync.Mutex

	node   string
	writes []*trackedWrite

	highPreparedSeqno  uint64
	highCompletedSeqno uint64
	lastPersistedSeqno uint64

	// lastSnapshotEnd is the highest snapshot-end received; HPS re-evaluates
	// against it as persistence catches up.
	lastSnapshotEnd uint64

	logger *slog.Logger
}

var _ Monitor = (*PassiveMonitor)(nil)

// NewPassiveMonitor creates the monitor for a replica or pending vBucket.
func NewPassiveMonitor(opts PassiveOptions) *PassiveMonitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PassiveMonitor{
		node:   opts.Node,
		logger: opts.Logger.With("component", "PassiveDurabilityMonitor"),
	}
}

// HighPreparedSeqno implements Monitor.
func (p *PassiveMonitor) HighPreparedSeqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highPreparedSeqno
}

// HighCompletedSeqno implements Monitor.
func (p *PassiveMonitor) HighCompletedSeqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highCompletedSeqno
}

// NumTracked implements Monitor.
func (p *PassiveMonitor) NumTracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

// TrackPrepare registers a prepare received inside a DCP snapshot.
func (p *PassiveMonitor) TrackPrepare(item *core.QueuedItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, &trackedWrite{
		item:  item,
		level: item.Durability.Level,
	})
}

// SnapshotEndReceived advances the HPS watermark to the snapshot end,
// bounded by the persistence progress required by tracked levels. It
// returns the new HPS, which the replica acknowledges back to the active.
func (p *PassiveMonitor) SnapshotEndReceived(snapEnd uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snapEnd > p.lastSnapshotEnd {
		p.lastSnapshotEnd = snapEnd
	}
	return p.refreshHighPreparedLocked()
}

// NotifyLocalPersistence records flusher progress and returns the possibly
// advanced HPS.
func (p *PassiveMonitor) NotifyLocalPersistence(seqno uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seqno > p.lastPersistedSeqno {
		p.lastPersistedSeqno = seqno
		for _, w := range p.writes {
			if w.seqno() > seqno {
				break
			}
			w.localPersisted = true
		}
	}
	return p.refreshHighPreparedLocked()
}

// CompleteSyncWrite removes a tracked prepare on a Commit or Abort from the
// active. A missing entry is tolerated: the prepare may have been deduped
// away by a disk backfill.
func (p *PassiveMonitor) CompleteSyncWrite(key core.DocKey, prepareSeqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.writes {
		if w.seqno() == prepareSeqno && w.item.Key.Equal(key) {
			p.writes = append(p.writes[:i], p.writes[i+1:]...)
			if prepareSeqno > p.highCompletedSeqno {
				p.highCompletedSeqno = prepareSeqno
			}
			return
		}
	}
	if prepareSeqno > p.highCompletedSeqno {
		p.highCompletedSeqno = prepareSeqno
	}
}

// refreshHighPreparedLocked computes the HPS: it rides the last snapshot
// end, held back by the first prepare at a persistence level that the local
// flusher has not yet covered.
func (p *PassiveMonitor) refreshHighPreparedLocked() uint64 {
	hps := p.lastSnapshotEnd
	for _, w := range p.writes {
		if w.seqno() > p.lastSnapshotEnd {
			break
		}
		if w.level.RequiresLocalPersistence() && !w.localPersisted {
			if w.seqno()-1 < hps {
				hps = w.seqno() - 1
			}
			break
		}
	}
	if hps > p.highPreparedSeqno {
		p.highPreparedSeqno = hps
	}
	return p.highPreparedSeqno
}
