// Package durability implements the per-vBucket SyncWrite trackers: the
// ActiveMonitor applying the commit rules of a replication chain it leads,
// and the PassiveMonitor following a chain led elsewhere. Monitors never
// call back into the vBucket; mutating entry points return the resulting
// Completions for the caller to apply outside the monitor lock.
package durability

import (
	"time"

	"github.com/INLOpen/epbucket/core"
)

// Monitor is the read surface common to both roles.
type Monitor interface {
	HighPreparedSeqno() uint64
	HighCompletedSeqno() uint64
	NumTracked() int
}

// Completion is the outcome of a tracked prepare, produced by a monitor
// entry point and applied by the owning vBucket: queue the commit/abort
// item, update the hash table, then notify the cookie.
type Completion struct {
	// Item is the tracked prepare.
	Item *core.QueuedItem
	// Cookie is the parked frontend handle, nil on the passive path.
	Cookie *core.PendingCookie
	// Commit is true for a commit, false for an abort.
	Commit bool
	// Reason carries the abort cause delivered to the cookie.
	Reason error
}

// trackedWrite is one in-flight prepare inside a monitor.
type trackedWrite struct {
	item   *core.QueuedItem
	cookie *core.PendingCookie

	level    core.Level
	deadline time.Time // zero means no timeout

	// acks holds the chain nodes that acknowledged the prepare, the active
	// included.
	acks map[string]struct{}

	// localPersisted is set once the local node has persisted the prepare's
	// seqno.
	localPersisted bool

	// takeover marks a write inherited through a passive-to-active switch;
	// once persisted locally it commits immediately when a topology
	// arrives, irrespective of level.
	takeover bool
}

func (w *trackedWrite) seqno() uint64 { return w.item.BySeqno }

// satisfied applies the commit rule for the given topology. Ordering is the
// caller's concern.
func (w *trackedWrite) satisfied(topology core.Topology) bool {
	if w.takeover && w.localPersisted {
		return true
	}
	if topology.IsNull() {
		return false
	}
	if len(w.acks) < topology.Majority() {
		return false
	}
	if w.level.RequiresLocalPersistence() && !w.localPersisted {
		return false
	}
	return true
}
