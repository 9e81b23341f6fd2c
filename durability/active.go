package durability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/epbucket/core"
)

// ActiveOptions configures an ActiveMonitor.
type ActiveOptions struct {
	// Node is the chain name of the local (active) node.
	Node string

	// Topology may be null immediately after a takeover; SyncWrites are
	// rejected until a valid chain is set.
	Topology core.Topology

	// DefaultTimeout applies when a mutation does not name one.
	DefaultTimeout time.Duration

	Clock  core.Clock
	Logger *slog.Logger
}

// ActiveMonitor tracks in-flight prepares on the node leading a durability
// chain. Prepares commit strictly in seqno order once the chain
// acknowledgements and persistence conditions of their level hold.
type ActiveMonitor struct {
	mu sync.Mutex

	node     string
	topology core.Topology

	// writes is ordered by prepare seqno.
	writes []*trackedWrite

	highPreparedSeqno  uint64
	highCompletedSeqno uint64
	lastPersistedSeqno uint64

	defaultTimeout time.Duration
	clock          core.Clock
	logger         *slog.Logger

	totalAccepted  uint64
	totalCommitted uint64
	totalAborted   uint64
}

var _ Monitor = (*ActiveMonitor)(nil)

// NewActiveMonitor creates the monitor for an active vBucket.
func NewActiveMonitor(opts ActiveOptions) (*ActiveMonitor, error) {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if !opts.Topology.IsNull() {
		if err := opts.Topology.Validate(); err != nil {
			return nil, err
		}
	}
	return &ActiveMonitor{
		node:           opts.Node,
		topology:       opts.Topology,
		defaultTimeout: opts.DefaultTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "ActiveDurabilityMonitor"),
	}, nil
}

// newActiveFromPassive transfers outstanding prepares across a role switch.
func newActiveFromPassive(p *PassiveMonitor, opts ActiveOptions) (*ActiveMonitor, error) {
	a, err := NewActiveMonitor(opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.writes {
		w.takeover = true
		w.localPersisted = w.seqno() <= p.lastPersistedSeqno
		if w.acks == nil {
			w.acks = make(map[string]struct{})
		}
		w.acks[a.node] = struct{}{}
		a.writes = append(a.writes, w)
	}
	a.highPreparedSeqno = p.highPreparedSeqno
	a.highCompletedSeqno = p.highCompletedSeqno
	a.lastPersistedSeqno = p.lastPersistedSeqno
	return a, nil
}

// HighPreparedSeqno implements Monitor.
func (a *ActiveMonitor) HighPreparedSeqno() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highPreparedSeqno
}

// HighCompletedSeqno implements Monitor.
func (a *ActiveMonitor) HighCompletedSeqno() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highCompletedSeqno
}

// NumTracked implements Monitor.
func (a *ActiveMonitor) NumTracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.writes)
}

// Topology returns the current chain.
func (a *ActiveMonitor) Topology() core.Topology {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topology
}

// CheckAdmission rejects a durability request the chain cannot serve.
// Called before the prepare is queued.
func (a *ActiveMonitor) CheckAdmission(req core.DurabilityRequirements) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.topology.IsNull() {
		return fmt.Errorf("%w: no replication topology", core.ErrDurabilityImpossible)
	}
	if err := a.topology.Validate(); err != nil {
		return err
	}
	if req.Level == core.LevelNone {
		return fmt.Errorf("%w: level none", core.ErrDurabilityInvalidLevel)
	}
	return nil
}

// Track registers a queued prepare. The active's own in-memory
// acknowledgement is recorded immediately.
func (a *ActiveMonitor) Track(item *core.QueuedItem, cookie *core.PendingCookie) []Completion {
	a.mu.Lock()
	defer a.mu.Unlock()

	req := item.Durability
	deadline := time.Time{}
	if timeout := req.EffectiveTimeout(a.defaultTimeout); timeout > 0 {
		deadline = a.clock.Now().Add(timeout)
	}
	w := &trackedWrite{
		item:     item,
		cookie:   cookie,
		level:    req.Level,
		deadline: deadline,
		acks:     map[string]struct{}{a.node: {}},
	}
	a.writes = append(a.writes, w)
	// Concurrent frontends may track out of order; keep the list sorted by
	// prepare seqno.
	for i := len(a.writes) - 1; i > 0 && a.writes[i-1].seqno() > a.writes[i].seqno(); i-- {
		a.writes[i-1], a.writes[i] = a.writes[i], a.writes[i-1]
	}
	a.totalAccepted++
	a.refreshHighPreparedLocked()

	// A one-node chain at level majority is committable immediately.
	return a.collectCompletionsLocked()
}

// SeqnoAckReceived records a replica acknowledgement covering every tracked
// prepare up to seqno.
func (a *ActiveMonitor) SeqnoAckReceived(node string, seqno uint64) []Completion {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.topology.Contains(node) {
		a.logger.Debug("ignoring seqno ack from node outside chain", "node", node, "seqno", seqno)
		return nil
	}
	for _, w := range a.writes {
		if w.seqno() > seqno {
			break
		}
		w.acks[node] = struct{}{}
	}
	return a.collectCompletionsLocked()
}

// NotifyLocalPersistence records that the local flusher persisted up to
// seqno, acting as the local node's persistence acknowledgement.
func (a *ActiveMonitor) NotifyLocalPersistence(seqno uint64) []Completion {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seqno <= a.lastPersistedSeqno {
		return nil
	}
	a.lastPersistedSeqno = seqno
	for _, w := range a.writes {
		if w.seqno() > seqno {
			break
		}
		w.localPersisted = true
	}
	a.refreshHighPreparedLocked()
	return a.collectCompletionsLocked()
}

// ProcessTimeout aborts every tracked prepare whose deadline has elapsed.
func (a *ActiveMonitor) ProcessTimeout(now time.Time) []Completion {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Completion
	kept := a.writes[:0]
	for _, w := range a.writes {
		if !w.deadline.IsZero() && now.After(w.deadline) {
			a.totalAborted++
			if w.seqno() > a.highCompletedSeqno {
				a.highCompletedSeqno = w.seqno()
			}
			out = append(out, Completion{
				Item:   w.item,
				Cookie: w.cookie,
				Commit: false,
				Reason: core.ErrSyncWriteAmbiguous,
			})
			continue
		}
		kept = append(kept, w)
	}
	a.writes = kept
	if len(out) > 0 {
		// Removing blockers may make later prepares committable.
		out = append(out, a.collectCompletionsLocked()...)
	}
	return out
}

// SetReplicationTopology installs a new chain and re-evaluates every
// tracked prepare against it.
func (a *ActiveMonitor) SetReplicationTopology(topology core.Topology) ([]Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !topology.IsNull() {
		if err := topology.Validate(); err != nil {
			return nil, err
		}
	}
	a.topology = topology
	for _, w := range a.writes {
		for node := range w.acks {
			if node != a.node && !topology.Contains(node) {
				delete(w.acks, node)
			}
		}
	}
	return a.collectCompletionsLocked(), nil
}

// AbortAll drains the tracker, producing ambiguous aborts for every
// in-flight prepare. Used on the transition to dead.
func (a *ActiveMonitor) AbortAll() []Completion {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Completion
	for _, w := range a.writes {
		a.totalAborted++
		out = append(out, Completion{
			Item:   w.item,
			Cookie: w.cookie,
			Commit: false,
			Reason: core.ErrSyncWriteAmbiguous,
		})
	}
	a.writes = nil
	return out
}

// Remove completes a specific tracked prepare out of band: an explicit
// client abort, or a replica-driven completion during tests. Commit via
// this path still respects nothing but the caller's authority.
func (a *ActiveMonitor) Remove(key core.DocKey, prepareSeqno uint64, commitIt bool) (Completion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.writes {
		if w.seqno() != prepareSeqno || !w.item.Key.Equal(key) {
			continue
		}
		a.writes = append(a.writes[:i], a.writes[i+1:]...)
		if w.seqno() > a.highCompletedSeqno {
			a.highCompletedSeqno = w.seqno()
		}
		c := Completion{Item: w.item, Cookie: w.cookie, Commit: commitIt}
		if commitIt {
			a.totalCommitted++
		} else {
			a.totalAborted++
			c.Reason = core.ErrSyncWriteAmbiguous
		}
		return c, nil
	}
	return Completion{}, fmt.Errorf("%w: no tracked prepare for %s at seqno %d",
		core.ErrKeyNotFound, key, prepareSeqno)
}

// HasPendingPrepare reports whether a prepare for the key is in flight.
func (a *ActiveMonitor) HasPendingPrepare(key core.DocKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range a.writes {
		if w.item.Key.Equal(key) {
			return true
		}
	}
	return false
}

// Stats returns lifetime counters (accepted, committed, aborted).
func (a *ActiveMonitor) Stats() (accepted, committed, aborted uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalAccepted, a.totalCommitted, a.totalAborted
}

// collectCompletionsLocked pops committable prepares from the front of the
// tracker, enforcing in-order commit: the first unsatisfied prepare blocks
// everything behind it.
func (a *ActiveMonitor) collectCompletionsLocked() []Completion {
	var out []Completion
	for len(a.writes) > 0 {
		w := a.writes[0]
		if !w.satisfied(a.topology) {
			break
		}
		a.writes = a.writes[1:]
		a.totalCommitted++
		if w.seqno() > a.highCompletedSeqno {
			a.highCompletedSeqno = w.seqno()
		}
		out = append(out, Completion{Item: w.item, Cookie: w.cookie, Commit: true})
	}
	return out
}

// refreshHighPreparedLocked advances the HPS watermark: a prepare counts as
// locally prepared once queued, or once persisted for levels that demand
// it.
func (a *ActiveMonitor) refreshHighPreparedLocked() {
	hps := a.highPreparedSeqno
	for _, w := range a.writes {
		if w.level.RequiresLocalPersistence() && !w.localPersisted {
			break
		}
		hps = w.seqno()
	}
	if hps > a.highPreparedSeqno {
		a.highPreparedSeqno = hps
	}
}
