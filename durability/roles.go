package durability

import "github.com/INLOpen/epbucket/core"

// ConvertToActive builds an ActiveMonitor from a PassiveMonitor during a
// takeover, migrating all outstanding prepares intact. With a null topology
// the prepares are retained and re-evaluated when the chain arrives:
// prepares already persisted locally then commit immediately irrespective
// of level.
func ConvertToActive(p *PassiveMonitor, opts ActiveOptions) (*ActiveMonitor, error) {
	return newActiveFromPassive(p, opts)
}

// ConvertToPassive builds a PassiveMonitor from an ActiveMonitor when the
// vBucket is demoted. Outstanding prepares migrate intact; their parked
// cookies are returned so the caller can notify them ambiguous — the new
// active alone decides the prepares' fate.
func ConvertToPassive(a *ActiveMonitor, opts PassiveOptions) (*PassiveMonitor, []*core.PendingCookie) {
	p := NewPassiveMonitor(opts)
	a.mu.Lock()
	defer a.mu.Unlock()
	var cookies []*core.PendingCookie
	for _, w := range a.writes {
		if w.cookie != nil {
			cookies = append(cookies, w.cookie)
			w.cookie = nil
		}
		w.acks = nil
		w.takeover = false
		p.writes = append(p.writes, w)
	}
	a.writes = nil
	p.highPreparedSeqno = a.highPreparedSeqno
	p.highCompletedSeqno = a.highCompletedSeqno
	p.lastPersistedSeqno = a.lastPersistedSeqno
	p.lastSnapshotEnd = a.highPreparedSeqno
	return p, cookies
}
