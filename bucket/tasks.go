package bucket

import (
	"time"

	"github.com/INLOpen/epbucket/vbucket"
)

// durabilityTimeoutLoop periodically aborts SyncWrites whose deadline has
// elapsed.
func (b *bucketBase) durabilityTimeoutLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.timeoutInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := b.clock.Now()
			b.vbuckets.Range(func(_ uint16, vb *vbucket.VBucket) bool {
				vb.ProcessDurabilityTimeout(now)
				return true
			})
		case <-b.stop:
			return
		}
	}
}

// expiryPagerLoop sweeps resident values whose TTL has passed.
func (b *bucketBase) expiryPagerLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pagerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := b.clock.Now()
			total := 0
			b.vbuckets.Range(func(vbid uint16, vb *vbucket.VBucket) bool {
				n := vb.PageExpired(now)
				if n > 0 {
					b.notifyFlusher(vb.ID())
				}
				total += n
				return true
			})
			if total > 0 {
				b.stats.expired.Add(uint64(total))
				b.logger.Debug("expiry pager pass", "expired", total)
			}
		case <-b.stop:
			return
		}
	}
}
