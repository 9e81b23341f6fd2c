package bucket

import (
	"github.com/INLOpen/epbucket/config"
	"github.com/INLOpen/epbucket/kvstore"
)

// EphemeralBucket keeps everything resident: no flushers run, and
// durability levels that require persistence are rejected at admission.
// A memory KVStore still backs the narrow store contract so compaction and
// scans behave uniformly.
type EphemeralBucket struct {
	*bucketBase
}

var _ Bucket = (*EphemeralBucket)(nil)

// NewEphemeralBucket creates an ephemeral bucket.
func NewEphemeralBucket(cfg *config.Config, opts Options) (*EphemeralBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &EphemeralBucket{bucketBase: newBase(cfg, opts, kvstore.NewMemoryKVStore(), false)}
	b.start()
	return b, nil
}
