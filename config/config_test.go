package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
bucket:
  name: cachebucket
  type: ephemeral
  num_vbuckets: 64
  num_shards: 2
flusher:
  batch_size: 250
storage:
  compression: zstd
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cachebucket", cfg.Bucket.Name)
	assert.Equal(t, "ephemeral", cfg.Bucket.Type)
	assert.Equal(t, 64, cfg.Bucket.NumVBuckets)
	assert.Equal(t, 250, cfg.Flusher.BatchSize)
	assert.Equal(t, "zstd", cfg.Storage.Compression)

	// Untouched fields keep their defaults.
	assert.Equal(t, "30s", cfg.Durability.DefaultTimeout)
	assert.Equal(t, 10000, cfg.Checkpoint.MaxItemsPerCheckpoint)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad bucket type", func(c *Config) { c.Bucket.Type = "magnetic" }},
		{"zero vbuckets", func(c *Config) { c.Bucket.NumVBuckets = 0 }},
		{"shards above vbuckets", func(c *Config) { c.Bucket.NumShards = c.Bucket.NumVBuckets + 1 }},
		{"inverted watermarks", func(c *Config) { c.Checkpoint.LowerMark = 0.95 }},
		{"unknown compression", func(c *Config) { c.Storage.Compression = "brotli" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, nil))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute, nil))
}
