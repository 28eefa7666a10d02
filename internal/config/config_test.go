package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Database.Backend)
	assert.Equal(t, 500, cfg.Database.InsertBatchSize)
	assert.Equal(t, 3, cfg.Matching.MaxEditDistance)
	assert.Equal(t, "first_match", cfg.Matching.CachePolicy)
	assert.Equal(t, 4, cfg.Matching.Workers)
	assert.Equal(t, 7*24*time.Hour, cfg.Corpus.FreshnessWindow)
	assert.Contains(t, cfg.Database.DSN, "host=")
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "segmatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  backend: bolt
  bolt_path: /tmp/x.db
matching:
  max_edit_distance: 2
  cache_policy: best_confidence
corpus:
  freshness_window: 24h
`), 0o600))

	t.Setenv("SEGMATCH_MATCHING_WORKERS", "9")
	t.Setenv("SEGMATCH_DATABASE_DSN", "postgres://u:p@db/segmatch")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.Database.Backend)
	assert.Equal(t, "/tmp/x.db", cfg.Database.BoltPath)
	assert.Equal(t, 2, cfg.Matching.MaxEditDistance)
	assert.Equal(t, "best_confidence", cfg.Matching.CachePolicy)
	assert.Equal(t, 9, cfg.Matching.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Corpus.FreshnessWindow)
	assert.Equal(t, "postgres://u:p@db/segmatch", cfg.Database.DSN)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SEGMATCH_REDIS_URL=redis://cache:6379/0\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SEGMATCH_REDIS_URL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"backend", func(c *Config) { c.Database.Backend = "mysql" }},
		{"policy", func(c *Config) { c.Matching.CachePolicy = "last_match" }},
		{"distance", func(c *Config) { c.Matching.MaxEditDistance = -1 }},
		{"confidence", func(c *Config) { c.Matching.MinConfidence = 1.5 }},
		{"workers", func(c *Config) { c.Matching.Workers = 0 }},
		{"page size", func(c *Config) { c.Corpus.PageSize = 0 }},
		{"batch size", func(c *Config) { c.Database.InsertBatchSize = 10000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
