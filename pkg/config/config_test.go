package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 200*time.Millisecond, cfg.Catalog.Delay)
	assert.Equal(t, "https://image.tmdb.org/t/p/w500", cfg.Catalog.ImageBase)
	assert.Equal(t, 5, cfg.Query.TopK)
	assert.Equal(t, 512, cfg.Index.Dimension)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "castmatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
index:
  codec: msgpack
store:
  driver: badger
  badgerDir: /var/lib/castmatch
catalog:
  delay: 50ms
  maxPages: 3
query:
  topK: 3
`), 0o644))

	t.Setenv("CASTMATCH_TOP_K", "7")
	t.Setenv("TMDB_API_KEY", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "msgpack", cfg.Index.Codec)
	assert.Equal(t, StoreBadger, cfg.Store.Driver)
	assert.Equal(t, 50*time.Millisecond, cfg.Catalog.Delay)
	assert.Equal(t, 3, cfg.Catalog.MaxPages)
	assert.Equal(t, 7, cfg.Query.TopK)
	assert.Equal(t, "secret", cfg.Catalog.APIKey)
	assert.Equal(t, ":8080", cfg.Server.Addr, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "config: read")
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"CASTMATCH_TOP_K":         "five",
		"CASTMATCH_CATALOG_DELAY": "soon",
		"CASTMATCH_CATALOG_RPS":   "fast",
		"CASTMATCH_INDEX_CODEC":   " msgpack ",
		"CASTMATCH_METRICS_ADDR":  "   ",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.Error(t, err)
	assert.ErrorContains(t, err, "CASTMATCH_TOP_K")
	assert.ErrorContains(t, err, "CASTMATCH_CATALOG_DELAY")
	assert.ErrorContains(t, err, "CASTMATCH_CATALOG_RPS")
	assert.Equal(t, "msgpack", cfg.Index.Codec)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"store driver", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		{"lease driver", func(c *Config) { c.Lease.Driver = "etcd" }, "lease.driver"},
		{"codec", func(c *Config) { c.Index.Codec = "gob" }, "index.codec"},
		{"top k", func(c *Config) { c.Query.TopK = 0 }, "query.topK"},
		{"qdrant needs dimension", func(c *Config) { c.Store.Driver = StoreQdrant; c.Index.Dimension = 0 }, "index.dimension"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"model url", func(c *Config) { c.Model.URL = "" }, "model.url"},
		{"negative delay", func(c *Config) { c.Catalog.Delay = -time.Second }, "catalog.delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	l, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "WARN", l.String())
	assert.NotNil(t, cfg.Logger())
}
