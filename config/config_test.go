package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/store"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, store.BackendSQLite, cfg.Backend)
	assert.Equal(t, "binary-cache-v6.sqlite", filepath.Base(cfg.Path))
	assert.Equal(t, narinfocache.DefaultTTL(), cfg.TTL())
	assert.Equal(t, narinfocache.DefaultCacheInfoTTL, cfg.CacheInfoTTL)
	assert.Equal(t, narinfocache.DefaultPurgePolicy(), cfg.PurgePolicy())
	assert.Equal(t, narinfocache.ResolveRefreshTimestamp, cfg.ResolvePolicy)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Prometheus)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "narinfo-cache.yaml", `
path: /var/cache/narinfo.db
backend: bolt
positive_ttl: 720h
negative_ttl: 300
unseen_cache_age: 2160h
resolve_policy: all
serve_stale: true
log:
  level: debug
  format: json
  file: /var/log/narinfo-cache.log
metrics:
  prometheus: true
  address: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/narinfo.db", cfg.Path)
	assert.Equal(t, store.BackendBolt, cfg.Backend)
	assert.Equal(t, 720*time.Hour, cfg.PositiveTTL)
	assert.Equal(t, 5*time.Minute, cfg.NegativeTTL, "bare numbers are seconds")
	assert.Equal(t, 90*24*time.Hour, cfg.UnseenCacheAge)
	assert.Equal(t, narinfocache.ResolveRefreshAll, cfg.ResolvePolicy)
	assert.True(t, cfg.ServeStale)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/log/narinfo-cache.log", cfg.Log.File)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB, "unset keys keep their defaults")
	assert.True(t, cfg.Metrics.Prometheus)
	assert.Equal(t, ":9090", cfg.Metrics.Address)

	sc := cfg.StoreConfig()
	assert.Equal(t, cfg.Path, sc.Path)
	assert.Equal(t, narinfocache.ResolveRefreshAll, sc.ResolvePolicy)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "narinfo-cache.yaml", "path: /tmp/from-file.sqlite\nnegative_ttl: 10m\n")

	t.Setenv("NARINFO_CACHE_PATH", "/tmp/from-env.sqlite")
	t.Setenv("NARINFO_CACHE_NEGATIVE_TTL", "2m")
	t.Setenv("NARINFO_CACHE_LOG_LEVEL", "warn")
	t.Setenv("NARINFO_CACHE_LOCK_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.sqlite", cfg.Path)
	assert.Equal(t, 2*time.Minute, cfg.NegativeTTL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "backend", body: "path: /tmp/x\nbackend: leveldb\n", want: "backend"},
		{name: "positive ttl", body: "path: /tmp/x\npositive_ttl: 0s\n", want: "positive_ttl"},
		{name: "negative ttl", body: "path: /tmp/x\nnegative_ttl: -1m\n", want: "negative_ttl"},
		{name: "log format", body: "path: /tmp/x\nlog:\n  format: xml\n", want: "log.format"},
		{name: "resolve policy", body: "path: /tmp/x\nresolve_policy: sometimes\n", want: "resolve policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/cache")
	t.Setenv("HOME", "/home/test")

	p, err := DefaultPath(store.BackendBolt)
	require.NoError(t, err)
	assert.Equal(t, "binary-cache-v6.db", filepath.Base(p))
	assert.Equal(t, "narinfo-cache", filepath.Base(filepath.Dir(p)))
}
