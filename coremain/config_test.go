package coremain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/upstream"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	p := writeConfig(t, "sec:\n  user_agent: \"secdata admin@example.com\"\n")
	cfg, used, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, p, used)

	assert.Equal(t, "secdata admin@example.com", cfg.SEC.UserAgent)
	assert.Equal(t, upstream.DefaultBaseURL, cfg.SEC.BaseURL)
	assert.Equal(t, edgar.TickersURL, cfg.SEC.TickersURL)
	assert.InDelta(t, 10.0, cfg.SEC.Rate(), 1e-9)
	assert.Equal(t, 3, cfg.SEC.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.SEC.RequestTimeout)
	assert.Equal(t, "disk", cfg.Cache.Backend)
	assert.Equal(t, ".cache", cfg.Cache.Dir)
	assert.Equal(t, edgar.DefaultTTLs(), cfg.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.HTTP)
}

func TestLoadConfig_FileValues(t *testing.T) {
	p := writeConfig(t, `
sec:
  user_agent: "secdata admin@example.com"
  rate_limit_delay: 0.25
  request_timeout: 5s
cache:
  backend: redis
  redis: redis://127.0.0.1:6379/0
  mem_size: 0
ttl:
  frames: 1h
industry:
  concurrency: 2
  metrics:
    - name: ROA
      expr: NetIncome / Assets
`)
	cfg, _, err := loadConfig(p)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, cfg.SEC.Rate(), 1e-9)
	assert.Equal(t, 5*time.Second, cfg.SEC.RequestTimeout)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 0, cfg.Cache.MemSize)
	assert.Equal(t, time.Hour, cfg.TTL.Frames)
	assert.Equal(t, edgar.DefaultTTLs().Concept, cfg.TTL.Concept)
	require.Len(t, cfg.Industry.Metrics, 1)
	assert.Equal(t, "ROA", cfg.Industry.Metrics[0].Name)
	assert.Equal(t, "NetIncome / Assets", cfg.Industry.Metrics[0].Expr)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SEC_USER_AGENT", "env-agent admin@example.com")
	t.Setenv("SEC_RATE_LIMIT_DELAY", "0.5")
	t.Setenv("SEC_MAX_RETRIES", "7")
	t.Setenv("CACHE_DIR", dir)
	t.Setenv("LOG_LEVEL", "debug")

	p := writeConfig(t, "sec:\n  user_agent: \"file-agent admin@example.com\"\n")
	cfg, _, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "env-agent admin@example.com", cfg.SEC.UserAgent)
	assert.InDelta(t, 2.0, cfg.SEC.Rate(), 1e-9)
	assert.Equal(t, 7, cfg.SEC.MaxRetries)
	assert.Equal(t, dir, cfg.Cache.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "cache:\n  backend: memcached\n"},
		{"redis without url", "cache:\n  backend: redis\n"},
		{"zero delay", "sec:\n  rate_limit_delay: 0\n"},
		{"bad base url", "sec:\n  base_url: not a url\n"},
		{"unknown key", "sec:\n  user_agnet: typo\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := loadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
