package coremain

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/cache"
	"github.com/pmkol/secdata/pkg/cache/disk_cache"
)

func TestOpenCache(t *testing.T) {
	ctx := context.Background()
	lg := zap.NewNop()

	b, sweep, err := openCache(ctx, &CacheConfig{Backend: "disk", Dir: t.TempDir()}, lg)
	require.NoError(t, err)
	assert.IsType(t, &disk_cache.DiskCache{}, b)
	require.NotNil(t, sweep)
	n, err := sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	b.Close()

	b, _, err = openCache(ctx, &CacheConfig{Backend: "disk", Dir: t.TempDir(), MemSize: 8}, lg)
	require.NoError(t, err)
	assert.IsType(t, &cache.Tiered{}, b)
	b.Close()

	_, _, err = openCache(ctx, &CacheConfig{Backend: "memcached"}, lg)
	assert.Error(t, err)
	_, _, err = openCache(ctx, &CacheConfig{Backend: "redis", Redis: "://bad"}, lg)
	assert.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestApp_RunServer(t *testing.T) {
	env := newCLIEnv(t)
	cfg, _, err := loadConfig(env.cfgPath)
	require.NoError(t, err)
	cfg.API.HTTP = freeAddr(t)

	a, err := NewApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	errs := make(chan error, 1)
	go func() { errs <- a.RunServer() }()

	get := func(path string) (int, string) {
		var resp *http.Response
		require.Eventually(t, func() bool {
			resp, err = http.Get("http://" + cfg.API.HTTP + path)
			return err == nil
		}, 2*time.Second, 10*time.Millisecond)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "healthy")

	code, body = get("/api/v1/companies/320193/concepts/us-gaap/Assets")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "352583000000")

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "secdata_fetch_cache_misses_total 1")

	a.GetSafeClose().SendCloseSignal(nil)
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
