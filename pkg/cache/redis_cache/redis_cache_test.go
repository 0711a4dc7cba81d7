package redis_cache

import (
	"context"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/secdata/pkg/cache"
)

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `secdata:`, escapeGlob("secdata:"))
	assert.Equal(t, `a\*b\?c\[d\]\\`, escapeGlob(`a*b?c[d]\`))
}

func TestRedisCacheOpts_Init(t *testing.T) {
	_, err := NewRedisCache(RedisCacheOpts{})
	require.Error(t, err)

	c, err := NewRedisCache(RedisCacheOpts{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})})
	require.NoError(t, err)
	assert.Equal(t, "secdata:company-info:0000028917", c.redisKey("company-info:0000028917"))
}

func TestRedisCache_DisabledAfterError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	c, err := NewRedisCache(RedisCacheOpts{Client: client})
	require.NoError(t, err)

	ctx := context.Background()
	_, ok, err := c.Get(ctx, "k")
	require.Error(t, err)
	assert.False(t, ok)

	// Further calls fail fast until the background ping succeeds.
	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, cache.ErrDisabled)
	_, err = c.Invalidate(ctx, "")
	assert.ErrorIs(t, err, cache.ErrDisabled)
}

// fakeRedis keeps values in a map and serves SCAN two keys per page.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string][]byte
	ttl  map[string]time.Duration
	snap []string
	dels int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte), ttl: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(b), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Scan(_ context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cursor == 0 {
		f.snap = f.snap[:0]
		for k := range f.data {
			f.snap = append(f.snap, k)
		}
		sort.Strings(f.snap)
	}
	const page = 2
	end := int(cursor) + page
	next := uint64(end)
	if end >= len(f.snap) {
		end, next = len(f.snap), 0
	}
	var keys []string
	for _, k := range f.snap[cursor:end] {
		if ok, _ := path.Match(match, k); ok {
			keys = append(keys, k)
		}
	}
	return redis.NewScanCmdResult(keys, next, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dels++
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			delete(f.ttl, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisCache_StoreGetInvalidate(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	c, err := NewRedisCache(RedisCacheOpts{Client: fr})
	require.NoError(t, err)

	now := time.Now()
	keys := []string{
		"company-tickers",
		"company-info:0000028917",
		"concept:0000028917:us-gaap:Assets",
		"facts:0000028917",
		"frames:us-gaap:Assets:USD:CY2023Q4I",
	}
	for _, k := range keys {
		require.NoError(t, c.Store(ctx, cache.NewEntry(k, []byte("payload of "+k), 6*time.Hour, now)))
	}
	assert.Equal(t, len(keys), c.Len())

	// Redis expires the key with the entry.
	ttl := fr.ttl["secdata:company-info:0000028917"]
	assert.InDelta(t, float64(6*time.Hour), float64(ttl), float64(time.Second))

	e, ok, err := c.Get(ctx, "company-info:0000028917")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload of company-info:0000028917"), e.Payload)
	assert.EqualValues(t, 6*3600, e.TTLSeconds)

	n, err := c.Invalidate(ctx, "company-info")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, err = c.Get(ctx, "company-info:0000028917")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, "concept:0000028917:us-gaap:Assets")
	require.NoError(t, err)
	assert.True(t, ok)

	// Patterns are literal, not globs.
	n, err = c.Invalidate(ctx, "*")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.Invalidate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, len(keys)-1, n)
	assert.Zero(t, c.Len())
}

func TestRedisCache_Expiry(t *testing.T) {
	ctx := context.Background()
	fr := newFakeRedis()
	c, err := NewRedisCache(RedisCacheOpts{Client: fr})
	require.NoError(t, err)

	// Already expired entries are not written.
	old := cache.NewEntry("facts:0000320193", []byte("x"), time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, c.Store(ctx, old))
	assert.Empty(t, fr.data)

	// An expired value that redis still returns is a miss.
	fr.data["secdata:facts:0000320193"] = cache.Pack(old)
	_, ok, err := c.Get(ctx, "facts:0000320193")
	require.NoError(t, err)
	assert.False(t, ok)

	// So is a value that does not unpack.
	fr.data["secdata:facts:0000320193"] = []byte{1}
	_, ok, err = c.Get(ctx, "facts:0000320193")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.disabled())
}
