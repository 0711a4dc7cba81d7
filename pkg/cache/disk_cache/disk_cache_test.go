package disk_cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/secdata/pkg/cache"
)

func newTestCache(t *testing.T, dir string) *DiskCache {
	t.Helper()
	c, err := NewDiskCache(DiskCacheOpts{Dir: dir})
	require.NoError(t, err)
	return c
}

func TestDiskCache_StoreGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, t.TempDir())

	payload := []byte(`{"units":{"USD":[{"end":"2023-12-31","val":1000}]}}`)
	require.NoError(t, c.Store(ctx, cache.NewEntry("concept:0000028917:us-gaap:Assets", payload, time.Hour, time.Now())))

	e, ok, err := c.Get(ctx, "concept:0000028917:us-gaap:Assets")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, e.Payload)
	assert.Equal(t, int64(3600), e.TTLSeconds)

	_, ok, err = c.Get(ctx, "concept:0000028917:us-gaap:Liabilities")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestDiskCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := newTestCache(t, dir)
	require.NoError(t, c.Store(ctx, cache.NewEntry("facts:0000320193", []byte("{}"), time.Hour, time.Now())))
	require.NoError(t, c.Close())

	c2 := newTestCache(t, dir)
	_, ok, err := c2.Get(ctx, "facts:0000320193")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDiskCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c, err := NewDiskCache(DiskCacheOpts{Dir: t.TempDir(), Now: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, c.Store(ctx, cache.NewEntry("k", []byte("v"), 10*time.Second, now)))
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(10 * time.Second) // storedAt + ttl is already expired
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)

	n, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Len())
}

func TestDiskCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, t.TempDir())
	now := time.Now()
	require.NoError(t, c.Store(ctx, cache.NewEntry("company-info:0000028917", []byte("a"), time.Hour, now)))
	require.NoError(t, c.Store(ctx, cache.NewEntry("concept:0000028917:Assets", []byte("b"), time.Hour, now)))

	n, err := c.Invalidate(ctx, "company-info")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := c.Get(ctx, "company-info:0000028917")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "concept:0000028917:Assets")
	assert.True(t, ok)

	n, err = c.Invalidate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Len())
}

func TestDiskCache_IgnoresForeignAndCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := newTestCache(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName("broken")), []byte("x"), 0o644))

	_, ok, err := c.Get(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	n, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(dir, "README"))
	assert.NoError(t, err)
}

func TestDiskCache_ConcurrentReplace(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, t.TempDir())
	a := bytes.Repeat([]byte("a"), 64<<10)
	b := bytes.Repeat([]byte("b"), 64<<10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p := a
			if i%2 == 1 {
				p = b
			}
			for j := 0; j < 20; j++ {
				require.NoError(t, c.Store(ctx, cache.NewEntry("k", p, time.Hour, time.Now())))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				e, ok, err := c.Get(ctx, "k")
				require.NoError(t, err)
				if ok {
					// never a mix of the two payloads
					require.True(t, bytes.Equal(e.Payload, a) || bytes.Equal(e.Payload, b))
				}
				c.Invalidate(ctx, "nomatch-"+strconv.Itoa(j))
			}
		}()
	}
	wg.Wait()
}

func TestDiskCache_Unreachable(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := NewDiskCache(DiskCacheOpts{Dir: filepath.Join(file, "sub")})
	require.Error(t, err)
}
