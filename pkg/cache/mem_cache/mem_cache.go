package mem_cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pmkol/secdata/pkg/cache"
	"github.com/pmkol/secdata/pkg/concurrent_lru"
	"github.com/pmkol/secdata/pkg/lru"
)

const (
	shardSize              = 64
	minSizePerShard        = 16
	defaultCleanerInterval = time.Minute
)

type MemCacheOpts struct {
	// Size is the approximate number of entries kept. Required.
	Size int

	// MaxBytes bounds the summed payload size. An entry larger than
	// MaxBytes/64 is not kept in memory at all. Zero means no bound.
	MaxBytes int64

	// CleanerInterval starts a goroutine that drops expired entries.
	// Zero disables it, a negative value uses one minute.
	CleanerInterval time.Duration
}

// MemCache is an in-process LRU of entries. It does not survive a restart
// and must only be used as the front of cache.Tiered.
type MemCache struct {
	closed           uint32
	closeCleanerChan chan struct{}
	lru              *concurrent_lru.ShardedLRU[*cache.Entry]
	now              func() time.Time
}

var _ cache.Backend = (*MemCache)(nil)

func NewMemCache(opts MemCacheOpts) *MemCache {
	sizePerShard := opts.Size / shardSize
	if sizePerShard < minSizePerShard {
		sizePerShard = minSizePerShard
	}
	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		lru: concurrent_lru.NewShardedLRU(shardSize, lru.Opts[string, *cache.Entry]{
			MaxSize: sizePerShard,
			MaxCost: opts.MaxBytes / shardSize,
			Cost:    entryCost,
		}),
		now: time.Now,
	}
	if opts.CleanerInterval != 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c
}

func entryCost(e *cache.Entry) int64 {
	return int64(len(e.Key) + len(e.Payload))
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Get(_ context.Context, key string) (*cache.Entry, bool, error) {
	if c.isClosed() {
		return nil, false, nil
	}
	e, ok := c.lru.Get(key)
	if !ok || !e.Fresh(c.now()) {
		return nil, false, nil
	}
	return e, true, nil
}

// Store keeps e itself; callers must not modify e or its payload afterwards.
// An entry over the per shard byte budget is silently skipped.
func (c *MemCache) Store(_ context.Context, e *cache.Entry) error {
	if c.isClosed() {
		return nil
	}
	c.lru.Add(e.Key, e)
	return nil
}

// Bytes is the summed size of the cached keys and payloads.
func (c *MemCache) Bytes() int64 {
	return c.lru.Cost()
}

func (c *MemCache) Invalidate(_ context.Context, pattern string) (int, error) {
	return c.lru.Clean(func(key string, _ *cache.Entry) bool {
		return cache.Match(key, pattern)
	}), nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemCache) Sweep() int {
	now := c.now()
	return c.lru.Clean(func(_ string, e *cache.Entry) bool {
		return !e.Fresh(now)
	})
}

func (c *MemCache) startCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
