// Package concurrent_lru shards lru.LRU behind per-shard mutexes. Both
// bounds of the lru options apply to each shard separately.
package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/pmkol/secdata/pkg/lru"
)

type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*ConcurrentLRU[string, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

func NewShardedLRU[V any](shardNum int, perShard lru.Opts[string, V]) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	cl := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*ConcurrentLRU[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cl.l {
		cl.l[i] = NewConcurrentLRU(perShard)
	}
	return cl
}

func (c *ShardedLRU[V]) shard(key string) *ConcurrentLRU[string, V] {
	return c.l[maphash.String(c.seed, key)&c.mask]
}

// Add reports false if v was too costly to be stored.
func (c *ShardedLRU[V]) Add(key string, v V) bool {
	return c.shard(key).Add(key, v)
}

func (c *ShardedLRU[V]) Del(key string) bool {
	return c.shard(key).Del(key)
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	return c.shard(key).Get(key)
}

// Clean runs f against every shard in turn. Each shard is locked only while
// it is being cleaned.
func (c *ShardedLRU[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range c.l {
		removed += shard.Clean(f)
	}
	return removed
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

func (c *ShardedLRU[V]) Cost() int64 {
	var sum int64
	for _, shard := range c.l {
		sum += shard.Cost()
	}
	return sum
}

type ConcurrentLRU[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](opts lru.Opts[K, V]) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{lru: lru.NewLRU(opts)}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Add(key, v)
}

func (c *ConcurrentLRU[K, V]) Del(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Del(key)
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.mu.Lock()
	v, ok = c.lru.Get(key)
	c.mu.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Clean(f func(key K, v V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Clean(f)
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *ConcurrentLRU[K, V]) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Cost()
}
