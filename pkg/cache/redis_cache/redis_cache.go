package redis_cache

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/cache"
)

var nopLogger = zap.NewNop()

const scanCount = 256

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// Prefix is prepended to every key. Default is "secdata:".
	Prefix string

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.Prefix == "" {
		opts.Prefix = "secdata:"
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache keeps packed entries in redis with a native expiry equal to the
// entry ttl. After a client error it disables itself and pings in the
// background until redis answers again.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

var _ cache.Backend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{opts: opts}, nil
}

// Ping checks that redis is reachable.
func (r *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	return r.opts.Client.Ping(ctx).Err()
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				err := r.Ping(context.Background())
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis enabled again")
				return
			}
		}()
	}
}

func (r *RedisCache) redisKey(key string) string {
	return r.opts.Prefix + key
}

func (r *RedisCache) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	if r.disabled() {
		return nil, false, cache.ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		r.disableClient()
		return nil, false, err
	}

	e, err := cache.Unpack(key, b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	if !e.Fresh(time.Now()) {
		return nil, false, nil
	}
	return e, true, nil
}

// Store writes e with a single SET so readers never see a partial entry.
func (r *RedisCache) Store(ctx context.Context, e *cache.Entry) error {
	if r.disabled() {
		return cache.ErrDisabled
	}
	ttl := time.Until(e.ExpiresAt())
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.redisKey(e.Key), cache.Pack(e), ttl).Err(); err != nil {
		r.disableClient()
		return err
	}
	return nil
}

// Invalidate scans the prefix and deletes matching keys batch by batch.
func (r *RedisCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if r.disabled() {
		return 0, cache.ErrDisabled
	}
	match := escapeGlob(r.opts.Prefix) + "*"
	if pattern != "" {
		match = escapeGlob(r.opts.Prefix) + "*" + escapeGlob(pattern) + "*"
	}

	removed := 0
	var cursor uint64
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := r.opts.Client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// Len counts the keys under the prefix.
func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	n := 0
	var cursor uint64
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, escapeGlob(r.opts.Prefix)+"*", scanCount).Result()
		if err != nil {
			r.opts.Logger.Error("redis scan", zap.Error(err))
			return n
		}
		n += len(keys)
		if next == 0 {
			return n
		}
		cursor = next
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
