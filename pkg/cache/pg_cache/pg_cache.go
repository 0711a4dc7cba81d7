// Package pg_cache keeps cache entries in a postgres table.
package pg_cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/cache"
)

var nopLogger = zap.NewNop()

const defaultTable = "secdata_cache"

type PgCacheOpts struct {
	// DB cannot be nil.
	DB *sql.DB

	// Table is created on start if missing. Default is "secdata_cache".
	Table string

	// QueryTimeout bounds every statement. Default is 5s.
	QueryTimeout time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

func (opts *PgCacheOpts) Init() error {
	if opts.DB == nil {
		return errors.New("nil db")
	}
	if opts.Table == "" {
		opts.Table = defaultTable
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type queries struct {
	create, get, upsert, deleteMatching, deleteAll, count, sweep string
}

func buildQueries(table string) queries {
	t := pq.QuoteIdentifier(table)
	return queries{
		create: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	payload BYTEA NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL,
	ttl_seconds BIGINT NOT NULL
)`, t),
		get: fmt.Sprintf(`SELECT payload, stored_at, ttl_seconds FROM %s WHERE key = $1`, t),
		upsert: fmt.Sprintf(`INSERT INTO %s (key, payload, stored_at, ttl_seconds) VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, stored_at = EXCLUDED.stored_at, ttl_seconds = EXCLUDED.ttl_seconds`, t),
		deleteMatching: fmt.Sprintf(`DELETE FROM %s WHERE strpos(key, $1) > 0`, t),
		deleteAll:      fmt.Sprintf(`DELETE FROM %s`, t),
		count:          fmt.Sprintf(`SELECT count(*) FROM %s`, t),
		sweep:          fmt.Sprintf(`DELETE FROM %s WHERE stored_at + ttl_seconds * interval '1 second' <= $1`, t),
	}
}

type PgCache struct {
	opts PgCacheOpts
	q    queries
}

var _ cache.Backend = (*PgCache)(nil)

// Open connects to dsn with the lib/pq driver.
func Open(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func NewPgCache(ctx context.Context, opts PgCacheOpts) (*PgCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	c := &PgCache{opts: opts, q: buildQueries(opts.Table)}
	ctx, cancel := context.WithTimeout(ctx, opts.QueryTimeout)
	defer cancel()
	if _, err := opts.DB.ExecContext(ctx, c.q.create); err != nil {
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return c, nil
}

func (c *PgCache) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	var (
		compressed []byte
		e          = &cache.Entry{Key: key}
	)
	err := c.opts.DB.QueryRowContext(ctx, c.q.get, key).Scan(&compressed, &e.StoredAt, &e.TTLSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !e.Fresh(c.opts.Now()) {
		return nil, false, nil
	}
	if e.Payload, err = cache.DecompressPayload(compressed); err != nil {
		c.opts.Logger.Warn("corrupted cache row", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return e, true, nil
}

func (c *PgCache) Store(ctx context.Context, e *cache.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()
	_, err := c.opts.DB.ExecContext(ctx, c.q.upsert, e.Key, cache.CompressPayload(e.Payload), e.StoredAt, e.TTLSeconds)
	return err
}

func (c *PgCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if pattern == "" {
		res, err = c.opts.DB.ExecContext(ctx, c.q.deleteAll)
	} else {
		res, err = c.opts.DB.ExecContext(ctx, c.q.deleteMatching, pattern)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Sweep deletes expired rows.
func (c *PgCache) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()
	res, err := c.opts.DB.ExecContext(ctx, c.q.sweep, c.opts.Now())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c *PgCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.QueryTimeout)
	defer cancel()
	var n int
	if err := c.opts.DB.QueryRowContext(ctx, c.q.count).Scan(&n); err != nil {
		c.opts.Logger.Error("count cache rows", zap.Error(err))
		return 0
	}
	return n
}

func (c *PgCache) Close() error {
	return c.opts.DB.Close()
}
