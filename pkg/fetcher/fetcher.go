// Package fetcher is the single entry point for provider payloads. It serves
// fresh entries from the cache, collapses concurrent fetches of the same key
// into one upstream call, paces calls with a shared limiter and retries
// failures according to a retry.Policy.
package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/secdata/pkg/cache"
	"github.com/pmkol/secdata/pkg/errkind"
	"github.com/pmkol/secdata/pkg/pool"
	"github.com/pmkol/secdata/pkg/retry"
)

var nopLogger = zap.NewNop()

// Upstream performs one provider request. *upstream.Upstream implements it.
type Upstream interface {
	Get(ctx context.Context, endpoint string) ([]byte, error)
}

// Limiter paces upstream requests. *rate_limiter.Limiter implements it.
type Limiter interface {
	Acquire(ctx context.Context) error
}

type ClientOpts struct {
	Cache    cache.Backend // required
	Upstream Upstream      // required
	Limiter  Limiter       // required

	// Policy defaults to retry.DefaultPolicy().
	Policy *retry.Policy

	// Now is the clock used to stamp and check entries. Default is time.Now.
	Now func() time.Time

	Logger *zap.Logger

	// MetricsReg is optional. Metrics are not exported if it is nil.
	MetricsReg prometheus.Registerer
}

func (opts *ClientOpts) Init() error {
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.Limiter == nil {
		return errors.New("nil limiter")
	}
	if opts.Policy == nil {
		p := retry.DefaultPolicy()
		opts.Policy = &p
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Request describes one cacheable provider resource.
type Request struct {
	Key string

	// Endpoint maps Key to the provider path or url.
	Endpoint func(key string) (string, error)

	// TTL of the stored entry. Must be at least one second.
	TTL time.Duration

	// Validate is optional. A payload it rejects is neither cached nor
	// retried. Errors without a kind are reported as Parse errors.
	Validate func(payload []byte) error

	// RequirePersist turns a failed cache write into a Cache error.
	RequirePersist bool
}

func (r *Request) check() error {
	const op = "fetch"
	switch {
	case r.Key == "":
		return errkind.Validationf(op, "empty cache key")
	case r.Endpoint == nil:
		return errkind.Validationf(op, "nil endpoint for key %s", r.Key)
	case r.TTL < time.Second:
		return errkind.Validationf(op, "ttl %s of key %s is shorter than one second", r.TTL, r.Key)
	}
	return nil
}

// flight counts the callers waiting on one singleflight call of a key.
type flight struct {
	ctx       context.Context
	cancel    context.CancelFunc
	waiters   int
	abandoned bool
}

type Client struct {
	opts ClientOpts
	m    *metrics

	sf singleflight.Group

	// mu guards inflight. A key has a flight exactly as long as it has a
	// singleflight call.
	mu       sync.Mutex
	inflight map[string]*flight
}

func NewClient(opts ClientOpts) (*Client, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Client{
		opts:     opts,
		m:        newMetrics(opts.MetricsReg),
		inflight: make(map[string]*flight),
	}, nil
}

// Cache returns the backend the client reads and writes.
func (c *Client) Cache() cache.Backend {
	return c.opts.Cache
}

// InFlight returns the number of keys currently being fetched.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Fetch returns the payload of req.Key, from the cache if a fresh entry
// exists, otherwise from the provider. Concurrent Fetch calls for the same
// key share one upstream fetch and receive the same result.
// If ctx ends first, Fetch returns a Canceled error; the shared fetch keeps
// running as long as another caller waits for it. A fetch abandoned by all
// of its callers still holds the key until it returns, so there is never
// more than one upstream fetch per key.
func (c *Client) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if err := req.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(req.Key, err)
	}

	if b, ok := c.lookup(ctx, req.Key); ok {
		c.m.cacheHits.Inc()
		return b, nil
	}
	c.m.cacheMisses.Inc()

	for {
		f, ch := c.join(ctx, req)
		select {
		case r := <-ch:
			if r.Err != nil {
				if c.isAbandoned(f) && ctx.Err() == nil {
					// Joined a fetch that its first callers gave up on.
					continue
				}
				return nil, r.Err
			}
			return r.Val.([]byte), nil
		case <-ctx.Done():
			c.leave(req.Key, f)
			return nil, canceled(req.Key, ctx.Err())
		}
	}
}

// join subscribes to the call of req.Key, starting it if there is none.
func (c *Client) join(ctx context.Context, req Request) (*flight, <-chan singleflight.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.inflight[req.Key]
	if ok {
		f.waiters++
		c.m.joins.Inc()
	} else {
		fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fetchCtx, cancel: cancel, waiters: 1}
		c.inflight[req.Key] = f
	}
	ch := c.sf.DoChan(req.Key, func() (any, error) {
		defer c.land(req.Key, f)
		return c.fetch(f.ctx, req)
	})
	return f, ch
}

// land removes the finished call of key. It runs inside the call, so the
// next join of key starts a new one.
func (c *Client) land(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.cancel()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	c.sf.Forget(key)
}

// leave unsubscribes one waiter. The last waiter to leave cancels the call.
// The call keeps its key until it returns.
func (c *Client) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 || f.abandoned || c.inflight[key] != f {
		return
	}
	f.abandoned = true
	f.cancel()
	c.opts.Logger.Debug("fetch abandoned by all callers", zap.String("key", key))
}

func (c *Client) isAbandoned(f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f.abandoned
}

func (c *Client) fetch(ctx context.Context, req Request) ([]byte, error) {
	// Another call may have stored the key between our lookup and the
	// start of this one.
	if b, ok := c.lookup(ctx, req.Key); ok {
		return b, nil
	}

	endpoint, err := req.Endpoint(req.Key)
	if err != nil {
		return nil, withKey(err, req.Key, errkind.Validation)
	}

	var st retry.State
	for {
		waitStart := time.Now()
		if err := c.opts.Limiter.Acquire(ctx); err != nil {
			return nil, canceled(req.Key, err)
		}
		c.m.limiterWait.Observe(time.Since(waitStart).Seconds())

		payload, err := c.opts.Upstream.Get(ctx, endpoint)
		if err == nil && req.Validate != nil {
			if verr := req.Validate(payload); verr != nil {
				if errkind.KindOf(verr) == errkind.Unknown {
					verr = errkind.ParseError("validate", req.Key, payload, verr)
				}
				err = verr
			}
		}
		if err == nil {
			c.m.requests.WithLabelValues("ok").Inc()
			return c.store(ctx, req, payload)
		}

		kind := errkind.KindOf(err)
		c.m.requests.WithLabelValues(kind.String()).Inc()
		if !c.opts.Policy.Next(&st, err) {
			if st.Attempt > 0 || kind.Retryable() {
				c.opts.Logger.Debug("giving up",
					zap.String("key", req.Key),
					zap.Int("retries", st.Attempt),
					zap.Error(err))
			}
			return nil, withKey(err, req.Key, errkind.Unknown)
		}
		c.m.retries.WithLabelValues(kind.String()).Inc()
		c.opts.Logger.Debug("retrying",
			zap.String("key", req.Key),
			zap.Int("attempt", st.Attempt),
			zap.Duration("delay", st.NextDelay),
			zap.Error(err))
		if err := pool.Sleep(ctx, st.NextDelay); err != nil {
			return nil, canceled(req.Key, err)
		}
	}
}

func (c *Client) store(ctx context.Context, req Request, payload []byte) ([]byte, error) {
	e := cache.NewEntry(req.Key, payload, req.TTL, c.opts.Now())
	if err := c.opts.Cache.Store(ctx, e); err != nil {
		c.m.cacheErrors.Inc()
		if req.RequirePersist {
			return nil, &errkind.Error{Kind: errkind.Cache, Op: "cache store", Key: req.Key, Err: err}
		}
		c.opts.Logger.Warn("failed to store cache entry", zap.String("key", req.Key), zap.Error(err))
	}
	return payload, nil
}

// lookup returns the payload of a fresh entry. A failing cache is a miss.
func (c *Client) lookup(ctx context.Context, key string) ([]byte, bool) {
	e, ok, err := c.opts.Cache.Get(ctx, key)
	if err != nil {
		c.m.cacheErrors.Inc()
		c.opts.Logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok || !e.Fresh(c.opts.Now()) {
		return nil, false
	}
	return e.Payload, true
}

func canceled(key string, err error) error {
	if errkind.Is(err, errkind.Canceled) {
		return withKey(err, key, errkind.Canceled)
	}
	return &errkind.Error{Kind: errkind.Canceled, Op: "fetch", Key: key, Err: err}
}

// withKey attaches key to err. Errors without a kind get kind k.
func withKey(err error, key string, k errkind.Kind) error {
	var e *errkind.Error
	if errors.As(err, &e) {
		if e.Key != "" {
			return err
		}
		cp := *e
		cp.Key = key
		return &cp
	}
	return &errkind.Error{Kind: k, Op: "fetch", Key: key, Err: err}
}
