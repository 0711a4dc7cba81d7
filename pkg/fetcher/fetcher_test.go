package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/secdata/pkg/cache"
	"github.com/pmkol/secdata/pkg/cache/mem_cache"
	"github.com/pmkol/secdata/pkg/errkind"
	"github.com/pmkol/secdata/pkg/rate_limiter"
	"github.com/pmkol/secdata/pkg/retry"
)

const testKey = "facts:0000320193"

type fakeUpstream struct {
	calls atomic.Int32
	mu    sync.Mutex
	at    []time.Time
	fn    func(ctx context.Context, n int) ([]byte, error)
}

func (u *fakeUpstream) Get(ctx context.Context, _ string) ([]byte, error) {
	n := int(u.calls.Add(1))
	u.mu.Lock()
	u.at = append(u.at, time.Now())
	u.mu.Unlock()
	return u.fn(ctx, n)
}

func ok(payload string) func(context.Context, int) ([]byte, error) {
	return func(context.Context, int) ([]byte, error) { return []byte(payload), nil }
}

func testRequest() Request {
	return Request{
		Key:      testKey,
		Endpoint: func(key string) (string, error) { return "/" + key, nil },
		TTL:      time.Hour,
	}
}

func newTestClient(t *testing.T, c cache.Backend, u Upstream, reg prometheus.Registerer) *Client {
	t.Helper()
	if c == nil {
		mc := mem_cache.NewMemCache(mem_cache.MemCacheOpts{Size: 1024})
		t.Cleanup(func() { mc.Close() })
		c = mc
	}
	l, err := rate_limiter.NewLimiter(rate_limiter.LimiterOpts{Rate: 1000})
	require.NoError(t, err)
	client, err := NewClient(ClientOpts{
		Cache:      c,
		Upstream:   u,
		Limiter:    l,
		Policy:     &retry.Policy{MaxRetries: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second, MaxRetryAfter: time.Second},
		MetricsReg: reg,
	})
	require.NoError(t, err)
	return client
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var v float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			v += m.GetCounter().GetValue()
		}
	}
	return v
}

func TestClient_SecondFetchHitsCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	u := &fakeUpstream{fn: ok(`{"cik":320193}`)}
	c := newTestClient(t, nil, u, reg)

	b, err := c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"cik":320193}`, string(b))

	b, err = c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"cik":320193}`, string(b))

	assert.EqualValues(t, 1, u.calls.Load())
	assert.Equal(t, 1.0, counterValue(t, reg, "fetch_cache_hits_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "fetch_cache_misses_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "fetch_upstream_requests_total"))
}

func TestClient_ConcurrentCallersShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		<-release
		return []byte("payload"), nil
	}}
	c := newTestClient(t, nil, u, nil)

	const n = 32
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(context.Background(), testRequest())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, u.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "payload", string(results[i]))
	}
	assert.Equal(t, 0, c.InFlight())
}

func TestClient_SubscribersShareFailure(t *testing.T) {
	release := make(chan struct{})
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		<-release
		return nil, &errkind.Error{Kind: errkind.NotFound, StatusCode: 404}
	}}
	c := newTestClient(t, nil, u, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Fetch(context.Background(), testRequest())
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, u.calls.Load())
	for _, err := range errs {
		assert.Same(t, errs[0], err)
		assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
	}
}

func TestClient_RetriesRateLimited(t *testing.T) {
	reg := prometheus.NewRegistry()
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		if n <= 2 {
			return nil, &errkind.Error{Kind: errkind.RateLimited, StatusCode: 429}
		}
		return []byte("ok"), nil
	}}
	c := newTestClient(t, nil, u, reg)

	b, err := c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))
	require.EqualValues(t, 3, u.calls.Load())

	first := u.at[1].Sub(u.at[0])
	second := u.at[2].Sub(u.at[1])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, second, 40*time.Millisecond)
	assert.Equal(t, 2.0, counterValue(t, reg, "fetch_retries_total"))

	// Now cached.
	_, err = c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 3, u.calls.Load())
}

func TestClient_RetryAfterHint(t *testing.T) {
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		if n == 1 {
			return nil, &errkind.Error{Kind: errkind.RateLimited, StatusCode: 429, RetryAfter: 100 * time.Millisecond}
		}
		return []byte("ok"), nil
	}}
	c := newTestClient(t, nil, u, nil)

	_, err := c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u.at[1].Sub(u.at[0]), 100*time.Millisecond)
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		return nil, &errkind.Error{Kind: errkind.NotFound, StatusCode: 404}
	}}
	c := newTestClient(t, nil, u, nil)

	_, err := c.Fetch(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
	assert.EqualValues(t, 1, u.calls.Load())

	var e *errkind.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, testKey, e.Key)

	// Failures are never cached.
	_, err = c.Fetch(context.Background(), testRequest())
	require.Error(t, err)
	assert.EqualValues(t, 2, u.calls.Load())
}

func TestClient_RetriesExhausted(t *testing.T) {
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		return nil, &errkind.Error{Kind: errkind.Transient, StatusCode: 503}
	}}
	c := newTestClient(t, nil, u, nil)
	c.opts.Policy = &retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	_, err := c.Fetch(context.Background(), testRequest())
	assert.Equal(t, errkind.Transient, errkind.KindOf(err))
	assert.EqualValues(t, 3, u.calls.Load())
}

func TestClient_ValidateRejects(t *testing.T) {
	u := &fakeUpstream{fn: ok("<html>")}
	c := newTestClient(t, nil, u, nil)

	req := testRequest()
	req.Validate = func(p []byte) error { return errors.New("not json") }
	_, err := c.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errkind.Parse, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "<html>")
	assert.EqualValues(t, 1, u.calls.Load())

	_, ok, _ := c.Cache().Get(context.Background(), testKey)
	assert.False(t, ok)
}

func TestClient_WaiterCancel(t *testing.T) {
	release := make(chan struct{})
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		<-release
		return []byte("payload"), nil
	}}
	c := newTestClient(t, nil, u, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctxA, testRequest())
		errA <- err
	}()

	resB := make(chan []byte, 1)
	go func() {
		b, err := c.Fetch(context.Background(), testRequest())
		assert.NoError(t, err)
		resB <- b
	}()

	time.Sleep(30 * time.Millisecond)
	cancelA()
	select {
	case err := <-errA:
		assert.Equal(t, errkind.Canceled, errkind.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("canceled waiter did not return")
	}

	close(release)
	assert.Equal(t, "payload", string(<-resB))
	assert.EqualValues(t, 1, u.calls.Load())
}

func TestClient_AllWaitersCancel(t *testing.T) {
	abandoned := make(chan struct{})
	u := &fakeUpstream{fn: func(ctx context.Context, n int) ([]byte, error) {
		if n == 1 {
			<-ctx.Done()
			close(abandoned)
			return nil, errkind.New(errkind.Canceled, "get", ctx.Err())
		}
		return []byte("fresh"), nil
	}}
	c := newTestClient(t, nil, u, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, testRequest())
	assert.Equal(t, errkind.Canceled, errkind.KindOf(err))

	select {
	case <-abandoned:
	case <-time.After(time.Second):
		t.Fatal("abandoned fetch was not canceled")
	}
	require.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	b, err := c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(b))
}

// slowUpstream takes d per call and records the peak number of calls in
// progress at once.
type slowUpstream struct {
	d      time.Duration
	calls  atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
	fn     func(ctx context.Context, n int) ([]byte, error)
}

func (u *slowUpstream) Get(ctx context.Context, _ string) ([]byte, error) {
	n := u.calls.Add(1)
	a := u.active.Add(1)
	defer u.active.Add(-1)
	for {
		p := u.peak.Load()
		if a <= p || u.peak.CompareAndSwap(p, a) {
			break
		}
	}
	time.Sleep(u.d)
	return u.fn(ctx, int(n))
}

func TestClient_AbandonedFetchKeepsKey(t *testing.T) {
	tests := []struct {
		name      string
		fn        func(ctx context.Context, n int) ([]byte, error)
		wantCalls int32
		want      string
	}{
		{
			name:      "upstream ignores cancel",
			fn:        ok("payload"),
			wantCalls: 1,
			want:      "payload",
		},
		{
			name: "upstream honors cancel",
			fn: func(ctx context.Context, n int) ([]byte, error) {
				if err := ctx.Err(); err != nil {
					return nil, errkind.New(errkind.Canceled, "get", err)
				}
				return []byte("fresh"), nil
			},
			wantCalls: 2,
			want:      "fresh",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &slowUpstream{d: 150 * time.Millisecond, fn: tt.fn}
			c := newTestClient(t, nil, u, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := c.Fetch(ctx, testRequest())
			require.Equal(t, errkind.Canceled, errkind.KindOf(err))
			assert.Equal(t, 1, c.InFlight())

			b, err := c.Fetch(context.Background(), testRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))
			assert.Equal(t, tt.wantCalls, u.calls.Load())
			assert.EqualValues(t, 1, u.peak.Load())
		})
	}
}

func TestClient_CanceledBeforeStart(t *testing.T) {
	u := &fakeUpstream{fn: ok("x")}
	c := newTestClient(t, nil, u, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, testRequest())
	assert.Equal(t, errkind.Canceled, errkind.KindOf(err))
	assert.EqualValues(t, 0, u.calls.Load())
}

type failingCache struct {
	cache.Backend
}

var errDown = errors.New("store is down")

func (failingCache) Get(context.Context, string) (*cache.Entry, bool, error) { return nil, false, errDown }
func (failingCache) Store(context.Context, *cache.Entry) error              { return errDown }

func TestClient_CacheErrorsDegrade(t *testing.T) {
	u := &fakeUpstream{fn: ok("payload")}
	c := newTestClient(t, failingCache{}, u, nil)

	b, err := c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	req := testRequest()
	req.RequirePersist = true
	_, err = c.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errkind.Cache, errkind.KindOf(err))
	assert.ErrorIs(t, err, errDown)
}

func TestClient_ExpiredEntryRefetched(t *testing.T) {
	now := time.Now()
	u := &fakeUpstream{fn: ok("v")}
	c := newTestClient(t, nil, u, nil)
	c.opts.Now = func() time.Time { return now }

	_, err := c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = c.Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.calls.Load())
}

func TestClient_InvalidRequest(t *testing.T) {
	c := newTestClient(t, nil, &fakeUpstream{fn: ok("x")}, nil)

	req := testRequest()
	req.TTL = 0
	_, err := c.Fetch(context.Background(), req)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))

	req = testRequest()
	req.Endpoint = func(string) (string, error) { return "", errors.New("bad key") }
	_, err = c.Fetch(context.Background(), req)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}
