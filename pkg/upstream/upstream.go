// Package upstream performs single HTTP GETs against the filing data provider
// and classifies every failure into an errkind.Kind. It does not retry.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/errkind"
	"github.com/pmkol/secdata/pkg/pool"
)

const (
	DefaultBaseURL     = "https://data.sec.gov"
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 256 << 20
)

var nopLogger = zap.NewNop()

type UpstreamOpts struct {
	// BaseURL is prepended to relative endpoints. Default is DefaultBaseURL.
	BaseURL string

	// UserAgent identifies the caller to the provider, which rejects
	// anonymous requests. Required.
	UserAgent string

	// Timeout is the deadline of one request. Default is 30s.
	Timeout time.Duration

	// MaxBodySize bounds the response body. Default is 256MiB.
	MaxBodySize int64

	// Client defaults to a client with its own transport.
	Client *http.Client

	Logger *zap.Logger
}

func (opts *UpstreamOpts) Init() error {
	if strings.TrimSpace(opts.UserAgent) == "" {
		return errors.New("empty user agent")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Upstream struct {
	opts UpstreamOpts
}

func NewUpstream(opts UpstreamOpts) (*Upstream, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Upstream{opts: opts}, nil
}

// URL resolves endpoint against the base url. Absolute urls are kept.
func (u *Upstream) URL(endpoint string) string {
	if strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return u.opts.BaseURL + endpoint
}

// Get fetches endpoint and returns the response body of a 2xx response.
// Errors are *errkind.Error: a deadline hit by this request is Transient,
// cancellation of ctx itself is Canceled.
func (u *Upstream) Get(ctx context.Context, endpoint string) ([]byte, error) {
	urlStr := u.URL(endpoint)
	op := "GET " + urlStr

	reqCtx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, errkind.New(errkind.Validation, op, err)
	}
	req.Header.Set("User-Agent", u.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := u.opts.Client.Do(req)
	if err != nil {
		return nil, u.transportErr(ctx, op, err)
	}
	defer res.Body.Close()

	u.opts.Logger.Debug("upstream response",
		zap.String("url", urlStr),
		zap.Int("status", res.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.CopyN(io.Discard, res.Body, 4096)
		return nil, statusErr(op, res)
	}

	buf := pool.GetBuf()
	defer pool.ReleaseBuf(buf)
	if _, err := buf.ReadFrom(io.LimitReader(res.Body, u.opts.MaxBodySize+1)); err != nil {
		return nil, u.transportErr(ctx, op, err)
	}
	if int64(buf.Len()) > u.opts.MaxBodySize {
		return nil, &errkind.Error{
			Kind: errkind.Parse,
			Op:   op,
			Err:  fmt.Errorf("response exceeds maximum size of %d bytes", u.opts.MaxBodySize),
		}
	}
	if buf.Len() == 0 {
		return nil, &errkind.Error{Kind: errkind.Parse, Op: op, Err: errors.New("empty response")}
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (u *Upstream) transportErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errkind.New(errkind.Canceled, op, ctxErr)
	}
	return errkind.New(errkind.Transient, op, err)
}

func statusErr(op string, res *http.Response) *errkind.Error {
	e := &errkind.Error{
		Op:         op,
		StatusCode: res.StatusCode,
		Err:        errors.New(http.StatusText(res.StatusCode)),
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		e.Kind = errkind.NotFound
	case res.StatusCode == http.StatusTooManyRequests:
		e.Kind = errkind.RateLimited
		e.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"), time.Now())
	case res.StatusCode >= 500:
		e.Kind = errkind.Transient
	default:
		e.Kind = errkind.Client
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means no hint.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
