// Package rate_limiter paces outbound provider calls with a token bucket that
// is shared by every caller in the process.
package rate_limiter

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pmkol/secdata/pkg/pool"
)

var nopLogger = zap.NewNop()

type LimiterOpts struct {
	// Rate is the refill rate in tokens per second. Required.
	Rate float64

	// Burst is the bucket size. Default is ceil(Rate).
	Burst int

	// Now is the clock. Default is time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

func (opts *LimiterOpts) Init() error {
	if !(opts.Rate > 0) || math.IsInf(opts.Rate, 0) {
		return errors.New("rate must be a positive number")
	}
	if opts.Burst <= 0 {
		opts.Burst = int(math.Ceil(opts.Rate))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Limiter is a token bucket backed by rate.Limiter. Reservations are taken
// under the bucket's lock, so callers are served in the order they arrived.
// The token count may go negative; its magnitude is the queue of callers
// waiting for refill.
type Limiter struct {
	opts LimiterOpts
	lim  *rate.Limiter
}

func NewLimiter(opts LimiterOpts) (*Limiter, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Limiter{
		opts: opts,
		lim:  rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
	}, nil
}

// Reservation is one consumed token and the instant it becomes usable.
type Reservation struct {
	l  *Limiter
	r  *rate.Reservation
	At time.Time
}

// Delay returns how long the holder must wait from now.
func (r *Reservation) Delay() time.Duration {
	return r.At.Sub(r.l.opts.Now())
}

// Cancel returns the token if its instant has not been reached yet.
func (r *Reservation) Cancel() {
	r.r.CancelAt(r.l.opts.Now())
}

// Reserve takes one token and returns when it may be used. It never blocks.
func (l *Limiter) Reserve() *Reservation {
	now := l.opts.Now()
	r := l.lim.ReserveN(now, 1)
	return &Reservation{l: l, r: r, At: now.Add(r.DelayFrom(now))}
}

// Acquire blocks until one token is available and consumes it. If ctx ends
// first, the token is returned and ctx.Err() is returned.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := l.Reserve()
	d := r.Delay()
	if d <= 0 {
		return nil
	}
	l.opts.Logger.Debug("waiting for rate limit token", zap.Duration("delay", d))
	if err := pool.Sleep(ctx, d); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// Tokens returns the current token count. Negative means callers are queued.
func (l *Limiter) Tokens() float64 {
	return l.lim.TokensAt(l.opts.Now())
}

func (l *Limiter) Rate() float64 {
	return l.opts.Rate
}

func (l *Limiter) Burst() int {
	return l.lim.Burst()
}
