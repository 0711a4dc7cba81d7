// Package retry decides whether a failed fetch attempt should be repeated.
package retry

import (
	"time"

	"github.com/pmkol/secdata/pkg/errkind"
)

const (
	defaultMaxRetries    = 3
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultMaxRetryAfter = time.Minute
)

type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// A negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxRetryAfter caps the provider's Retry-After hint.
	MaxRetryAfter time.Duration
}

// DefaultPolicy matches the provider's documented fair access policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    defaultMaxRetries,
		BaseDelay:     defaultBaseDelay,
		MaxDelay:      defaultMaxDelay,
		MaxRetryAfter: defaultMaxRetryAfter,
	}
}

// State is the per-call retry bookkeeping. Attempt counts retries already
// performed, so the first failure is evaluated with Attempt 0.
type State struct {
	Attempt   int
	Err       error
	NextDelay time.Duration
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

var giveUp = Decision{}

// Decide returns RetryAfter(delay) or GiveUp for the failure in s.
func (p Policy) Decide(s State) Decision {
	if !errkind.KindOf(s.Err).Retryable() {
		return giveUp
	}
	if s.Attempt >= p.MaxRetries {
		return giveUp
	}

	d := p.backoff(s.Attempt)
	if errkind.KindOf(s.Err) == errkind.RateLimited {
		if hint := errkind.RetryAfterOf(s.Err); hint > 0 {
			if p.MaxRetryAfter > 0 && hint > p.MaxRetryAfter {
				hint = p.MaxRetryAfter
			}
			if hint > d {
				d = hint
			}
		}
	}
	return Decision{Retry: true, Delay: d}
}

// Next applies Decide to s and advances it. ok is false on GiveUp.
func (p Policy) Next(s *State, err error) (ok bool) {
	s.Err = err
	d := p.Decide(*s)
	if !d.Retry {
		return false
	}
	s.Attempt++
	s.NextDelay = d.Delay
	return true
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
