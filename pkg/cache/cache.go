package cache

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrDisabled is returned by backends that are temporarily unreachable.
var ErrDisabled = errors.New("cache backend temporarily disabled")

// Entry is one cached provider payload. Entries are never modified after
// they are stored; a refresh stores a new Entry under the same key.
type Entry struct {
	Key        string
	Payload    []byte
	StoredAt   time.Time
	TTLSeconds int64
}

func NewEntry(key string, payload []byte, ttl time.Duration, now time.Time) *Entry {
	return &Entry{
		Key:        key,
		Payload:    payload,
		StoredAt:   now,
		TTLSeconds: int64(ttl / time.Second),
	}
}

// ExpiresAt is StoredAt + TTLSeconds, the only expiry input.
func (e *Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Fresh reports whether e may still be served at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

type Backend interface {
	// Get returns the entry stored under key.
	// ok is false if there is no entry or the entry has expired.
	// A non-nil err means the store could not be queried.
	Get(ctx context.Context, key string) (e *Entry, ok bool, err error)

	// Store replaces any entry under e.Key. Concurrent readers observe
	// either the previous entry or e, never a partial write.
	Store(ctx context.Context, e *Entry) error

	// Invalidate removes all entries whose key contains pattern. An empty
	// pattern removes everything. It returns the number of entries removed.
	Invalidate(ctx context.Context, pattern string) (int, error)

	Len() int

	io.Closer
}

// Match reports whether key is selected by an Invalidate pattern.
func Match(key, pattern string) bool {
	return pattern == "" || strings.Contains(key, pattern)
}
