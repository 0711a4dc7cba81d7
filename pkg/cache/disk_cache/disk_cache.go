// Package disk_cache stores entries as one file per key under a directory.
// Writes go to a temporary file that is renamed over the target, so readers
// see either the old or the new entry.
package disk_cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/cache"
)

const (
	fileExt     = ".entry"
	tmpPrefix   = ".tmp-"
	maxNameLen  = 240
	dirPerm     = 0o755
	defaultPerm = 0o644
)

var nopLogger = zap.NewNop()

type DiskCacheOpts struct {
	// Dir is created if it does not exist. Required.
	Dir string

	// Now is the clock used for expiry. Default is time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

func (opts *DiskCacheOpts) Init() error {
	if opts.Dir == "" {
		return errors.New("empty cache dir")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type DiskCache struct {
	opts DiskCacheOpts

	// mu orders Sweep against Store so a sweep never removes a file
	// that was replaced after it was inspected.
	mu sync.RWMutex
}

var _ cache.Backend = (*DiskCache)(nil)

func NewDiskCache(opts DiskCacheOpts) (*DiskCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DiskCache{opts: opts}, nil
}

func fileName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + fileExt
}

// keyOf returns the key encoded in name, ok is false for foreign files.
func keyOf(name string) (string, bool) {
	if strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (c *DiskCache) path(key string) string {
	return filepath.Join(c.opts.Dir, fileName(key))
}

func (c *DiskCache) Get(_ context.Context, key string) (*cache.Entry, bool, error) {
	b, err := os.ReadFile(c.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	e, err := cache.Unpack(key, b)
	if err != nil {
		c.opts.Logger.Warn("corrupted cache file", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	if !e.Fresh(c.opts.Now()) {
		return nil, false, nil
	}
	return e, true, nil
}

func (c *DiskCache) Store(_ context.Context, e *cache.Entry) error {
	name := fileName(e.Key)
	if len(name) > maxNameLen {
		return fmt.Errorf("key too long for disk cache: %d bytes", len(e.Key))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.CreateTemp(c.opts.Dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(cache.Pack(e))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, defaultPerm)
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(c.opts.Dir, name))
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write cache file: %w", err)
	}
	return nil
}

func (c *DiskCache) Invalidate(_ context.Context, pattern string) (int, error) {
	removed := 0
	err := c.each(func(key, p string) error {
		if !cache.Match(key, pattern) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			c.opts.Logger.Warn("failed to remove cache file", zap.String("key", key), zap.Error(err))
			return nil
		}
		removed++
		return nil
	})
	return removed, err
}

// Sweep removes expired and unreadable entries.
func (c *DiskCache) Sweep() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	removed := 0
	err := c.each(func(key, p string) error {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		if e, err := cache.Unpack(key, b); err == nil && e.Fresh(now) {
			return nil
		}
		if os.Remove(p) == nil {
			removed++
		}
		return nil
	})
	return removed, err
}

func (c *DiskCache) Len() int {
	n := 0
	c.each(func(string, string) error {
		n++
		return nil
	})
	return n
}

func (c *DiskCache) Close() error {
	return nil
}

func (c *DiskCache) each(f func(key, path string) error) error {
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return err
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		key, ok := keyOf(de.Name())
		if !ok {
			continue
		}
		if err := f(key, filepath.Join(c.opts.Dir, de.Name())); err != nil {
			return err
		}
	}
	return nil
}
