package cache

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// Tiered puts a non-durable front backend (usually mem_cache) in front of a
// durable one. The durable backend is the source of truth: its errors are
// returned, front errors are only logged.
type Tiered struct {
	front   Backend
	durable Backend
	logger  *zap.Logger
}

func NewTiered(front, durable Backend, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = nopLogger
	}
	return &Tiered{front: front, durable: durable, logger: logger}
}

func (t *Tiered) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if e, ok, err := t.front.Get(ctx, key); err == nil && ok {
		return e, true, nil
	}
	e, ok, err := t.durable.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := t.front.Store(ctx, e); err != nil {
		t.logger.Debug("front cache promote failed", zap.String("key", key), zap.Error(err))
	}
	return e, true, nil
}

func (t *Tiered) Store(ctx context.Context, e *Entry) error {
	err := t.durable.Store(ctx, e)
	if ferr := t.front.Store(ctx, e); ferr != nil {
		t.logger.Debug("front cache store failed", zap.String("key", e.Key), zap.Error(ferr))
	}
	return err
}

// Invalidate clears the front tier before and after the durable one, so an
// entry a concurrent Get promoted while the durable tier was cleared does
// not survive.
func (t *Tiered) Invalidate(ctx context.Context, pattern string) (int, error) {
	t.invalidateFront(ctx, pattern)
	n, err := t.durable.Invalidate(ctx, pattern)
	t.invalidateFront(ctx, pattern)
	return n, err
}

func (t *Tiered) invalidateFront(ctx context.Context, pattern string) {
	if _, err := t.front.Invalidate(ctx, pattern); err != nil {
		t.logger.Debug("front cache invalidate failed", zap.String("pattern", pattern), zap.Error(err))
	}
}

func (t *Tiered) Len() int {
	return t.durable.Len()
}

func (t *Tiered) Close() error {
	return errors.Join(t.front.Close(), t.durable.Close())
}
