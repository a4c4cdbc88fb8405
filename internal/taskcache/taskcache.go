// Package taskcache implements the content-addressed cache described
// in spec §4.I: an in-process LRU keyed by task fingerprint, with an
// optional Redis-backed L2 tier so a cache warm stays useful across a
// server restart. A singleflight group collapses concurrent lookups
// for the same fingerprint into one underlying load.
package taskcache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// L2 is the optional cross-restart backing store. *cache.Client
// satisfies this with its Get/SetFingerprint methods.
type L2 interface {
	GetFingerprint(ctx context.Context, fingerprint string) ([]byte, error)
	SetFingerprint(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error
}

// Loader produces the value for a fingerprint on a cache miss.
type Loader[T any] func(ctx context.Context, fingerprint string) (T, error)

// Cache is a two-tier, singleflight-guarded cache for any
// JSON-serializable value keyed by task fingerprint.
type Cache[T any] struct {
	l1    *lru.Cache[string, T]
	l2    L2
	ttl   time.Duration
	group singleflight.Group
}

// New creates a cache with an L1 of the given size. l2 may be nil to
// run L1-only (the worker process's compile cache has no L2: it is
// per-process anyway).
func New[T any](size int, l2 L2, l2TTL time.Duration) (*Cache[T], error) {
	l1, err := lru.New[string, T](size)
	if err != nil {
		return nil, err
	}
	return &Cache[T]{l1: l1, l2: l2, ttl: l2TTL}, nil
}

// Get returns the cached value for fingerprint, loading it via load
// on a miss. Concurrent Get calls for the same fingerprint share one
// load invocation.
func (c *Cache[T]) Get(ctx context.Context, fingerprint string, load Loader[T]) (T, error) {
	if v, ok := c.l1.Get(fingerprint); ok {
		return v, nil
	}

	result, err, _ := c.group.Do(fingerprint, func() (any, error) {
		if v, ok := c.l1.Get(fingerprint); ok {
			return v, nil
		}
		if c.l2 != nil {
			if raw, err := c.l2.GetFingerprint(ctx, fingerprint); err == nil && raw != nil {
				var v T
				if err := json.Unmarshal(raw, &v); err == nil {
					c.l1.Add(fingerprint, v)
					return v, nil
				}
			}
		}
		v, err := load(ctx, fingerprint)
		if err != nil {
			return v, err
		}
		c.l1.Add(fingerprint, v)
		if c.l2 != nil {
			if raw, err := json.Marshal(v); err == nil {
				_ = c.l2.SetFingerprint(ctx, fingerprint, raw, c.ttl)
			}
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// l2Deleter is implemented by L2 backends that support eviction;
// *cache.Client satisfies it via DeleteFingerprint.
type l2Deleter interface {
	DeleteFingerprint(ctx context.Context, fingerprint string) error
}

// Invalidate evicts a fingerprint from both tiers (from L2 only when
// the backend implements DeleteFingerprint).
func (c *Cache[T]) Invalidate(ctx context.Context, fingerprint string) {
	c.l1.Remove(fingerprint)
	if d, ok := c.l2.(l2Deleter); ok {
		_ = d.DeleteFingerprint(ctx, fingerprint)
	}
}

// Len reports the current L1 occupancy, exposed for metrics.
func (c *Cache[T]) Len() int { return c.l1.Len() }
