package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Brownie44l1/segdist/internal/metrics"
	"github.com/Brownie44l1/segdist/internal/tally"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the tally for a directory.
type ComputeFunc func(ctx context.Context, dir string, size int) (*tally.Matrix, error)

// Cache wraps a ComputeFunc with a Store. A Cache with a nil Store computes
// on every call.
type Cache struct {
	store   Store
	compute ComputeFunc
	metrics *metrics.Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

// New returns a Cache. store may be nil to disable caching.
func New(store Store, compute ComputeFunc, m *metrics.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, compute: compute, metrics: m, logger: logger}
}

// Tally returns the cached tally for (dir, size) if one exists; otherwise it
// computes the tally, stores it and returns it. Stored entries are returned
// verbatim and are not checked against the directory's current contents.
func (c *Cache) Tally(ctx context.Context, dir string, size int) (*tally.Matrix, error) {
	key, err := NewKey(dir, size)
	if err != nil {
		return nil, err
	}
	log := c.logger.With("dir", key.Dir, "size", size)

	if c.store == nil {
		log.Debug("tally cache disabled")
		return c.compute(ctx, key.Dir, size)
	}

	m, err := c.store.Load(ctx, key)
	switch {
	case err == nil:
		c.metrics.CacheHit()
		log.Info("tally cache hit", "entry", key.Name())
		return m, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	c.metrics.CacheMiss()
	log.Info("tally cache miss", "entry", key.Name())

	// Concurrent misses on one key share a single computation.
	v, err, _ := c.group.Do(key.Name(), func() (interface{}, error) {
		if err := c.store.Prepare(ctx); err != nil {
			return nil, err
		}
		m, err := c.compute(ctx, key.Dir, size)
		if err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, key, m); err != nil {
			return nil, fmt.Errorf("saving tally for %s: %w", key.Dir, err)
		}
		c.metrics.CacheWrite()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tally.Matrix), nil
}
