package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Level is one layer of a MultiLevelCache.
type Level struct {
	Name  string
	Cache FastCache
	// TTL used when promoting a hit from a lower level into this one.
	TTL time.Duration
}

// MultiLevelCache stacks fast caches, typically the in-process LRU in front
// of the shared Redis tier. Reads walk levels in order and promote hits
// upward; writes and deletes go to every level.
type MultiLevelCache struct {
	levels []Level
	now    func() time.Time

	mu    sync.Mutex
	stats MultiLevelStats
}

// MultiLevelStats tracks per-level hits.
type MultiLevelStats struct {
	TotalHits   uint64            `json:"total_hits"`
	TotalMisses uint64            `json:"total_misses"`
	LevelHits   map[string]uint64 `json:"level_hits"`
	Errors      uint64            `json:"errors"`
	HitRatio    float64           `json:"hit_ratio"`
}

// NewMultiLevelCache builds a cache over levels, highest priority first.
func NewMultiLevelCache(levels ...Level) (*MultiLevelCache, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("multi-level cache needs at least one level")
	}
	for i, level := range levels {
		if level.Cache == nil {
			return nil, fmt.Errorf("cache level %d (%s) has no cache", i, level.Name)
		}
	}

	return &MultiLevelCache{
		levels: levels,
		now:    time.Now,
		stats:  MultiLevelStats{LevelHits: make(map[string]uint64)},
	}, nil
}

// Get returns the first hit. A level that errors is skipped; the error is
// returned only when no level hits.
func (c *MultiLevelCache) Get(ctx context.Context, key string) (FastHit, bool, error) {
	var errs *multierror.Error

	for i, level := range c.levels {
		hit, ok, err := level.Cache.Get(ctx, key)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", level.Name, err))
			continue
		}
		if !ok {
			continue
		}

		c.recordHit(level.Name)
		if i > 0 {
			c.promote(ctx, key, hit, i)
		}
		return hit, true, nil
	}

	c.recordMiss(errs != nil)
	return FastHit{}, false, errs.ErrorOrNil()
}

// Set writes to every level.
func (c *MultiLevelCache) Set(ctx context.Context, key string, data []byte, contentType string, ttl time.Duration) error {
	var errs *multierror.Error
	for _, level := range c.levels {
		if err := level.Cache.Set(ctx, key, data, contentType, ttl); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", level.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// Delete removes key from every level.
func (c *MultiLevelCache) Delete(ctx context.Context, key string) error {
	var errs *multierror.Error
	for _, level := range c.levels {
		if err := level.Cache.Delete(ctx, key); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", level.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// Stats returns a snapshot of hit counters.
func (c *MultiLevelCache) Stats() MultiLevelStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.LevelHits = make(map[string]uint64, len(c.stats.LevelHits))
	for name, hits := range c.stats.LevelHits {
		stats.LevelHits[name] = hits
	}
	return stats
}

// promote copies a hit found at level found into every level above it, for
// whatever is left of that level's TTL. Promotion failures are ignored.
func (c *MultiLevelCache) promote(ctx context.Context, key string, hit FastHit, found int) {
	for i := 0; i < found; i++ {
		ttl := c.levels[i].TTL
		if ttl > 0 && !hit.CachedAt.IsZero() {
			ttl -= c.now().Sub(hit.CachedAt)
			if ttl <= 0 {
				continue
			}
		}
		_ = c.levels[i].Cache.Set(ctx, key, hit.Data, hit.ContentType, ttl)
	}
}

func (c *MultiLevelCache) recordHit(levelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalHits++
	c.stats.LevelHits[levelName]++
	c.updateHitRatio()
}

func (c *MultiLevelCache) recordMiss(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalMisses++
	if failed {
		c.stats.Errors++
	}
	c.updateHitRatio()
}

func (c *MultiLevelCache) updateHitRatio() {
	total := c.stats.TotalHits + c.stats.TotalMisses
	if total > 0 {
		c.stats.HitRatio = float64(c.stats.TotalHits) / float64(total)
	}
}
