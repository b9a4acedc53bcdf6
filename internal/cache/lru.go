package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is an in-process Tier 1 cache bounded by total bytes and entry
// count, with a TTL per entry and probabilistic early expiration on reads.
type LRUCache struct {
	mu          sync.Mutex
	capacity    int64
	currentSize int64
	items       map[string]*cacheItem
	evictList   *list.List

	config *CacheConfig
	early  *EarlyExpiration
	now    func() time.Time

	stats     Stats
	stopCh    chan struct{}
	closeOnce sync.Once
}

// CacheConfig represents in-process cache configuration
type CacheConfig struct {
	MaxSize         int64                 `yaml:"max_size"`
	MaxEntries      int                   `yaml:"max_entries"`
	TTL             time.Duration         `yaml:"ttl"`
	CleanupInterval time.Duration         `yaml:"cleanup_interval"`
	EarlyExpiration EarlyExpirationConfig `yaml:"early_expiration"`
}

// DefaultCacheConfig returns a 256 MiB, one hour cache.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:         256 * 1024 * 1024,
		MaxEntries:      10000,
		TTL:             time.Hour,
		CleanupInterval: time.Minute,
		EarlyExpiration: DefaultEarlyExpirationConfig(),
	}
}

type cacheItem struct {
	key         string
	data        []byte
	contentType string
	size        int64
	cachedAt    time.Time
	ttl         time.Duration
	element     *list.Element
}

// Option customises an LRUCache.
type Option func(*LRUCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *LRUCache) { c.now = now }
}

// WithEarlyExpiration replaces the early expiration decider built from config.
func WithEarlyExpiration(e *EarlyExpiration) Option {
	return func(c *LRUCache) { c.early = e }
}

// NewLRUCache creates a new LRU cache and starts its expiry sweep.
// Call Close to stop the sweep.
func NewLRUCache(config *CacheConfig, opts ...Option) *LRUCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}

	c := &LRUCache{
		capacity:  config.MaxSize,
		items:     make(map[string]*cacheItem),
		evictList: list.New(),
		config:    config,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stats:     Stats{Capacity: config.MaxSize},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.early == nil {
		c.early = NewEarlyExpiration(config.EarlyExpiration, nil)
	}

	go c.cleanupExpired()

	return c
}

// Get returns a copy of the entry for key. Expired entries are removed and
// reported as misses.
func (c *LRUCache) Get(_ context.Context, key string) (FastHit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		c.updateHitRate()
		return FastHit{}, false, nil
	}

	now := c.now()
	if c.isExpired(item, now) {
		c.removeItem(key)
		c.stats.Misses++
		c.updateHitRate()
		return FastHit{}, false, nil
	}

	c.evictList.MoveToFront(item.element)
	c.stats.Hits++
	c.updateHitRate()

	hit := FastHit{
		Data:        append([]byte(nil), item.data...),
		ContentType: item.contentType,
		Size:        item.size,
		CachedAt:    item.cachedAt,
		EarlyFetch:  c.early.ShouldRefresh(item.cachedAt, item.ttl, now),
	}
	if hit.EarlyFetch {
		c.stats.EarlyHits++
	}
	return hit, true, nil
}

// Set stores a copy of data under key, replacing any existing entry. A ttl of
// zero uses the configured default. Entries larger than the whole cache are
// not stored.
func (c *LRUCache) Set(_ context.Context, key string, data []byte, contentType string, ttl time.Duration) error {
	size := int64(len(data))
	if c.capacity > 0 && size > c.capacity {
		return nil
	}
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists {
		c.unlink(key)
	}

	item := &cacheItem{
		key:         key,
		data:        append([]byte(nil), data...),
		contentType: contentType,
		size:        size,
		cachedAt:    c.now(),
		ttl:         ttl,
	}
	item.element = c.evictList.PushFront(key)
	c.items[key] = item
	c.currentSize += size

	c.evictIfNeeded()
	return nil
}

// Delete removes key if present.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unlink(key)
	return nil
}

// Size returns the current cache size
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Stats returns cache statistics
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.currentSize
	stats.Entries = len(c.items)
	if c.capacity > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.capacity)
	}
	return stats
}

// Clear drops every entry.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Evictions += uint64(len(c.items))
	c.items = make(map[string]*cacheItem)
	c.evictList.Init()
	c.currentSize = 0
}

// Close stops the expiry sweep.
func (c *LRUCache) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return nil
}

func (c *LRUCache) isExpired(item *cacheItem, now time.Time) bool {
	return !now.Before(item.cachedAt.Add(item.ttl))
}

// unlink removes key without counting an eviction.
func (c *LRUCache) unlink(key string) {
	item, exists := c.items[key]
	if !exists {
		return
	}
	if item.element != nil {
		c.evictList.Remove(item.element)
	}
	delete(c.items, key)
	c.currentSize -= item.size
}

func (c *LRUCache) removeItem(key string) {
	if _, exists := c.items[key]; !exists {
		return
	}
	c.unlink(key)
	c.stats.Evictions++
}

func (c *LRUCache) evictIfNeeded() {
	for c.capacity > 0 && c.currentSize > c.capacity && c.evictList.Len() > 0 {
		c.evictOldest()
	}

	if maxEntries := c.config.MaxEntries; maxEntries > 0 {
		for len(c.items) > maxEntries && c.evictList.Len() > 0 {
			c.evictOldest()
		}
	}
}

func (c *LRUCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(string))
}

func (c *LRUCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

func (c *LRUCache) cleanupExpired() {
	interval := c.config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *LRUCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if c.isExpired(item, now) {
			c.removeItem(key)
		}
	}
}
