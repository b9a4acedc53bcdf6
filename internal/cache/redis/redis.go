// Package redis implements the Tier 1 fast cache on a shared Redis server so
// that replicas of the service see one another's entries.
package redis

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openpreprint/blobcache/internal/cache"
	"github.com/openpreprint/blobcache/pkg/errors"
)

// Hash fields of a stored entry.
const (
	fieldData        = "data"
	fieldContentType = "content_type"
	fieldSize        = "size"
	fieldCachedAt    = "cached_at_ns"
	fieldTTL         = "ttl_ns"
)

// Config holds Redis connection settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	TTL          time.Duration `yaml:"ttl"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Cache stores each entry as a Redis hash whose key expires with the entry.
type Cache struct {
	rdb       goredis.UniversalClient
	prefix    string
	ttl       time.Duration
	early     *cache.EarlyExpiration
	now       func() time.Time
	logger    *slog.Logger
	ownClient bool
}

// New connects to the server described by cfg. It does not ping; call Ping
// to check connectivity.
func New(cfg Config, early *cache.EarlyExpiration, logger *slog.Logger) *Cache {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	c := NewWithClient(rdb, cfg, early, logger)
	c.ownClient = true
	return c
}

// NewWithClient wraps an existing client. Close will not close it.
func NewWithClient(rdb goredis.UniversalClient, cfg Config, early *cache.EarlyExpiration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "blobcache:fast:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if early == nil {
		early = cache.NewEarlyExpiration(cache.DefaultEarlyExpirationConfig(), nil)
	}

	return &Cache{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		early:  early,
		now:    time.Now,
		logger: logger.With("component", "redis-cache"),
	}
}

// SetClock replaces time.Now, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return c.tierError(err, "ping", "")
	}
	return nil
}

// Close releases the client if this Cache created it.
func (c *Cache) Close() error {
	if !c.ownClient {
		return nil
	}
	return c.rdb.Close()
}

// Get fetches the entry for key. A missing or malformed entry is a miss.
func (c *Cache) Get(ctx context.Context, key string) (cache.FastHit, bool, error) {
	fields, err := c.rdb.HGetAll(ctx, c.prefix+key).Result()
	if err != nil {
		return cache.FastHit{}, false, c.tierError(err, "get", key)
	}
	if len(fields) == 0 {
		return cache.FastHit{}, false, nil
	}

	data, ok := fields[fieldData]
	if !ok {
		c.logger.Warn("dropping malformed entry", "key", key)
		return cache.FastHit{}, false, nil
	}

	cachedAtNs, _ := strconv.ParseInt(fields[fieldCachedAt], 10, 64)
	ttlNs, _ := strconv.ParseInt(fields[fieldTTL], 10, 64)
	cachedAt := time.Unix(0, cachedAtNs)
	ttl := time.Duration(ttlNs)

	hit := cache.FastHit{
		Data:        []byte(data),
		ContentType: fields[fieldContentType],
		Size:        int64(len(data)),
		CachedAt:    cachedAt,
	}
	if cachedAtNs > 0 && ttl > 0 {
		hit.EarlyFetch = c.early.ShouldRefresh(cachedAt, ttl, c.now())
	}

	c.logger.Debug("hit", "key", key, "size", hit.Size, "early", hit.EarlyFetch)
	return hit, true, nil
}

// Set writes the entry and its expiry in one transaction.
func (c *Cache) Set(ctx context.Context, key string, data []byte, contentType string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	redisKey := c.prefix + key

	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.HSet(ctx, redisKey,
			fieldData, data,
			fieldContentType, contentType,
			fieldSize, len(data),
			fieldCachedAt, c.now().UnixNano(),
			fieldTTL, int64(ttl),
		)
		pipe.PExpire(ctx, redisKey, ttl)
		return nil
	})
	if err != nil {
		return c.tierError(err, "set", key)
	}
	return nil
}

// Delete removes key; deleting an absent key succeeds.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return c.tierError(err, "delete", key)
	}
	return nil
}

func (c *Cache) tierError(err error, op, key string) error {
	return errors.Wrap(err, errors.ErrCodeCacheTier, "redis "+op+" failed").
		WithComponent("redis-cache").
		WithOperation(op).
		WithContext("key", key)
}
