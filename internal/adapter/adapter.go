package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openpreprint/blobcache/internal/blob"
	"github.com/openpreprint/blobcache/internal/cache"
	"github.com/openpreprint/blobcache/internal/cache/redis"
	"github.com/openpreprint/blobcache/internal/circuit"
	"github.com/openpreprint/blobcache/internal/config"
	"github.com/openpreprint/blobcache/internal/metrics"
	"github.com/openpreprint/blobcache/internal/origin"
	"github.com/openpreprint/blobcache/internal/resilience"
	"github.com/openpreprint/blobcache/internal/storage/s3"
)

// Option overrides how the adapter reaches external systems.
type Option func(*options)

type options struct {
	s3Client    s3.API
	redisClient goredis.UniversalClient
	httpClient  *http.Client
}

// WithS3Client uses client for Tier 2 instead of one built from config.
func WithS3Client(client s3.API) Option {
	return func(o *options) { o.s3Client = client }
}

// WithRedisClient uses client for the Redis level of Tier 1. The adapter
// does not close it.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(o *options) { o.redisClient = client }
}

// WithHTTPClient uses client for PDS blob fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// Adapter owns every long-lived component of the daemon and their lifecycle.
type Adapter struct {
	config *config.Configuration
	logger *slog.Logger

	metrics   *metrics.Collector
	lru       *cache.LRUCache
	redis     *redis.Cache
	durable   *s3.DurableCache
	endpoints *origin.EndpointCache
	policy    *resilience.Policy
	service   *blob.Service

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and assembles the delivery pipeline. Nothing is served
// until Start.
func New(ctx context.Context, cfg *config.Configuration, logger *slog.Logger, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &Adapter{config: cfg, logger: logger.With("component", "adapter")}

	collector, err := metrics.NewCollector(&cfg.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.metrics = collector

	fast, err := a.buildFastCache(cfg, o, logger)
	if err != nil {
		return nil, err
	}

	if err := a.buildDurableCache(ctx, cfg, o, logger); err != nil {
		a.closeCaches()
		return nil, err
	}

	resolver := origin.NewDIDResolver(cfg.Origin.DID, logger)
	a.endpoints = origin.NewEndpointCache(resolver, logger)
	pds := origin.NewPDSClient(cfg.Origin.PDS, o.httpClient, logger)

	a.policy = resilience.New(cfg.Resilience, logger, func(name string, _, to circuit.State) {
		collector.SetBreakerState(name, breakerGauge(to))
	})

	serviceConfig, err := cfg.ServiceConfig()
	if err != nil {
		a.closeCaches()
		return nil, err
	}

	a.service, err = blob.New(serviceConfig, blob.Dependencies{
		Fast:      fast,
		Durable:   a.durable,
		Origin:    pds,
		Endpoints: a.endpoints,
		Policy:    a.policy,
		Metrics:   collector,
		Logger:    logger,
	})
	if err != nil {
		a.closeCaches()
		return nil, fmt.Errorf("failed to create blob service: %w", err)
	}

	collector.AddHealthCheck("durable_cache", a.durable.HealthCheck)
	if a.redis != nil {
		collector.AddHealthCheck("redis", a.redis.Ping)
	}

	return a, nil
}

// buildFastCache returns the in-process LRU, stacked in front of Redis when
// the redis driver is selected.
func (a *Adapter) buildFastCache(cfg *config.Configuration, o options, logger *slog.Logger) (cache.FastCache, error) {
	lruConfig, err := cfg.LRUConfig()
	if err != nil {
		return nil, err
	}
	early := cache.NewEarlyExpiration(cfg.FastCache.EarlyExpiration, nil)
	a.lru = cache.NewLRUCache(lruConfig, cache.WithEarlyExpiration(early))

	if cfg.FastCache.Driver != config.DriverRedis {
		return a.lru, nil
	}

	redisConfig := cfg.FastCache.Redis
	if redisConfig.TTL <= 0 {
		redisConfig.TTL = cfg.FastCache.TTL
	}
	if o.redisClient != nil {
		a.redis = redis.NewWithClient(o.redisClient, redisConfig, early, logger)
	} else {
		a.redis = redis.New(redisConfig, early, logger)
	}

	multi, err := cache.NewMultiLevelCache(
		cache.Level{Name: "memory", Cache: a.lru, TTL: cfg.FastCache.TTL},
		cache.Level{Name: "redis", Cache: a.redis, TTL: redisConfig.TTL},
	)
	if err != nil {
		a.closeCaches()
		return nil, fmt.Errorf("failed to stack fast cache levels: %w", err)
	}
	return multi, nil
}

func (a *Adapter) buildDurableCache(ctx context.Context, cfg *config.Configuration, o options, logger *slog.Logger) error {
	durableConfig := cfg.DurableCache

	var err error
	if o.s3Client != nil {
		a.durable, err = s3.NewWithClient(o.s3Client, &durableConfig, logger)
	} else {
		a.durable, err = s3.New(ctx, &durableConfig, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to create durable cache: %w", err)
	}
	return nil
}

// Start serves metrics and health. The blob service itself is ready as soon
// as New returns.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return fmt.Errorf("adapter already stopped")
	}
	if a.started {
		return nil
	}

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	a.started = true

	a.logger.Info("blobcache started",
		"fast_cache", a.config.FastCache.Driver,
		"fast_cache_size", a.config.FastCache.Size,
		"bucket", a.config.DurableCache.Bucket,
		"plc_directory", a.config.Origin.DID.PLCDirectoryURL)
	return nil
}

// Stop drains background refreshes, stops the metrics server and closes the
// cache connections. Stop is idempotent.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true
	a.logger.Info("stopping blobcache")

	var firstErr error
	if err := a.service.Close(ctx); err != nil {
		firstErr = fmt.Errorf("failed to drain refresh pool: %w", err)
	}
	if err := a.metrics.Stop(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to stop metrics server: %w", err)
	}
	a.closeCaches()

	a.logger.Info("blobcache stopped", "stats", a.service.Stats())
	return firstErr
}

// Service returns the blob delivery service.
func (a *Adapter) Service() *blob.Service {
	return a.service
}

// Metrics returns the collector serving /metrics and /health.
func (a *Adapter) Metrics() *metrics.Collector {
	return a.metrics
}

func (a *Adapter) closeCaches() {
	if a.lru != nil {
		_ = a.lru.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", "error", err)
		}
	}
}

// breakerGauge maps a breaker state onto the breaker_state gauge scale.
func breakerGauge(state circuit.State) float64 {
	switch state {
	case circuit.StateHalfOpen:
		return 1
	case circuit.StateOpen:
		return 2
	default:
		return 0
	}
}
