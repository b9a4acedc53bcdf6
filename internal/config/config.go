package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/openpreprint/blobcache/internal/blob"
	"github.com/openpreprint/blobcache/internal/cache"
	"github.com/openpreprint/blobcache/internal/cache/redis"
	"github.com/openpreprint/blobcache/internal/metrics"
	"github.com/openpreprint/blobcache/internal/origin"
	"github.com/openpreprint/blobcache/internal/resilience"
	"github.com/openpreprint/blobcache/internal/storage/s3"
	"github.com/openpreprint/blobcache/pkg/utils"
)

// Fast cache drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Configuration represents the complete daemon configuration
type Configuration struct {
	Global       GlobalConfig       `yaml:"global"`
	Metrics      metrics.Config     `yaml:"metrics"`
	FastCache    FastCacheConfig    `yaml:"fast_cache"`
	DurableCache s3.Config          `yaml:"durable_cache"`
	Origin       OriginConfig       `yaml:"origin"`
	Resilience   resilience.Config  `yaml:"resilience"`
	Refresh      blob.RefreshConfig `yaml:"refresh"`
}

// GlobalConfig represents global daemon settings
type GlobalConfig struct {
	Logging         utils.LoggingConfig `yaml:"logging"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
}

// FastCacheConfig selects and tunes Tier 1. The memory driver is always
// present; the redis driver stacks a shared Redis level behind it.
type FastCacheConfig struct {
	Driver          string                      `yaml:"driver"`
	Size            string                      `yaml:"size"`
	MaxEntries      int                         `yaml:"max_entries"`
	TTL             time.Duration               `yaml:"ttl"`
	CleanupInterval time.Duration               `yaml:"cleanup_interval"`
	EarlyExpiration cache.EarlyExpirationConfig `yaml:"early_expiration"`
	Redis           redis.Config                `yaml:"redis"`
}

// OriginConfig represents identity resolution and blob fetch settings
type OriginConfig struct {
	DID                origin.DIDResolverConfig `yaml:"did"`
	PDS                origin.PDSClientConfig   `yaml:"pds"`
	MaxBlobSize        string                   `yaml:"max_blob_size"`
	DefaultContentType string                   `yaml:"default_content_type"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	lru := cache.DefaultCacheConfig()
	service := blob.DefaultConfig()

	return &Configuration{
		Global: GlobalConfig{
			Logging: utils.LoggingConfig{
				Level:      "INFO",
				Format:     "text",
				MaxSizeMB:  100,
				MaxBackups: 3,
			},
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: metrics.Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "blobcache",
			Labels: map[string]string{
				"service": "blobcache",
			},
		},
		FastCache: FastCacheConfig{
			Driver:          DriverMemory,
			Size:            "256MB",
			MaxEntries:      lru.MaxEntries,
			TTL:             service.FastTTL,
			CleanupInterval: lru.CleanupInterval,
			EarlyExpiration: cache.DefaultEarlyExpirationConfig(),
			Redis: redis.Config{
				Addr:         "localhost:6379",
				KeyPrefix:    "blobcache:",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		DurableCache: *s3.NewDefaultConfig(),
		Origin: OriginConfig{
			DID:                origin.DefaultDIDResolverConfig(),
			PDS:                origin.PDSClientConfig{UserAgent: "blobcache/1.0"},
			MaxBlobSize:        "100MB",
			DefaultContentType: service.DefaultContentType,
		},
		Resilience: resilience.DefaultConfig(),
		Refresh:    service.Refresh,
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies BLOBCACHE_* environment overrides. Malformed numeric or
// duration values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	// Global settings
	env.str("BLOBCACHE_LOG_LEVEL", &c.Global.Logging.Level)
	env.str("BLOBCACHE_LOG_FORMAT", &c.Global.Logging.Format)
	env.str("BLOBCACHE_LOG_FILE", &c.Global.Logging.File)
	env.boolean("BLOBCACHE_METRICS_ENABLED", &c.Metrics.Enabled)
	env.integer("BLOBCACHE_METRICS_PORT", &c.Metrics.Port)

	// Tier 1
	env.str("BLOBCACHE_FAST_CACHE_DRIVER", &c.FastCache.Driver)
	env.str("BLOBCACHE_FAST_CACHE_SIZE", &c.FastCache.Size)
	env.integer("BLOBCACHE_FAST_CACHE_MAX_ENTRIES", &c.FastCache.MaxEntries)
	env.duration("BLOBCACHE_FAST_CACHE_TTL", &c.FastCache.TTL)
	env.float("BLOBCACHE_EARLY_EXPIRATION_BETA", &c.FastCache.EarlyExpiration.Beta)
	env.float("BLOBCACHE_EARLY_EXPIRATION_THRESHOLD", &c.FastCache.EarlyExpiration.Threshold)
	env.str("BLOBCACHE_REDIS_ADDR", &c.FastCache.Redis.Addr)
	env.str("BLOBCACHE_REDIS_PASSWORD", &c.FastCache.Redis.Password)
	env.integer("BLOBCACHE_REDIS_DB", &c.FastCache.Redis.DB)

	// Tier 2
	env.str("BLOBCACHE_S3_BUCKET", &c.DurableCache.Bucket)
	env.str("BLOBCACHE_S3_REGION", &c.DurableCache.Region)
	env.str("BLOBCACHE_S3_ENDPOINT", &c.DurableCache.Endpoint)
	env.str("BLOBCACHE_S3_ACCESS_KEY_ID", &c.DurableCache.AccessKeyID)
	env.str("BLOBCACHE_S3_SECRET_ACCESS_KEY", &c.DurableCache.SecretAccessKey)
	env.boolean("BLOBCACHE_S3_FORCE_PATH_STYLE", &c.DurableCache.ForcePathStyle)
	env.str("BLOBCACHE_S3_PUBLIC_BASE_URL", &c.DurableCache.PublicBaseURL)
	env.duration("BLOBCACHE_DURABLE_CACHE_TTL", &c.DurableCache.TTL)

	// Origin
	env.str("BLOBCACHE_PLC_DIRECTORY_URL", &c.Origin.DID.PLCDirectoryURL)
	env.duration("BLOBCACHE_ORIGIN_HTTP_TIMEOUT", &c.Origin.DID.HTTPTimeout)
	env.str("BLOBCACHE_MAX_BLOB_SIZE", &c.Origin.MaxBlobSize)
	env.duration("BLOBCACHE_ORIGIN_ATTEMPT_TIMEOUT", &c.Resilience.AttemptTimeout)
	env.integer("BLOBCACHE_ORIGIN_RETRY_ATTEMPTS", &c.Resilience.Retry.MaxAttempts)

	// Refresh pool
	env.integer("BLOBCACHE_REFRESH_WORKERS", &c.Refresh.Workers)
	env.integer("BLOBCACHE_REFRESH_QUEUE_SIZE", &c.Refresh.QueueSize)

	return env.err
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.Logging.Level); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.Logging.Level)
	}
	switch strings.ToLower(c.Global.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Global.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics port out of range: %d", c.Metrics.Port)
	}

	switch c.FastCache.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.FastCache.Redis.Addr == "" {
			return fmt.Errorf("fast_cache.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported fast_cache driver: %s", c.FastCache.Driver)
	}
	if _, err := utils.ParseBytes(c.FastCache.Size); err != nil {
		return fmt.Errorf("fast_cache.size: %w", err)
	}
	if c.FastCache.TTL <= 0 {
		return fmt.Errorf("fast_cache.ttl must be greater than 0")
	}
	if t := c.FastCache.EarlyExpiration.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("early_expiration.threshold must be between 0 and 1, got %v", t)
	}
	if c.FastCache.EarlyExpiration.Beta < 0 {
		return fmt.Errorf("early_expiration.beta must not be negative")
	}

	if err := c.DurableCache.Validate(); err != nil {
		return fmt.Errorf("durable_cache: %w", err)
	}

	if c.Origin.DID.PLCDirectoryURL == "" {
		return fmt.Errorf("origin.did.plc_directory_url cannot be empty")
	}
	if _, err := utils.ParseBytes(c.Origin.MaxBlobSize); err != nil {
		return fmt.Errorf("origin.max_blob_size: %w", err)
	}

	if c.Resilience.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("resilience.retry.max_attempts must be greater than 0")
	}
	if c.Refresh.Workers < 0 || c.Refresh.QueueSize < 0 {
		return fmt.Errorf("refresh workers and queue_size must not be negative")
	}

	return nil
}

// LRUConfig converts the Tier 1 section into an in-process cache config.
func (c *Configuration) LRUConfig() (*cache.CacheConfig, error) {
	size, err := utils.ParseBytes(c.FastCache.Size)
	if err != nil {
		return nil, fmt.Errorf("fast_cache.size: %w", err)
	}
	return &cache.CacheConfig{
		MaxSize:         size,
		MaxEntries:      c.FastCache.MaxEntries,
		TTL:             c.FastCache.TTL,
		CleanupInterval: c.FastCache.CleanupInterval,
		EarlyExpiration: c.FastCache.EarlyExpiration,
	}, nil
}

// ServiceConfig assembles the orchestrator settings spread across sections.
func (c *Configuration) ServiceConfig() (blob.Config, error) {
	maxBlob, err := utils.ParseBytes(c.Origin.MaxBlobSize)
	if err != nil {
		return blob.Config{}, fmt.Errorf("origin.max_blob_size: %w", err)
	}
	return blob.Config{
		MaxBlobSize:        maxBlob,
		FastTTL:            c.FastCache.TTL,
		DurableTTL:         c.DurableCache.TTL,
		DefaultContentType: c.Origin.DefaultContentType,
		Refresh:            c.Refresh,
	}, nil
}

// envReader applies overrides and keeps the first parse failure.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(name, val string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", name, val, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(name string, dst *int) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(name string, dst *float64) {
	if val, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = d
	}
}
