package s3

import (
	"fmt"
	"time"
)

// Config represents durable cache configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// PublicBaseURL is prepended to object keys to build shareable cache URLs,
	// e.g. a CDN in front of the bucket.
	PublicBaseURL string `yaml:"public_base_url"`
	KeyPrefix     string `yaml:"key_prefix"`

	TTL           time.Duration `yaml:"ttl"`
	MaxObjectSize int64         `yaml:"max_object_size"`
	StorageTier   string        `yaml:"storage_tier"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		KeyPrefix:      "blobs/",
		TTL:            24 * time.Hour,
		MaxObjectSize:  50 * 1024 * 1024,
		StorageTier:    TierStandard,
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
	}
}

// applyDefaults fills zero fields from NewDefaultConfig.
func (c *Config) applyDefaults() {
	def := NewDefaultConfig()
	if c.Region == "" {
		c.Region = def.Region
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = def.KeyPrefix
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.MaxObjectSize <= 0 {
		c.MaxObjectSize = def.MaxObjectSize
	}
	if c.StorageTier == "" {
		c.StorageTier = def.StorageTier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
}

// Validate checks the fields a durable cache cannot run without.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket name cannot be empty")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	if _, ok := StorageTiers[c.StorageTier]; c.StorageTier != "" && !ok {
		return fmt.Errorf("unsupported storage tier: %s", c.StorageTier)
	}
	return nil
}
