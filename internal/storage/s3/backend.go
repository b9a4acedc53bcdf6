package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openpreprint/blobcache/pkg/errors"
)

// Provenance metadata keys written on every object.
const (
	MetaCID          = "cid"
	MetaSourceOrigin = "source-origin"
	MetaCachedAt     = "cached-at"
	MetaTTLSeconds   = "ttl-seconds"
	MetaSize         = "size"
)

// ObjectInfo describes a cached object and where it came from.
type ObjectInfo struct {
	Key          string        `json:"key"`
	Size         int64         `json:"size"`
	ContentType  string        `json:"content_type"`
	CID          string        `json:"cid"`
	SourceOrigin string        `json:"source_origin"`
	CachedAt     time.Time     `json:"cached_at"`
	TTL          time.Duration `json:"ttl"`
	ETag         string        `json:"etag"`
}

// Expired reports whether the object's declared TTL has elapsed at now.
// Objects without provenance never expire here; bucket lifecycle rules
// handle them.
func (o *ObjectInfo) Expired(now time.Time) bool {
	if o.CachedAt.IsZero() || o.TTL <= 0 {
		return false
	}
	return !now.Before(o.CachedAt.Add(o.TTL))
}

// DurableCache is the Tier 2 cache: a bucket of blobs keyed by CID, each
// carrying provenance metadata that ties it back to its origin.
type DurableCache struct {
	client       API
	bucket       string
	config       *Config
	storageClass s3types.StorageClass
	publicBase   string
	logger       *slog.Logger
	metrics      *MetricsCollector
	now          func() time.Time
}

// New builds a durable cache with a client created from cfg.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*DurableCache, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid durable cache configuration").
			WithComponent("durable-cache")
	}

	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg, logger)
}

// NewWithClient builds a durable cache over an existing client.
func NewWithClient(client API, cfg *Config, logger *slog.Logger) (*DurableCache, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client cannot be nil")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid durable cache configuration").
			WithComponent("durable-cache")
	}
	if logger == nil {
		logger = slog.Default()
	}

	storageClass, err := convertTierToStorageClass(cfg.StorageTier)
	if err != nil {
		return nil, err
	}

	return &DurableCache{
		client:       client,
		bucket:       cfg.Bucket,
		config:       cfg,
		storageClass: storageClass,
		publicBase:   publicBaseURL(cfg),
		logger:       logger.With("component", "durable-cache", "bucket", cfg.Bucket),
		metrics:      NewMetricsCollector(),
		now:          time.Now,
	}, nil
}

// SetClock replaces time.Now, for tests.
func (d *DurableCache) SetClock(now func() time.Time) {
	d.now = now
}

// ObjectKey maps a CID to its object key. Owner identity never appears in the
// key, so identical content is stored once.
func (d *DurableCache) ObjectKey(cid string) string {
	return d.config.KeyPrefix + cid
}

// Get returns the object stored for cid. A missing or expired object is
// reported as (nil, nil, nil).
func (d *DurableCache) Get(ctx context.Context, cid string) ([]byte, *ObjectInfo, error) {
	key := d.ObjectKey(cid)

	start := time.Now()
	result, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			d.metrics.RecordRequest(time.Since(start), nil)
			d.metrics.RecordMiss(false)
			return nil, nil, nil
		}
		d.metrics.RecordRequest(time.Since(start), err)
		return nil, nil, d.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	info := objectInfo(key, result.Metadata)
	info.ContentType = aws.ToString(result.ContentType)
	info.ETag = aws.ToString(result.ETag)

	if info.Expired(d.now()) {
		d.metrics.RecordRequest(time.Since(start), nil)
		d.metrics.RecordMiss(true)
		d.logger.Debug("ignoring expired object", "key", key, "cached_at", info.CachedAt)
		return nil, nil, nil
	}

	data, err := io.ReadAll(result.Body)
	d.metrics.RecordRequest(time.Since(start), err)
	if err != nil {
		return nil, nil, d.translateError(err, "GetObject", key)
	}

	info.Size = int64(len(data))
	d.metrics.RecordHit(info.Size)
	return data, info, nil
}

// Set stores data under cid with provenance metadata. Objects larger than
// MaxObjectSize are skipped without contacting the store and reported as
// success.
func (d *DurableCache) Set(ctx context.Context, cid string, data []byte, contentType, sourceOrigin string, ttl time.Duration) error {
	key := d.ObjectKey(cid)
	size := int64(len(data))

	if size > d.config.MaxObjectSize {
		d.metrics.RecordSkippedWrite()
		d.logger.Debug("skipping oversized object",
			"key", key,
			"size", size,
			"max_object_size", d.config.MaxObjectSize,
			"code", errors.ErrCodeSizeExceeded)
		return nil
	}
	if ttl <= 0 {
		ttl = d.config.TTL
	}

	cachedAt := d.now().UTC()
	ttlSeconds := int64(ttl / time.Second)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
		CacheControl:  aws.String(fmt.Sprintf("public, max-age=%d, immutable", ttlSeconds)),
		Expires:       aws.Time(cachedAt.Add(ttl)),
		StorageClass:  d.storageClass,
		Metadata: map[string]string{
			MetaCID:          cid,
			MetaSourceOrigin: sourceOrigin,
			MetaCachedAt:     cachedAt.Format(time.RFC3339Nano),
			MetaTTLSeconds:   strconv.FormatInt(ttlSeconds, 10),
			MetaSize:         strconv.FormatInt(size, 10),
		},
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	start := time.Now()
	_, err := d.client.PutObject(ctx, input)
	d.metrics.RecordRequest(time.Since(start), err)
	if err != nil {
		return d.translateError(err, "PutObject", key)
	}

	d.metrics.RecordBytesUploaded(size)
	return nil
}

// Has reports whether an unexpired object exists for cid.
func (d *DurableCache) Has(ctx context.Context, cid string) (bool, error) {
	info, err := d.Head(ctx, cid)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// Head returns object metadata without the body, or nil when absent or expired.
func (d *DurableCache) Head(ctx context.Context, cid string) (*ObjectInfo, error) {
	key := d.ObjectKey(cid)

	start := time.Now()
	result, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			d.metrics.RecordRequest(time.Since(start), nil)
			return nil, nil
		}
		d.metrics.RecordRequest(time.Since(start), err)
		return nil, d.translateError(err, "HeadObject", key)
	}
	d.metrics.RecordRequest(time.Since(start), nil)

	info := objectInfo(key, result.Metadata)
	info.ContentType = aws.ToString(result.ContentType)
	info.ETag = aws.ToString(result.ETag)
	info.Size = aws.ToInt64(result.ContentLength)

	if info.Expired(d.now()) {
		return nil, nil
	}
	return info, nil
}

// Delete removes the object for cid. Deleting an absent object succeeds.
func (d *DurableCache) Delete(ctx context.Context, cid string) error {
	key := d.ObjectKey(cid)

	start := time.Now()
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil && isNotFound(err) {
		err = nil
	}
	d.metrics.RecordRequest(time.Since(start), err)
	if err != nil {
		return d.translateError(err, "DeleteObject", key)
	}
	return nil
}

// PublicURL returns the shareable URL of the object for cid.
func (d *DurableCache) PublicURL(cid string) string {
	return d.publicBase + "/" + escapeKey(d.ObjectKey(cid))
}

// HealthCheck verifies the bucket is reachable.
func (d *DurableCache) HealthCheck(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err != nil {
		return d.translateError(err, "HeadBucket", "")
	}
	return nil
}

// GetMetrics returns current backend metrics
func (d *DurableCache) GetMetrics() BackendMetrics {
	return d.metrics.GetMetrics()
}

// MaxObjectSize returns the size ceiling for writes.
func (d *DurableCache) MaxObjectSize() int64 {
	return d.config.MaxObjectSize
}

func (d *DurableCache) translateError(err error, operation, key string) error {
	d.logger.Debug("s3 request failed", "operation", operation, "key", key, "error", err)

	be := errors.Wrap(err, errors.ErrCodeCacheTier, fmt.Sprintf("%s failed", operation)).
		WithComponent("durable-cache").
		WithOperation(operation)
	if key != "" {
		be = be.WithContext("key", key)
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		be = be.WithDetail("s3_code", apiErr.ErrorCode())
	}
	return be
}

func objectInfo(key string, metadata map[string]string) *ObjectInfo {
	info := &ObjectInfo{
		Key:          key,
		CID:          metaValue(metadata, MetaCID),
		SourceOrigin: metaValue(metadata, MetaSourceOrigin),
	}
	if raw := metaValue(metadata, MetaCachedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.CachedAt = t
		}
	}
	if raw := metaValue(metadata, MetaTTLSeconds); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.TTL = time.Duration(secs) * time.Second
		}
	}
	return info
}

// metaValue looks key up case-insensitively; stores differ in how they case
// user metadata names.
func metaValue(metadata map[string]string, key string) string {
	if v, ok := metadata[key]; ok {
		return v
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func isNotFound(err error) bool {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return true
	}
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

func publicBaseURL(cfg *Config) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	if cfg.Endpoint != "" {
		endpoint := strings.TrimRight(cfg.Endpoint, "/")
		if cfg.ForcePathStyle {
			return endpoint + "/" + cfg.Bucket
		}
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			u.Host = cfg.Bucket + "." + u.Host
			return strings.TrimRight(u.String(), "/")
		}
		return endpoint + "/" + cfg.Bucket
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
