package blob

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/openpreprint/blobcache/internal/cache"
	"github.com/openpreprint/blobcache/internal/coalesce"
	"github.com/openpreprint/blobcache/internal/metrics"
	"github.com/openpreprint/blobcache/internal/origin"
	"github.com/openpreprint/blobcache/internal/storage/s3"
	"github.com/openpreprint/blobcache/pkg/cid"
	"github.com/openpreprint/blobcache/pkg/errors"
)

const cacheURLTTL = 365 * 24 * time.Hour

// Config tunes the orchestrator.
type Config struct {
	// MaxBlobSize bounds an origin body. Larger blobs fail with BLOB_TOO_LARGE.
	MaxBlobSize int64 `yaml:"max_blob_size"`

	// FastTTL and DurableTTL are the lifetimes written to each tier.
	FastTTL    time.Duration `yaml:"fast_ttl"`
	DurableTTL time.Duration `yaml:"durable_ttl"`

	// DefaultContentType is used when neither the caller nor a tier knows
	// the blob's type.
	DefaultContentType string `yaml:"default_content_type"`

	Refresh RefreshConfig `yaml:"refresh"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxBlobSize:        100 * 1024 * 1024,
		FastTTL:            time.Hour,
		DurableTTL:         24 * time.Hour,
		DefaultContentType: "application/octet-stream",
		Refresh:            DefaultRefreshConfig(),
	}
}

// Dependencies are the collaborators a Service composes.
type Dependencies struct {
	Fast      cache.FastCache
	Durable   DurableCache
	Origin    origin.Repository
	Endpoints EndpointResolver
	Policy    Policy
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Stats is a snapshot of orchestrator activity.
type Stats struct {
	FastHits          int64          `json:"fast_hits"`
	EarlyHits         int64          `json:"early_hits"`
	DurableHits       int64          `json:"durable_hits"`
	OriginFetches     int64          `json:"origin_fetches"`
	OriginFailures    int64          `json:"origin_failures"`
	IntegrityFailures int64          `json:"integrity_failures"`
	TierErrors        int64          `json:"tier_errors"`
	Coalesce          coalesce.Stats `json:"coalesce"`
	Refresh           RefreshStats   `json:"refresh"`
}

// Service is the read-through blob delivery pipeline: Tier 1, then Tier 2,
// then the origin, with every origin body verified against its CID before it
// is cached or returned.
type Service struct {
	config    Config
	fast      cache.FastCache
	durable   DurableCache
	origin    origin.Repository
	endpoints EndpointResolver
	policy    Policy
	metrics   *metrics.Collector
	logger    *slog.Logger

	fetches coalesce.Group[*FetchResult]
	refresh *RefreshPool

	closeOnce sync.Once

	fastHits          atomic.Int64
	earlyHits         atomic.Int64
	durableHits       atomic.Int64
	originFetches     atomic.Int64
	originFailures    atomic.Int64
	integrityFailures atomic.Int64
	tierErrors        atomic.Int64
}

// New builds a Service and starts its refresh pool.
func New(config Config, deps Dependencies) (*Service, error) {
	switch {
	case deps.Fast == nil:
		return nil, errors.New(errors.ErrCodeInvalidConfig, "fast cache is required")
	case deps.Durable == nil:
		return nil, errors.New(errors.ErrCodeInvalidConfig, "durable cache is required")
	case deps.Origin == nil:
		return nil, errors.New(errors.ErrCodeInvalidConfig, "origin repository is required")
	case deps.Endpoints == nil:
		return nil, errors.New(errors.ErrCodeInvalidConfig, "endpoint resolver is required")
	case deps.Policy == nil:
		return nil, errors.New(errors.ErrCodeInvalidConfig, "resilience policy is required")
	}

	defaults := DefaultConfig()
	if config.MaxBlobSize <= 0 {
		config.MaxBlobSize = defaults.MaxBlobSize
	}
	if config.FastTTL <= 0 {
		config.FastTTL = defaults.FastTTL
	}
	if config.DurableTTL <= 0 {
		config.DurableTTL = defaults.DurableTTL
	}
	if config.DefaultContentType == "" {
		config.DefaultContentType = defaults.DefaultContentType
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config:    config,
		fast:      deps.Fast,
		durable:   deps.Durable,
		origin:    deps.Origin,
		endpoints: deps.Endpoints,
		policy:    deps.Policy,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "blob-service"),
		refresh:   NewRefreshPool(config.Refresh, logger, deps.Metrics),
	}, nil
}

// GetBlob returns the verified bytes of cid, owned by ownerDID. Concurrent
// calls for one CID share a single walk of the tiers and at most one origin
// fetch. Bytes are never returned unverified.
func (s *Service) GetBlob(ctx context.Context, ownerDID, cidStr, expectedContentType string) (*FetchResult, error) {
	start := time.Now()

	parsed, err := cid.Parse(cidStr)
	if err != nil {
		return nil, err
	}
	key := parsed.String()

	result, shared, err := s.fetches.Do(ctx, key, func(ctx context.Context) (*FetchResult, error) {
		return s.fetch(ctx, ownerDID, key, expectedContentType)
	})
	if shared {
		s.metrics.RecordCoalescedWaiter()
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRequest(string(result.Tier), time.Since(start))
	return result, nil
}

func (s *Service) fetch(ctx context.Context, ownerDID, key, expectedContentType string) (*FetchResult, error) {
	if hit, ok := s.readFast(ctx, key); ok {
		s.fastHits.Add(1)
		sourceOrigin, _ := s.endpoints.Lookup(ownerDID)
		if hit.EarlyFetch {
			s.earlyHits.Add(1)
			s.scheduleRefresh(ownerDID, key, s.contentType(hit.ContentType, expectedContentType))
		}
		return &FetchResult{
			Data:         hit.Data,
			ContentType:  s.contentType(hit.ContentType, expectedContentType),
			Size:         int64(len(hit.Data)),
			Tier:         TierFast,
			SourceOrigin: sourceOrigin,
			EarlyFetch:   hit.EarlyFetch,
		}, nil
	}

	if data, info, ok := s.readDurable(ctx, key); ok {
		s.durableHits.Add(1)
		contentType := s.contentType(info.ContentType, expectedContentType)
		if err := s.fast.Set(ctx, key, data, contentType, s.config.FastTTL); err != nil {
			s.tierError(metrics.TierFast, "set", key, err)
		}

		sourceOrigin := info.SourceOrigin
		if sourceOrigin == "" {
			sourceOrigin, _ = s.endpoints.Lookup(ownerDID)
		}
		return &FetchResult{
			Data:         data,
			ContentType:  contentType,
			Size:         int64(len(data)),
			Tier:         TierDurable,
			SourceOrigin: sourceOrigin,
		}, nil
	}

	entry, err := s.fetchFromOrigin(ctx, ownerDID, key, expectedContentType)
	if err != nil {
		return nil, err
	}
	return &FetchResult{
		Data:         entry.Data,
		ContentType:  entry.ContentType,
		Size:         entry.Size(),
		Tier:         TierOrigin,
		SourceOrigin: entry.SourceOrigin,
	}, nil
}

// fetchFromOrigin resolves the owner's endpoint, downloads and verifies the
// blob, and writes it to Tier 2 then Tier 1. Nothing is cached on failure.
func (s *Service) fetchFromOrigin(ctx context.Context, ownerDID, key, expectedContentType string) (*Entry, error) {
	endpoint, err := s.endpoints.Resolve(ctx, ownerDID)
	if err != nil {
		return nil, err
	}

	s.originFetches.Add(1)
	var data []byte
	err = s.policy.Execute(ctx, originName(endpoint), func(ctx context.Context) error {
		body, err := s.origin.GetBlob(ctx, endpoint, ownerDID, key)
		if err != nil {
			return err
		}
		defer body.Close()

		data, err = readBounded(body, s.config.MaxBlobSize)
		return err
	})
	if err != nil {
		s.originFailures.Add(1)
		s.metrics.RecordOriginFetch(originOutcome(err))
		s.logger.Warn("origin fetch failed", "cid", key, "did", ownerDID, "endpoint", endpoint, "error", err)
		return nil, err
	}

	result, err := cid.Verify(key, data)
	if err != nil {
		s.originFailures.Add(1)
		s.metrics.RecordOriginFetch(metrics.OutcomeError)
		return nil, err
	}
	if !result.IsValid {
		s.integrityFailures.Add(1)
		s.metrics.RecordOriginFetch(metrics.OutcomeIntegrity)
		s.logger.Error("origin returned bytes that do not match their CID",
			"expected_cid", result.ExpectedCID,
			"computed_cid", result.ComputedCID,
			"did", ownerDID,
			"endpoint", endpoint,
			"size", len(data))
		return nil, errors.Newf(errors.ErrCodeIntegrityMismatch,
			"content from %s does not match its identifier", endpoint).
			WithContext("expected_cid", result.ExpectedCID).
			WithContext("computed_cid", result.ComputedCID).
			WithContext("did", ownerDID).
			WithContext("endpoint", endpoint)
	}
	s.metrics.RecordOriginFetch(metrics.OutcomeSuccess)

	entry := &Entry{
		CID:          key,
		Data:         data,
		ContentType:  s.contentType("", expectedContentType),
		SourceOrigin: endpoint,
		CachedAt:     time.Now(),
		TTL:          s.config.DurableTTL,
	}
	s.store(ctx, entry)
	return entry, nil
}

// store writes a verified entry to Tier 2 and then Tier 1. Write failures
// are logged; the entry is still served.
func (s *Service) store(ctx context.Context, entry *Entry) {
	if err := s.durable.Set(ctx, entry.CID, entry.Data, entry.ContentType, entry.SourceOrigin, entry.TTL); err != nil {
		s.tierError(metrics.TierDurable, "set", entry.CID, err)
	}
	if err := s.fast.Set(ctx, entry.CID, entry.Data, entry.ContentType, s.config.FastTTL); err != nil {
		s.tierError(metrics.TierFast, "set", entry.CID, err)
	}
}

func (s *Service) scheduleRefresh(ownerDID, key, contentType string) {
	accepted := s.refresh.Submit(key, func(ctx context.Context) error {
		_, err := s.fetchFromOrigin(ctx, ownerDID, key, contentType)
		return err
	})
	if accepted {
		s.logger.Debug("scheduled background refresh", "cid", key, "did", ownerDID)
	}
}

func (s *Service) readFast(ctx context.Context, key string) (cache.FastHit, bool) {
	hit, ok, err := s.fast.Get(ctx, key)
	if err != nil {
		s.tierError(metrics.TierFast, "get", key, err)
		return cache.FastHit{}, false
	}
	return hit, ok
}

func (s *Service) readDurable(ctx context.Context, key string) ([]byte, *s3.ObjectInfo, bool) {
	data, info, err := s.durable.Get(ctx, key)
	if err != nil {
		s.tierError(metrics.TierDurable, "get", key, err)
		return nil, nil, false
	}
	if info == nil {
		return nil, nil, false
	}
	return data, info, true
}

func (s *Service) tierError(tier, op, key string, err error) {
	s.tierErrors.Add(1)
	s.metrics.RecordTierError(tier, op)
	s.logger.Warn("cache tier operation failed", "tier", tier, "op", op, "cid", key, "error", err)
}

func (s *Service) contentType(stored, expected string) string {
	switch {
	case stored != "":
		return stored
	case expected != "":
		return expected
	default:
		return s.config.DefaultContentType
	}
}

// GetBlobURL tells a client where to fetch cid. The direct origin URL is
// always included. With preferDirect the durable tier is not consulted.
// Otherwise a blob already in Tier 2 is served from its public URL, and one
// that is not is tagged for proxying.
func (s *Service) GetBlobURL(ctx context.Context, ownerDID, ref string, preferDirect, download bool) (*URLDescriptor, error) {
	parsed, err := cid.Parse(ref)
	if err != nil {
		return nil, err
	}
	key := parsed.String()

	endpoint, err := s.endpoints.Resolve(ctx, ownerDID)
	if err != nil {
		return nil, err
	}
	direct, err := origin.BlobURL(endpoint, ownerDID, key)
	if err != nil {
		return nil, err
	}

	desc := &URLDescriptor{
		URL:            direct,
		DirectURL:      direct,
		Source:         SourceDirect,
		OriginEndpoint: endpoint,
	}
	if preferDirect {
		return desc, nil
	}

	cached, err := s.durable.Has(ctx, key)
	if err != nil {
		s.tierError(metrics.TierDurable, "head", key, err)
		cached = false
	}
	if !cached {
		desc.Source = SourceProxy
		desc.WillProxy = true
		return desc, nil
	}

	cacheURL := s.durable.PublicURL(key)
	if download {
		cacheURL = withDownloadHint(cacheURL)
	}
	desc.URL = cacheURL
	desc.Source = SourceCache
	desc.TTL = cacheURLTTL
	return desc, nil
}

// ProxyBlob fetches cid through GetBlob and packages it for streaming to a
// client. disposition is "inline" or "attachment"; anything else is inline.
func (s *Service) ProxyBlob(ctx context.Context, ownerDID, cidStr, mimeType, disposition string) (*BlobStream, error) {
	result, err := s.GetBlob(ctx, ownerDID, cidStr, mimeType)
	if err != nil {
		return nil, err
	}

	if disposition != "attachment" {
		disposition = "inline"
	}

	return &BlobStream{
		Body:         io.NopCloser(bytes.NewReader(result.Data)),
		ContentType:  result.ContentType,
		Size:         result.Size,
		Disposition:  mime.FormatMediaType(disposition, map[string]string{"filename": cid.Canonical(cidStr)}),
		Tier:         result.Tier,
		SourceOrigin: result.SourceOrigin,
	}, nil
}

// PurgeCachedBlob removes cid from both cache tiers. The origin is never
// touched. Both deletes are attempted even if one fails.
func (s *Service) PurgeCachedBlob(ctx context.Context, cidStr string) error {
	parsed, err := cid.Parse(cidStr)
	if err != nil {
		return err
	}
	key := parsed.String()

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	record := func(tier string, err error) {
		s.tierError(tier, "delete", key, err)
		mu.Lock()
		result = multierror.Append(result, fmt.Errorf("%s tier: %w", tier, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := s.fast.Delete(ctx, key); err != nil {
			record(metrics.TierFast, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.durable.Delete(ctx, key); err != nil {
			record(metrics.TierDurable, err)
		}
		return nil
	})
	_ = g.Wait()

	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheTier, "failed to purge cached blob").
			WithContext("cid", key)
	}
	s.logger.Info("purged cached blob", "cid", key)
	return nil
}

// Stats returns a snapshot of orchestrator counters.
func (s *Service) Stats() Stats {
	return Stats{
		FastHits:          s.fastHits.Load(),
		EarlyHits:         s.earlyHits.Load(),
		DurableHits:       s.durableHits.Load(),
		OriginFetches:     s.originFetches.Load(),
		OriginFailures:    s.originFailures.Load(),
		IntegrityFailures: s.integrityFailures.Load(),
		TierErrors:        s.tierErrors.Load(),
		Coalesce:          s.fetches.Stats(),
		Refresh:           s.refresh.Stats(),
	}
}

// Close drains pending background refreshes.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.refresh.Close(ctx)
	})
	return err
}

// readBounded reads r fully, failing with BLOB_TOO_LARGE past limit bytes.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOriginUnavailable, "failed to read origin body").
			WithRetryable(true)
	}
	if int64(len(data)) > limit {
		return nil, errors.Newf(errors.ErrCodeBlobTooLarge, "blob exceeds %d bytes", limit).
			WithRetryable(false)
	}
	return data, nil
}

// originName keys breakers by origin host so one failing PDS cannot open the
// circuit for others.
func originName(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

func originOutcome(err error) string {
	switch {
	case stderr.Is(err, errors.ErrBlobNotFound):
		return metrics.OutcomeNotFound
	case stderr.Is(err, errors.ErrBlobTooLarge):
		return metrics.OutcomeTooLarge
	case stderr.Is(err, errors.ErrOriginUnavailable):
		return metrics.OutcomeUnavailable
	default:
		return metrics.OutcomeError
	}
}

func withDownloadHint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("download", "1")
	u.RawQuery = q.Encode()
	return u.String()
}
