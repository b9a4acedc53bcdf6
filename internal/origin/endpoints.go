package origin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openpreprint/blobcache/internal/coalesce"
	"github.com/openpreprint/blobcache/pkg/errors"
)

// EndpointCache remembers owner DID to origin endpoint mappings for the
// lifetime of the process. Entries are only ever inserted: a mapping is never
// overwritten and a failed resolution is never replaced by a guess.
type EndpointCache struct {
	resolver IdentityResolver
	logger   *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]string

	inflight coalesce.Group[string]
}

// NewEndpointCache creates an empty cache backed by resolver.
func NewEndpointCache(resolver IdentityResolver, logger *slog.Logger) *EndpointCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointCache{
		resolver:  resolver,
		logger:    logger.With("component", "endpoint-cache"),
		endpoints: make(map[string]string),
	}
}

// Resolve returns the origin endpoint for ownerDID, asking the resolver on a
// miss. Concurrent misses for one DID share a single resolution. An absent
// endpoint or a resolver failure is an IDENTITY_RESOLUTION error.
func (c *EndpointCache) Resolve(ctx context.Context, ownerDID string) (string, error) {
	if endpoint, ok := c.Lookup(ownerDID); ok {
		return endpoint, nil
	}

	endpoint, _, err := c.inflight.Do(ctx, ownerDID, func(ctx context.Context) (string, error) {
		if endpoint, ok := c.Lookup(ownerDID); ok {
			return endpoint, nil
		}

		endpoint, err := c.resolver.GetOriginEndpoint(ctx, ownerDID)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeIdentityResolution {
				return "", err
			}
			return "", errors.Wrap(err, errors.ErrCodeIdentityResolution, "identity resolution failed").
				WithContext("did", ownerDID)
		}
		if endpoint == "" {
			return "", errors.New(errors.ErrCodeIdentityResolution, "no origin endpoint for owner").
				WithContext("did", ownerDID)
		}
		return c.insert(ownerDID, endpoint), nil
	})
	if err != nil {
		c.logger.Warn("could not resolve origin endpoint", "did", ownerDID, "error", err)
		return "", err
	}
	return endpoint, nil
}

// Lookup returns a cached endpoint without resolving.
func (c *EndpointCache) Lookup(ownerDID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	endpoint, ok := c.endpoints[ownerDID]
	return endpoint, ok
}

// Len returns the number of cached mappings.
func (c *EndpointCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.endpoints)
}

// insert stores endpoint unless a mapping already exists, and returns the
// mapping that is in effect.
func (c *EndpointCache) insert(ownerDID, endpoint string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.endpoints[ownerDID]; ok {
		return existing
	}
	c.endpoints[ownerDID] = endpoint
	return endpoint
}
