package blob

import (
	"context"
	"io"
	"time"

	"github.com/openpreprint/blobcache/internal/storage/s3"
)

// Tier names the layer that served a request.
type Tier string

const (
	TierFast    Tier = "fast"
	TierDurable Tier = "durable"
	TierOrigin  Tier = "origin"
)

// FetchResult is the outcome of one logical GetBlob. Callers that joined a
// coalesced fetch share the same value and must treat Data as read-only.
type FetchResult struct {
	Data         []byte `json:"-"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	Tier         Tier   `json:"tier"`
	SourceOrigin string `json:"source_origin,omitempty"`
	EarlyFetch   bool   `json:"early_fetch,omitempty"`
}

// Entry is a verified blob ready to be written to the cache tiers.
type Entry struct {
	CID          string
	Data         []byte
	ContentType  string
	SourceOrigin string
	CachedAt     time.Time
	TTL          time.Duration
}

// Size returns the entry's size in bytes.
func (e Entry) Size() int64 {
	return int64(len(e.Data))
}

// URLSource tells a client where a URL points.
type URLSource string

const (
	SourceDirect URLSource = "direct"
	SourceCache  URLSource = "cache"
	SourceProxy  URLSource = "proxy"
)

// URLDescriptor describes where a client should fetch a blob.
type URLDescriptor struct {
	URL            string        `json:"url"`
	DirectURL      string        `json:"direct_url"`
	Source         URLSource     `json:"source"`
	TTL            time.Duration `json:"ttl,omitempty"`
	WillProxy      bool          `json:"will_proxy"`
	OriginEndpoint string        `json:"origin_endpoint"`
}

// BlobStream is a blob prepared for proxying to a client.
type BlobStream struct {
	Body         io.ReadCloser
	ContentType  string
	Size         int64
	Disposition  string
	Tier         Tier
	SourceOrigin string
}

// Policy runs origin calls under retry and circuit breaking.
type Policy interface {
	Execute(ctx context.Context, name string, fn func(context.Context) error) error
}

// DurableCache is the Tier 2 store.
type DurableCache interface {
	Get(ctx context.Context, cid string) ([]byte, *s3.ObjectInfo, error)
	Set(ctx context.Context, cid string, data []byte, contentType, sourceOrigin string, ttl time.Duration) error
	Has(ctx context.Context, cid string) (bool, error)
	Delete(ctx context.Context, cid string) error
	PublicURL(cid string) string
}

// EndpointResolver maps owner DIDs to origin endpoints.
type EndpointResolver interface {
	Resolve(ctx context.Context, ownerDID string) (string, error)
	Lookup(ownerDID string) (string, bool)
}
