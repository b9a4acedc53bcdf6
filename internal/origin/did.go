package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/openpreprint/blobcache/pkg/errors"
)

// Service entry that names a repository's PDS in its DID document.
const (
	PDSServiceID   = "#atproto_pds"
	PDSServiceType = "AtprotoPersonalDataServer"
)

const maxDIDDocumentSize = 1 << 20

// DIDResolverConfig configures DID document retrieval.
type DIDResolverConfig struct {
	PLCDirectoryURL string        `yaml:"plc_directory_url"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	RetryMax        int           `yaml:"retry_max"`
	RetryWaitMin    time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax    time.Duration `yaml:"retry_wait_max"`

	// WebScheme is the scheme used for did:web lookups. Always https
	// outside tests.
	WebScheme string `yaml:"-"`
}

// DefaultDIDResolverConfig points at the public PLC directory.
func DefaultDIDResolverConfig() DIDResolverConfig {
	return DIDResolverConfig{
		PLCDirectoryURL: "https://plc.directory",
		HTTPTimeout:     10 * time.Second,
		RetryMax:        2,
		RetryWaitMin:    100 * time.Millisecond,
		RetryWaitMax:    2 * time.Second,
		WebScheme:       "https",
	}
}

// DIDResolver resolves did:plc and did:web identities to their PDS endpoint.
type DIDResolver struct {
	client    *http.Client
	plcURL    string
	webScheme string
	logger    *slog.Logger
}

type didDocument struct {
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

type didService struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	ServiceEndpoint json.RawMessage `json:"serviceEndpoint"`
}

// NewDIDResolver builds a resolver whose HTTP calls retry transient failures.
func NewDIDResolver(cfg DIDResolverConfig, logger *slog.Logger) *DIDResolver {
	def := DefaultDIDResolverConfig()
	if cfg.PLCDirectoryURL == "" {
		cfg.PLCDirectoryURL = def.PLCDirectoryURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = def.RetryWaitMax
	}
	if cfg.WebScheme == "" {
		cfg.WebScheme = def.WebScheme
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "did-resolver")

	rclient := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:       logger,
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		RetryMax:     cfg.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
	}

	return &DIDResolver{
		client:    rclient.StandardClient(),
		plcURL:    strings.TrimRight(cfg.PLCDirectoryURL, "/"),
		webScheme: cfg.WebScheme,
		logger:    logger,
	}
}

// GetOriginEndpoint implements IdentityResolver.
func (r *DIDResolver) GetOriginEndpoint(ctx context.Context, ownerDID string) (string, error) {
	docURL, err := r.documentURL(ownerDID)
	if err != nil {
		return "", err
	}

	doc, found, err := r.fetchDocument(ctx, docURL)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeIdentityResolution, "failed to fetch DID document").
			WithContext("did", ownerDID)
	}
	if !found {
		return "", nil
	}
	if doc.ID != "" && doc.ID != ownerDID {
		return "", errors.Newf(errors.ErrCodeIdentityResolution, "DID document is for %q", doc.ID).
			WithContext("did", ownerDID)
	}

	return pdsEndpoint(doc), nil
}

func (r *DIDResolver) documentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:") && len(did) > len("did:plc:"):
		return r.plcURL + "/" + did, nil
	case strings.HasPrefix(did, "did:web:") && len(did) > len("did:web:"):
		return webDocumentURL(r.webScheme, strings.TrimPrefix(did, "did:web:"))
	default:
		return "", errors.Newf(errors.ErrCodeIdentityResolution, "unsupported DID %q", did)
	}
}

// webDocumentURL follows did:web: the first segment is the (percent-encoded)
// host, further colon separated segments are path components.
func webDocumentURL(scheme, id string) (string, error) {
	segments := strings.Split(id, ":")
	host, err := url.PathUnescape(segments[0])
	if err != nil || host == "" || strings.ContainsAny(host, "/?#@") {
		return "", errors.Newf(errors.ErrCodeIdentityResolution, "invalid did:web host %q", segments[0])
	}

	if len(segments) == 1 {
		return fmt.Sprintf("%s://%s/.well-known/did.json", scheme, host), nil
	}

	path := make([]string, 0, len(segments)-1)
	for _, s := range segments[1:] {
		p, err := url.PathUnescape(s)
		if err != nil || p == "" {
			return "", errors.Newf(errors.ErrCodeIdentityResolution, "invalid did:web path segment %q", s)
		}
		path = append(path, url.PathEscape(p))
	}
	return fmt.Sprintf("%s://%s/%s/did.json", scheme, host, strings.Join(path, "/")), nil
}

func (r *DIDResolver) fetchDocument(ctx context.Context, docURL string) (*didDocument, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		r.logger.Debug("DID document not found", "url", docURL, "status", resp.StatusCode)
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("DID document request returned status %d", resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDIDDocumentSize)).Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("decode DID document: %w", err)
	}
	return &doc, true, nil
}

func pdsEndpoint(doc *didDocument) string {
	for _, svc := range doc.Service {
		if svc.Type != PDSServiceType {
			continue
		}
		if svc.ID != PDSServiceID && !strings.HasSuffix(svc.ID, PDSServiceID) {
			continue
		}
		var endpoint string
		if err := json.Unmarshal(svc.ServiceEndpoint, &endpoint); err != nil {
			continue
		}
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		return strings.TrimRight(endpoint, "/")
	}
	return ""
}
