package origin

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openpreprint/blobcache/pkg/errors"
)

const getBlobPath = "/xrpc/com.atproto.sync.getBlob"

// PDSClientConfig configures the blob client.
type PDSClientConfig struct {
	// DialTimeout bounds connection setup. The whole exchange is bounded by
	// the caller's context.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ResponseHeaderTimeout bounds the wait for response headers.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`

	// MaxIdleConnsPerHost keeps connections to busy origins warm.
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`

	UserAgent string `yaml:"user_agent"`
}

// PDSClient fetches blobs over the ATProto sync API. It makes exactly one
// HTTP request per call; retries belong to the caller's resilience policy.
type PDSClient struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewPDSClient creates a client. A nil httpClient gets a transport built from
// cfg.
func NewPDSClient(cfg PDSClientConfig, httpClient *http.Client, logger *slog.Logger) *PDSClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = 20 * time.Second
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 8
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "blobcache/1.0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
				ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
				MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}

	return &PDSClient{
		httpClient: httpClient,
		userAgent:  cfg.UserAgent,
		logger:     logger.With("component", "pds-client"),
	}
}

// GetBlob implements Repository.
//
// 400 and 404 answers map to BLOB_NOT_FOUND, which is final. 429, 5xx and
// transport failures map to ORIGIN_UNAVAILABLE, which is retryable.
func (c *PDSClient) GetBlob(ctx context.Context, endpoint, ownerDID, cid string) (io.ReadCloser, error) {
	blobURL, err := BlobURL(endpoint, ownerDID, cid)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to build origin request").
			WithContext("endpoint", endpoint)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeOriginUnavailable, "origin request failed").
			WithContext("endpoint", endpoint).
			WithContext("cid", cid)
	}

	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	// Drain a little so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	c.logger.Debug("origin answered with error status",
		"endpoint", endpoint, "cid", cid, "status", resp.StatusCode)

	return nil, statusError(resp.StatusCode, endpoint, ownerDID, cid)
}

// BlobURL builds the sync API URL for a blob on endpoint.
func BlobURL(endpoint, ownerDID, cid string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.Newf(errors.ErrCodeIdentityResolution, "invalid origin endpoint %q", endpoint).
			WithContext("did", ownerDID)
	}
	u.Path += getBlobPath
	u.RawQuery = url.Values{"did": {ownerDID}, "cid": {cid}}.Encode()
	return u.String(), nil
}

func statusError(status int, endpoint, ownerDID, cid string) error {
	var err *errors.BlobError
	switch {
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		err = errors.Newf(errors.ErrCodeBlobNotFound, "origin has no blob (status %d)", status).
			WithRetryable(false)
	case status == http.StatusTooManyRequests || status >= 500:
		err = errors.Newf(errors.ErrCodeOriginUnavailable, "origin unavailable (status %d)", status).
			WithRetryable(true)
	default:
		err = errors.Newf(errors.ErrCodeOriginUnavailable, "unexpected origin status %d", status).
			WithRetryable(false)
	}
	return err.
		WithContext("endpoint", endpoint).
		WithContext("did", ownerDID).
		WithContext("cid", cid).
		WithDetail("status", status)
}
