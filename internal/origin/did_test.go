package origin

import (
	"context"
	stderr "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpreprint/blobcache/pkg/errors"
)

func plcDocument(did, endpoint string) string {
	return `{
  "@context": ["https://www.w3.org/ns/did/v1"],
  "id": "` + did + `",
  "alsoKnownAs": ["at://alice.example.com"],
  "service": [
    {"id": "#bsky_notif", "type": "BskyNotificationService", "serviceEndpoint": "https://notify.example.com"},
    {"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "` + endpoint + `"}
  ]
}`
}

func newTestResolver(plcURL string) *DIDResolver {
	return NewDIDResolver(DIDResolverConfig{
		PLCDirectoryURL: plcURL,
		HTTPTimeout:     2 * time.Second,
		RetryMax:        2,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    5 * time.Millisecond,
		WebScheme:       "http",
	}, nil)
}

func TestDIDResolver_PLC(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+testDID {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(plcDocument(testDID, "https://pds.example.com/")))
	}))
	t.Cleanup(srv.Close)

	endpoint, err := newTestResolver(srv.URL).GetOriginEndpoint(context.Background(), testDID)
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example.com", endpoint)
}

func TestDIDResolver_PLCUnknownDIDIsAbsent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	endpoint, err := newTestResolver(srv.URL).GetOriginEndpoint(context.Background(), "did:plc:unknown")
	require.NoError(t, err)
	assert.Empty(t, endpoint)
}

func TestDIDResolver_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(plcDocument(testDID, "https://pds.example.com")))
	}))
	t.Cleanup(srv.Close)

	endpoint, err := newTestResolver(srv.URL).GetOriginEndpoint(context.Background(), testDID)
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example.com", endpoint)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDIDResolver_PersistentFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestResolver(srv.URL).GetOriginEndpoint(context.Background(), testDID)
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrIdentityResolution))
}

func TestDIDResolver_DocumentWithoutPDS(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"no services":     `{"id":"` + testDID + `","service":[]}`,
		"wrong type":      `{"id":"` + testDID + `","service":[{"id":"#atproto_pds","type":"Other","serviceEndpoint":"https://x"}]}`,
		"not a url":       `{"id":"` + testDID + `","service":[{"id":"#atproto_pds","type":"AtprotoPersonalDataServer","serviceEndpoint":"pds"}]}`,
		"endpoint object": `{"id":"` + testDID + `","service":[{"id":"#atproto_pds","type":"AtprotoPersonalDataServer","serviceEndpoint":{"uri":"https://x"}}]}`,
	}

	for name, body := range tests {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			t.Cleanup(srv.Close)

			endpoint, err := newTestResolver(srv.URL).GetOriginEndpoint(context.Background(), testDID)
			require.NoError(t, err)
			assert.Empty(t, endpoint)
		})
	}
}

func TestDIDResolver_MismatchedDocumentID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(plcDocument("did:plc:someoneelse", "https://pds.example.com")))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestResolver(srv.URL).GetOriginEndpoint(context.Background(), testDID)
	assert.True(t, stderr.Is(err, errors.ErrIdentityResolution))
}

func TestDIDResolver_Web(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		host := strings.ReplaceAll(r.Host, ":", "%3A")
		_, _ = w.Write([]byte(plcDocument("did:web:"+host, "https://pds.example.org")))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	did := "did:web:" + strings.ReplaceAll(u.Host, ":", "%3A")

	endpoint, err := newTestResolver("http://unused.invalid").GetOriginEndpoint(context.Background(), did)
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example.org", endpoint)
	assert.Equal(t, "/.well-known/did.json", gotPath)
}

func TestWebDocumentURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want string
		ok   bool
	}{
		{"example.com", "https://example.com/.well-known/did.json", true},
		{"example.com%3A8443", "https://example.com:8443/.well-known/did.json", true},
		{"example.com:user:alice", "https://example.com/user/alice/did.json", true},
		{"", "", false},
		{"evil.com%2Fpath", "", false},
		{"example.com::alice", "", false},
	}

	for _, tt := range tests {
		got, err := webDocumentURL("https", tt.id)
		if !tt.ok {
			assert.Error(t, err, tt.id)
			continue
		}
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.want, got)
	}
}

func TestDIDResolver_UnsupportedMethod(t *testing.T) {
	t.Parallel()

	r := newTestResolver("http://unused.invalid")
	for _, did := range []string{"did:key:z6Mk", "did:plc:", "alice.example.com", ""} {
		_, err := r.GetOriginEndpoint(context.Background(), did)
		assert.True(t, stderr.Is(err, errors.ErrIdentityResolution), did)
	}
}
