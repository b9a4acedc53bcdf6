package origin

import (
	"context"
	stderr "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpreprint/blobcache/pkg/errors"
)

const (
	testDID = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"
	testCID = "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"
)

func TestBlobURL(t *testing.T) {
	t.Parallel()

	got, err := BlobURL("https://pds.example.com/", testDID, testCID)
	require.NoError(t, err)
	assert.Equal(t,
		"https://pds.example.com/xrpc/com.atproto.sync.getBlob?cid="+testCID+"&did=did%3Aplc%3Aewvi7nxzyoun6zhxrhs64oiz",
		got)

	for _, bad := range []string{"", "pds.example.com", "ftp://pds.example.com", "https://"} {
		_, err := BlobURL(bad, testDID, testCID)
		assert.True(t, stderr.Is(err, errors.ErrIdentityResolution), bad)
	}
}

func TestPDSClient_GetBlob(t *testing.T) {
	t.Parallel()

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, getBlobPath, r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	t.Cleanup(srv.Close)

	client := NewPDSClient(PDSClientConfig{}, nil, nil)
	body, err := client.GetBlob(context.Background(), srv.URL, testDID, testCID)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	assert.Contains(t, gotQuery, "cid="+testCID)
	assert.Contains(t, gotQuery, "did=did%3Aplc%3A")
}

func TestPDSClient_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		code      errors.ErrorCode
		retryable bool
	}{
		{http.StatusNotFound, errors.ErrCodeBlobNotFound, false},
		{http.StatusBadRequest, errors.ErrCodeBlobNotFound, false},
		{http.StatusTooManyRequests, errors.ErrCodeOriginUnavailable, true},
		{http.StatusInternalServerError, errors.ErrCodeOriginUnavailable, true},
		{http.StatusBadGateway, errors.ErrCodeOriginUnavailable, true},
		{http.StatusServiceUnavailable, errors.ErrCodeOriginUnavailable, true},
		{http.StatusForbidden, errors.ErrCodeOriginUnavailable, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			t.Cleanup(srv.Close)

			body, err := NewPDSClient(PDSClientConfig{}, nil, nil).GetBlob(context.Background(), srv.URL, testDID, testCID)
			assert.Nil(t, body)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestPDSClient_TransportFailureIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	_, err := NewPDSClient(PDSClientConfig{}, nil, nil).GetBlob(context.Background(), endpoint, testDID, testCID)
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrOriginUnavailable))
	assert.True(t, errors.IsRetryable(err))
}
