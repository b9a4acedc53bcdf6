package adapter

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpreprint/blobcache/internal/blob"
	"github.com/openpreprint/blobcache/internal/circuit"
	"github.com/openpreprint/blobcache/internal/config"
	"github.com/openpreprint/blobcache/internal/testutil"
	"github.com/openpreprint/blobcache/pkg/cid"
)

const testDID = "did:plc:ewvi7nxzyoun6zhxrhs64oiz"

var preprint = []byte("%PDF-1.7\n% adapter wiring test\n%%EOF")

// network serves a PLC directory and a PDS from one server.
type network struct {
	*httptest.Server
	blobCID     string
	blobFetches atomic.Int64
}

func newNetwork(t *testing.T) *network {
	t.Helper()

	c, err := cid.ComputeCID(preprint, cid.CodecRaw)
	require.NoError(t, err)
	n := &network{blobCID: c.String()}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+testDID, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/did+ld+json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": testDID,
			"service": []map[string]string{{
				"id":              "#atproto_pds",
				"type":            "AtprotoPersonalDataServer",
				"serviceEndpoint": n.URL,
			}},
		})
	})
	mux.HandleFunc("/xrpc/com.atproto.sync.getBlob", func(w http.ResponseWriter, r *http.Request) {
		n.blobFetches.Add(1)
		if r.URL.Query().Get("cid") != n.blobCID {
			http.Error(w, `{"error":"BlobNotFound"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(preprint)
	})

	n.Server = httptest.NewServer(mux)
	t.Cleanup(n.Close)
	return n
}

func testConfig(t *testing.T, n *network, fakeS3 *testutil.FakeS3) *config.Configuration {
	t.Helper()

	cfg := config.NewDefault()
	cfg.Metrics.Enabled = false
	cfg.DurableCache.Bucket = fakeS3.Bucket
	cfg.DurableCache.Endpoint = fakeS3.URL
	cfg.DurableCache.ForcePathStyle = true
	cfg.Origin.DID.PLCDirectoryURL = n.URL
	cfg.Origin.DID.RetryWaitMin = time.Millisecond
	cfg.Origin.DID.RetryWaitMax = 5 * time.Millisecond
	cfg.Resilience.Retry.InitialDelay = time.Millisecond
	cfg.Resilience.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)

	cfg := config.NewDefault()
	_, err = New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestAdapter_ServesThroughMemoryTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := newNetwork(t)
	fakeS3 := testutil.NewFakeS3(t, "blobs")

	a, err := New(ctx, testConfig(t, n, fakeS3), nil, WithS3Client(fakeS3.Client()))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	res, err := a.Service().GetBlob(ctx, testDID, n.blobCID, "")
	require.NoError(t, err)
	assert.Equal(t, preprint, res.Data)
	assert.Equal(t, blob.TierOrigin, res.Tier)
	assert.Equal(t, n.URL, res.SourceOrigin)

	require.NotNil(t, fakeS3.Object("blobs/"+n.blobCID), "origin bytes should land in the durable tier")

	res, err = a.Service().GetBlob(ctx, testDID, n.blobCID, "")
	require.NoError(t, err)
	assert.Equal(t, blob.TierFast, res.Tier)
	assert.Equal(t, int64(1), n.blobFetches.Load())
}

func TestAdapter_RedisLevel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := newNetwork(t)
	fakeS3 := testutil.NewFakeS3(t, "blobs")
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig(t, n, fakeS3)
	cfg.FastCache.Driver = config.DriverRedis
	cfg.FastCache.Redis.Addr = mr.Addr()

	a, err := New(ctx, cfg, nil, WithS3Client(fakeS3.Client()), WithRedisClient(rdb))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	_, err = a.Service().GetBlob(ctx, testDID, n.blobCID, "")
	require.NoError(t, err)

	assert.True(t, mr.Exists(cfg.FastCache.Redis.KeyPrefix+n.blobCID), "entry should be shared through redis")

	require.NoError(t, a.Stop(ctx))
	assert.NoError(t, rdb.Ping(ctx).Err(), "an injected client stays open")
}

func TestAdapter_HealthChecks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := newNetwork(t)
	fakeS3 := testutil.NewFakeS3(t, "blobs")
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig(t, n, fakeS3)
	cfg.FastCache.Driver = config.DriverRedis
	cfg.FastCache.Redis.Addr = mr.Addr()

	a, err := New(ctx, cfg, nil, WithS3Client(fakeS3.Client()), WithRedisClient(rdb))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	health := func() (int, map[string]any) {
		rec := httptest.NewRecorder()
		a.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body
	}

	code, body := health()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["checks"], "durable_cache")
	assert.Contains(t, body["checks"], "redis")

	fakeS3.SetFailing(true)
	code, _ = health()
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAdapter_StartServesMetrics(t *testing.T) {
	ctx := context.Background()
	n := newNetwork(t)
	fakeS3 := testutil.NewFakeS3(t, "blobs")

	port := freePort(t)
	cfg := testConfig(t, n, fakeS3)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = port

	a, err := New(ctx, cfg, nil, WithS3Client(fakeS3.Client()))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx), "second Start is a no-op")

	_, err = a.Service().GetBlob(ctx, testDID, n.blobCID, "")
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx), "Stop is idempotent")
	assert.Error(t, a.Start(ctx), "a stopped adapter cannot restart")
}

func TestBreakerGauge(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, breakerGauge(circuit.StateClosed))
	assert.Equal(t, 1.0, breakerGauge(circuit.StateHalfOpen))
	assert.Equal(t, 2.0, breakerGauge(circuit.StateOpen))
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
