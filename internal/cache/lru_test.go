package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestLRU(t *testing.T, config *CacheConfig, opts ...Option) *LRUCache {
	t.Helper()
	c := NewLRUCache(config, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewLRUCache_Defaults(t *testing.T) {
	t.Parallel()

	c := newTestLRU(t, nil)
	assert.Equal(t, int64(256*1024*1024), c.capacity)
	assert.Equal(t, time.Hour, c.config.TTL)
	assert.NotNil(t, c.early)
}

func TestLRUCache_SetGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, &CacheConfig{MaxSize: 1024, TTL: time.Hour})

	_, ok, err := c.Get(ctx, "bafkmissing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "bafkone", []byte("hello"), "application/pdf", 0))

	hit, ok, err := c.Get(ctx, "bafkone")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), hit.Data)
	assert.Equal(t, "application/pdf", hit.ContentType)
	assert.Equal(t, int64(5), hit.Size)
	assert.False(t, hit.EarlyFetch)

	hit.Data[0] = 'X'
	again, _, _ := c.Get(ctx, "bafkone")
	assert.Equal(t, []byte("hello"), again.Data, "callers must get a copy")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestLRUCache_OverwriteAdjustsSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, &CacheConfig{MaxSize: 1024, TTL: time.Hour})

	require.NoError(t, c.Set(ctx, "k", make([]byte, 100), "", 0))
	require.NoError(t, c.Set(ctx, "k", make([]byte, 40), "", 0))

	assert.Equal(t, int64(40), c.Size())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestLRUCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	c := newTestLRU(t, &CacheConfig{MaxSize: 1024, TTL: time.Hour}, WithClock(clock.Now))

	require.NoError(t, c.Set(ctx, "short", []byte("a"), "", time.Minute))
	require.NoError(t, c.Set(ctx, "default", []byte("b"), "", 0))

	clock.Advance(2 * time.Minute)

	_, ok, _ := c.Get(ctx, "short")
	assert.False(t, ok, "per-entry TTL should win")
	_, ok, _ = c.Get(ctx, "default")
	assert.True(t, ok)

	clock.Advance(time.Hour)
	_, ok, _ = c.Get(ctx, "default")
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestLRUCache_SweepRemovesExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	c := newTestLRU(t, &CacheConfig{MaxSize: 1024, TTL: time.Hour}, WithClock(clock.Now))

	require.NoError(t, c.Set(ctx, "a", []byte("a"), "", time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("b"), "", time.Hour))
	clock.Advance(time.Minute)

	c.sweep()

	assert.Equal(t, 1, c.Stats().Entries)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestLRUCache_EvictsLeastRecentlyUsedBySize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, &CacheConfig{MaxSize: 300, TTL: time.Hour})

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, key, make([]byte, 100), "", 0))
	}
	_, _, _ = c.Get(ctx, "a")

	require.NoError(t, c.Set(ctx, "d", make([]byte, 100), "", 0))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	for _, key := range []string{"a", "c", "d"} {
		_, ok, _ := c.Get(ctx, key)
		assert.True(t, ok, key)
	}
	assert.LessOrEqual(t, c.Size(), int64(300))
}

func TestLRUCache_EvictsByEntryCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, &CacheConfig{MaxSize: 1 << 20, MaxEntries: 2, TTL: time.Hour})

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), []byte("x"), "", 0))
	}
	assert.Equal(t, 2, c.Stats().Entries)
}

func TestLRUCache_SkipsOversizedEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, &CacheConfig{MaxSize: 10, TTL: time.Hour})

	require.NoError(t, c.Set(ctx, "small", []byte("1234"), "", 0))
	require.NoError(t, c.Set(ctx, "huge", make([]byte, 11), "", 0))

	_, ok, _ := c.Get(ctx, "huge")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "small")
	assert.True(t, ok, "oversized write must not flush the cache")
}

func TestLRUCache_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, nil)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), "", 0))
	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "never-set"))

	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestLRUCache_EarlyFetchNearExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	alwaysLow := func() float64 { return 0 }
	c := newTestLRU(t, &CacheConfig{MaxSize: 1024, TTL: time.Hour},
		WithClock(clock.Now),
		WithEarlyExpiration(NewEarlyExpiration(DefaultEarlyExpirationConfig(), alwaysLow)))

	require.NoError(t, c.Set(ctx, "k", []byte("v"), "", time.Hour))

	hit, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.False(t, hit.EarlyFetch, "fresh entries are never early")

	clock.Advance(55 * time.Minute)
	hit, ok, _ = c.Get(ctx, "k")
	require.True(t, ok)
	assert.True(t, hit.EarlyFetch)
	assert.Equal(t, []byte("v"), hit.Data, "early hits still serve data")
	assert.Equal(t, uint64(1), c.Stats().EarlyHits)
}

func TestLRUCache_Clear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, nil)
	require.NoError(t, c.Set(ctx, "a", []byte("1"), "", 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), "", 0))

	c.Clear()

	stats := c.Stats()
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Size)
	assert.Equal(t, uint64(2), stats.Evictions)
}

func TestLRUCache_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestLRU(t, &CacheConfig{MaxSize: 64 * 1024, MaxEntries: 100, TTL: time.Hour})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%150)
				_ = c.Set(ctx, key, make([]byte, 128), "application/octet-stream", 0)
				_, _, _ = c.Get(ctx, key)
				if i%17 == 0 {
					_ = c.Delete(ctx, key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Stats().Entries, 100)
	assert.LessOrEqual(t, c.Size(), int64(64*1024))
}

func TestLRUCache_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewLRUCache(nil)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
