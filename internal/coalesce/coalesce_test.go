package coalesce

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpreprint/blobcache/pkg/errors"
)

func TestGroup_SingleCaller(t *testing.T) {
	t.Parallel()

	var g Group[string]
	v, shared, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
		return "value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.False(t, shared)
	assert.Equal(t, uint64(1), g.Stats().Executions)
}

func TestGroup_ConcurrentCallersShareOneExecution(t *testing.T) {
	t.Parallel()

	var g Group[*[]byte]
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	const n = 16
	results := make([]*[]byte, n)
	sharedFlags := make([]bool, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, shared, err := g.Do(context.Background(), "bafkshared", func(context.Context) (*[]byte, error) {
				if calls.Add(1) == 1 {
					close(started)
				}
				<-release
				data := []byte("blob")
				return &data, nil
			})
			assert.NoError(t, err)
			results[i] = v
			sharedFlags[i] = shared
		}(i)
	}

	<-started
	// Let the other callers join the in-flight call before it resolves.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "fn must run exactly once")
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i], "all callers receive the identical result")
		assert.True(t, sharedFlags[i])
	}
	assert.Zero(t, g.Stats().InFlight)
}

func TestGroup_ErrorIsSharedToo(t *testing.T) {
	t.Parallel()

	var g Group[int]
	release := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "k", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 0, errors.New(errors.ErrCodeIntegrityMismatch, "bad bytes")
			})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.True(t, stderr.Is(err, errors.ErrIntegrityMismatch))
	}
}

func TestGroup_ResolvedKeyStartsFresh(t *testing.T) {
	t.Parallel()

	var g Group[int]
	var calls atomic.Int32
	fn := func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	first, _, _ := g.Do(context.Background(), "k", fn)
	second, _, _ := g.Do(context.Background(), "k", fn)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second, "coalescing bounds concurrent work, not repeated work")
}

func TestGroup_DistinctKeysRunIndependently(t *testing.T) {
	t.Parallel()

	var g Group[string]
	release := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v, _, err := g.Do(context.Background(), key, func(context.Context) (string, error) {
				calls.Add(1)
				<-release
				return key, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, key, v)
		}(key)
	}

	require.Eventually(t, func() bool { return g.Stats().InFlight == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestGroup_CallerCancellationDoesNotCancelComputation(t *testing.T) {
	t.Parallel()

	var g Group[string]
	release := make(chan struct{})
	computationCtxErr := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", func(fnCtx context.Context) (string, error) {
			<-release
			computationCtxErr <- fnCtx.Err()
			return "late", nil
		})
		done <- err
	}()

	require.Eventually(t, func() bool { return g.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	// A second caller joins while the first gives up.
	joined := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func(context.Context) (string, error) {
			return "should not run", nil
		})
		joined <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.NoError(t, <-computationCtxErr, "computation context must not inherit cancellation")
	assert.Equal(t, "late", <-joined)
	assert.Equal(t, uint64(1), g.Stats().Abandoned)
}

func TestGroup_PanicBecomesError(t *testing.T) {
	t.Parallel()

	var g Group[int]
	_, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		panic("boom")
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternalError, errors.CodeOf(err))
	assert.Zero(t, g.Stats().InFlight)
}

func TestGroup_ValuesFromContextSurvive(t *testing.T) {
	t.Parallel()

	type ctxKey struct{}
	var g Group[string]
	ctx := context.WithValue(context.Background(), ctxKey{}, "request-42")

	v, _, err := g.Do(ctx, "k", func(ctx context.Context) (string, error) {
		s, _ := ctx.Value(ctxKey{}).(string)
		return s, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "request-42", v)
}
