package taskholder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteAsync_DedupesConcurrentCallsForSameKey(t *testing.T) {
	h, err := New[string, int]()
	require.NoError(t, err)

	var invocations int32
	gate := make(chan struct{})
	factory := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&invocations, 1)
		<-gate
		return 42, nil
	}

	const n = 5
	results := make([]int, n)
	errsOut := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := h.ExecuteAsync(context.Background(), "k", factory)
			results[i] = v
			errsOut[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.EqualValues(t, 1, invocations)
	for i := 0; i < n; i++ {
		require.NoError(t, errsOut[i])
		assert.Equal(t, 42, results[i])
	}
	assert.Equal(t, 0, h.Len())
}

func TestExecuteAsync_DistinctKeysRunIndependently(t *testing.T) {
	h, err := New[string, int]()
	require.NoError(t, err)

	var invocations int32
	factory := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&invocations, 1)
		return 1, nil
	}

	for _, k := range []string{"a", "b", "c"} {
		_, err := h.ExecuteAsync(context.Background(), k, factory)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, invocations)
}

func TestExecuteAsync_FreshComputationAfterCompletion(t *testing.T) {
	h, err := New[string, int]()
	require.NoError(t, err)

	var invocations int32
	factory := func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&invocations, 1)), nil
	}

	v1, err := h.ExecuteAsync(context.Background(), "k", factory)
	require.NoError(t, err)
	v2, err := h.ExecuteAsync(context.Background(), "k", factory)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
}

func TestExecuteAsyncPriority_PreemptsInFlightAndCancelsWaiters(t *testing.T) {
	h, err := New[string, int]()
	require.NoError(t, err)

	started := make(chan struct{})
	gate := make(chan struct{})
	f1 := func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-gate:
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f2 := func(ctx context.Context) (int, error) {
		return 2, nil
	}

	var f1Err error
	var f1Done sync.WaitGroup
	f1Done.Add(1)
	go func() {
		defer f1Done.Done()
		_, f1Err = h.ExecuteAsync(context.Background(), "k", f1)
	}()
	<-started

	v2, err := h.ExecuteAsyncPriority(context.Background(), "k", f2)
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	f1Done.Wait()
	assert.Error(t, f1Err)
	assert.True(t, errors.Is(f1Err, context.Canceled))
	assert.Equal(t, 0, h.Len())
}

func TestExecuteAsync_MaxConcurrentTasksGatesFactories(t *testing.T) {
	h, err := New[int, int](WithMaxConcurrentTasks(2))
	require.NoError(t, err)

	var running int32
	var maxObserved int32
	gate := make(chan struct{})
	factory := func(ctx context.Context) (int, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		<-gate
		atomic.AddInt32(&running, -1)
		return 0, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.ExecuteAsync(context.Background(), i, factory)
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, int(maxObserved), 2)
}

func TestExecuteAsync_NilFactoryFailsWithInvalidArgument(t *testing.T) {
	h, err := New[string, int]()
	require.NoError(t, err)

	_, err = h.ExecuteAsync(context.Background(), "k", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
}

func TestExecuteAsync_AfterDisposeFailsWithAlreadyDisposed(t *testing.T) {
	h, err := New[string, int]()
	require.NoError(t, err)

	h.Dispose()
	h.Dispose() // idempotent

	_, err = h.ExecuteAsync(context.Background(), "k", func(ctx context.Context) (int, error) { return 1, nil })
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAlreadyDisposed))
}

func TestNew_InvalidMaxConcurrentTasksFailsAtConstruction(t *testing.T) {
	_, err := New[string, int](WithMaxConcurrentTasks(-1))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidRange))
}

func TestExecuteAsync_InFlightFactoryRunsToCompletionAfterDispose(t *testing.T) {
	h, err := New[string, int]()
	require.NoError(t, err)

	started := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan struct{})
	go func() {
		v, err := h.ExecuteAsync(context.Background(), "k", func(ctx context.Context) (int, error) {
			close(started)
			<-gate
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		close(done)
	}()

	<-started
	h.Dispose()
	close(gate)
	<-done
}
