package workers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCollectsErrorsWithoutCancellingSiblings(t *testing.T) {
	pool := NewPool(PoolDependencies{Workers: 2, QueueSize: 2})

	var ran atomic.Int32
	boom := errors.New("boom")

	go func() {
		for i := 0; i < 5; i++ {
			fail := i == 1 || i == 3
			pool.Submit(context.Background(), NewJob("job", func(ctx context.Context) error {
				ran.Add(1)
				if fail {
					return boom
				}
				return nil
			}))
		}
		pool.Close()
	}()

	errs := pool.Run(context.Background())

	assert.Equal(t, int32(5), ran.Load())
	require.Len(t, errs, 2)
	for _, jobErr := range errs {
		assert.ErrorIs(t, jobErr.Err, boom)
	}
}

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	pool := NewPool(PoolDependencies{Workers: 1, QueueSize: 1})

	ok := pool.Submit(context.Background(), NewJob("first", func(ctx context.Context) error { return nil }))
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- pool.Submit(ctx, NewJob("second", func(ctx context.Context) error { return nil }))
	}()

	select {
	case <-done:
		t.Fatal("submit returned despite a full queue")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("submit did not observe context cancellation")
	}
}

func TestSubmitAfterKillReturnsFalse(t *testing.T) {
	pool := NewPool(PoolDependencies{Workers: 1, QueueSize: 1})

	require.True(t, pool.Submit(context.Background(), NewJob("fill", func(ctx context.Context) error { return nil })))

	pool.Kill()

	ok := pool.Submit(context.Background(), NewJob("late", func(ctx context.Context) error { return nil }))
	assert.False(t, ok)
}

func TestKillSkipsQueuedJobs(t *testing.T) {
	pool := NewPool(PoolDependencies{Workers: 2, QueueSize: 4})

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.True(t, pool.Submit(context.Background(), NewJob("job", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})))
	}
	pool.Close()
	pool.Kill()

	errs := pool.Run(context.Background())

	assert.Empty(t, errs)
	assert.Equal(t, int32(0), ran.Load())
}

func TestVetoDefersChildUntilParentCompletes(t *testing.T) {
	// A child path is unsafe to dispatch while its parent is pending.
	safe := func(job Job, pending []Job) bool {
		for _, other := range pending {
			if strings.HasPrefix(job.Name, other.Name+"/") {
				return false
			}
		}
		return true
	}

	pool := NewPool(PoolDependencies{Workers: 1, QueueSize: 4, Safe: safe})

	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// The child arrives first; it must still run after the parent.
	require.True(t, pool.Submit(context.Background(), NewJob("ds/sub", record("ds/sub"))))
	require.True(t, pool.Submit(context.Background(), NewJob("ds", record("ds"))))
	pool.Close()

	errs := pool.Run(context.Background())

	assert.Empty(t, errs)
	assert.Equal(t, []string{"ds", "ds/sub"}, order)
}

func TestVetoCycleIsBrokenWhenNothingInFlight(t *testing.T) {
	pool := NewPool(PoolDependencies{
		Workers:   1,
		QueueSize: 1,
		Safe:      func(Job, []Job) bool { return false },
	})

	var ran atomic.Int32
	require.True(t, pool.Submit(context.Background(), NewJob("stuck", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})))
	pool.Close()

	errs := pool.Run(context.Background())

	assert.Empty(t, errs)
	assert.Equal(t, int32(1), ran.Load())
}

func TestNewJobAssignsDistinctIDs(t *testing.T) {
	run := func(ctx context.Context) error { return nil }

	a := NewJob("a", run)
	b := NewJob("b", run)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "a", a.Name)
}
