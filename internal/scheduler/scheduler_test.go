package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunsSubmittedJobs(t *testing.T) {
	e := NewExecutor(2)
	defer e.Shutdown(time.Second)

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		e.Submit(func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
		})
	}
	wg.Wait()
	assert.EqualValues(t, 10, atomic.LoadInt32(&n))
}

func TestExecutorBoundsConcurrency(t *testing.T) {
	e := NewExecutor(2)
	defer e.Shutdown(time.Second)

	var active, maxActive int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		wg.Add(1)
		e.Submit(func(ctx context.Context) {
			defer wg.Done()
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
		})
	}
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(2))
}

func TestExecutorNewDefaultsConcurrencyWhenNonPositive(t *testing.T) {
	e := NewExecutor(0)
	defer e.Shutdown(time.Second)

	done := make(chan struct{})
	e.Submit(func(ctx context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran on default-concurrency executor")
	}
}

func TestExecutorShutdownStopsAcceptingWork(t *testing.T) {
	e := NewExecutor(1)
	e.Shutdown(time.Second)

	ran := false
	e.Submit(func(ctx context.Context) { ran = true })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran, "submit after shutdown must not run")
}

func TestQueueRunsJobsSeriallyInOrder(t *testing.T) {
	q := NewQueue("test-queue")
	defer q.Shutdown(time.Second)
	require.Equal(t, "test-queue", q.Name())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		q.Submit(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDeadlineCancelClosesDoneChannel(t *testing.T) {
	d := NewDeadline(time.Minute)
	select {
	case <-d.Done():
		t.Fatal("deadline reported done before cancel or timeout")
	default:
	}

	d.Cancel()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline did not close Done() after Cancel")
	}
	assert.Error(t, d.Context().Err())
}

func TestDeadlineExpiresOnTimeout(t *testing.T) {
	d := NewDeadline(10 * time.Millisecond)
	defer d.Cancel()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline did not expire within its timeout")
	}
	assert.ErrorIs(t, d.Context().Err(), context.DeadlineExceeded)
}
