package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolscraper/pkg/logger"
)

func run[J any, R any](t *testing.T, wp *WorkerPool[J, R], jobs []J) []R {
	t.Helper()
	wp.Start()
	go func() {
		defer wp.Close()
		for _, j := range jobs {
			if err := wp.Submit(j); err != nil {
				return
			}
		}
	}()

	var out []R
	for r := range wp.Results() {
		out = append(out, r)
	}
	return out
}

func TestWorkerPoolProcessesAllJobs(t *testing.T) {
	handler := func(ctx context.Context, id int, job int, emit func(int)) error {
		emit(job * 10)
		emit(job*10 + 1)
		return nil
	}
	wp := NewWorkerPool[int, int](context.Background(), 3, handler, logger.NewNopLogger())

	results := run(t, wp, []int{1, 2, 3, 4, 5})
	assert.Len(t, results, 10)
	assert.NoError(t, wp.Err())
}

func TestWorkerPoolSingleWorkerKeepsOrder(t *testing.T) {
	handler := func(ctx context.Context, id int, job string, emit func(string)) error {
		emit(job)
		return nil
	}
	wp := NewWorkerPool[string, string](context.Background(), 1, handler, logger.NewNopLogger())

	assert.Equal(t, []string{"A", "B", "C"}, run(t, wp, []string{"A", "B", "C"}))
}

func TestWorkerPoolWorkerIDsAreStable(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)
	handler := func(ctx context.Context, id int, job int, emit func(int)) error {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		emit(id)
		return nil
	}
	wp := NewWorkerPool[int, int](context.Background(), 2, handler, logger.NewNopLogger())

	for _, id := range run(t, wp, []int{1, 2, 3, 4}) {
		assert.True(t, id == 0 || id == 1)
	}
	assert.Equal(t, 2, wp.numWorkers)
}

func TestWorkerPoolFatalErrorStopsRemainingJobs(t *testing.T) {
	var ran atomic.Int32
	boom := errors.New("disk full")
	handler := func(ctx context.Context, id int, job int, emit func(int)) error {
		ran.Add(1)
		if job == 2 {
			return boom
		}
		emit(job)
		return nil
	}
	wp := NewWorkerPool[int, int](context.Background(), 1, handler, logger.NewNopLogger())

	results := run(t, wp, []int{1, 2, 3, 4, 5})
	assert.Equal(t, []int{1}, results)
	assert.ErrorIs(t, wp.Err(), boom)
	assert.Equal(t, int32(2), ran.Load())
	assert.Error(t, wp.Context().Err())
}

func TestWorkerPoolCancelLetsCurrentJobFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, id int, job int, emit func(int)) error {
		if job == 1 {
			close(started)
			<-release
		}
		emit(job)
		return nil
	}
	wp := NewWorkerPool[int, int](context.Background(), 1, handler, logger.NewNopLogger())
	wp.Start()
	require.NoError(t, wp.Submit(1))
	require.NoError(t, wp.Submit(2))

	<-started
	wp.Cancel()
	assert.Error(t, wp.Submit(3))
	close(release)
	go wp.Close()

	var results []int
	for r := range wp.Results() {
		results = append(results, r)
	}
	assert.Equal(t, []int{1}, results)
}
