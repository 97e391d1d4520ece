package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"schoolscraper/pkg/logger"
)

// Handler processes one job on behalf of a worker. It may emit any number of
// results. A returned error is fatal: the pool cancels its context so the
// remaining workers stop after their current job.
type Handler[J any, R any] func(ctx context.Context, workerID int, job J, emit func(R)) error

// WorkerPool runs a fixed number of workers over a job queue. Each worker
// keeps its own identity so callers can give it private resources.
type WorkerPool[J any, R any] struct {
	numWorkers  int
	jobQueue    chan J
	resultQueue chan R
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	handler     Handler[J, R]
	logger      logger.Logger

	errOnce sync.Once
	err     error
	closed  sync.Once
}

// NewWorkerPool creates a pool whose context derives from parent
func NewWorkerPool[J any, R any](parent context.Context, numWorkers int, handler Handler[J, R], log logger.Logger) *WorkerPool[J, R] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(parent)

	return &WorkerPool[J, R]{
		numWorkers:  numWorkers,
		jobQueue:    make(chan J, numWorkers*2),
		resultQueue: make(chan R, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		handler:     handler,
		logger:      log.WithField("component", "pool"),
	}
}

// Start launches the workers
func (wp *WorkerPool[J, R]) Start() {
	wp.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit queues a job. It fails once the pool is cancelled.
func (wp *WorkerPool[J, R]) Submit(job J) error {
	if wp.ctx.Err() != nil {
		return fmt.Errorf("worker pool is shutting down")
	}
	select {
	case wp.jobQueue <- job:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Close signals that no more jobs will be submitted, waits for the workers
// and closes the result channel. Results must be drained concurrently.
func (wp *WorkerPool[J, R]) Close() {
	wp.closed.Do(func() {
		close(wp.jobQueue)
		wp.wg.Wait()
		close(wp.resultQueue)
		wp.cancel()
		wp.logger.Info("Worker pool stopped")
	})
}

// Cancel stops the pool; workers finish their current job first
func (wp *WorkerPool[J, R]) Cancel() {
	wp.cancel()
}

// Context is cancelled when the pool stops or a handler fails
func (wp *WorkerPool[J, R]) Context() context.Context {
	return wp.ctx
}

// Results returns the channel results are emitted on
func (wp *WorkerPool[J, R]) Results() <-chan R {
	return wp.resultQueue
}

// Err returns the first handler error, if any
func (wp *WorkerPool[J, R]) Err() error {
	wp.wg.Wait()
	return wp.err
}

func (wp *WorkerPool[J, R]) fail(err error) {
	wp.errOnce.Do(func() {
		wp.err = err
		wp.cancel()
	})
}

func (wp *WorkerPool[J, R]) worker(id int) {
	defer wp.wg.Done()

	log := wp.logger.WithField("worker_id", id)
	log.Debug("Worker started")

	// results are always delivered, even after cancellation, so the consumer
	// sees the outcome of every unit a worker finished
	emit := func(r R) { wp.resultQueue <- r }

	for job := range wp.jobQueue {
		if wp.ctx.Err() != nil {
			// drain remaining jobs without running them
			continue
		}

		start := time.Now()
		if err := wp.handler(wp.ctx, id, job, emit); err != nil {
			log.WithError(err).ErrorWithFields("Worker job failed", map[string]interface{}{
				"duration": time.Since(start),
			})
			wp.fail(err)
			continue
		}
		log.DebugWithFields("Worker finished job", map[string]interface{}{
			"duration": time.Since(start),
		})
	}

	log.Debug("Worker stopping - job queue closed")
}
