package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/vnkhanh/recallai-backend/logger"
)

var (
	ErrQueueFull   = errors.New("worker queue full")
	ErrPoolStopped = errors.New("worker pool stopped")
)

type Job func(context.Context) error

type WorkerPool struct {
	workerCount int
	jobChan     chan Job
	wg          sync.WaitGroup
	mu          sync.RWMutex
	stopped     bool
	log         *logger.Logger
}

// NewWorkerPool buffers up to queueSize jobs; Submit fails fast beyond that.
func NewWorkerPool(workerCount, queueSize int, log *logger.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 2
	}
	return &WorkerPool{
		workerCount: workerCount,
		jobChan:     make(chan Job, queueSize),
		log:         log.With("component", "worker_pool"),
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	wp.log.Info("starting worker pool", "worker_count", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop refuses new jobs and waits for queued ones to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobChan)
	wp.mu.Unlock()

	wp.log.Info("stopping worker pool")
	wp.wg.Wait()
	wp.log.Info("worker pool stopped")
}

func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.jobChan <- job:
		return nil
	default:
		wp.log.Warn("worker pool job queue full, job rejected")
		return ErrQueueFull
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	log := wp.log.With("worker_id", id)

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case job, ok := <-wp.jobChan:
			if !ok {
				return
			}
			wp.run(ctx, log, job)
		}
	}
}

func (wp *WorkerPool) run(ctx context.Context, log *logger.Logger, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
		}
	}()
	if err := job(ctx); err != nil {
		log.Error("job execution failed", "error", err)
	}
}
