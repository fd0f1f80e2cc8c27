// Package worker provides a generic worker pool for draining job queues.
// It is deliberately job-agnostic: callers supply a Queue and a
// JobProcessor, and the pool handles concurrency, dequeue polling, and
// processing-set bookkeeping around whatever job type the two agree on.
package worker

import (
	"context"
	"fmt"
	"time"

	eve "notesync.evalgo.org/common"
)

// Queue defines the interface for job queue operations
type Queue interface {
	Dequeue(queueName string, timeout time.Duration) (interface{}, error)
	Enqueue(job interface{}) error
	MarkProcessing(jobID string, deadline time.Time) error
	CompleteJob(jobID string) error
	FailJob(job interface{}, requeue bool) error
}

// JobProcessor defines the interface for processing jobs
type JobProcessor interface {
	Process(ctx context.Context, job interface{}) error
	GetJobID(job interface{}) string
	GetTimeout(job interface{}) time.Duration
}

// Pool manages a pool of workers that process jobs from queues
type Pool struct {
	workers   []*Worker
	queue     Queue
	processor JobProcessor
	stopChan  chan struct{}
}

// Worker represents a single worker that processes jobs from a queue
type Worker struct {
	id        int
	queueName string
	queue     Queue
	processor JobProcessor
	stopChan  chan struct{}
}

// Config configures the worker pool
type Config struct {
	Queues map[string]int // Queue name -> number of workers
}

// DefaultConfig returns the default worker configuration for the DX
// job queue (spec_full §12.1): one queue of (plan, view) jobs, drained
// by a small pool since each worker holds its own bridge session for
// the lifetime of a job.
func DefaultConfig(workers int) Config {
	if workers <= 0 {
		workers = 1
	}
	return Config{
		Queues: map[string]int{
			"plan_view": workers,
		},
	}
}

// NewPool creates a new worker pool
func NewPool(queue Queue, processor JobProcessor, config Config) *Pool {
	pool := &Pool{
		workers:   make([]*Worker, 0),
		queue:     queue,
		processor: processor,
		stopChan:  make(chan struct{}),
	}

	for queueName, workerCount := range config.Queues {
		for i := 0; i < workerCount; i++ {
			worker := &Worker{
				id:        i,
				queueName: queueName,
				queue:     queue,
				processor: processor,
				stopChan:  make(chan struct{}),
			}
			pool.workers = append(pool.workers, worker)
		}
	}

	return pool
}

// Start starts all workers in the pool
func (p *Pool) Start() {
	eve.Logger.WithField("workers", len(p.workers)).Info("worker: starting pool")
	for _, w := range p.workers {
		go w.Start()
	}
}

// Stop stops all workers in the pool
func (p *Pool) Stop() {
	close(p.stopChan)
	for _, w := range p.workers {
		close(w.stopChan)
	}
	eve.Logger.Info("worker: pool stopped")
}

// Start starts a worker processing loop
func (w *Worker) Start() {
	log := eve.Logger.WithField("worker_id", w.id).WithField("queue", w.queueName)
	log.Info("worker: started")
	for {
		select {
		case <-w.stopChan:
			log.Info("worker: stopped")
			return
		default:
			if err := w.processNext(); err != nil {
				log.WithError(err).Error("worker: dequeue failed")
				time.Sleep(time.Second)
			}
		}
	}
}

// processNext fetches and processes the next job from the queue
func (w *Worker) processNext() error {
	job, err := w.queue.Dequeue(w.queueName, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return nil
	}

	jobID := w.processor.GetJobID(job)
	log := eve.Logger.WithField("worker_id", w.id).WithField("queue", w.queueName).WithField("job_id", jobID)
	log.Info("worker: processing job")

	timeout := w.processor.GetTimeout(job)
	deadline := time.Now().Add(timeout)
	if err := w.queue.MarkProcessing(jobID, deadline); err != nil {
		log.WithError(err).Warn("worker: mark processing failed, requeueing")
		_ = w.queue.Enqueue(job)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := w.processor.Process(ctx, job); err != nil {
		log.WithError(err).Error("worker: job failed")
		if failErr := w.queue.FailJob(job, false); failErr != nil {
			log.WithError(failErr).Error("worker: failed to mark job as failed")
		}
		return nil
	}

	log.Info("worker: job completed")
	if err := w.queue.CompleteJob(jobID); err != nil {
		log.WithError(err).Warn("worker: failed to mark job as completed")
	}
	return nil
}
