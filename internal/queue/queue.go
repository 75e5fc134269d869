// Package queue provides a bounded in-process job queue with at-least-once
// delivery for enrichment dispatch. Producers enqueue typed job records;
// a bounded pool of consumers dequeues and processes them.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one unit of enrichment work, keyed by query id.
type Job struct {
	ID         string    `json:"id"`
	QueryID    string    `json:"query_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ErrQueueFull is returned when the queue cannot accept more jobs;
// callers treat it as backpressure.
var ErrQueueFull = eris.New("queue: full")

// ErrClosed is returned from Dequeue after Close drains.
var ErrClosed = eris.New("queue: closed")

// Queue is the job-dispatch contract between the payment processor and
// the enrichment worker pool.
type Queue interface {
	Enqueue(job Job) error
	// Dequeue blocks until a job is available, ctx is done, or the queue
	// is closed.
	Dequeue(ctx context.Context) (Job, error)
	// Nack returns a failed job for redelivery, incrementing its attempt
	// counter. Delivery is at-least-once; consumers must be idempotent.
	Nack(job Job) error
	Len() int
	Close()
}

// Memory is a channel-backed Queue bounded at a fixed capacity.
type Memory struct {
	jobs chan Job

	mu     sync.Mutex
	closed bool

	maxAttempts int
}

// NewMemory creates a queue with the given capacity. maxAttempts bounds
// redelivery; a job nacked past it is dropped with an error log.
func NewMemory(capacity, maxAttempts int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Memory{
		jobs:        make(chan Job, capacity),
		maxAttempts: maxAttempts,
	}
}

// Enqueue adds a job without blocking. Returns ErrQueueFull when at
// capacity.
func (q *Memory) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks for the next job.
func (q *Memory) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return Job{}, ErrClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Nack requeues a failed job unless its attempts are exhausted.
func (q *Memory) Nack(job Job) error {
	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		zap.L().Error("dropping job after max redeliveries",
			zap.String("job_id", job.ID),
			zap.String("query_id", job.QueryID),
			zap.Int("attempts", job.Attempt),
		)
		return eris.Errorf("queue: job %s exhausted %d attempts", job.ID, job.Attempt)
	}
	return q.Enqueue(job)
}

// Len returns the number of queued jobs.
func (q *Memory) Len() int {
	return len(q.jobs)
}

// Close stops accepting jobs; queued jobs remain dequeueable until drained.
func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
