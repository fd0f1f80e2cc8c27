// Package redis provides a Redis-based job queue implementation.
// This package offers distributed queue operations with blocking dequeue and processing tracking.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue handles job queue operations using Redis
type Queue struct {
	client *redis.Client
	ctx    context.Context
	prefix string // Key prefix for queue keys (e.g., "dx:", "ux:")
}

// Job represents one (plan, view) pair dispatched to a worker for
// independent, checkpointed snapshot-and-upsert processing (spec_full
// §12.1). Each job carries everything a worker needs to open its own
// session and run the view without consulting the orchestrator that
// enqueued it, matching spec §5's "no shared handle across workers"
// concurrency rule.
type Job struct {
	PlanID     int64     `json:"planID"`
	SourceID   int64     `json:"sourceID"`
	ServerName string    `json:"serverName"`
	FilePath   string    `json:"filePath"`
	ViewName   string    `json:"viewName"`
	RunID      string    `json:"runID"`
	QueueName  string    `json:"queueName"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryCount int       `json:"retryCount"`
}

// ID identifies a job by its (plan, view) pair for the processing-set
// bookkeeping below. Nothing checks the processing set before a job
// starts, so two jobs with the same ID can run concurrently.
func (j Job) ID() string {
	return fmt.Sprintf("%d:%s", j.PlanID, j.ViewName)
}

// Config configures the Redis queue
type Config struct {
	RedisURL  string // Redis URL (defaults to DX_QUEUE_REDIS_URL or redis://localhost:6379/0)
	KeyPrefix string // Key prefix for queue keys (defaults to "dxqueue:")
}

// NewQueue creates a new Redis queue client
func NewQueue(ctx context.Context, config Config) (*Queue, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("DX_QUEUE_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "dxqueue:"
	}

	return &Queue{
		client: client,
		ctx:    ctx,
		prefix: prefix,
	}, nil
}

// Close closes the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue adds a job to a queue
func (q *Queue) Enqueue(job Job) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	queueKey := fmt.Sprintf("%s%s", q.prefix, job.QueueName)
	return q.client.RPush(q.ctx, queueKey, string(jobJSON)).Err()
}

// Dequeue removes and returns the next job from a queue (blocking)
func (q *Queue) Dequeue(queueName string, timeout time.Duration) (*Job, error) {
	queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)

	// Use a fresh context with timeout for each dequeue operation
	// This prevents issues with cancelled/expired contexts from init time
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := q.client.BLPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return nil, nil // Timeout, no job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil // No job
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// MarkProcessing adds a job to the processing set with a deadline
func (q *Queue) MarkProcessing(jobID string, deadline time.Time) error {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	return q.client.ZAdd(q.ctx, processingKey, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: jobID,
	}).Err()
}

// CompleteJob removes a job from the processing set
func (q *Queue) CompleteJob(jobID string) error {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	return q.client.ZRem(q.ctx, processingKey, jobID).Err()
}

// FailJob marks job as failed, removing it from the processing set and,
// if requeue is set, re-enqueueing it with RetryCount incremented.
func (q *Queue) FailJob(job Job, requeue bool) error {
	if err := q.CompleteJob(job.ID()); err != nil {
		return err
	}
	if requeue {
		job.EnqueuedAt = time.Now()
		job.RetryCount++
		return q.Enqueue(job)
	}
	return nil
}

// GetQueueDepth returns the number of jobs in a queue
func (q *Queue) GetQueueDepth(queueName string) (int, error) {
	queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)
	depth, err := q.client.LLen(q.ctx, queueKey).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}

// IsProcessing checks if a job is currently being processed
func (q *Queue) IsProcessing(actionID string) (bool, error) {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	score, err := q.client.ZScore(q.ctx, processingKey, actionID).Result()
	if err == redis.Nil {
		return false, nil // Not in processing set
	}
	if err != nil {
		return false, err
	}
	return score > 0, nil
}
