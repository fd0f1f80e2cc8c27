package dx

import (
	"context"
	"fmt"
	"time"

	redisq "notesync.evalgo.org/queue/redis"
	"notesync.evalgo.org/worker"
)

var (
	_ worker.JobProcessor = (*QueueProcessor)(nil)
	_ worker.Queue        = (*QueueAdapter)(nil)
)

// viewJobTimeout bounds one (plan, view) job; a single view snapshot and
// upsert pass is expected to finish well inside this, even for a large
// view, since RunCheckpointed persists progress every batchSize documents
// rather than needing to complete in one shot.
const viewJobTimeout = 30 * time.Minute

// EnqueueViewJobs enqueues one job per resolved view of plan so a pool of
// workers can process them concurrently, each against its own bridge
// session (spec_full §12.1). Unresolved views (UpstreamName == "") are
// skipped, matching RunPlan's own behavior.
func EnqueueViewJobs(q *redisq.Queue, queueName string, plan IngestionPlan, sourceID int64, resolved []ResolvedView, runIDFactory func() string) error {
	for _, rv := range resolved {
		if rv.UpstreamName == "" {
			continue
		}
		job := redisq.Job{
			PlanID:     plan.ID,
			SourceID:   sourceID,
			ServerName: plan.ServerName,
			FilePath:   plan.FilePath,
			ViewName:   rv.UpstreamName,
			RunID:      runIDFactory(),
			QueueName:  queueName,
			EnqueuedAt: time.Now(),
		}
		if err := q.Enqueue(job); err != nil {
			return fmt.Errorf("dx: enqueue job for view %s: %w", rv.UpstreamName, err)
		}
	}
	return nil
}

// QueueProcessor adapts Orchestrator to worker.JobProcessor so a
// worker.Pool can drain (plan, view) jobs from the queue.
type QueueProcessor struct {
	*Orchestrator
}

func (p *QueueProcessor) Process(ctx context.Context, job interface{}) error {
	j, ok := job.(redisq.Job)
	if !ok {
		return fmt.Errorf("dx: queue processor: unexpected job type %T", job)
	}
	return p.RunViewJob(ctx, j.PlanID, j.SourceID, j.ServerName, j.FilePath, j.ViewName)
}

func (p *QueueProcessor) GetJobID(job interface{}) string {
	j, ok := job.(redisq.Job)
	if !ok {
		return ""
	}
	return j.ID()
}

func (p *QueueProcessor) GetTimeout(job interface{}) time.Duration {
	return viewJobTimeout
}

// QueueAdapter adapts *redis.Queue's typed Job methods to worker.Queue's
// interface{}-keyed shape, so the worker pool stays job-type-agnostic
// while this package keeps a concrete, typed queue.
type QueueAdapter struct {
	Queue *redisq.Queue
}

func (a *QueueAdapter) Dequeue(queueName string, timeout time.Duration) (interface{}, error) {
	job, err := a.Queue.Dequeue(queueName, timeout)
	if err != nil || job == nil {
		return nil, err
	}
	return *job, nil
}

func (a *QueueAdapter) Enqueue(job interface{}) error {
	j, ok := job.(redisq.Job)
	if !ok {
		return fmt.Errorf("dx: queue adapter: unexpected job type %T", job)
	}
	return a.Queue.Enqueue(j)
}

func (a *QueueAdapter) MarkProcessing(jobID string, deadline time.Time) error {
	return a.Queue.MarkProcessing(jobID, deadline)
}

func (a *QueueAdapter) CompleteJob(jobID string) error {
	return a.Queue.CompleteJob(jobID)
}

func (a *QueueAdapter) FailJob(job interface{}, requeue bool) error {
	j, ok := job.(redisq.Job)
	if !ok {
		return fmt.Errorf("dx: queue adapter: unexpected job type %T", job)
	}
	return a.Queue.FailJob(j, requeue)
}
