package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := NewQueue(context.Background(), Config{RedisURL: "redis://" + mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)

	job := Job{PlanID: 1, SourceID: 2, ServerName: "server01", FilePath: "mail/acme.nsf", ViewName: "By Category"}
	require.NoError(t, q.Enqueue(job))

	depth, err := q.GetQueueDepth(job.QueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, depth) // job.QueueName is empty on this literal; the job went to the "" queue, which is the one measured here

	got, err := q.Dequeue("", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.PlanID, got.PlanID)
	assert.Equal(t, job.ViewName, got.ViewName)
}

func TestDequeueTimesOutWithoutAJob(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.Dequeue("plan_view", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobIDIsStablePerPlanAndView(t *testing.T) {
	a := Job{PlanID: 7, ViewName: "By Category"}
	b := Job{PlanID: 7, ViewName: "By Category", RunID: "different-run"}
	assert.Equal(t, a.ID(), b.ID())

	c := Job{PlanID: 7, ViewName: "By Department"}
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestMarkProcessingCompleteAndFailJob(t *testing.T) {
	q, _ := newTestQueue(t)
	job := Job{PlanID: 3, ViewName: "By Category", QueueName: "plan_view"}

	require.NoError(t, q.MarkProcessing(job.ID(), time.Now().Add(time.Minute)))
	processing, err := q.IsProcessing(job.ID())
	require.NoError(t, err)
	assert.True(t, processing)

	require.NoError(t, q.CompleteJob(job.ID()))
	processing, err = q.IsProcessing(job.ID())
	require.NoError(t, err)
	assert.False(t, processing)

	require.NoError(t, q.MarkProcessing(job.ID(), time.Now().Add(time.Minute)))
	require.NoError(t, q.FailJob(job, true))

	depth, err := q.GetQueueDepth(job.QueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	requeued, err := q.Dequeue(job.QueueName, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, 1, requeued.RetryCount)
}
