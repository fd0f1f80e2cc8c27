package dx

import (
	"testing"

	"github.com/stretchr/testify/assert"

	redisq "notesync.evalgo.org/queue/redis"
)

func TestQueueProcessorRejectsWrongJobType(t *testing.T) {
	p := &QueueProcessor{Orchestrator: &Orchestrator{}}
	assert.Equal(t, "", p.GetJobID("not-a-job"))
	assert.Error(t, p.Process(nil, "not-a-job"))
}

func TestQueueProcessorGetJobIDMatchesJobID(t *testing.T) {
	p := &QueueProcessor{Orchestrator: &Orchestrator{}}
	job := redisq.Job{PlanID: 7, ViewName: "By Category"}
	assert.Equal(t, job.ID(), p.GetJobID(job))
}
