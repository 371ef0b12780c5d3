package gateway

import (
	"context"
	"time"

	"github.com/user/pushrelay/internal/correlator"
	"github.com/user/pushrelay/internal/types"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job is one pending delivery of correlated timestamps to a subscription.
// Key is the subscription's store key and selects the job's lane.
type Job struct {
	ID            types.JobID
	Key           string
	SubscriberKey string
	LogKey        string
	LogTime       int64
	Values        []int64
	Status        JobStatus
	CreatedAt     time.Time
	Ctx           context.Context
}

// NewJob creates a queued Job from a correlation match.
func NewJob(logKey string, logTime int64, m correlator.Match) *Job {
	return &Job{
		ID:            types.NewJobID(),
		Key:           m.Key,
		SubscriberKey: m.SubscriberKey,
		LogKey:        logKey,
		LogTime:       logTime,
		Values:        m.Values,
		Status:        JobStatusQueued,
		CreatedAt:     time.Now(),
	}
}
