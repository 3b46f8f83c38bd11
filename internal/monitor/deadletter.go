package monitor

import (
	"context"
	"time"
)

// FailedJob is the dead-letter record for a job that will not run again.
type FailedJob struct {
	JobID    string    `json:"job_id"`
	Lane     Lane      `json:"lane"`
	Kind     string    `json:"kind"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	Payload  Payload   `json:"payload"`
	FailedAt time.Time `json:"failed_at"`
}

// NewFailedJob describes job after its final failure.
func NewFailedJob(job Job, err error, at time.Time) FailedJob {
	failed := FailedJob{
		JobID:    job.ID,
		Lane:     job.Lane(),
		Attempt:  job.Attempt,
		Payload:  job.Payload,
		FailedAt: at,
	}
	if job.Payload != nil {
		failed.Kind = job.Payload.Kind()
	}
	if err != nil {
		failed.Error = err.Error()
	}
	return failed
}

// DeadLetterSink receives jobs that exhausted their attempts.
type DeadLetterSink interface {
	Publish(ctx context.Context, failed FailedJob) error
}
