package jobs

import (
	"context"
	"time"
)

// Submitter enqueues a job by name. It returns once the job is durably queued;
// there is no result channel.
type Submitter interface {
	Submit(ctx context.Context, name string, args any) error
}

// Scheduler re-publishes a job to run after delay
type Scheduler interface {
	Schedule(ctx context.Context, job Job, delay time.Duration) error
}

// SubmitterFunc adapts a function to Submitter
type SubmitterFunc func(ctx context.Context, name string, args any) error

func (f SubmitterFunc) Submit(ctx context.Context, name string, args any) error {
	return f(ctx, name, args)
}
