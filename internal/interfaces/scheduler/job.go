package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	Execute(ctx context.Context) error

	// Key identifies the job for de-duplication: at most one job per key is
	// queued at a time.
	Key() string

	Description() string
}
