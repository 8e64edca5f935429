package fleet

import (
	"context"
	"time"
)

// Session is a leased browser session as seen by the orchestration core.
// Concrete implementations expose richer automation surfaces; collaborators
// that need them assert for what they require.
type Session interface {
	ID() string
	Healthy(ctx context.Context) error
	Close(ctx context.Context) error
}

// Extractor drives the portal-specific work for one phase of a job against a
// leased session, mutating the job's Result in place. Implementations return
// plain errors for transient failures and Fatal-wrapped errors for failures
// that must not be retried.
type Extractor interface {
	Run(ctx context.Context, sess Session, job *Job, phase Phase) error
}

// ResultSink receives completed job results. Writes are best-effort after
// extraction success: a failing sink never reverts a Completed job.
type ResultSink interface {
	Name() string
	Write(ctx context.Context, job *Job) error
	Healthcheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
