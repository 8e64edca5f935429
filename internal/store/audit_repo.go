// Package store declares interfaces for persisting run and job history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("audit record not found")

// JobOutcome mirrors the job_history outcome column.
type JobOutcome string

// Outcomes persisted in job_history.outcome.
const (
	OutcomeRunning   JobOutcome = "running"
	OutcomeSucceeded JobOutcome = "succeeded"
	OutcomeFailed    JobOutcome = "failed"
)

// JobRecord models one row of job_history.
type JobRecord struct {
	// JobID is the job's UUID, shared with workers and the API.
	JobID uuid.UUID
	// RunID is the owning orchestration run.
	RunID string
	// ClientKey is the external client identifier the job extracted.
	ClientKey string
	// StartedAt captures when a worker first picked the job up.
	StartedAt time.Time
	// FinishedAt is nil until the job reaches a terminal state.
	FinishedAt *time.Time
	// Outcome is running/succeeded/failed.
	Outcome JobOutcome
	// Attempts is the number of attempts consumed.
	Attempts int
	// ErrorMessage stores the final failure reason, if any.
	ErrorMessage *string
}

// AuditRepository persists job lifecycle milestones so run history survives
// the process.
type AuditRepository interface {
	// UpsertJobStart records (idempotently) that a job attempt began.
	UpsertJobStart(ctx context.Context, rec JobRecord) error
	// CompleteJob marks the job terminal with its outcome and attempts.
	CompleteJob(ctx context.Context, jobID uuid.UUID, finishedAt time.Time, outcome JobOutcome, attempts int, errMsg *string) error

	// GetJob loads one job record or returns ErrNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (JobRecord, error)
	// ListRunJobs returns job records for a run with limit/offset paging.
	ListRunJobs(ctx context.Context, runID string, limit, offset int) ([]JobRecord, error)
}
