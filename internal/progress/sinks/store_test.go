package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/insightops/fleetharvest/internal/progress"
	"github.com/insightops/fleetharvest/internal/store"
)

// TestStoreSinkPersistsLifecycle ensures start, retry, and terminal events map
// onto repository calls while phase events are skipped.
func TestStoreSinkPersistsLifecycle(t *testing.T) {
	t.Parallel()

	repo := &fakeAuditRepo{}
	sink := NewStoreSink(repo, nil)
	jobUUID := uuid.New()
	jobID := progress.UUIDToBytes(jobUUID)
	now := time.Now()

	batch := []progress.Event{
		{JobID: jobID, RunID: "run-1", ClientKey: "client-9", Stage: progress.StageJobStart, Attempt: 1, TS: now},
		{JobID: jobID, Stage: progress.StagePhaseDone, Phase: "navigate", Attempt: 1, TS: now.Add(time.Second)},
		{JobID: jobID, RunID: "run-1", ClientKey: "client-9", Stage: progress.StageJobRetry, Attempt: 2, TS: now.Add(2 * time.Second)},
		{JobID: jobID, Stage: progress.StageJobDone, Attempt: 2, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 2)
	require.Equal(t, jobUUID, repo.starts[0].JobID)
	require.Equal(t, "client-9", repo.starts[0].ClientKey)
	require.Equal(t, 2, repo.starts[1].Attempts)

	require.Len(t, repo.completes, 1)
	require.Equal(t, store.OutcomeSucceeded, repo.completes[0].outcome)
	require.Equal(t, 2, repo.completes[0].attempts)
	require.Nil(t, repo.completes[0].errMsg)
}

// TestStoreSinkRecordsFailureNote carries the failing error text into the row.
func TestStoreSinkRecordsFailureNote(t *testing.T) {
	t.Parallel()

	repo := &fakeAuditRepo{}
	sink := NewStoreSink(repo, nil)
	jobID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, Stage: progress.StageJobError, Attempt: 3, TS: time.Now(), Note: "required field missing"},
	}))

	require.Len(t, repo.completes, 1)
	require.Equal(t, store.OutcomeFailed, repo.completes[0].outcome)
	require.NotNil(t, repo.completes[0].errMsg)
	require.Equal(t, "required field missing", *repo.completes[0].errMsg)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeAuditRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	jobID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, Stage: progress.StageJobStart, Attempt: 1, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeAuditRepo struct {
	fail      bool
	starts    []store.JobRecord
	completes []completeCall
}

type completeCall struct {
	jobID    uuid.UUID
	outcome  store.JobOutcome
	attempts int
	errMsg   *string
}

func (r *fakeAuditRepo) UpsertJobStart(_ context.Context, rec store.JobRecord) error {
	if r.fail {
		return errors.New("boom")
	}
	r.starts = append(r.starts, rec)
	return nil
}

func (r *fakeAuditRepo) CompleteJob(_ context.Context, jobID uuid.UUID, _ time.Time, outcome store.JobOutcome, attempts int, errMsg *string) error {
	if r.fail {
		return errors.New("boom")
	}
	r.completes = append(r.completes, completeCall{jobID: jobID, outcome: outcome, attempts: attempts, errMsg: errMsg})
	return nil
}

func (r *fakeAuditRepo) GetJob(context.Context, uuid.UUID) (store.JobRecord, error) {
	return store.JobRecord{}, store.ErrNotFound
}

func (r *fakeAuditRepo) ListRunJobs(context.Context, string, int, int) ([]store.JobRecord, error) {
	return nil, nil
}
