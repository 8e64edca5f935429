package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/store"
)

func TestRunHandler_ListRunJobs_ReturnsRecords(t *testing.T) {
	t.Parallel()

	finished := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	repo := &fakeAuditRepo{
		records: []store.JobRecord{
			{
				JobID:      uuid.New(),
				RunID:      "run-1",
				ClientKey:  "acme",
				StartedAt:  finished.Add(-time.Minute),
				FinishedAt: &finished,
				Outcome:    store.OutcomeSucceeded,
				Attempts:   1,
			},
			{
				JobID:     uuid.New(),
				RunID:     "run-1",
				ClientKey: "globex",
				StartedAt: finished,
				Outcome:   store.OutcomeRunning,
			},
		},
	}
	srv := newHistoryServer(t, repo)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/jobs?limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "run-1", repo.listedRun)
	require.Equal(t, 10, repo.listedLimit)

	var resp struct {
		Jobs []jobDTO `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	require.Equal(t, "acme", resp.Jobs[0].ClientKey)
	require.Equal(t, "succeeded", resp.Jobs[0].Outcome)
	require.NotNil(t, resp.Jobs[0].FinishedAt)
	require.Nil(t, resp.Jobs[1].FinishedAt)
}

func TestRunHandler_ListRunJobs_InvalidPaging(t *testing.T) {
	t.Parallel()

	srv := newHistoryServer(t, &fakeAuditRepo{})
	for _, target := range []string{
		"/v1/runs/run-1/jobs?limit=0",
		"/v1/runs/run-1/jobs?limit=bogus",
		"/v1/runs/run-1/jobs?offset=-1",
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestRunHandler_ListRunJobs_RepoError(t *testing.T) {
	t.Parallel()

	srv := newHistoryServer(t, &fakeAuditRepo{err: errors.New("connection refused")})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/jobs", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunHandler_GetJob_Succeeds(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	errMsg := "portal timeout"
	finished := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	repo := &fakeAuditRepo{
		records: []store.JobRecord{{
			JobID:        jobID,
			RunID:        "run-1",
			ClientKey:    "acme",
			StartedAt:    finished.Add(-time.Minute),
			FinishedAt:   &finished,
			Outcome:      store.OutcomeFailed,
			Attempts:     3,
			ErrorMessage: &errMsg,
		}},
	}
	srv := newHistoryServer(t, repo)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Job jobDTO `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, jobID.String(), resp.Job.JobID)
	require.Equal(t, "failed", resp.Job.Outcome)
	require.Equal(t, 3, resp.Job.Attempts)
	require.NotNil(t, resp.Job.Error)
	require.Equal(t, "portal timeout", *resp.Job.Error)
}

func TestRunHandler_GetJob_NotFound(t *testing.T) {
	t.Parallel()

	srv := newHistoryServer(t, &fakeAuditRepo{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+uuid.NewString(), nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHandler_GetJob_InvalidID(t *testing.T) {
	t.Parallel()

	srv := newHistoryServer(t, &fakeAuditRepo{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid job_id")
}

func TestRunHandler_NilRepoUnavailable(t *testing.T) {
	t.Parallel()

	srv := newHistoryServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+uuid.NewString(), nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func newHistoryServer(t *testing.T, repo store.AuditRepository) *Server {
	t.Helper()
	d := newTestDirector(t, 1)
	t.Cleanup(func() { shutdownDirector(t, d) })
	return NewServer(d, NewRunHandler(repo, zap.NewNop()), nil, Config{Logger: zap.NewNop()})
}

// fakeAuditRepo serves canned records and captures list arguments.
type fakeAuditRepo struct {
	records []store.JobRecord
	err     error

	listedRun   string
	listedLimit int
}

func (f *fakeAuditRepo) UpsertJobStart(context.Context, store.JobRecord) error { return nil }

func (f *fakeAuditRepo) CompleteJob(context.Context, uuid.UUID, time.Time, store.JobOutcome, int, *string) error {
	return nil
}

func (f *fakeAuditRepo) GetJob(_ context.Context, jobID uuid.UUID) (store.JobRecord, error) {
	if f.err != nil {
		return store.JobRecord{}, f.err
	}
	for _, rec := range f.records {
		if rec.JobID == jobID {
			return rec, nil
		}
	}
	return store.JobRecord{}, store.ErrNotFound
}

func (f *fakeAuditRepo) ListRunJobs(_ context.Context, runID string, limit, offset int) ([]store.JobRecord, error) {
	f.listedRun = runID
	f.listedLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.JobRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}
