package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/fleet"
)

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, zap.NewNop())
	require.Error(t, err)
}

func TestClientURL(t *testing.T) {
	t.Parallel()

	p, err := New(Config{BaseURL: "https://portal.example.com/"}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.com/clients/acme-123", p.clientURL("acme-123"))
}

func TestRunRejectsUnknownPhase(t *testing.T) {
	t.Parallel()

	p := newPortal(t, Config{BaseURL: "https://portal.example.com"})
	job := newJob()
	err := p.Run(context.Background(), &plainSession{}, job, fleet.Phase("teleport"))
	require.ErrorContains(t, err, "unknown phase")
}

func TestNavigateRequiresScriptedSession(t *testing.T) {
	t.Parallel()

	p := newPortal(t, Config{BaseURL: "https://portal.example.com"})
	err := p.Run(context.Background(), &plainSession{}, newJob(), fleet.PhaseNavigate)
	require.Error(t, err)
	assert.Equal(t, fleet.OutcomeFatal, fleet.Classify(err))
}

func TestProcessNormalizesWhitespace(t *testing.T) {
	t.Parallel()

	p := newPortal(t, Config{BaseURL: "https://portal.example.com"})
	job := newJob()
	job.Result.Fields = map[string]string{
		"client_name":  "  Acme \n  SA  ",
		"policy_count": "12",
	}
	require.NoError(t, p.Run(context.Background(), &plainSession{}, job, fleet.PhaseProcess))
	assert.Equal(t, "Acme SA", job.Result.Fields["client_name"])
	assert.Equal(t, "12", job.Result.Fields["policy_count"])
}

func TestValidateReportsMissingFields(t *testing.T) {
	t.Parallel()

	p := newPortal(t, Config{
		BaseURL:        "https://portal.example.com",
		RequiredFields: []string{"client_name", "policy_count"},
	})
	job := newJob()
	job.Result.Fields = map[string]string{"client_name": "Acme SA", "policy_count": "   "}

	err := p.Run(context.Background(), &plainSession{}, job, fleet.PhaseValidate)
	require.ErrorContains(t, err, "policy_count")
	// Half-rendered pages are the usual cause, so the failure stays retryable.
	assert.Equal(t, fleet.OutcomeRetry, fleet.Classify(err))

	job.Result.Fields["policy_count"] = "12"
	require.NoError(t, p.Run(context.Background(), &plainSession{}, job, fleet.PhaseValidate))
}

func TestArchiveRecordsSnapshotURI(t *testing.T) {
	t.Parallel()

	archiver := &fakeArchiver{uri: "memory://pages/run-1/job-1-abc.html"}
	p, err := New(Config{BaseURL: "https://portal.example.com"}, nil, archiver, zap.NewNop())
	require.NoError(t, err)

	job := newJob()
	p.archive(context.Background(), job, "<html>page</html>")
	assert.Equal(t, "memory://pages/run-1/job-1-abc.html", job.Result.Extra["snapshot"])
	assert.Equal(t, 1, archiver.calls)
}

func TestArchiveFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()

	archiver := &fakeArchiver{err: errors.New("bucket gone")}
	p, err := New(Config{BaseURL: "https://portal.example.com"}, nil, archiver, zap.NewNop())
	require.NoError(t, err)

	job := newJob()
	p.archive(context.Background(), job, "<html>page</html>")
	assert.Nil(t, job.Result.Extra)
}

func newPortal(t *testing.T, cfg Config) *Portal {
	t.Helper()
	p, err := New(cfg, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return p
}

func newJob() *fleet.Job {
	return fleet.NewJob("job-1", "run-1", fleet.JobSpec{
		ClientKey: "acme-123",
		Priority:  fleet.PriorityMedium,
	}, 0, time.Now())
}

// plainSession satisfies fleet.Session but not the scripted runner surface.
type plainSession struct{}

func (s *plainSession) ID() string                    { return "plain" }
func (s *plainSession) Healthy(context.Context) error { return nil }
func (s *plainSession) Close(context.Context) error   { return nil }

type fakeArchiver struct {
	uri   string
	err   error
	calls int
}

func (f *fakeArchiver) ArchivePage(_ context.Context, _, _ string, _ []byte) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.uri, nil
}
