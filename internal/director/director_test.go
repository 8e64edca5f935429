package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/clock/system"
	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/id/uuid"
	"github.com/insightops/fleetharvest/internal/pool"
)

func TestStartRunCompletesAllJobs(t *testing.T) {
	t.Parallel()

	d := newDirector(t, 2, &stubExtractor{})
	defer shutdown(t, d)

	runID, err := d.StartRun(context.Background(), specs(5))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.WaitRun(waitCtx, runID))

	snap, err := d.Status(runID)
	require.NoError(t, err)
	require.Equal(t, 5, snap.Total)
	require.Equal(t, 5, snap.Succeeded)
	require.Equal(t, 0, snap.Failed)
	require.False(t, snap.FinishedAt.IsZero())
}

func TestStartRunValidatesSpecs(t *testing.T) {
	t.Parallel()

	d := newDirector(t, 1, &stubExtractor{})
	defer shutdown(t, d)

	_, err := d.StartRun(context.Background(), nil)
	require.Error(t, err)

	_, err = d.StartRun(context.Background(), []fleet.JobSpec{{Priority: fleet.PriorityMedium}})
	require.ErrorContains(t, err, "client key")

	_, err = d.StartRun(context.Background(), []fleet.JobSpec{{ClientKey: "c1", Priority: fleet.Priority(99)}})
	require.ErrorContains(t, err, "priority")
}

func TestStatusUnknownRun(t *testing.T) {
	t.Parallel()

	d := newDirector(t, 1, &stubExtractor{})
	defer shutdown(t, d)

	_, err := d.Status("nope")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, d.Cancel("nope"), ErrRunNotFound)
}

func TestCancelFailsPendingAndInterruptsInFlight(t *testing.T) {
	t.Parallel()

	ext := &stubExtractor{block: make(chan struct{}), started: make(chan struct{})}
	d := newDirector(t, 1, ext)
	defer shutdown(t, d)

	runID, err := d.StartRun(context.Background(), specs(4))
	require.NoError(t, err)

	// One worker: the first job blocks in navigate, three stay pending.
	select {
	case <-ext.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no job reached the extractor")
	}
	require.NoError(t, d.Cancel(runID))

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.WaitRun(waitCtx, runID))

	snap, err := d.Status(runID)
	require.NoError(t, err)
	require.Equal(t, 4, snap.Processed)
	require.Equal(t, 0, snap.Succeeded)
	require.Equal(t, 4, snap.Failed)
}

func TestCancelSettlesRetryableInFlightFailure(t *testing.T) {
	t.Parallel()

	ext := &transientExtractor{started: make(chan struct{}), release: make(chan struct{})}
	d := newDirector(t, 1, ext)
	defer shutdown(t, d)

	runID, err := d.StartRun(context.Background(), specs(1))
	require.NoError(t, err)

	select {
	case <-ext.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no job reached the extractor")
	}
	// The attempt fails with an ordinary transient error only after the
	// cancel: the job must settle instead of being requeued forever.
	require.NoError(t, d.Cancel(runID))
	close(ext.release)

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.WaitRun(waitCtx, runID))

	snap, err := d.Status(runID)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Processed)
	require.Equal(t, 0, snap.Succeeded)
	require.Equal(t, 1, snap.Failed)
	require.Equal(t, 0, snap.InFlight)
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	t.Parallel()

	d := newDirector(t, 1, &stubExtractor{})
	shutdown(t, d)

	_, err := d.StartRun(context.Background(), specs(1))
	require.ErrorIs(t, err, ErrShuttingDown)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestConcurrentRunsShareThePool(t *testing.T) {
	t.Parallel()

	d := newDirector(t, 2, &stubExtractor{delay: 2 * time.Millisecond})
	defer shutdown(t, d)

	runA, err := d.StartRun(context.Background(), specs(4))
	require.NoError(t, err)
	runB, err := d.StartRun(context.Background(), specs(4))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.WaitRun(waitCtx, runA))
	require.NoError(t, d.WaitRun(waitCtx, runB))

	for _, runID := range []string{runA, runB} {
		snap, err := d.Status(runID)
		require.NoError(t, err)
		require.Equal(t, 4, snap.Succeeded)
	}
}

func newDirector(t *testing.T, capacity int, ext fleet.Extractor) *Director {
	t.Helper()
	factory := func(context.Context) (fleet.Session, error) {
		return &stubSession{}, nil
	}
	p, err := pool.New(context.Background(), capacity, factory, zap.NewNop())
	require.NoError(t, err)
	return New(p, ext, nil, nil, system.New(), uuid.New(), Config{
		Workers:        capacity,
		StatusInterval: time.Hour,
		Logger:         zap.NewNop(),
	})
}

func shutdown(t *testing.T, d *Director) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func specs(n int) []fleet.JobSpec {
	out := make([]fleet.JobSpec, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fleet.JobSpec{
			ClientKey: fmt.Sprintf("client-%d", i),
			Priority:  fleet.PriorityMedium,
		})
	}
	return out
}

type stubExtractor struct {
	delay time.Duration

	// block makes the first navigate close started and wait for ctx.
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (e *stubExtractor) Run(ctx context.Context, _ fleet.Session, _ *fleet.Job, phase fleet.Phase) error {
	if phase != fleet.PhaseNavigate {
		return nil
	}
	if e.block != nil {
		var first bool
		e.once.Do(func() { first = true })
		if first {
			close(e.started)
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("should not run after cancel")
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return nil
}

// transientExtractor blocks the first navigate until release closes, then
// fails with a plain retryable error.
type transientExtractor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *transientExtractor) Run(_ context.Context, _ fleet.Session, _ *fleet.Job, phase fleet.Phase) error {
	if phase != fleet.PhaseNavigate {
		return nil
	}
	e.once.Do(func() { close(e.started) })
	<-e.release
	return errors.New("portal connection reset")
}

type stubSession struct{}

func (s *stubSession) ID() string                    { return "stub" }
func (s *stubSession) Healthy(context.Context) error { return nil }
func (s *stubSession) Close(context.Context) error   { return nil }
