package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageJobStart, Attempt: 1},
		{
			JobID:   jobID,
			TS:      time.Now().Add(10 * time.Second),
			Stage:   progress.StagePhaseDone,
			Phase:   fleet.PhaseNavigate,
			Attempt: 1,
			Dur:     200 * time.Millisecond,
		},
		{JobID: jobID, TS: time.Now().Add(15 * time.Second), Stage: progress.StageJobDone, Attempt: 1, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.phaseLatency, "fleet_progress_phase_latency_seconds"))
}

// TestPrometheusSinkTracksRetriesAndRunning verifies running jobs stay gauged
// across an intermediate retry until the terminal event.
func TestPrometheusSinkTracksRetriesAndRunning(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	jobID := progress.UUIDToBytes(uuid.New())
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageJobStart, Attempt: 1},
		{JobID: jobID, TS: now.Add(time.Second), Stage: progress.StageJobRetry, Attempt: 2, Note: "navigation timed out"},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobRetries))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: now.Add(2 * time.Second), Stage: progress.StageJobError, Attempt: 2, Dur: 2 * time.Second},
	}))

	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("error")))
}
